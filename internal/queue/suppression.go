package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"outflow/internal/domain"
	"outflow/internal/phone"
)

// IsOptedOut reports whether phone has an active opt-out for the tenant.
func (r *sqlRepo) IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error) {
	var back int
	err := r.queryRow(ctx, `SELECT opted_back_in FROM opt_outs WHERE tenant_id=? AND phone=?`, tenantID, phone).Scan(&back)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return back == 0, nil
}

func (r *sqlRepo) OptedOutPhones(ctx context.Context, tenantID string) (map[string]bool, error) {
	rows, err := r.query(ctx, `SELECT phone FROM opt_outs WHERE tenant_id=? AND opted_back_in=0`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// PutOptOut stores rec under the E.164 form of its phone, which is what jobs
// carry. Phones without a country prefix cannot be placed and are rejected.
func (r *sqlRepo) PutOptOut(ctx context.Context, rec domain.OptOutRecord) error {
	p, err := phone.Normalize(rec.Phone, "")
	if err != nil {
		return fmt.Errorf("opt-out %q: %w", rec.Phone, err)
	}
	back := 0
	if rec.OptedBackIn {
		back = 1
	}
	_, err = r.exec(ctx, `
INSERT INTO opt_outs (tenant_id, phone, opted_back_in, updated_at) VALUES (?,?,?,?)
ON CONFLICT (tenant_id, phone) DO UPDATE SET opted_back_in=excluded.opted_back_in, updated_at=excluded.updated_at`,
		rec.TenantID, p, back, nanos(rec.UpdatedAt))
	return err
}

func (r *sqlRepo) CounterGet(ctx context.Context, tenantID, day string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT count FROM rate_counters WHERE tenant_id=? AND day=?`, tenantID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// CounterReserve adds one to the tenant's counter for day unless it already
// reached limit. The check and the increment are one statement, so concurrent
// dispatchers cannot both take the last slot. limit <= 0 always reserves.
func (r *sqlRepo) CounterReserve(ctx context.Context, tenantID, day string, limit int) (bool, error) {
	var n int
	err := r.queryRow(ctx, `
INSERT INTO rate_counters (tenant_id, day, count) VALUES (?,?,1)
ON CONFLICT (tenant_id, day) DO UPDATE SET count = rate_counters.count + 1
WHERE ? <= 0 OR rate_counters.count < ?
RETURNING count`, tenantID, day, limit, limit).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AccountCap returns the account's daily cap, 0 when unset or unknown.
func (r *sqlRepo) AccountCap(ctx context.Context, accountID string) (int, error) {
	if accountID == "" {
		return 0, nil
	}
	var n int
	err := r.queryRow(ctx, `SELECT daily_cap FROM delivery_accounts WHERE id=?`, accountID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (r *sqlRepo) PutAccount(ctx context.Context, a domain.DeliveryAccount) error {
	_, err := r.exec(ctx, `
INSERT INTO delivery_accounts (id, tenant_id, daily_cap) VALUES (?,?,?)
ON CONFLICT (id) DO UPDATE SET tenant_id=excluded.tenant_id, daily_cap=excluded.daily_cap`,
		a.ID, a.TenantID, a.DailyCap)
	return err
}
