package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"outflow/internal/domain"
)

// FindCustomers returns the tenant's directory rows matching every set predicate of f.
func (r *sqlRepo) FindCustomers(ctx context.Context, tenantID string, f domain.Filter, now time.Time) ([]domain.Customer, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, phone, first_name, last_name, points, last_visit_at FROM customers WHERE tenant_id=?`)
	args := []any{tenantID}
	if f.MinPoints != nil {
		b.WriteString(` AND points >= ?`)
		args = append(args, *f.MinPoints)
	}
	if f.InactiveDays != nil {
		b.WriteString(` AND (last_visit_at IS NULL OR last_visit_at < ?)`)
		args = append(args, nanos(now.AddDate(0, 0, -*f.InactiveDays)))
	}
	if len(f.CustomerIDs) > 0 {
		b.WriteString(` AND id IN (` + placeholders(len(f.CustomerIDs)) + `)`)
		for _, id := range f.CustomerIDs {
			args = append(args, id)
		}
	}
	b.WriteString(` ORDER BY id`)

	rows, err := r.query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Customer
	for rows.Next() {
		var (
			c     domain.Customer
			visit sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Phone, &c.FirstName, &c.LastName, &c.Points, &visit); err != nil {
			return nil, err
		}
		c.TenantID = tenantID
		c.LastVisitAt = timePtr(visit)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqlRepo) PutCustomer(ctx context.Context, c domain.Customer) error {
	_, err := r.exec(ctx, `
INSERT INTO customers (tenant_id, id, phone, first_name, last_name, points, last_visit_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT (tenant_id, id) DO UPDATE SET phone=excluded.phone, first_name=excluded.first_name,
  last_name=excluded.last_name, points=excluded.points, last_visit_at=excluded.last_visit_at`,
		c.TenantID, c.ID, c.Phone, c.FirstName, c.LastName, c.Points, nullNanos(c.LastVisitAt))
	return err
}
