package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"outflow/internal/domain"
)

var (
	ErrEmpty    = errors.New("no jobs ready")
	ErrNotFound = errors.New("not found")
	// ErrNotHeld is returned when a job is no longer in the state the caller claimed it in,
	// e.g. the reaper requeued it.
	ErrNotHeld = errors.New("job not held")
)

//go:embed schema.sql
var schema string

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the store and applies driver specific settings.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", p, err)
			}
		}
		return db, nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// ClaimOptions scopes a claim. Empty fields match everything.
type ClaimOptions struct {
	Worker   string
	TenantID string
	QueueID  string
}

type Repository interface {
	// Queues
	CreateQueue(ctx context.Context, q domain.Queue) (string, error)
	GetQueue(ctx context.Context, id string) (domain.Queue, error)
	ListQueues(ctx context.Context, status domain.QueueStatus, limit int) ([]domain.Queue, error)
	DueScheduledQueues(ctx context.Context, now time.Time) ([]domain.Queue, error)
	TransitionQueue(ctx context.Context, id string, from []domain.QueueStatus, to domain.QueueStatus, now time.Time) (bool, error)
	MarkResolved(ctx context.Context, id string, total int, now time.Time) error
	RecountQueue(ctx context.Context, id string, now time.Time) error

	// Jobs
	InsertJobs(ctx context.Context, jobs []domain.Job, now time.Time) (int, error)
	CountJobs(ctx context.Context, queueID string) (int, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ClaimNext(ctx context.Context, opts ClaimOptions, now time.Time) (domain.Job, error)
	CompleteJob(ctx context.Context, id, providerMessageID string, now time.Time) error
	RetryJob(ctx context.Context, id, errStr string, nextAttemptAt, now time.Time) error
	FailJob(ctx context.Context, id, errStr string, now time.Time) error
	DeferJob(ctx context.Context, id string, processAt, now time.Time) error
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)
	CountByStatus(ctx context.Context, queueID string) (map[domain.JobStatus]int, error)
	RecentErrors(ctx context.Context, queueID string, limit int) ([]domain.JobError, error)

	// Workers
	UpsertWorker(ctx context.Context, w domain.WorkerStatus) error
	ListWorkers(ctx context.Context) ([]domain.WorkerStatus, error)
	MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error)

	// Suppression and admission
	IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error)
	OptedOutPhones(ctx context.Context, tenantID string) (map[string]bool, error)
	PutOptOut(ctx context.Context, rec domain.OptOutRecord) error
	CounterGet(ctx context.Context, tenantID, day string) (int, error)
	CounterReserve(ctx context.Context, tenantID, day string, limit int) (bool, error)
	AccountCap(ctx context.Context, accountID string) (int, error)
	PutAccount(ctx context.Context, a domain.DeliveryAccount) error

	// Recipient directory
	FindCustomers(ctx context.Context, tenantID string, f domain.Filter, now time.Time) ([]domain.Customer, error)
	PutCustomer(ctx context.Context, c domain.Customer) error
}

type dialect struct {
	numbered  bool   // $1, $2 placeholders instead of ?
	claimLock string // appended to the claim subquery
}

var dialects = map[string]dialect{
	DriverSQLite:   {},
	DriverPostgres: {numbered: true, claimLock: " FOR UPDATE OF j SKIP LOCKED"},
}

type sqlRepo struct {
	db *sql.DB
	d  dialect
}

// NewSQLRepo wraps an opened database. driver selects the SQL dialect.
func NewSQLRepo(db *sql.DB, driver string) Repository {
	return &sqlRepo{db: db, d: dialects[driver]}
}

// rebind rewrites ? placeholders for drivers that number them.
func (r *sqlRepo) rebind(q string) string {
	if !r.d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (r *sqlRepo) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.rebind(q), args...)
}

func (r *sqlRepo) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.rebind(q), args...)
}

func (r *sqlRepo) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.rebind(q), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
