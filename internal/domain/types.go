package domain

import "time"

type QueueStatus string

const (
	QueueDraft      QueueStatus = "DRAFT"
	QueueScheduled  QueueStatus = "SCHEDULED"
	QueueProcessing QueueStatus = "PROCESSING"
	QueuePaused     QueueStatus = "PAUSED"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueFailed     QueueStatus = "FAILED"
)

// Terminal reports whether no further processing happens for the queue.
func (s QueueStatus) Terminal() bool { return s == QueueCompleted || s == QueueFailed }

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobRetrying   JobStatus = "RETRYING"
)

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type WorkerState string

const (
	WorkerIdle    WorkerState = "IDLE"
	WorkerBusy    WorkerState = "BUSY"
	WorkerError   WorkerState = "ERROR"
	WorkerOffline WorkerState = "OFFLINE"
)

// Filter selects recipients from the customer directory.
type Filter struct {
	MinPoints    *int     `json:"min_points,omitempty"`
	InactiveDays *int     `json:"inactive_days,omitempty"`
	CustomerIDs  []string `json:"customer_ids,omitempty"`
}

// Queue is one campaign run.
type Queue struct {
	ID         string
	TenantID   string
	AccountID  string
	Name       string
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration // backoff base for this queue; zero uses the policy default
	Priority   int
	Filter     *Filter
	Template   string
	Variables  map[string]string

	Total   int
	Sent    int
	Failed  int
	Pending int

	Status      QueueStatus
	ScheduledAt *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResolvedAt  *time.Time // set once every audience job is inserted
	UpdatedAt   time.Time
}

// MaxAttempts is the attempt budget each job of the queue receives.
func (q Queue) MaxAttempts() int { return q.MaxRetries + 1 }

// Job is one recipient's message within a Queue.
type Job struct {
	ID          string
	QueueID     string
	TenantID    string // denormalized from the owning queue on read
	AccountID   string
	Phone       string
	RecipientID string
	Message     string
	Variables   map[string]string

	Priority      int
	ScheduledAt   time.Time
	ProcessAt     time.Time
	NextAttemptAt *time.Time
	RetryDelay    time.Duration // copied from the owning queue on claim

	Attempts    int
	MaxAttempts int
	ErrorCount  int
	LastError   string

	Status            JobStatus
	ProviderMessageID string
	WorkerName        string

	StartedAt     *time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkerStatus is the liveness record of one worker goroutine.
type WorkerStatus struct {
	Name           string
	TenantID       string
	State          WorkerState
	CurrentQueueID string
	CurrentJobID   string
	LastHeartbeat  time.Time
	StartedAt      time.Time
	JobsProcessed  int64
	JobsSuccessful int64
	JobsFailed     int64
	ErrorCount     int64
	LastError      string
	HeapBytes      uint64
	Goroutines     int
}

type OptOutRecord struct {
	TenantID    string
	Phone       string
	OptedBackIn bool
	UpdatedAt   time.Time
}

type RateLimitCounter struct {
	TenantID string
	Day      string // UTC, 2006-01-02
	Count    int
}

type DeliveryAccount struct {
	ID       string
	TenantID string
	DailyCap int
}

// Customer is a row of the recipient directory.
type Customer struct {
	ID          string
	TenantID    string
	Phone       string
	FirstName   string
	LastName    string
	Points      int
	LastVisitAt *time.Time
}

// Recipient is an explicit enqueue target or a resolved audience member.
type Recipient struct {
	RecipientID string            `json:"recipient_id,omitempty"`
	Phone       string            `json:"phone"`
	Message     string            `json:"message,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Progress is the externally visible state of a queue.
type Progress struct {
	QueueID string      `json:"queue_id"`
	Status  QueueStatus `json:"status"`
	Total   int         `json:"total"`
	Sent    int         `json:"sent"`
	Failed  int         `json:"failed"`
	Pending int         `json:"pending"`
	Errors  []JobError  `json:"errors,omitempty"`
}

type JobError struct {
	JobID    string    `json:"job_id"`
	Phone    string    `json:"phone"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// DeliveryRecord is emitted for every job that reaches a terminal status.
type DeliveryRecord struct {
	JobID             string    `json:"job_id"`
	QueueID           string    `json:"queue_id"`
	TenantID          string    `json:"tenant_id"`
	Phone             string    `json:"phone"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Status            JobStatus `json:"status"`
	Attempts          int       `json:"attempts"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}
