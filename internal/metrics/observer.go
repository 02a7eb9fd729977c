package metrics

import "time"

// Job outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeRetrying   = "retrying"
	OutcomeDeferred   = "deferred"
	OutcomeSuppressed = "suppressed"
)

type DeliveryObserver interface {
	JobOutcome(outcome string)
	ObserveSend(d time.Duration, err error)
	IncBusy()
	DecBusy()
	Reaped(n int)
}

// Nop is an observer that records nothing.
type Nop struct{}

func (Nop) JobOutcome(string)                {}
func (Nop) ObserveSend(time.Duration, error) {}
func (Nop) IncBusy()                         {}
func (Nop) DecBusy()                         {}
func (Nop) Reaped(int)                       {}
