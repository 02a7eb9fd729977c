package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"outflow/internal/domain"
)

type fakeStore struct {
	due    []domain.Queue
	byStat map[domain.QueueStatus][]domain.Queue
	dueAt  time.Time
}

func (f *fakeStore) DueScheduledQueues(_ context.Context, now time.Time) ([]domain.Queue, error) {
	f.dueAt = now
	return f.due, nil
}

func (f *fakeStore) ListQueues(_ context.Context, status domain.QueueStatus, _ int) ([]domain.Queue, error) {
	return f.byStat[status], nil
}

type recorder struct {
	mu        sync.Mutex
	triggered []string
	refreshed []string
	sweeps    int
	fail      string
}

func (r *recorder) Trigger(_ context.Context, id string) (domain.QueueStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.fail {
		return "", errors.New("boom")
	}
	r.triggered = append(r.triggered, id)
	return domain.QueueProcessing, nil
}

func (r *recorder) Refresh(_ context.Context, id string) (domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, id)
	return domain.Queue{ID: id}, nil
}

func (r *recorder) Sweep(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 0, nil
}

func (r *recorder) sweepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

func TestActivateDueTriggersEachQueue(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{due: []domain.Queue{
		{ID: "que_a", ScheduledAt: &at},
		{ID: "que_bad", ScheduledAt: &at},
		{ID: "que_b", ScheduledAt: &at},
	}}
	rec := &recorder{fail: "que_bad"}
	now := at.Add(time.Minute)
	s := NewService(st, rec, rec, rec, DefaultSpecs()).WithClock(func() time.Time { return now })

	s.ActivateDue(context.Background())
	if !st.dueAt.Equal(now) {
		t.Fatalf("due lookup at %v", st.dueAt)
	}
	if len(rec.triggered) != 2 || rec.triggered[0] != "que_a" || rec.triggered[1] != "que_b" {
		t.Fatalf("triggered = %v", rec.triggered)
	}
}

func TestRefreshActiveCoversProcessingAndPaused(t *testing.T) {
	st := &fakeStore{byStat: map[domain.QueueStatus][]domain.Queue{
		domain.QueueProcessing: {{ID: "que_p"}},
		domain.QueuePaused:     {{ID: "que_z"}},
	}}
	rec := &recorder{}
	NewService(st, rec, rec, rec, DefaultSpecs()).RefreshActive(context.Background())
	if len(rec.refreshed) != 2 {
		t.Fatalf("refreshed = %v", rec.refreshed)
	}
}

func TestStartRunsJobs(t *testing.T) {
	rec := &recorder{}
	s := NewService(&fakeStore{}, rec, rec, rec, Specs{Reap: "@every 1s"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.sweepCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if rec.sweepCount() == 0 {
		t.Fatal("reap job never ran")
	}
}

func TestStartComputesFirstRuns(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	s := NewService(&fakeStore{}, rec, rec, rec, Specs{Activate: "0 * * * *", Refresh: "@every 15s"}).
		WithClock(func() time.Time { return now })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if next, ok := s.FirstRun("activate"); !ok || !next.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("activate first run = %v %v", next, ok)
	}
	if next, ok := s.FirstRun("refresh"); !ok || !next.Equal(now.Add(15*time.Second)) {
		t.Fatalf("refresh first run = %v %v", next, ok)
	}
	if _, ok := s.FirstRun("reap"); ok {
		t.Fatal("disabled job has a first run")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	rec := &recorder{}
	s := NewService(&fakeStore{}, rec, rec, rec, Specs{Activate: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("want error")
	}
}

func TestValidateCronExpression(t *testing.T) {
	for _, ok := range []string{"*/5 * * * *", "@every 30s", "@hourly"} {
		if err := ValidateCronExpression(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	if err := ValidateCronExpression("61 * * * *"); err == nil {
		t.Error("want error for minute 61")
	}
	next, err := NextRunTime("0 * * * *", time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC))
	if err != nil || !next.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v err=%v", next, err)
	}
}
