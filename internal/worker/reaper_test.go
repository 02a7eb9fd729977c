package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"outflow/internal/domain"
	"outflow/internal/queue"
)

func TestReaperRequeuesJobsOfDeadWorkers(t *testing.T) {
	db, err := queue.Open(queue.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	repo := queue.NewSQLRepo(db, queue.DriverSQLite)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := repo.CreateQueue(ctx, domain.Queue{TenantID: "t1", MaxRetries: 2, Status: domain.QueueProcessing, CreatedAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.InsertJobs(ctx, []domain.Job{
		{QueueID: id, Phone: "+16502530001", Message: "a", MaxAttempts: 3},
		{QueueID: id, Phone: "+16502530002", Message: "b", MaxAttempts: 3},
	}, t0); err != nil {
		t.Fatal(err)
	}
	repo.UpsertWorker(ctx, domain.WorkerStatus{Name: "dead", State: domain.WorkerBusy, StartedAt: t0, LastHeartbeat: t0})
	repo.UpsertWorker(ctx, domain.WorkerStatus{Name: "alive", State: domain.WorkerBusy, StartedAt: t0, LastHeartbeat: t0.Add(10 * time.Minute)})

	dead, err := repo.ClaimNext(ctx, queue.ClaimOptions{Worker: "dead"}, t0)
	if err != nil {
		t.Fatal(err)
	}
	live, err := repo.ClaimNext(ctx, queue.ClaimOptions{Worker: "alive"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	woke := 0
	r := NewReaper(repo, 2*time.Minute, nil).
		WithClock(func() time.Time { return t0.Add(11 * time.Minute) }).
		OnRequeue(func() { woke++ })
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || woke != 1 {
		t.Fatalf("requeued = %d, woke = %d", n, woke)
	}

	j, _ := repo.GetJob(ctx, dead.ID)
	if j.Status != domain.JobPending || j.Attempts != 0 {
		t.Fatalf("dead worker's job = %+v", j)
	}
	j, _ = repo.GetJob(ctx, live.ID)
	if j.Status != domain.JobProcessing {
		t.Fatalf("live worker's job = %+v", j)
	}

	ws, _ := repo.ListWorkers(ctx)
	for _, w := range ws {
		want := domain.WorkerBusy
		if w.Name == "dead" {
			want = domain.WorkerOffline
		}
		if w.State != want {
			t.Fatalf("worker %s state = %s, want %s", w.Name, w.State, want)
		}
	}

	// A second sweep finds nothing.
	if n, err := r.Sweep(ctx); err != nil || n != 0 || woke != 1 {
		t.Fatalf("second sweep: n=%d err=%v woke=%d", n, err, woke)
	}
}
