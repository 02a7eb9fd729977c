package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"outflow/internal/backoff"
	"outflow/internal/domain"
	"outflow/internal/gateway"
	"outflow/internal/optout"
	"outflow/internal/progress"
	"outflow/internal/queue"
	"outflow/internal/ratelimit"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(phone string, n int) (string, error)
}

func (g *fakeGateway) Send(ctx context.Context, phone, message string) (string, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[phone]++
	n := g.calls[phone]
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(phone, n)
	}
	return "msg-" + phone, nil
}

func (g *fakeGateway) count(phone string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[phone]
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

type recorder struct {
	mu   sync.Mutex
	recs []domain.DeliveryRecord
}

func (r *recorder) Publish(_ context.Context, rec domain.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) all() []domain.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeliveryRecord(nil), r.recs...)
}

type harness struct {
	repo   queue.Repository
	gw     *fakeGateway
	events *recorder
	pool   *Pool
}

func newHarness(t *testing.T, workers int, gw *fakeGateway, defaultCap int) *harness {
	t.Helper()
	db, err := queue.Open(queue.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "w.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	repo := queue.NewSQLRepo(db, queue.DriverSQLite)
	h := &harness{repo: repo, gw: gw, events: &recorder{}}
	h.pool = NewPool(Deps{
		Store:    repo,
		Gateway:  gw,
		Limiter:  ratelimit.New(ratelimit.NewStoreCounter(repo), repo, defaultCap),
		OptOuts:  optout.NewRegistry(repo),
		Progress: progress.NewAggregator(repo),
		Events:   h.events,
	}, Options{
		Workers:           workers,
		Name:              "test",
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Backoff:           backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	return h
}

func (h *harness) queue(t *testing.T, accountID string, phones ...string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	id, err := h.repo.CreateQueue(ctx, domain.Queue{TenantID: "t1", AccountID: accountID, MaxRetries: 2, Status: domain.QueueProcessing, CreatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	var jobs []domain.Job
	for _, p := range phones {
		jobs = append(jobs, domain.Job{QueueID: id, Phone: p, Message: "hello", MaxAttempts: 3})
	}
	if _, err := h.repo.InsertJobs(ctx, jobs, now); err != nil {
		t.Fatal(err)
	}
	return id
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.pool.Stop(ctx)
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) queueStatus(id string) domain.Queue {
	q, _ := h.repo.GetQueue(context.Background(), id)
	return q
}

// jobsByPhone returns the jobs that produced a delivery record.
func (h *harness) jobsByPhone(t *testing.T) map[string]domain.Job {
	t.Helper()
	out := map[string]domain.Job{}
	for _, rec := range h.events.all() {
		j, err := h.repo.GetJob(context.Background(), rec.JobID)
		if err != nil {
			t.Fatal(err)
		}
		out[j.Phone] = j
	}
	return out
}

func TestAllJobsSucceed(t *testing.T) {
	h := newHarness(t, 2, &fakeGateway{}, 0)
	id := h.queue(t, "", "+16502530001", "+16502530002", "+16502530003")
	h.start(t)

	eventually(t, "queue completed", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	q := h.queueStatus(id)
	if q.Total != 3 || q.Sent != 3 || q.Failed != 0 || q.Pending != 0 {
		t.Fatalf("queue = %+v", q)
	}
	recs := h.events.all()
	if len(recs) != 3 {
		t.Fatalf("records = %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != domain.JobCompleted || r.ProviderMessageID != "msg-"+r.Phone || r.Attempts != 1 {
			t.Fatalf("record = %+v", r)
		}
	}
}

func TestTransientThenSuccess(t *testing.T) {
	gw := &fakeGateway{fn: func(phone string, n int) (string, error) {
		if n <= 2 {
			return "", &gateway.Error{Code: "http_503", Message: "unavailable"}
		}
		return "msg-ok", nil
	}}
	h := newHarness(t, 1, gw, 0)
	id := h.queue(t, "", "+16502530001")
	h.start(t)

	eventually(t, "queue completed", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	j := h.jobsByPhone(t)["+16502530001"]
	if j.Status != domain.JobCompleted || j.Attempts != 3 || j.ErrorCount != 2 || j.ProviderMessageID != "msg-ok" {
		t.Fatalf("job = %+v", j)
	}
	if gw.count("+16502530001") != 3 {
		t.Fatalf("gateway calls = %d", gw.count("+16502530001"))
	}
}

func TestTransientExhaustsAttempts(t *testing.T) {
	gw := &fakeGateway{fn: func(string, int) (string, error) {
		return "", &gateway.Error{Code: "http_502", Message: "bad gateway"}
	}}
	h := newHarness(t, 1, gw, 0)
	id := h.queue(t, "", "+16502530001")
	h.start(t)

	eventually(t, "queue failed", func() bool { return h.queueStatus(id).Status == domain.QueueFailed })
	j := h.jobsByPhone(t)["+16502530001"]
	if j.Status != domain.JobFailed || j.Attempts != 3 || j.Attempts > j.MaxAttempts {
		t.Fatalf("job = %+v", j)
	}
	if gw.count("+16502530001") != 3 {
		t.Fatalf("gateway calls = %d", gw.count("+16502530001"))
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	gw := &fakeGateway{fn: func(phone string, _ int) (string, error) {
		if phone == "+16502530002" {
			return "", &gateway.Error{Code: "invalid_number", Message: "not a mobile"}
		}
		return "ok", nil
	}}
	h := newHarness(t, 1, gw, 0)
	id := h.queue(t, "", "+16502530001", "+16502530002")
	h.start(t)

	eventually(t, "queue completed", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	q := h.queueStatus(id)
	if q.Sent != 1 || q.Failed != 1 {
		t.Fatalf("queue = %+v", q)
	}
	j := h.jobsByPhone(t)["+16502530002"]
	if j.Status != domain.JobFailed || j.Attempts != 1 || !strings.Contains(j.LastError, "invalid_number") {
		t.Fatalf("job = %+v", j)
	}
	if gw.count("+16502530002") != 1 {
		t.Fatalf("permanent failure retried: %d calls", gw.count("+16502530002"))
	}
}

func TestOptedOutRecipientIsNotSent(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, 1, gw, 0)
	id := h.queue(t, "", "+16502530001", "+16502530002")
	h.repo.PutOptOut(context.Background(), domain.OptOutRecord{TenantID: "t1", Phone: "+16502530002", UpdatedAt: time.Now()})
	h.start(t)

	eventually(t, "queue completed", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	if gw.count("+16502530002") != 0 {
		t.Fatal("gateway called for opted-out phone")
	}
	j := h.jobsByPhone(t)["+16502530002"]
	if j.Status != domain.JobFailed || !strings.HasPrefix(j.LastError, "opted_out:") {
		t.Fatalf("job = %+v", j)
	}
}

func TestDailyCapDefersWithoutConsumingAttempts(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, 1, gw, 0)
	ctx := context.Background()
	h.repo.PutAccount(ctx, domain.DeliveryAccount{ID: "acc1", TenantID: "t1", DailyCap: 1})
	id := h.queue(t, "acc1", "+16502530001", "+16502530002")
	before := time.Now()
	h.start(t)

	eventually(t, "one send", func() bool { return h.queueStatus(id).Sent == 1 })
	time.Sleep(50 * time.Millisecond)

	if gw.total() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.total())
	}
	q := h.queueStatus(id)
	if q.Status != domain.QueueProcessing || q.Pending != 1 || q.Failed != 0 {
		t.Fatalf("queue = %+v", q)
	}
	counts, _ := h.repo.CountByStatus(ctx, id)
	if counts[domain.JobPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if n, _ := h.repo.CounterGet(ctx, "t1", ratelimit.Day(time.Now())); n != 1 {
		t.Fatalf("counter = %d", n)
	}

	if len(h.jobsByPhone(t)) != 1 {
		t.Fatalf("records = %+v", h.events.all())
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h.pool.Stop(stopCtx)

	// The deferred job is only claimable once the deferral window has passed.
	if _, err := h.repo.ClaimNext(ctx, queue.ClaimOptions{Worker: "inspect", QueueID: id}, time.Now()); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("deferred job claimable early: %v", err)
	}
	j, err := h.repo.ClaimNext(ctx, queue.ClaimOptions{Worker: "inspect", QueueID: id}, before.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if j.Attempts != 1 || j.ProcessAt.Before(before.Add(59*time.Minute)) {
		t.Fatalf("deferred job = %+v", j)
	}
}

func TestPauseStopsClaimingAfterInFlightJob(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{fn: func(phone string, _ int) (string, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			entered <- struct{}{}
			<-release
		}
		return "ok", nil
	}}
	h := newHarness(t, 1, gw, 0)
	ctx := context.Background()
	id := h.queue(t, "", "+16502530001", "+16502530002", "+16502530003")
	h.start(t)

	<-entered
	if ok, err := h.repo.TransitionQueue(ctx, id, []domain.QueueStatus{domain.QueueProcessing}, domain.QueuePaused, time.Now()); !ok || err != nil {
		t.Fatalf("pause: ok=%v err=%v", ok, err)
	}
	close(release)

	eventually(t, "in-flight job completed", func() bool { return h.queueStatus(id).Sent == 1 })
	time.Sleep(50 * time.Millisecond)
	q := h.queueStatus(id)
	if q.Status != domain.QueuePaused || q.Sent != 1 || q.Pending != 2 || gw.total() != 1 {
		t.Fatalf("paused queue = %+v, calls = %d", q, gw.total())
	}

	h.repo.TransitionQueue(ctx, id, []domain.QueueStatus{domain.QueuePaused}, domain.QueueProcessing, time.Now())
	h.pool.Wake()
	eventually(t, "queue completed after resume", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	if q := h.queueStatus(id); q.Sent != 3 {
		t.Fatalf("resumed queue = %+v", q)
	}
}

func TestConcurrentWorkersSendEachJobOnce(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, 6, gw, 0)
	phones := make([]string, 30)
	for i := range phones {
		phones[i] = fmt.Sprintf("+1650253%04d", i)
	}
	id := h.queue(t, "", phones...)
	h.start(t)

	eventually(t, "queue completed", func() bool { return h.queueStatus(id).Status == domain.QueueCompleted })
	for _, p := range phones {
		if n := gw.count(p); n != 1 {
			t.Fatalf("%s sent %d times", p, n)
		}
	}
}

func TestWorkersHeartbeatAndGoOffline(t *testing.T) {
	h := newHarness(t, 3, &fakeGateway{}, 0)
	ctx := context.Background()
	if err := h.pool.Start(ctx); err != nil {
		t.Fatal(err)
	}

	ws, err := h.repo.ListWorkers(ctx)
	if err != nil || len(ws) != 3 {
		t.Fatalf("workers = %+v err=%v", ws, err)
	}
	first := ws[0].LastHeartbeat
	eventually(t, "heartbeat", func() bool {
		ws, _ := h.repo.ListWorkers(ctx)
		return ws[0].LastHeartbeat.After(first) && ws[0].Goroutines > 0 && ws[0].HeapBytes > 0
	})

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h.pool.Stop(stopCtx)
	ws, _ = h.repo.ListWorkers(ctx)
	for _, w := range ws {
		if w.State != domain.WorkerOffline {
			t.Fatalf("worker %s state = %s", w.Name, w.State)
		}
	}
	// Stop twice is a no-op.
	h.pool.Stop(stopCtx)
}

func TestStartRequiresGateway(t *testing.T) {
	p := NewPool(Deps{}, Options{})
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("want error")
	}
}
