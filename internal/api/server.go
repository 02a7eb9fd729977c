package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"outflow/internal/campaign"
	"outflow/internal/domain"
	"outflow/internal/metrics"
)

type Campaigns interface {
	Enqueue(ctx context.Context, req campaign.EnqueueRequest) (campaign.EnqueueResult, error)
	Trigger(ctx context.Context, id string) (domain.QueueStatus, error)
	Status(ctx context.Context, id string) (domain.Progress, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]domain.WorkerStatus, error)
}

type Options struct {
	EnableDebug    bool
	StreamInterval time.Duration // progress push period on /stream
}

type Server struct {
	r         *chi.Mux
	campaigns Campaigns
	workers   WorkerLister
	upgrader  ws.Upgrader
	interval  time.Duration
}

func NewServer(campaigns Campaigns, workers WorkerLister, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer, metrics.HTTPMiddleware)

	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	s := &Server{
		r:         r,
		campaigns: campaigns,
		workers:   workers,
		interval:  opts.StreamInterval,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/queues", s.enqueue)
		r.Route("/queues/{id}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Post("/process", s.trigger)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Get("/stream", s.stream)
		})
		r.Get("/workers", s.listWorkers)
	})

	// Debug routes (pprof)
	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueReq struct {
	TenantID    string             `json:"tenant_id"`
	AccountID   string             `json:"account_id"`
	Name        string             `json:"name"`
	Template    string             `json:"template"`
	Variables   map[string]string  `json:"variables"`
	Priority    int                `json:"priority"`
	MaxRetries  *int               `json:"max_retries"`
	RetryDelay  string             `json:"retry_delay"` // Go duration, e.g. "2s"
	BatchSize   int                `json:"batch_size"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
	Filter      *domain.Filter     `json:"filter"`
	Recipients  []domain.Recipient `json:"recipients"`
}

type enqueueResp struct {
	QueueID     string             `json:"queue_id"`
	QueuedCount int                `json:"queued_count"`
	Status      domain.QueueStatus `json:"status"`
	Invalid     int                `json:"invalid"`
	Duplicates  int                `json:"duplicates"`
	Suppressed  int                `json:"suppressed"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var delay time.Duration
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			http.Error(w, "invalid retry_delay: "+err.Error(), 400)
			return
		}
		delay = d
	}

	res, err := s.campaigns.Enqueue(r.Context(), campaign.EnqueueRequest{
		TenantID:    req.TenantID,
		AccountID:   req.AccountID,
		Name:        req.Name,
		Template:    req.Template,
		Variables:   req.Variables,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		RetryDelay:  delay,
		BatchSize:   req.BatchSize,
		ScheduledAt: req.ScheduledAt,
		Filter:      req.Filter,
		Recipients:  req.Recipients,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{
		QueueID:     res.QueueID,
		QueuedCount: res.Queued,
		Status:      res.Status,
		Invalid:     res.Invalid,
		Duplicates:  res.Duplicates,
		Suppressed:  res.Suppressed,
	})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.campaigns.Trigger(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queue_id": id, "status": status})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	p, err := s.campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.campaigns.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.campaigns.Resume)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.campaigns.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, p)
}

// stream pushes progress snapshots over a websocket until the queue is
// terminal or the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.campaigns.Status(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("queue_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		p, err := s.campaigns.Status(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("queue_id", id).Msg("stream status failed")
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(p); err != nil {
			return
		}
		if p.Status.Terminal() {
			conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, string(p.Status)))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]workerResp, 0, len(workers))
	for _, wk := range workers {
		out = append(out, toWorkerResp(wk))
	}
	writeJSON(w, 200, out)
}

type workerResp struct {
	Name           string             `json:"name"`
	TenantID       string             `json:"tenant_id,omitempty"`
	State          domain.WorkerState `json:"state"`
	CurrentQueueID string             `json:"current_queue_id,omitempty"`
	CurrentJobID   string             `json:"current_job_id,omitempty"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	StartedAt      time.Time          `json:"started_at"`
	JobsProcessed  int64              `json:"jobs_processed"`
	JobsSuccessful int64              `json:"jobs_successful"`
	JobsFailed     int64              `json:"jobs_failed"`
	ErrorCount     int64              `json:"error_count"`
	LastError      string             `json:"last_error,omitempty"`
	HeapBytes      uint64             `json:"heap_bytes"`
	Goroutines     int                `json:"goroutines"`
}

func toWorkerResp(w domain.WorkerStatus) workerResp {
	return workerResp{
		Name:           w.Name,
		TenantID:       w.TenantID,
		State:          w.State,
		CurrentQueueID: w.CurrentQueueID,
		CurrentJobID:   w.CurrentJobID,
		LastHeartbeat:  w.LastHeartbeat,
		StartedAt:      w.StartedAt,
		JobsProcessed:  w.JobsProcessed,
		JobsSuccessful: w.JobsSuccessful,
		JobsFailed:     w.JobsFailed,
		ErrorCount:     w.ErrorCount,
		LastError:      w.LastError,
		HeapBytes:      w.HeapBytes,
		Goroutines:     w.Goroutines,
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case campaign.IsNotFound(err):
		http.Error(w, "not found", 404)
	case errors.Is(err, campaign.ErrInvalidState):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, campaign.ErrInvalid):
		http.Error(w, err.Error(), 400)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
