package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct {
	jobs   *prometheus.CounterVec
	send   *prometheus.HistogramVec
	busy   prometheus.Gauge
	reaped prometheus.Counter
}

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_jobs_total",
		Help: "Job processing outcomes.",
	}, []string{"outcome"})
	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outflow_send_duration_seconds",
		Help:    "Delivery gateway call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outflow_workers_busy",
		Help: "Workers currently processing a job.",
	})
	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outflow_reaped_jobs_total",
		Help: "Jobs returned to the queue after their worker went stale.",
	})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "outflow_http_duration_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"route", "method", "status"})
)

func NewPrometheusObserver() DeliveryObserver {
	return &prometheusObserver{
		jobs:   jobsTotal,
		send:   sendDuration,
		busy:   workersBusy,
		reaped: reapedTotal,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) JobOutcome(outcome string) {
	p.jobs.WithLabelValues(outcome).Inc()
}

func (p *prometheusObserver) ObserveSend(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.send.WithLabelValues(result).Observe(d.Seconds())
}

func (p *prometheusObserver) IncBusy() { p.busy.Inc() }
func (p *prometheusObserver) DecBusy() { p.busy.Dec() }

func (p *prometheusObserver) Reaped(n int) {
	if n > 0 {
		p.reaped.Add(float64(n))
	}
}

// HTTPMiddleware records request durations labelled by chi route pattern.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpDuration.WithLabelValues(route, r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
