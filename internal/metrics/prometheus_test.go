package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserver(t *testing.T) {
	obs := NewPrometheusObserver()

	before := testutil.ToFloat64(jobsTotal.WithLabelValues(OutcomeCompleted))
	obs.JobOutcome(OutcomeCompleted)
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues(OutcomeCompleted)); got != before+1 {
		t.Fatalf("completed = %v, want %v", got, before+1)
	}

	obs.IncBusy()
	obs.IncBusy()
	obs.DecBusy()
	if got := testutil.ToFloat64(workersBusy); got != 1 {
		t.Fatalf("busy = %v", got)
	}
	obs.DecBusy()

	r0 := testutil.ToFloat64(reapedTotal)
	obs.Reaped(3)
	obs.Reaped(0)
	if got := testutil.ToFloat64(reapedTotal); got != r0+3 {
		t.Fatalf("reaped = %v", got)
	}

	obs.ObserveSend(10*time.Millisecond, nil)
	obs.ObserveSend(10*time.Millisecond, errors.New("x"))
}

func TestHandlerExposesMetrics(t *testing.T) {
	NewPrometheusObserver().JobOutcome(OutcomeDeferred)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("ping = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"outflow_jobs_total", `outflow_http_duration_seconds_count{method="GET",route="/ping",status="418"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
