package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/taskmind/internal/eventbus"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
)

// Compile-time checks that Metrics satisfies every observer it is wired to.
var (
	_ resilience.Observer      = (*Metrics)(nil)
	_ retrieval.SearchObserver = (*Metrics)(nil)
	_ planner.StepObserver     = (*Metrics)(nil)
	_ memory.Observer          = memoryObserver{}
)

func TestObservers(t *testing.T) {
	m := New("taskmind", prometheus.NewRegistry())

	m.RetryAttempt("step:python", 1, 500*time.Millisecond)
	m.RetryAttempt("step:python", 2, time.Second)
	m.FeatureDisabled("memory.persistence")
	m.SearchCompleted(retrieval.ModeHybrid, 3*time.Millisecond, 4)
	m.StepFinished("python", planner.StepDone, 2*time.Second)
	m.StepFinished("python", planner.StepFailed, time.Second)
	m.PlanFinished(planner.StatusComplete, time.Minute)
	m.IngestJob("completed")

	obs := m.MemoryObserver()
	obs.MemoryEntries(42)
	obs.MemoryEvicted("capacity", 3)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"retries", m.RetriesTotal.WithLabelValues("step:python"), 2},
		{"features", m.FeaturesDisabled.WithLabelValues("memory.persistence"), 1},
		{"searches", m.SearchesTotal.WithLabelValues(retrieval.ModeHybrid), 1},
		{"steps done", m.StepsTotal.WithLabelValues("python", "done"), 1},
		{"steps failed", m.StepsTotal.WithLabelValues("python", "failed"), 1},
		{"plans", m.PlansTotal.WithLabelValues("complete"), 1},
		{"ingest", m.IngestJobsTotal.WithLabelValues("completed"), 1},
		{"memory entries", m.MemoryEntries, 42},
		{"evictions", m.MemoryEvictions.WithLabelValues("capacity"), 3},
	}
	for _, tc := range checks {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestObserveBus(t *testing.T) {
	m := New("taskmind", nil)
	bus := eventbus.New()
	cancel := m.ObserveBus(bus)

	bus.Publish("plan_1", eventbus.StepStart, eventbus.StepStartPayload{StepID: "step_1"})
	bus.Publish("plan_1", eventbus.StepStart, eventbus.StepStartPayload{StepID: "step_2"})
	cancel()
	bus.Publish("plan_1", eventbus.StepStart, eventbus.StepStartPayload{StepID: "step_3"})

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("STEP_START")); got != 2 {
		t.Errorf("events = %v, want 2", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New("taskmind", nil)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"plan_1", "plan_2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/"+id, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/plans/{id}", "404")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New("taskmind", nil)
	m.IngestJob("failed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `taskmind_ingest_jobs_total{status="failed"} 1`) {
		t.Errorf("exposition missing ingest counter:\n%s", body)
	}
}
