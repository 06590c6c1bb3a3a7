package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsMiddleware_LabelsChiRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(metrics))
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/"+id, nil))
	}

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/api/items/{id}", "GET", "ok")); got != 3 {
		t.Errorf("requests for route pattern = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(metrics.RequestsTotal); n != 1 {
		t.Errorf("series = %d, want 1 (ids must not become labels)", n)
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	var m dto.Metric
	if err := metrics.RequestsTotal.WithLabelValues("unmatched", "POST", "error").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected count 1, got %f", m.Counter.GetValue())
	}
}

func TestMetricsMiddleware_SkipsProbeEndpoints(t *testing.T) {
	for _, path := range []string{"/metrics", "/health"} {
		path := path
		t.Run(path, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg)

			handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))

			if n := testutil.CollectAndCount(metrics.RequestsTotal); n != 0 {
				t.Errorf("recorded %d series for %s, want 0", n, path)
			}
		})
	}
}
