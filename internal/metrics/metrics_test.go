package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/accounts/{accountID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := counterValue(t, "GET", "/accounts/{accountID}", "418")
	for _, id := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodGet, "/accounts/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := counterValue(t, "GET", "/accounts/{accountID}", "418")

	if after-before != 2 {
		t.Errorf("expected 2 requests under one route label, got %v", after-before)
	}
}
