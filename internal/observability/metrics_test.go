package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/predict", http.MethodPost, http.StatusOK, 15*time.Millisecond)
	m.ObserveUpstream("classify", http.StatusOK, 10*time.Millisecond)
	m.ObservePrediction("success", 8*time.Millisecond)
	m.IncBatchItemFailure()
	m.IncBatchItemFailure()

	body := scrape(t, m)
	for _, want := range []string{
		`plantdoc_http_requests_total{method="POST",route="/predict",status="200"} 1`,
		`plantdoc_upstream_requests_total{endpoint="classify",status="200"} 1`,
		`plantdoc_predictions_total{status="success"} 1`,
		`plantdoc_batch_item_failures_total 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("", "", 200, time.Second)
	m.ObserveUpstream("", 0, time.Second)
	m.ObservePrediction("", time.Second)
	m.IncBatchItemFailure()
}
