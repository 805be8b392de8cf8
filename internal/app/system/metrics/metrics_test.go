package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dalemusser/classhub/internal/app/system/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReconcilesCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.Reconciles.WithLabelValues("cohort_members", "ok"))
	metrics.Reconciles.WithLabelValues("cohort_members", "ok").Inc()
	after := testutil.ToFloat64(metrics.Reconciles.WithLabelValues("cohort_members", "ok"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	metrics.Cascades.WithLabelValues("cohort", "ok").Inc()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "classhub_membership_cascade_total") {
		t.Error("expected cascade counter in output")
	}
}

func TestSetEntityCounts(t *testing.T) {
	t.Cleanup(func() { metrics.SetEntityCounts(nil) })

	scrape := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}

	if strings.Contains(scrape(), "classhub_entities{") {
		t.Error("entities gauge reported before a count function was set")
	}

	metrics.SetEntityCounts(func(context.Context) map[string]int64 {
		return map[string]int64{"student": 3, "cohort": 1}
	})
	body := scrape()
	for _, want := range []string{`classhub_entities{kind="student"} 3`, `classhub_entities{kind="cohort"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}
