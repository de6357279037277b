package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncPass("successful")
	m.IncRecordAction("update", "example.com", "A")
	m.IncProviderRequest("list", true)
	m.IncResolve("ipv4", false)
}

func TestCounters(t *testing.T) {
	m := New(true)

	m.IncPass("partial")
	m.IncPass("partial")
	m.IncPass("bogus")
	if got := testutil.ToFloat64(m.passRuns.WithLabelValues("partial")); got != 2 {
		t.Errorf("partial passes = %v, want 2", got)
	}

	m.IncRecordAction("update", "example.com", "AAAA")
	m.IncRecordAction("delete", "example.com", "A")
	m.IncRecordAction("create", "example.com", "CNAME")
	if got := testutil.ToFloat64(m.recordActions.WithLabelValues("update", "example.com", "AAAA")); got != 1 {
		t.Errorf("update actions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.recordActions); got != 1 {
		t.Errorf("record action series = %d, want 1", got)
	}

	m.IncProviderRequest("create", false)
	if got := testutil.ToFloat64(m.providerRequests.WithLabelValues("create", "failure")); got != 1 {
		t.Errorf("failed creates = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(true)
	m.IncResolve("ipv6", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `cddns_resolve_requests_total{family="ipv6",status="success"} 1`) {
		t.Errorf("metrics output missing resolve counter:\n%s", rec.Body.String())
	}
}
