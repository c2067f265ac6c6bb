package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCountersExposed(t *testing.T) {
	RelayRequestsTotal.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `joinbot_relay_requests_total{outcome="accepted"}`) {
		t.Fatal("relay counter missing from /metrics output")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	if d := timer.Duration(); d < 10*time.Millisecond {
		t.Fatalf("Duration = %v, want >= 10ms", d)
	}
	timer.ObserveDuration(SchedulerTickDuration)
}
