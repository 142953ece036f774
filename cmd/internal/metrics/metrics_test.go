package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.AuthTransition("authenticated")
	m.Refresh("ok")
	m.Retry("ok")
	m.ChannelState(2)
	m.ChannelMessage("notifications")
	m.StatsRefresh("ok")
	m.WSConnections(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has a registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Refresh("ok")
	m.Refresh("ok")
	m.Refresh("expired")
	m.ChannelState(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`dash_auth_refresh_total{result="expired"} 1`,
		`dash_auth_refresh_total{result="ok"} 2`,
		`dash_channel_state 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
