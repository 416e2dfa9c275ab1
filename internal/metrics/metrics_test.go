package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreIndependentPerInstance(t *testing.T) {
	a, b := New(), New()
	a.Handshakes.WithLabelValues(HandshakeRejected).Inc()

	if got := testutil.ToFloat64(a.Handshakes.WithLabelValues(HandshakeRejected)); got != 1 {
		t.Errorf("a rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.Handshakes.WithLabelValues(HandshakeRejected)); got != 0 {
		t.Errorf("b rejected = %v, want 0", got)
	}
}

func TestHandlerExposesChatMetrics(t *testing.T) {
	m := New()
	m.Connections.Set(3)
	m.Events.WithLabelValues("typing", EventHandled).Inc()

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)

	for _, want := range []string{"chat_connections 3", `chat_events_total{event="typing",result="handled"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
