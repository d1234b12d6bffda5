package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/1ureka/relink/internal/protocol"
	"github.com/1ureka/relink/internal/util"
)

func TestRecorderCounts(t *testing.T) {
	stats := util.NewStats()
	r := New(stats)

	r.MessageWritten(protocol.TypeRegular, 20)
	r.MessageWritten(protocol.TypeRegular, 15)
	r.MessageWritten(protocol.TypeAck, 13)
	r.MessageRead(protocol.TypeKeepAlive, 13)
	r.Retransmitted(3)
	r.ReplayRequested()
	r.SocketTimeout("keep-alive")
	r.Reconnected()

	testCases := []struct {
		name string
		got  float64
		want float64
	}{
		{"regular written", testutil.ToFloat64(r.messagesWritten.WithLabelValues("Regular")), 2},
		{"ack written", testutil.ToFloat64(r.messagesWritten.WithLabelValues("Ack")), 1},
		{"bytes written", testutil.ToFloat64(r.bytesWritten), 48},
		{"keep-alive read", testutil.ToFloat64(r.messagesRead.WithLabelValues("KeepAlive")), 1},
		{"retransmits", testutil.ToFloat64(r.retransmits), 3},
		{"replay requests", testutil.ToFloat64(r.replayRequests), 1},
		{"timeouts", testutil.ToFloat64(r.timeouts.WithLabelValues("keep-alive")), 1},
		{"reconnects", testutil.ToFloat64(r.reconnects), 1},
	}
	for _, tc := range testCases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if stats.Retransmits.Load() != 3 || stats.Reconnects.Load() != 1 {
		t.Errorf("stats retransmits=%d reconnects=%d, want 3 and 1",
			stats.Retransmits.Load(), stats.Reconnects.Load())
	}
}

func TestSessionsGauge(t *testing.T) {
	r := New(nil)
	live := 2
	r.RegisterSessions(func() int { return live })

	expected := `
# HELP relink_sessions Live sessions.
# TYPE relink_sessions gauge
relink_sessions 2
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "relink_sessions"); err != nil {
		t.Error(err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	r := New(nil)
	r.Reconnected()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "relink_reconnects_total 1") {
		t.Errorf("exposition lacks the reconnect counter:\n%s", body)
	}
}
