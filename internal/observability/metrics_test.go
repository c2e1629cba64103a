package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordMessage("client-a", DirectionOut, 12)
	RecordMessage("client-a", DirectionIn, 4)
	RecordReconnect("client-a")
	RecordDrop("client-a", DropUnknownSID)
	RecordRequest("client-a", "ok", 3*time.Millisecond)
	RecordStreamAck("client-a", "ok", 5*time.Millisecond)
	RecordStreamAck("client-a", "timeout", 0)
}

func TestHandlerExposesMetrics(t *testing.T) {
	testlog.Start(t)
	RecordReconnect("client-scrape")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `edgebus_conn_reconnects_total{client="client-scrape"} 1`) {
		t.Fatalf("reconnect counter missing from scrape")
	}
}
