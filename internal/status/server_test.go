package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/ledger"
	"github.com/quantflow/fxengine/internal/scheduler"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/transport"
)

type stubSched struct{ stats scheduler.Stats }

func (s *stubSched) Snapshot() scheduler.Stats { return s.stats }

type stubBoard struct{ sigs []*signal.Signal }

func (b *stubBoard) Active() []*signal.Signal { return b.sigs }
func (b *stubBoard) ActiveCount() int         { return len(b.sigs) }

type stubLedger struct {
	summary   ledger.AccountSummary
	positions []ledger.Position
}

func (l *stubLedger) Summary() ledger.AccountSummary  { return l.summary }
func (l *stubLedger) OpenPositions() []ledger.Position { return l.positions }

type stubEA struct{ infos []transport.EAInfo }

func (e *stubEA) ReadyCount() int                  { return len(e.infos) }
func (e *stubEA) Connections() []transport.EAInfo { return e.infos }

func testServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(Config{},
		&stubSched{stats: scheduler.Stats{Ticks: 7, Disabled: []string{"USDCHF"}}},
		&stubBoard{sigs: []*signal.Signal{{ID: "s1", Symbol: "EURUSD", Side: signal.SideBuy}}},
		&stubLedger{
			summary:   ledger.AccountSummary{Balance: 10000, Equity: 10100, WinRate: 0.6},
			positions: []ledger.Position{{Ticket: 1, Symbol: "EURUSD", Side: signal.SideBuy, Volume: 0.1}},
		},
		&stubEA{infos: []transport.EAInfo{{Name: "ea-1", Account: 42}}},
		zerolog.Nop(),
	)
	srv.hub.Run()
	t.Cleanup(srv.hub.Stop)
	return srv
}

func getJSON(t *testing.T, h http.Handler, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)

	var body map[string]interface{}
	rec := getJSON(t, srv.Handler(), "/healthz", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "backend")
}

func TestHealthzReportsBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	srv := NewServer(Config{BackendURL: backend.URL}, nil, nil, nil, nil, zerolog.Nop())
	t.Cleanup(srv.hub.Stop)

	var body map[string]interface{}
	rec := getJSON(t, srv.Handler(), "/healthz", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["backend"])
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		Scheduler     scheduler.Stats `json:"scheduler"`
		ActiveSignals int             `json:"active_signals"`
		ConnectedEAs  int             `json:"connected_eas"`
	}
	rec := getJSON(t, srv.Handler(), "/api/v1/status", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(7), body.Scheduler.Ticks)
	assert.Equal(t, []string{"USDCHF"}, body.Scheduler.Disabled)
	assert.Equal(t, 1, body.ActiveSignals)
	assert.Equal(t, 1, body.ConnectedEAs)
}

func TestSignalsEndpoint(t *testing.T) {
	srv := testServer(t)

	var body struct {
		Count   int              `json:"count"`
		Signals []*signal.Signal `json:"signals"`
	}
	rec := getJSON(t, srv.Handler(), "/api/v1/signals", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "s1", body.Signals[0].ID)
}

func TestAccountAndPositionsEndpoints(t *testing.T) {
	srv := testServer(t)

	var summary ledger.AccountSummary
	rec := getJSON(t, srv.Handler(), "/api/v1/account", &summary)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10100.0, summary.Equity)

	var positions struct {
		Count     int               `json:"count"`
		Positions []ledger.Position `json:"positions"`
	}
	getJSON(t, srv.Handler(), "/api/v1/positions", &positions)
	require.Equal(t, 1, positions.Count)
	assert.Equal(t, int64(1), positions.Positions[0].Ticket)
}

func TestNilDependenciesServeEmptyState(t *testing.T) {
	srv := NewServer(Config{}, nil, nil, nil, nil, zerolog.Nop())
	t.Cleanup(srv.hub.Stop)

	for _, path := range []string{"/api/v1/status", "/api/v1/signals", "/api/v1/positions", "/api/v1/account", "/api/v1/eas"} {
		rec := getJSON(t, srv.Handler(), path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestSignalStreamDeliversPublishedSignals(t *testing.T) {
	srv := testServer(t)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/signals"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return srv.Stream().ReadyCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stream().PublishSignal(&signal.Signal{ID: "live-1", Symbol: "GBPUSD", Side: signal.SideSell}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got signal.Signal
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "live-1", got.ID)
	assert.Equal(t, signal.SideSell, got.Side)
}
