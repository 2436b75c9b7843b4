package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/signal"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"type":"HEARTBEAT","data":{},"timestamp":"2024-01-01T00:00:00.000000Z"}`)

	require.NoError(t, WriteFrame(&buf, body))
	got, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10<<20)
	buf.Write(header[:])

	_, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := TradeResult{SignalID: "abc", Ticket: 100, Success: true, ExecutionPrice: 1.1005}
	env, err := NewEnvelope(MsgTradeResult, payload, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05.123456Z", env.Timestamp)

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, MsgTradeResult, decoded.Type)

	var got TradeResult
	require.NoError(t, decoded.Payload(&got))
	assert.Equal(t, payload, got)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrProtocol)
}

// testClient is a minimal EA-side implementation for server tests.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msgType MsgType, payload interface{}) {
	c.t.Helper()
	env, err := NewEnvelope(msgType, payload, time.Now().UTC())
	require.NoError(c.t, err)
	body, err := env.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, WriteFrame(c.conn, body))
}

func (c *testClient) identify(name string) {
	c.send(MsgEAInfo, EAInfo{Name: name, Version: "1.0", Account: 12345, Broker: "test"})
}

func (c *testClient) read(timeout time.Duration) (Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	body, err := ReadFrame(c.conn, DefaultMaxFrameBytes)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(body)
}

// readType skips frames until one of the wanted type arrives.
func (c *testClient) readType(msgType MsgType, timeout time.Duration) (Envelope, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env, err := c.read(time.Until(deadline))
		if err != nil {
			return Envelope{}, err
		}
		if env.Type == msgType {
			return env, nil
		}
	}
	return Envelope{}, context.DeadlineExceeded
}

func waitReady(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.ReadyCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func testSignal() *signal.Signal {
	return &signal.Signal{
		ID:               "sig-1",
		Symbol:           "EURUSD",
		Side:             signal.SideBuy,
		Entry:            1.1001,
		Stop:             1.0950,
		Target:           1.1100,
		PositionSizeFrac: 0.05,
		Confidence:       0.8,
		MagicNumber:      123456,
		Comment:          "test",
	}
}

func TestBroadcastReachesAllReadyConnections(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	a := dialClient(t, srv)
	b := dialClient(t, srv)
	a.identify("ea-a")
	b.identify("ea-b")
	waitReady(t, srv, 2)

	require.NoError(t, srv.PublishSignal(testSignal()))

	for _, client := range []*testClient{a, b} {
		env, err := client.readType(MsgSignal, 2*time.Second)
		require.NoError(t, err)

		var payload signal.MT4Payload
		require.NoError(t, env.Payload(&payload))
		assert.Equal(t, "sig-1", payload.SignalID)
		assert.Equal(t, "EURUSD", payload.Instrument)
		assert.Equal(t, "BUY", payload.Action)
	}
}

func TestNewConnectionGetsNoBroadcast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EAInfoWindow = 200 * time.Millisecond
	srv := startServer(t, cfg)

	ready := dialClient(t, srv)
	ready.identify("ea-ready")
	silent := dialClient(t, srv)
	waitReady(t, srv, 1)

	require.NoError(t, srv.PublishSignal(testSignal()))

	env, err := ready.readType(MsgSignal, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgSignal, env.Type)

	// The unidentified connection receives nothing and is closed once the
	// EA_INFO window lapses.
	_, err = silent.read(time.Second)
	assert.Error(t, err)
	assert.True(t, err == io.EOF || strings.Contains(err.Error(), "closed") ||
		strings.Contains(err.Error(), "reset"), "got %v", err)
}

func TestOversizedInboundFrameDisconnects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = 1024
	srv := startServer(t, cfg)

	client := dialClient(t, srv)
	client.identify("ea-big")
	waitReady(t, srv, 1)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)
	_, err := client.conn.Write(header[:])
	require.NoError(t, err)

	waitReady(t, srv, 0)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowConsumerTimeout = 150 * time.Millisecond
	cfg.OutboundQueue = 1
	srv := startServer(t, cfg)

	client := dialClient(t, srv)
	client.identify("ea-slow")
	waitReady(t, srv, 1)

	// The client never reads; large frames fill the socket and the queue
	// until the write deadline trips.
	big := testSignal()
	big.Comment = strings.Repeat("x", 256<<10)
	for i := 0; i < 20; i++ {
		srv.PublishSignal(big)
	}

	require.Eventually(t, func() bool { return srv.ReadyCount() == 0 },
		5*time.Second, 20*time.Millisecond)
}

func TestInboundDispatchOrder(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	var mu sync.Mutex
	var got []string
	srv.Subscribe(MsgTradeResult, func(connID string, env Envelope) {
		var tr TradeResult
		if err := env.Payload(&tr); err != nil {
			return
		}
		mu.Lock()
		got = append(got, tr.SignalID)
		mu.Unlock()
	})

	client := dialClient(t, srv)
	client.identify("ea-order")
	waitReady(t, srv, 1)

	want := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, id := range want {
		client.send(MsgTradeResult, TradeResult{SignalID: id, Success: true})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestHeartbeatMissCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	srv := startServer(t, cfg)

	client := dialClient(t, srv)
	client.identify("ea-quiet")
	waitReady(t, srv, 1)

	// No further inbound traffic; the liveness check closes the
	// connection after two missed intervals.
	require.Eventually(t, func() bool { return srv.ReadyCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubscriberPanicDoesNotDisconnect(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	srv.Subscribe(MsgHeartbeat, func(connID string, env Envelope) {
		panic("boom")
	})

	client := dialClient(t, srv)
	client.identify("ea-panic")
	waitReady(t, srv, 1)

	client.send(MsgHeartbeat, map[string]string{"source": "ea"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.ReadyCount())
}

func TestEnqueueOverflowPreservesOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboundQueue = 1
	cfg.SlowConsumerTimeout = time.Second
	srv := NewServer(cfg, zerolog.Nop())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := &Conn{
		id:   "order-check",
		srv:  srv,
		tcp:  server,
		out:  make(chan []byte, cfg.OutboundQueue),
		done: make(chan struct{}),
	}

	// Frame 0 fills the queue; the rest overflow while nothing drains.
	frames := make([][]byte, 8)
	for i := range frames {
		frames[i] = []byte{byte(i)}
		c.enqueue(frames[i])
	}

	for i := range frames {
		select {
		case got := <-c.out:
			assert.Equal(t, frames[i], got, "frame %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never delivered", i)
		}
	}
}

func TestEnqueueOverflowStallCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboundQueue = 1
	cfg.SlowConsumerTimeout = 100 * time.Millisecond
	srv := NewServer(cfg, zerolog.Nop())

	client, server := net.Pipe()
	defer client.Close()
	c := &Conn{
		id:   "stall-check",
		srv:  srv,
		tcp:  server,
		out:  make(chan []byte, cfg.OutboundQueue),
		done: make(chan struct{}),
	}

	c.enqueue([]byte{1})
	c.enqueue([]byte{2})

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("stalled connection was not closed")
	}
}
