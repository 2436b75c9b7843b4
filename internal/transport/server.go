package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/signal"
)

// ConnState is the lifecycle state of one EA connection.
type ConnState int32

// Connection states. Only READY connections receive broadcasts; CLOSED is
// terminal.
const (
	StateNew ConnState = iota
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	default:
		return "CLOSED"
	}
}

// Handler consumes one inbound message. Handlers for a connection run
// synchronously in arrival order; a panicking handler is logged and never
// tears the connection down.
type Handler func(connID string, env Envelope)

// Config controls the EA server.
type Config struct {
	Addr                string
	MaxFrameBytes       int
	HeartbeatInterval   time.Duration
	SlowConsumerTimeout time.Duration
	EAInfoWindow        time.Duration // NEW connections must identify within this
	OutboundQueue       int
}

// DefaultConfig returns the standard transport settings.
func DefaultConfig() Config {
	return Config{
		Addr:                ":9099",
		MaxFrameBytes:       DefaultMaxFrameBytes,
		HeartbeatInterval:   30 * time.Second,
		SlowConsumerTimeout: 5 * time.Second,
		EAInfoWindow:        10 * time.Second,
		OutboundQueue:       64,
	}
}

// Conn is one EA connection record.
type Conn struct {
	id  string
	srv *Server
	tcp net.Conn

	state       atomic.Int32
	lastInbound atomic.Int64
	out         chan []byte
	done        chan struct{}
	closeOnce   sync.Once

	// Overflow frames wait here in FIFO order so a briefly-full queue
	// never reorders outbound traffic.
	pendMu   sync.Mutex
	pending  [][]byte
	draining bool

	mu   sync.Mutex
	info EAInfo
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns the connection state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Info returns the EA identity received in EA_INFO.
func (c *Conn) Info() EAInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Server owns the listening socket and the connection registry.
type Server struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*Conn
	handlers map[MsgType][]Handler

	onClose func(connID, reason string)

	wg sync.WaitGroup
}

// NewServer creates an EA transport server.
func NewServer(cfg Config, log zerolog.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SlowConsumerTimeout <= 0 {
		cfg.SlowConsumerTimeout = def.SlowConsumerTimeout
	}
	if cfg.EAInfoWindow <= 0 {
		cfg.EAInfoWindow = def.EAInfoWindow
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = def.OutboundQueue
	}
	return &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "ea_transport").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[string]*Conn),
		handlers: make(map[MsgType][]Handler),
	}
}

// OnClose registers a hook invoked whenever a connection closes, with
// the close reason. Must be called before Start.
func (s *Server) OnClose(fn func(connID, reason string)) {
	s.onClose = fn
}

// Subscribe registers a handler for one message type. Must be called
// before Start.
func (s *Server) Subscribe(msgType MsgType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = append(s.handlers[msgType], h)
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("EA transport listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		tcp, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.log.Error().Err(err).Msg("Accept failed")
				}
			}
			return
		}
		s.startConn(ctx, tcp)
	}
}

func (s *Server) startConn(ctx context.Context, tcp net.Conn) {
	c := &Conn{
		id:   uuid.New().String(),
		srv:  s,
		tcp:  tcp,
		out:  make(chan []byte, s.cfg.OutboundQueue),
		done: make(chan struct{}),
	}
	c.lastInbound.Store(s.now().UnixNano())

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Info().
		Str("conn_id", c.id).
		Str("remote", tcp.RemoteAddr().String()).
		Msg("EA connected")

	s.wg.Add(3)
	go func() { defer s.wg.Done(); c.readLoop() }()
	go func() { defer s.wg.Done(); c.writeLoop() }()
	go func() { defer s.wg.Done(); c.supervise(ctx) }()
}

// Broadcast enqueues an envelope on every READY connection.
func (s *Server) Broadcast(env Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.State() != StateReady {
			continue
		}
		c.enqueue(frame)
	}
	return nil
}

// PublishSignal broadcasts a signal to all connected EAs.
func (s *Server) PublishSignal(sig *signal.Signal) error {
	env, err := SignalEnvelope(sig, s.now())
	if err != nil {
		return err
	}
	return s.Broadcast(env)
}

// ReadyCount returns the number of READY connections.
func (s *Server) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.State() == StateReady {
			n++
		}
	}
	return n
}

// Connections returns the EA identities of READY connections.
func (s *Server) Connections() []EAInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EAInfo, 0, len(s.conns))
	for _, c := range s.conns {
		if c.State() == StateReady {
			out = append(out, c.Info())
		}
	}
	return out
}

// Shutdown closes the listener and every connection, then waits for the
// loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.close("server shutdown")
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	ready := 0
	for _, other := range s.conns {
		if other.State() == StateReady {
			ready++
		}
	}
	s.mu.Unlock()
	metrics.EAConnections.Set(float64(ready))
}

func (c *Conn) readLoop() {
	for {
		body, err := ReadFrame(c.tcp, c.srv.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				metrics.ProtocolViolations.Inc()
				c.close("oversized frame")
			} else {
				c.close("read error")
			}
			return
		}

		env, err := DecodeEnvelope(body)
		if err != nil {
			metrics.ProtocolViolations.Inc()
			c.close("malformed frame")
			return
		}

		c.lastInbound.Store(c.srv.now().UnixNano())
		metrics.RecordInboundFrame(string(env.Type))

		if env.Type == MsgEAInfo {
			c.handleEAInfo(env)
		}
		c.srv.dispatch(c.id, env)
	}
}

func (c *Conn) handleEAInfo(env Envelope) {
	var info EAInfo
	if err := env.Payload(&info); err != nil {
		c.srv.log.Warn().Err(err).Str("conn_id", c.id).Msg("Bad EA_INFO payload")
		return
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	if c.state.CompareAndSwap(int32(StateNew), int32(StateReady)) {
		metrics.EAConnections.Set(float64(c.srv.ReadyCount()))
		c.srv.log.Info().
			Str("conn_id", c.id).
			Str("ea_name", info.Name).
			Str("ea_version", info.Version).
			Int64("account", info.Account).
			Msg("EA identified, connection ready")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			c.tcp.SetWriteDeadline(time.Now().Add(c.srv.cfg.SlowConsumerTimeout))
			if err := WriteFrame(c.tcp, frame); err != nil {
				c.close("write error")
				return
			}
			metrics.FramesSent.Inc()
		case <-c.done:
			return
		}
	}
}

// supervise enforces the EA_INFO window, inbound liveness, and idle
// heartbeats.
func (c *Conn) supervise(ctx context.Context) {
	infoDeadline := time.NewTimer(c.srv.cfg.EAInfoWindow)
	defer infoDeadline.Stop()
	heartbeat := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-infoDeadline.C:
			if c.State() == StateNew {
				c.close("no EA_INFO within window")
				return
			}
		case <-heartbeat.C:
			last := time.Unix(0, c.lastInbound.Load())
			if c.srv.now().Sub(last) > 2*c.srv.cfg.HeartbeatInterval {
				c.close("heartbeat missed")
				return
			}
			if c.State() == StateReady {
				env, err := NewEnvelope(MsgHeartbeat, map[string]string{"source": "server"}, c.srv.now())
				if err == nil {
					if frame, err := env.Encode(); err == nil {
						c.enqueue(frame)
					}
				}
			}
		case <-ctx.Done():
			c.close("shutdown")
			return
		case <-c.done:
			return
		}
	}
}

// enqueue places a frame on the outbound queue. Frames that do not fit
// join a FIFO drained behind the queue, so delivery order is preserved
// across brief overflows. A connection whose queue stays full past the
// slow-consumer timeout is closed.
func (c *Conn) enqueue(frame []byte) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if !c.draining {
		select {
		case c.out <- frame:
			return
		default:
		}
	}

	c.pending = append(c.pending, frame)
	if !c.draining {
		c.draining = true
		go c.drainPending()
	}
}

// drainPending moves overflow frames onto the queue in order. The stall
// clock resets on every accepted frame; a queue that stays full for a
// whole slow-consumer timeout closes the connection.
func (c *Conn) drainPending() {
	timer := time.NewTimer(c.srv.cfg.SlowConsumerTimeout)
	defer timer.Stop()

	for {
		c.pendMu.Lock()
		if len(c.pending) == 0 {
			c.draining = false
			c.pendMu.Unlock()
			return
		}
		next := c.pending[0]
		c.pendMu.Unlock()

		select {
		case c.out <- next:
			c.pendMu.Lock()
			c.pending = c.pending[1:]
			c.pendMu.Unlock()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.srv.cfg.SlowConsumerTimeout)
		case <-timer.C:
			metrics.SlowConsumerCloses.Inc()
			c.close("slow consumer")
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.tcp.Close()
		c.srv.unregister(c)
		c.srv.log.Info().
			Str("conn_id", c.id).
			Str("reason", reason).
			Msg("EA connection closed")
		if c.srv.onClose != nil {
			go c.srv.onClose(c.id, reason)
		}
	})
}

// dispatch invokes subscribers for one inbound message, in registration
// order, synchronously under the connection's read loop.
func (s *Server) dispatch(connID string, env Envelope) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers[env.Type]...)
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().
						Interface("panic", r).
						Str("msg_type", string(env.Type)).
						Msg("Subscriber panicked")
				}
			}()
			h(connID, env)
		}()
	}
}
