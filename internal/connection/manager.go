package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/model"
)

// Manager owns one logical streaming connection. It dials, watches liveness,
// reconnects after unclean closes, and publishes every inbound frame to the
// dispatcher as a typed event.
//
// All transport callbacks carry the generation they were started under;
// once the generation moves on (Connect, Disconnect, or a failure) those
// callbacks are no-ops.
type Manager struct {
	cfg    Config
	dialer Dialer
	events *dispatch.Dispatcher
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	address     string
	attempts    int
	backoff     time.Duration
	gen         uint64
	transport   Transport
	timer       *time.Timer
	probeStop   chan struct{}
	connectedAt time.Time
	lastProbeAt time.Time
	lastSeenAt  time.Time
	closed      bool

	unknown atomic.Int64
}

// NewManager creates a Manager. A nil dialer uses gorilla/websocket; a nil
// dispatcher drops events.
func NewManager(cfg Config, dialer Dialer, events *dispatch.Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection")
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = NewWSDialer(cfg, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		events:  events,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		address: cfg.Address,
		backoff: cfg.ReconnectBaseWait,
	}
}

// Connect starts connecting to address (or the configured address when
// empty). An existing connection is closed cleanly first. Completion is
// reported through connected/error events, not the return value.
func (m *Manager) Connect(address string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if address == "" {
		address = m.address
	}
	if address == "" {
		m.mu.Unlock()
		return ErrNoAddress
	}

	prev, prevAddr, wasActive := m.teardownLocked()
	m.address = address
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseWait
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	if prev != nil {
		prev.Close(CloseNormalClosure, "reconnect")
	}
	if wasActive {
		m.publish(dispatch.Disconnected{Address: prevAddr, Clean: true, Code: CloseNormalClosure})
	}

	m.logger.Info("connecting", "address", address)

	m.mu.Lock()
	if m.gen == gen && !m.closed {
		m.dialLocked(gen, address)
	}
	m.mu.Unlock()
	return nil
}

// Disconnect closes the connection cleanly and cancels any pending retry.
// It never schedules a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev, addr, wasActive := m.teardownLocked()
	m.gen++
	gen := m.gen
	if prev != nil {
		m.state = StateClosing
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Close(CloseNormalClosure, "client disconnect")
	}

	m.mu.Lock()
	if m.gen == gen {
		m.state = StateDisconnected
		m.attempts = 0
		m.backoff = m.cfg.ReconnectBaseWait
	}
	m.mu.Unlock()

	if wasActive {
		m.logger.Info("disconnected", "address", addr)
		m.publish(dispatch.Disconnected{Address: addr, Clean: true, Code: CloseNormalClosure})
	}
}

// Close disconnects and waits for the manager's goroutines to exit.
// It must not be called from an event handler.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encodes v as JSON and writes it as one frame. []byte and
// json.RawMessage values are written as-is.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected && t != nil
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := t.WriteMessage(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendEnvelope sends {"type": kind, "data": data}.
func (m *Manager) SendEnvelope(kind string, data any) error {
	env, err := model.NewEnvelope(kind, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return m.Send(env)
}

// IsConnected reports whether the transport is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.transport != nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a summary of the connection.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{
		Connected:            m.state == StateConnected && m.transport != nil,
		Address:              m.address,
		State:                m.state,
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
		BackoffMillis:        m.backoff.Milliseconds(),
		UnknownFrames:        m.unknown.Load(),
	}
	if info.Connected {
		info.ConnectedSince = timePtr(m.connectedAt)
	}
	info.LastProbeAt = timePtr(m.lastProbeAt)
	info.LastSeenAt = timePtr(m.lastSeenAt)
	return info
}

// teardownLocked stops timers and detaches the transport. It reports whether
// there was anything to tear down. Must be called with m.mu held.
func (m *Manager) teardownLocked() (prev Transport, addr string, wasActive bool) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopProbeLocked()

	prev = m.transport
	m.transport = nil
	m.connectedAt = time.Time{}
	wasActive = m.state != StateDisconnected
	return prev, m.address, wasActive
}

func (m *Manager) stopProbeLocked() {
	if m.probeStop != nil {
		close(m.probeStop)
		m.probeStop = nil
	}
}

// dialLocked opens a transport in the background. Must be called with m.mu
// held so Close cannot miss the goroutine.
func (m *Manager) dialLocked(gen uint64, address string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t, err := m.dialer.Dial(m.ctx, address)
		m.onDial(gen, address, t, err)
	}()
}

func (m *Manager) onDial(gen uint64, address string, t Transport, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if t != nil {
			t.Close(CloseNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.fail(gen, CloseAbnormalClosure, "", fmt.Errorf("dial %s: %w", address, err))
		return
	}

	now := m.now()
	m.transport = t
	m.state = StateConnected
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseWait
	m.connectedAt = now
	m.lastSeenAt = now
	stop := make(chan struct{})
	m.probeStop = stop
	subs := m.cfg.Subscriptions
	m.mu.Unlock()

	m.logger.Info("connected", "address", address)
	m.publish(dispatch.Connected{Address: address, At: now})

	for i, frame := range subs {
		if err := m.Send(frame); err != nil {
			m.logger.Warn("failed to send subscription",
				"index", i,
				"error", err,
			)
		}
	}

	m.wg.Add(2)
	go m.readLoop(gen, t)
	go m.probeLoop(gen, t, stop)
}

// readLoop reads frames until the transport fails or is replaced.
func (m *Manager) readLoop(gen uint64, t Transport) {
	defer m.wg.Done()

	for {
		data, err := t.ReadMessage()
		if err != nil {
			var ce *CloseError
			switch {
			case errors.As(err, &ce) && ce.Clean():
				m.closedByPeer(gen, ce)
			case errors.As(err, &ce):
				m.fail(gen, ce.Code, ce.Reason, err)
			default:
				m.fail(gen, CloseAbnormalClosure, "", err)
			}
			return
		}

		if !m.current(gen) {
			return
		}
		m.handleFrame(gen, t, data)
	}
}

// handleFrame decodes one inbound frame. Liveness frames stay inside the
// manager; everything else is published.
func (m *Manager) handleFrame(gen uint64, t Transport, data []byte) {
	now := m.now()
	m.mu.Lock()
	if gen == m.gen {
		m.lastSeenAt = now
	}
	m.mu.Unlock()

	env, err := model.DecodeEnvelope(data)
	if err != nil {
		m.logger.Debug("malformed frame", "error", err)
		m.publish(dispatch.ParseError{Raw: append([]byte(nil), data...), Err: err})
		return
	}

	if env.IsLiveness() {
		if env.Type == model.TypePing {
			if err := writeJSON(t, model.NewPong(now)); err != nil {
				m.logger.Debug("failed to answer ping", "error", err)
			}
		}
		return
	}

	kind, ok := dispatch.KindOf(env.Type)
	if !ok {
		m.unknown.Add(1)
		m.logger.Debug("unknown message type", "type", env.Type)
		return
	}

	switch kind {
	case dispatch.KindSignal:
		sig, err := model.ParseSignal(env.Data)
		if err != nil {
			m.logger.Debug("invalid signal payload", "error", err)
			m.publish(dispatch.ParseError{Raw: append([]byte(nil), data...), Err: err})
			return
		}
		m.publish(dispatch.SignalReceived{Signal: sig, ReceivedAt: now})
		return
	case dispatch.KindSignalFeed:
		m.handleFeedUpdate(data, now)
		return
	}

	m.publish(dispatch.Message{
		Type:       kind,
		Data:       env.Data,
		Raw:        append(json.RawMessage(nil), data...),
		ReceivedAt: now,
	})
}

// handleFeedUpdate routes a flat signal_feed frame. Entries join the signal
// stream; exits and other updates are published as they are.
func (m *Manager) handleFeedUpdate(data []byte, now time.Time) {
	u, err := model.ParseFeedUpdate(data)
	if err != nil {
		m.logger.Debug("invalid signal_feed frame", "error", err)
		m.publish(dispatch.ParseError{Raw: append([]byte(nil), data...), Err: err})
		return
	}

	if !u.IsEntry() {
		m.publish(dispatch.SignalUpdate{
			Update:     u,
			Raw:        append(json.RawMessage(nil), data...),
			ReceivedAt: now,
		})
		return
	}

	sig, err := u.Signal()
	if err != nil {
		m.logger.Debug("invalid signal_feed entry", "error", err)
		m.publish(dispatch.ParseError{Raw: append([]byte(nil), data...), Err: err})
		return
	}
	m.publish(dispatch.SignalReceived{Signal: sig, ReceivedAt: now})
}

// probeLoop sends liveness probes while the connection is current.
func (m *Manager) probeLoop(gen uint64, t Transport, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := m.now()
		if err := writeJSON(t, model.NewPing(now)); err != nil {
			m.logger.Debug("failed to send ping", "error", err)
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastProbeAt = now
		if c, ok := t.(interface{ LastControlAt() time.Time }); ok {
			if at := c.LastControlAt(); at.After(m.lastSeenAt) {
				m.lastSeenAt = at
			}
		}
		lastSeen := m.lastSeenAt
		m.mu.Unlock()

		if m.cfg.LivenessTimeout > 0 && now.Sub(lastSeen) > m.cfg.LivenessTimeout {
			m.logger.Warn("no traffic from server, connection stale",
				"last_seen", lastSeen,
				"timeout", m.cfg.LivenessTimeout,
			)
			m.fail(gen, CloseAbnormalClosure, "liveness timeout", ErrLivenessTimeout)
			return
		}
	}
}

// closedByPeer handles a normal close from the server: no reconnect.
func (m *Manager) closedByPeer(gen uint64, ce *CloseError) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	t, addr, _ := m.teardownLocked()
	m.gen++
	m.state = StateDisconnected
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseWait
	m.mu.Unlock()

	if t != nil {
		t.Close(0, "")
	}

	m.logger.Info("server closed connection", "address", addr, "reason", ce.Reason)
	m.publish(dispatch.Disconnected{Address: addr, Clean: true, Code: ce.Code, Reason: ce.Reason})
}

// fail handles an unclean close or a dial error, scheduling a retry while
// attempts remain.
func (m *Manager) fail(gen uint64, code int, reason string, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	t, addr, _ := m.teardownLocked()
	m.gen++
	next := m.gen

	retry := m.attempts < m.cfg.MaxReconnectAttempts
	var attempt int
	var delay time.Duration
	if retry {
		m.attempts++
		attempt = m.attempts
		delay = Backoff(m.cfg.ReconnectBaseWait, m.cfg.ReconnectMaxWait, attempt)
		m.backoff = delay
		m.state = StateReconnecting
	} else {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if t != nil {
		t.Close(0, "")
		m.publish(dispatch.Disconnected{Address: addr, Clean: false, Code: code, Reason: reason})
	}

	m.logger.Warn("connection failed",
		"address", addr,
		"code", code,
		"error", cause,
	)
	m.publish(dispatch.Error{Err: cause})

	if !retry {
		m.logger.Error("giving up on connection",
			"address", addr,
			"attempts", m.cfg.MaxReconnectAttempts,
		)
		m.publish(dispatch.Error{
			Err:      fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.cfg.MaxReconnectAttempts),
			Terminal: true,
		})
		return
	}

	m.logger.Info("scheduling reconnect",
		"address", addr,
		"attempt", attempt,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
	m.publish(dispatch.Reconnecting{
		Address:     addr,
		Attempt:     attempt,
		MaxAttempts: m.cfg.MaxReconnectAttempts,
		Delay:       delay,
	})

	// Armed after publishing so handlers see reconnecting before the retry.
	m.mu.Lock()
	if m.gen == next && m.state == StateReconnecting {
		m.timer = time.AfterFunc(delay, func() { m.retry(next) })
	}
	m.mu.Unlock()
}

// retry fires when the back-off timer expires.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.logger.Info("attempting reconnection", "address", m.address, "attempt", m.attempts)
	m.dialLocked(gen, m.address)
	m.mu.Unlock()
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) publish(ev dispatch.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(ev)
}

func encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

func writeJSON(t Transport, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return t.WriteMessage(data)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
