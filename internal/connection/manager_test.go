package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/feed"
	"github.com/rickgao/signalfeed/internal/model"
)

// recorder collects every event published on a dispatcher.
type recorder struct {
	mu     sync.Mutex
	events []dispatch.Event
	notify chan struct{}
}

func newRecorder(t *testing.T, d *dispatch.Dispatcher) *recorder {
	t.Helper()
	r := &recorder{notify: make(chan struct{}, 1)}
	for _, k := range dispatch.Kinds() {
		if _, err := d.Subscribe(k, r.handle); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", k, err)
		}
	}
	return r
}

func (r *recorder) handle(ev dispatch.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) count(kind dispatch.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) ofKind(kind dispatch.Kind) []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Event
	for _, ev := range r.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until at least n events of kind have been seen.
func (r *recorder) waitFor(t *testing.T, kind dispatch.Kind, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if r.count(kind) >= n {
			return
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q events (got %d)", n, kind, r.count(kind))
		}
	}
}

// fakeDialer hands out scripted results.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	next  func() Transport
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.next(), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// pipeTransport is an in-memory Transport.
type pipeTransport struct {
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newPipe() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, &CloseError{Code: CloseAbnormalClosure}
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return errors.New("closed")
	default:
	}
	p.mu.Lock()
	p.written = append(p.written, append([]byte(nil), data...))
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) Close(code int, reason string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeTransport) sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBaseWait = 50 * time.Millisecond
	cfg.ReconnectMaxWait = 400 * time.Millisecond
	cfg.PingInterval = time.Hour
	return cfg
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestManager_EndToEndSignal(t *testing.T) {
	const frame = `{"type":"signal","data":{"symbol":"EURUSD","type":"BUY","price":1.08543,"confidence":85,"timestamp":"2024-01-15T10:30:00Z"}}`

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		drain(conn)
	})
	defer server.Close()

	d := dispatch.New(testLogger())
	f := feed.New(feed.DefaultCapacity, testLogger())
	if _, err := f.Attach(d); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	var calls atomic.Int32
	var got model.Signal
	var mu sync.Mutex
	dispatch.On(d, dispatch.KindSignal, func(ev dispatch.SignalReceived) error {
		mu.Lock()
		got = ev.Signal
		mu.Unlock()
		calls.Add(1)
		return nil
	})
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), nil, d, testLogger())
	defer closeManager(t, m)

	if err := m.Connect(wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	rec.waitFor(t, dispatch.KindSignal, 1, 2*time.Second)

	if n := calls.Load(); n != 1 {
		t.Errorf("signal observer invoked %d times, want 1", n)
	}
	mu.Lock()
	if got.Symbol != "EURUSD" || got.Price != 1.08543 || got.Confidence != 85 {
		t.Errorf("signal = %+v", got)
	}
	mu.Unlock()

	snap := f.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "EURUSD" {
		t.Fatalf("feed = %+v, want one EURUSD entry", snap)
	}
	if rec.count(dispatch.KindConnected) != 1 {
		t.Errorf("connected events = %d, want 1", rec.count(dispatch.KindConnected))
	}
	if !m.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
}

func TestManager_UncleanCloseReconnectsOnce(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "crash"),
				time.Now().Add(time.Second),
			)
			return
		}
		drain(conn)
	})
	defer server.Close()

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), nil, d, testLogger())
	defer closeManager(t, m)

	start := time.Now()
	m.Connect(wsURL(server))
	rec.waitFor(t, dispatch.KindConnected, 2, 3*time.Second)
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("reconnected after %v, before the base delay", elapsed)
	}

	recon := rec.ofKind(dispatch.KindReconnecting)
	if len(recon) != 1 {
		t.Fatalf("reconnecting events = %d, want 1", len(recon))
	}
	ev := recon[0].(dispatch.Reconnecting)
	if ev.Attempt != 1 || ev.Delay != 50*time.Millisecond {
		t.Errorf("reconnecting = %+v, want attempt 1 delay 50ms", ev)
	}

	disc := rec.ofKind(dispatch.KindDisconnected)
	if len(disc) != 1 {
		t.Fatalf("disconnected events = %d, want 1", len(disc))
	}
	if de := disc[0].(dispatch.Disconnected); de.Clean || de.Code != websocket.CloseInternalServerErr {
		t.Errorf("disconnected = %+v, want unclean 1011", de)
	}

	info := m.Info()
	if info.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d after reconnect, want 0", info.ReconnectAttempts)
	}
	if info.BackoffMillis != 50 {
		t.Errorf("BackoffMillis = %d after reconnect, want 50", info.BackoffMillis)
	}
	if !info.Connected || info.State != StateConnected {
		t.Errorf("info = %+v, want connected", info)
	}
	if conns.Load() != 2 {
		t.Errorf("server saw %d connections, want 2", conns.Load())
	}
}

func TestManager_CleanServerCloseDoesNotReconnect(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "maintenance"),
			time.Now().Add(time.Second),
		)
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), nil, d, testLogger())
	defer closeManager(t, m)

	m.Connect(wsURL(server))
	rec.waitFor(t, dispatch.KindDisconnected, 1, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	de := rec.ofKind(dispatch.KindDisconnected)[0].(dispatch.Disconnected)
	if !de.Clean || de.Reason != "maintenance" {
		t.Errorf("disconnected = %+v, want clean with reason", de)
	}
	if rec.count(dispatch.KindReconnecting) != 0 {
		t.Error("clean close should not schedule a reconnect")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
	if conns.Load() != 1 {
		t.Errorf("server saw %d connections, want 1", conns.Load())
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	cfg := testConfig()
	cfg.ReconnectBaseWait = 200 * time.Millisecond
	m := NewManager(cfg, dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.invalid/ws")
	rec.waitFor(t, dispatch.KindReconnecting, 1, time.Second)

	if m.State() != StateReconnecting {
		t.Fatalf("State = %s, want reconnecting", m.State())
	}

	m.Disconnect()
	time.Sleep(400 * time.Millisecond)

	if n := dialer.count(); n != 1 {
		t.Errorf("dialer called %d times, want 1", n)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
	if info := m.Info(); info.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", info.ReconnectAttempts)
	}

	disc := rec.ofKind(dispatch.KindDisconnected)
	if len(disc) != 1 || !disc[0].(dispatch.Disconnected).Clean {
		t.Errorf("disconnected events = %+v, want one clean", disc)
	}
}

func TestManager_DisconnectWhileConnected(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)

	if m.IsConnected() {
		t.Error("expected IsConnected to return false after Disconnect")
	}
	if rec.count(dispatch.KindReconnecting) != 0 {
		t.Error("Disconnect should never schedule a reconnect")
	}
	if rec.count(dispatch.KindError) != 0 {
		t.Error("Disconnect should not surface an error")
	}
	if dialer.count() != 1 {
		t.Errorf("dialer called %d times, want 1", dialer.count())
	}
	if err := m.Send(map[string]string{"type": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	var errMu sync.Mutex
	var terminal error
	dispatch.On(d, dispatch.KindError, func(ev dispatch.Error) error {
		if ev.Terminal {
			errMu.Lock()
			terminal = ev.Err
			errMu.Unlock()
		}
		return nil
	})

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectBaseWait = 5 * time.Millisecond
	cfg.ReconnectMaxWait = 20 * time.Millisecond
	m := NewManager(cfg, dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.invalid/ws")
	rec.waitFor(t, dispatch.KindError, 5, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	if n := dialer.count(); n != 4 {
		t.Errorf("dialer called %d times, want 4 (initial + 3 retries)", n)
	}

	var delays []time.Duration
	for _, ev := range rec.ofKind(dispatch.KindReconnecting) {
		delays = append(delays, ev.(dispatch.Reconnecting).Delay)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	errMu.Lock()
	if !errors.Is(terminal, ErrReconnectExhausted) {
		t.Errorf("terminal error = %v, want ErrReconnectExhausted", terminal)
	}
	errMu.Unlock()
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}

	// A fresh Connect starts over.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.next = func() Transport { return newPipe() }
	dialer.mu.Unlock()

	m.Connect("")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)
	if m.Info().Address != "ws://signals.invalid/ws" {
		t.Errorf("Address = %q, want the previous address", m.Info().Address)
	}
}

func TestManager_MalformedFrame(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("this is not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome","data":{"client_id":"abc"}}`))
		drain(conn)
	})
	defer server.Close()

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), nil, d, testLogger())
	defer closeManager(t, m)

	m.Connect(wsURL(server))
	rec.waitFor(t, dispatch.KindWelcome, 1, 2*time.Second)

	if n := rec.count(dispatch.KindParseError); n != 1 {
		t.Errorf("parseError events = %d, want 1", n)
	}
	pe := rec.ofKind(dispatch.KindParseError)[0].(dispatch.ParseError)
	if string(pe.Raw) != "this is not json" || !errors.Is(pe.Err, model.ErrMalformedFrame) {
		t.Errorf("parseError = %+v", pe)
	}
	if n := rec.count(dispatch.KindSignal); n != 0 {
		t.Errorf("signal events = %d, want 0", n)
	}
	if !m.IsConnected() {
		t.Error("malformed frame should not close the connection")
	}
	if rec.count(dispatch.KindDisconnected) != 0 {
		t.Error("malformed frame should not produce a disconnect")
	}
}

func TestManager_InvalidSignalIsParseError(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"signal","data":{"type":"BUY","price":1,"confidence":10,"timestamp":"2024-01-15T10:30:00Z"}}`)
	rec.waitFor(t, dispatch.KindParseError, 1, time.Second)

	pe := rec.ofKind(dispatch.KindParseError)[0].(dispatch.ParseError)
	if !errors.Is(pe.Err, model.ErrInvalidSignal) {
		t.Errorf("parseError = %v, want ErrInvalidSignal", pe.Err)
	}
	if rec.count(dispatch.KindSignal) != 0 {
		t.Error("invalid signal should not be dispatched")
	}
}

func TestManager_RoutesByDiscriminant(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"tick","data":{"symbol":"frxEURUSD","quote":1.1}}`)
	pipe.in <- []byte(`{"type":"market_update","data":{}}`)
	pipe.in <- []byte(`{"type":"error","data":{"message":"bad request"}}`)
	pipe.in <- []byte(`{"type":"mystery"}`)
	pipe.in <- []byte(`{"type":"analysis"}`)
	rec.waitFor(t, dispatch.KindAnalysis, 1, time.Second)

	for _, k := range []dispatch.Kind{dispatch.KindTick, dispatch.KindMarketUpdate, dispatch.KindServerError} {
		if rec.count(k) != 1 {
			t.Errorf("%s events = %d, want 1", k, rec.count(k))
		}
	}
	if rec.count(dispatch.KindError) != 0 {
		t.Error("server error envelope should not be a transport error")
	}
	if m.Info().UnknownFrames != 1 {
		t.Errorf("UnknownFrames = %d, want 1", m.Info().UnknownFrames)
	}

	tick := rec.ofKind(dispatch.KindTick)[0].(dispatch.Message)
	var payload struct {
		Symbol string  `json:"symbol"`
		Quote  float64 `json:"quote"`
	}
	if err := tick.Decode(&payload); err != nil || payload.Symbol != "frxEURUSD" {
		t.Errorf("tick payload = %+v (err %v)", payload, err)
	}
}

func TestManager_SignalFeedFrames(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	f := feed.New(feed.DefaultCapacity, testLogger())
	if _, err := f.Attach(d); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"signal_feed","signal_type":"entry","signal_id":"sig-7","symbol":"EURUSD","timeframe":"1h","direction":"buy","entry":1.0854,"stop_loss":1.083,"take_profit":1.09,"confidence":0.8,"timestamp":"2024-01-15T10:30:00"}`)
	pipe.in <- []byte(`{"type":"signal_feed","signal_type":"exit","symbol":"EURUSD","timeframe":"1h","signal_id":"sig-7","exit_price":1.09,"pips_gained":46.0,"exit_reason":"take_profit_hit","timestamp":"2024-01-15T11:02:13.504211"}`)
	rec.waitFor(t, dispatch.KindSignalFeed, 1, time.Second)

	if n := rec.count(dispatch.KindSignal); n != 1 {
		t.Fatalf("signal events = %d, want 1", n)
	}
	snap := f.Snapshot()
	if len(snap) != 1 || snap[0].ID != "sig-7" || snap[0].Direction != model.DirectionBuy || snap[0].Confidence != 80 {
		t.Fatalf("feed = %+v, want the sig-7 entry", snap)
	}

	up := rec.ofKind(dispatch.KindSignalFeed)[0].(dispatch.SignalUpdate)
	if !up.Update.IsExit() || up.Update.SignalID != "sig-7" || up.Update.ExitReason != "take_profit_hit" {
		t.Errorf("update = %+v", up.Update)
	}
	if up.Update.PipsGained == nil || *up.Update.PipsGained != 46 {
		t.Errorf("pips_gained = %v, want 46", up.Update.PipsGained)
	}
	if len(up.Raw) == 0 {
		t.Error("update should carry the raw frame")
	}

	if n := m.Info().UnknownFrames; n != 0 {
		t.Errorf("UnknownFrames = %d, want 0", n)
	}
	if n := rec.count(dispatch.KindParseError); n != 0 {
		t.Errorf("parseError events = %d, want 0", n)
	}
}

func TestManager_InvalidSignalFeedEntry(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	f := feed.New(feed.DefaultCapacity, testLogger())
	if _, err := f.Attach(d); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"signal_feed","signal_type":"entry","symbol":"EURUSD","timestamp":"2024-01-15T10:30:00Z"}`)
	pipe.in <- []byte(`{"type":"signal_feed","symbol":["EURUSD"]}`)
	rec.waitFor(t, dispatch.KindParseError, 2, time.Second)

	errs := rec.ofKind(dispatch.KindParseError)
	if pe := errs[0].(dispatch.ParseError); !errors.Is(pe.Err, model.ErrInvalidSignal) {
		t.Errorf("entry without direction error = %v, want ErrInvalidSignal", pe.Err)
	}
	if pe := errs[1].(dispatch.ParseError); !errors.Is(pe.Err, model.ErrInvalidFeedUpdate) {
		t.Errorf("malformed frame error = %v, want ErrInvalidFeedUpdate", pe.Err)
	}
	if f.Len() != 0 {
		t.Errorf("feed length = %d, want 0", f.Len())
	}
}

func TestManager_BlankSymbolIsParseError(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	f := feed.New(feed.DefaultCapacity, testLogger())
	if _, err := f.Attach(d); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"signal","data":{"symbol":"   ","type":"BUY","price":1.1,"confidence":60,"timestamp":"2024-01-15T10:30:00Z"}}`)
	rec.waitFor(t, dispatch.KindParseError, 1, time.Second)

	pe := rec.ofKind(dispatch.KindParseError)[0].(dispatch.ParseError)
	if !errors.Is(pe.Err, model.ErrInvalidSignal) {
		t.Errorf("parseError = %v, want ErrInvalidSignal", pe.Err)
	}
	if rec.count(dispatch.KindSignal) != 0 {
		t.Error("blank-symbol signal should not be dispatched")
	}
	if f.Len() != 0 {
		t.Errorf("feed length = %d, want 0", f.Len())
	}
}

func TestManager_AnswersPing(t *testing.T) {
	reply := make(chan model.Probe, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1705314600000}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var p model.Probe
			if json.Unmarshal(data, &p) == nil && p.Type == model.TypePong {
				reply <- p
			}
		}
	})
	defer server.Close()

	d := dispatch.New(testLogger())
	m := NewManager(testConfig(), nil, d, testLogger())
	defer closeManager(t, m)

	m.Connect(wsURL(server))

	select {
	case p := <-reply:
		if p.Timestamp == 0 {
			t.Error("pong should carry a timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}

	// Liveness frames never reach subscribers.
	if s := d.Stats(); s.Published != 1 {
		t.Errorf("published %d events, want only connected", s.Published)
	}
}

func TestManager_SendsProbes(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	m := NewManager(cfg, dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)
	time.Sleep(90 * time.Millisecond)

	pings := 0
	for _, data := range pipe.sent() {
		var p model.Probe
		if json.Unmarshal(data, &p) == nil && p.Type == model.TypePing {
			pings++
		}
	}
	if pings < 2 {
		t.Errorf("sent %d pings, want at least 2", pings)
	}
	if m.Info().LastProbeAt == nil {
		t.Error("LastProbeAt should be set")
	}

	// Inbound pong updates LastSeenAt and is not dispatched.
	before := *m.Info().LastSeenAt
	time.Sleep(5 * time.Millisecond)
	pipe.in <- []byte(`{"type":"pong","timestamp":1}`)
	time.Sleep(50 * time.Millisecond)
	if after := *m.Info().LastSeenAt; !after.After(before) {
		t.Errorf("LastSeenAt = %v, want after %v", after, before)
	}

	// Probes stop once disconnected.
	m.Disconnect()
	n := len(pipe.sent())
	time.Sleep(60 * time.Millisecond)
	if len(pipe.sent()) != n {
		t.Error("probes continued after Disconnect")
	}
}

func TestManager_LivenessTimeout(t *testing.T) {
	dialer := &fakeDialer{next: func() Transport { return newPipe() }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	var errMu sync.Mutex
	var firstErr error
	dispatch.On(d, dispatch.KindError, func(ev dispatch.Error) error {
		errMu.Lock()
		if firstErr == nil {
			firstErr = ev.Err
		}
		errMu.Unlock()
		return nil
	})

	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.LivenessTimeout = 30 * time.Millisecond
	cfg.MaxReconnectAttempts = 1
	m := NewManager(cfg, dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 2, 2*time.Second)

	errMu.Lock()
	if !errors.Is(firstErr, ErrLivenessTimeout) {
		t.Errorf("first error = %v, want ErrLivenessTimeout", firstErr)
	}
	errMu.Unlock()
	if rec.count(dispatch.KindReconnecting) < 1 {
		t.Error("liveness timeout should drive the reconnect path")
	}
}

func TestManager_PassiveLivenessByDefault(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	m := NewManager(cfg, dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)
	time.Sleep(100 * time.Millisecond)

	if !m.IsConnected() {
		t.Error("silent connection should stay open without a liveness timeout")
	}
	if rec.count(dispatch.KindDisconnected) != 0 {
		t.Error("unexpected disconnect")
	}
}

func TestManager_SendNotConnected(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{err: errors.New("down")}, nil, testLogger())
	defer closeManager(t, m)

	if err := m.Send(map[string]string{"type": "get_analysis"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if err := m.SendEnvelope("get_analysis", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendEnvelope = %v, want ErrNotConnected", err)
	}
	if m.IsConnected() {
		t.Error("expected IsConnected to return false")
	}
}

func TestManager_SendEncodeError(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	if err := m.Send(make(chan int)); !errors.Is(err, ErrEncode) {
		t.Errorf("Send = %v, want ErrEncode", err)
	}
	if !m.IsConnected() {
		t.Error("encode error should not affect the connection")
	}

	if err := m.SendEnvelope("subscribe_ticks", map[string]string{"symbol": "frxEURUSD"}); err != nil {
		t.Fatalf("SendEnvelope failed: %v", err)
	}
	sent := pipe.sent()
	if got := string(sent[len(sent)-1]); got != `{"type":"subscribe_ticks","data":{"symbol":"frxEURUSD"}}` {
		t.Errorf("sent %s", got)
	}
}

func TestManager_SubscriptionsSentOnConnect(t *testing.T) {
	first := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			first <- string(data)
		}
		drain(conn)
	})
	defer server.Close()

	sub, _ := model.NewEnvelope("subscribe_ticks", map[string]string{"symbol": "frxEURUSD"})
	cfg := testConfig()
	cfg.Subscriptions = []any{sub}

	m := NewManager(cfg, nil, dispatch.New(testLogger()), testLogger())
	defer closeManager(t, m)

	m.Connect(wsURL(server))

	select {
	case got := <-first:
		if got != `{"type":"subscribe_ticks","data":{"symbol":"frxEURUSD"}}` {
			t.Errorf("first frame = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not sent")
	}
}

func TestManager_ConnectReplacesConnection(t *testing.T) {
	var pipes []*pipeTransport
	var mu sync.Mutex
	dialer := &fakeDialer{next: func() Transport {
		p := newPipe()
		mu.Lock()
		pipes = append(pipes, p)
		mu.Unlock()
		return p
	}}

	d := dispatch.New(testLogger())
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://a.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)
	m.Connect("ws://b.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 2, time.Second)
	time.Sleep(50 * time.Millisecond)

	disc := rec.ofKind(dispatch.KindDisconnected)
	if len(disc) != 1 {
		t.Fatalf("disconnected events = %d, want 1", len(disc))
	}
	if de := disc[0].(dispatch.Disconnected); !de.Clean || de.Address != "ws://a.test/ws" {
		t.Errorf("disconnected = %+v, want clean for the old address", de)
	}
	if rec.count(dispatch.KindReconnecting) != 0 {
		t.Error("replacing a connection should not schedule a reconnect")
	}
	if m.Info().Address != "ws://b.test/ws" {
		t.Errorf("Address = %q", m.Info().Address)
	}

	mu.Lock()
	defer mu.Unlock()
	select {
	case <-pipes[0].done:
	default:
		t.Error("old transport was not closed")
	}
}

func TestManager_ConnectErrors(t *testing.T) {
	m := NewManager(Config{}, &fakeDialer{err: errors.New("down")}, nil, testLogger())

	if err := m.Connect(""); !errors.Is(err, ErrNoAddress) {
		t.Errorf("Connect(\"\") = %v, want ErrNoAddress", err)
	}

	closeManager(t, m)
	if err := m.Connect("ws://x.test"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Connect after Close = %v, want ErrManagerClosed", err)
	}
}

func TestManager_HandlerPanicDoesNotAffectConnection(t *testing.T) {
	pipe := newPipe()
	dialer := &fakeDialer{next: func() Transport { return pipe }}

	d := dispatch.New(testLogger())
	d.Subscribe(dispatch.KindTick, func(dispatch.Event) error { panic("bad handler") })
	rec := newRecorder(t, d)

	m := NewManager(testConfig(), dialer, d, testLogger())
	defer closeManager(t, m)

	m.Connect("ws://signals.test/ws")
	rec.waitFor(t, dispatch.KindConnected, 1, time.Second)

	pipe.in <- []byte(`{"type":"tick"}`)
	pipe.in <- []byte(`{"type":"tick"}`)
	rec.waitFor(t, dispatch.KindTick, 2, time.Second)

	if !m.IsConnected() {
		t.Error("handler panic should not affect the connection")
	}
	if d.Stats().HandlerFailures != 2 {
		t.Errorf("HandlerFailures = %d, want 2", d.Stats().HandlerFailures)
	}
}

func TestInfo_JSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "ws://localhost:8000/ws"
	m := NewManager(cfg, &fakeDialer{}, nil, testLogger())
	data, err := json.Marshal(m.Info())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got map[string]any
	json.Unmarshal(data, &got)
	want := map[string]any{
		"connected":            false,
		"address":              "ws://localhost:8000/ws",
		"state":                "disconnected",
		"reconnectAttempts":    float64(0),
		"maxReconnectAttempts": float64(5),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestManager_NoDispatcher(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	// A failing handshake with no dispatcher must not panic.
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	m := NewManager(cfg, nil, nil, testLogger())
	m.Connect(wsURL(srv))
	time.Sleep(100 * time.Millisecond)
	closeManager(t, m)

	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
}
