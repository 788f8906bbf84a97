package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials WebSocket transports with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header

	logger *slog.Logger
}

// NewWSDialer creates a dialer using the timeouts from cfg.
func NewWSDialer(cfg Config, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSDialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		logger:           logger,
	}
}

// Dial establishes the WebSocket connection.
func (d *WSDialer) Dial(ctx context.Context, address string) (Transport, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	for k, v := range d.Header {
		header[k] = v
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	t := &wsTransport{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		lastControl:  time.Now(),
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		err := conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	d.logger.Debug("websocket connected", "url", address)

	return t, nil
}

// wsTransport wraps one gorilla connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	mu          sync.Mutex
	lastControl time.Time

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage returns the next data frame.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage writes a text frame.
func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame when code is non-zero, then closes the socket.
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		if code != 0 {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second),
			)
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// LastControlAt returns when a protocol ping or pong was last received.
func (t *wsTransport) LastControlAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastControl
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastControl = time.Now()
	t.mu.Unlock()
}
