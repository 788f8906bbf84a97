package connection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrNoAddress          = errors.New("no address")
	ErrEncode             = errors.New("encode frame")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrLivenessTimeout    = errors.New("liveness timeout")
	ErrManagerClosed      = errors.New("manager closed")
)

// WebSocket close codes the manager cares about.
const (
	CloseNormalClosure   = 1000
	CloseAbnormalClosure = 1006
)

// CloseError reports a close frame (or an abnormal end of stream) seen by a
// Transport.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", e.Code)
	}
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// Clean reports whether the peer closed normally.
func (e *CloseError) Clean() bool {
	return e.Code == CloseNormalClosure
}

// Transport is one open message connection.
type Transport interface {
	// ReadMessage blocks for the next text frame. A close from the peer is
	// returned as *CloseError.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Close ends the connection. A non-zero code sends a close frame first;
	// zero drops the connection without one.
	Close(code int, reason string) error
}

// Dialer opens Transports.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// State is the lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosing:      "closing",
	StateReconnecting: "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a Manager.
type Config struct {
	Address              string        // Default address for Connect("")
	MaxReconnectAttempts int           // Retries after an unclean close (0 = never retry)
	ReconnectBaseWait    time.Duration // Delay before the first retry
	ReconnectMaxWait     time.Duration // Ceiling for the retry delay
	PingInterval         time.Duration // Liveness probe period
	LivenessTimeout      time.Duration // Abort after this much silence (0 = passive)
	HandshakeTimeout     time.Duration // WebSocket opening handshake limit
	WriteTimeout         time.Duration // Write deadline for sends
	Subscriptions        []any         // Frames sent after every successful connect
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		PingInterval:         30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// withDefaults fills unset durations.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectBaseWait <= 0 {
		c.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if c.ReconnectMaxWait <= 0 {
		c.ReconnectMaxWait = def.ReconnectMaxWait
	}
	if c.ReconnectMaxWait < c.ReconnectBaseWait {
		c.ReconnectMaxWait = c.ReconnectBaseWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.LivenessTimeout < 0 {
		c.LivenessTimeout = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Info is the externally visible connection summary.
type Info struct {
	Connected            bool       `json:"connected"`
	Address              string     `json:"address"`
	State                State      `json:"state"`
	ReconnectAttempts    int        `json:"reconnectAttempts"`
	MaxReconnectAttempts int        `json:"maxReconnectAttempts"`
	BackoffMillis        int64      `json:"backoffMs"`
	ConnectedSince       *time.Time `json:"connectedSince,omitempty"`
	LastProbeAt          *time.Time `json:"lastProbeAt,omitempty"`
	LastSeenAt           *time.Time `json:"lastSeenAt,omitempty"`
	UnknownFrames        int64      `json:"unknownFrames"`
}
