package dispatch

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/signalfeed/internal/model"
)

// Errors
var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrNilHandler  = errors.New("nil handler")
)

// Kind identifies an event. The set is closed; see Kinds.
type Kind string

// Connection lifecycle kinds.
const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindReconnecting Kind = "reconnecting"
	KindError        Kind = "error"
	KindParseError   Kind = "parseError"
)

// Envelope kinds, one per server discriminant. A server "error" envelope is
// delivered as KindServerError so it cannot be confused with transport errors.
const (
	KindSignal                Kind = "signal"
	KindSignalFeed            Kind = "signal_feed"
	KindWelcome               Kind = "welcome"
	KindTick                  Kind = "tick"
	KindCandles               Kind = "candles"
	KindAnalysis              Kind = "analysis"
	KindMarketUpdate          Kind = "market_update"
	KindSubscriptionConfirmed Kind = "subscription_confirmed"
	KindServerError           Kind = "server_error"
)

var envelopeKinds = map[string]Kind{
	model.TypeSignal:                KindSignal,
	model.TypeSignalFeed:            KindSignalFeed,
	model.TypeWelcome:               KindWelcome,
	model.TypeTick:                  KindTick,
	model.TypeCandles:               KindCandles,
	model.TypeAnalysis:              KindAnalysis,
	model.TypeMarketUpdate:          KindMarketUpdate,
	model.TypeSubscriptionConfirmed: KindSubscriptionConfirmed,
	model.TypeError:                 KindServerError,
}

// Kinds returns every kind a handler can subscribe to.
func Kinds() []Kind {
	return []Kind{
		KindConnected, KindDisconnected, KindReconnecting, KindError, KindParseError,
		KindSignal, KindSignalFeed, KindWelcome, KindTick, KindCandles, KindAnalysis,
		KindMarketUpdate, KindSubscriptionConfirmed, KindServerError,
	}
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindConnected, KindDisconnected, KindReconnecting, KindError, KindParseError:
		return true
	}
	for _, known := range envelopeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// KindOf maps an envelope discriminant to its event kind.
// Liveness frames and unknown discriminants return false.
func KindOf(discriminant string) (Kind, bool) {
	k, ok := envelopeKinds[discriminant]
	return k, ok
}

// Event is implemented by every payload the dispatcher carries.
type Event interface {
	Kind() Kind
}

// Connected is published once the transport is open.
type Connected struct {
	Address string
	At      time.Time
}

// Disconnected is published when a connection ends. Clean is true for an
// explicit Disconnect or a normal (1000) close from the server.
type Disconnected struct {
	Address string
	Clean   bool
	Code    int
	Reason  string
}

// Reconnecting is published each time a retry is scheduled.
type Reconnecting struct {
	Address     string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Error carries a transport failure. Terminal is set when retries are exhausted.
type Error struct {
	Err      error
	Terminal bool
}

// ParseError is published for an inbound frame that could not be decoded.
type ParseError struct {
	Raw []byte
	Err error
}

// SignalReceived carries a decoded, validated signal.
type SignalReceived struct {
	Signal     model.Signal
	ReceivedAt time.Time
}

// SignalUpdate carries a signal_feed frame that is not an entry, such as an
// exit for a signal already in the feed.
type SignalUpdate struct {
	Update     model.FeedUpdate
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// Message carries any other known envelope. Data is the "data" member and
// Raw the whole frame, since some servers put fields beside "type".
type Message struct {
	Type       Kind
	Data       json.RawMessage
	Raw        json.RawMessage
	ReceivedAt time.Time
}

func (Connected) Kind() Kind      { return KindConnected }
func (Disconnected) Kind() Kind   { return KindDisconnected }
func (Reconnecting) Kind() Kind   { return KindReconnecting }
func (Error) Kind() Kind          { return KindError }
func (ParseError) Kind() Kind     { return KindParseError }
func (SignalReceived) Kind() Kind { return KindSignal }
func (SignalUpdate) Kind() Kind   { return KindSignalFeed }
func (m Message) Kind() Kind      { return m.Type }

// Decode unmarshals the "data" member into v, or the whole frame when the
// message has no data member.
func (m Message) Decode(v any) error {
	switch {
	case len(m.Data) > 0:
		return json.Unmarshal(m.Data, v)
	case len(m.Raw) > 0:
		return json.Unmarshal(m.Raw, v)
	}
	return nil
}
