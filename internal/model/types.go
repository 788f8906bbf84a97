package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Errors
var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrInvalidFeedUpdate = errors.New("invalid feed update")
)

// Envelope discriminants sent by the signal server.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeSignal                = "signal"
	TypeSignalFeed            = "signal_feed"
	TypeWelcome               = "welcome"
	TypeTick                  = "tick"
	TypeCandles               = "candles"
	TypeAnalysis              = "analysis"
	TypeMarketUpdate          = "market_update"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeError                 = "error"
)

// Envelope is the outer wrapper around every message on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// NewEnvelope builds an envelope around an arbitrary payload.
// A nil payload produces an envelope without "data".
func NewEnvelope(kind string, data any) (Envelope, error) {
	env := Envelope{Type: kind}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// IsLiveness reports whether the envelope is a ping or pong frame.
func (e Envelope) IsLiveness() bool {
	return e.Type == TypePing || e.Type == TypePong
}

// Probe is a liveness frame: {"type":"ping"|"pong","timestamp":<epoch-ms>}.
type Probe struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing returns a ping probe stamped with t.
func NewPing(t time.Time) Probe {
	return Probe{Type: TypePing, Timestamp: t.UnixMilli()}
}

// NewPong returns a pong probe stamped with t.
func NewPong(t time.Time) Probe {
	return Probe{Type: TypePong, Timestamp: t.UnixMilli()}
}

// Direction is the trading bias of a signal.
type Direction string

const (
	DirectionBuy        Direction = "BUY"
	DirectionSell       Direction = "SELL"
	DirectionHold       Direction = "HOLD"
	DirectionStrongBuy  Direction = "STRONG_BUY"
	DirectionStrongSell Direction = "STRONG_SELL"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionBuy, DirectionSell, DirectionHold, DirectionStrongBuy, DirectionStrongSell:
		return true
	}
	return false
}

// Signal is a single trading signal produced by the server.
type Signal struct {
	ID         string    `json:"id,omitempty"`
	Symbol     string    `json:"symbol" validate:"required,notblank"`
	Direction  Direction `json:"type" validate:"required,oneof=BUY SELL HOLD STRONG_BUY STRONG_SELL"`
	Price      float64   `json:"price" validate:"finite"`
	Confidence float64   `json:"confidence" validate:"finite,gte=0,lte=100"`
	Timestamp  time.Time `json:"timestamp"`
	StopLoss   *float64  `json:"stop_loss,omitempty" validate:"omitempty,finite"`
	TakeProfit *float64  `json:"take_profit,omitempty" validate:"omitempty,finite"`
	Volume     *float64  `json:"volume,omitempty" validate:"omitempty,finite,gte=0"`
	Timeframe  string    `json:"timeframe,omitempty"`

	// Seq is the arrival position assigned by the feed (0 = not yet accepted).
	Seq uint64 `json:"seq,omitempty"`
}

// Key returns the signal identity: the explicit id, else its arrival position.
func (s Signal) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return "#" + strconv.FormatUint(s.Seq, 10)
}

// Clone returns a deep copy; optional fields do not share storage.
func (s Signal) Clone() Signal {
	s.StopLoss = cloneFloat(s.StopLoss)
	s.TakeProfit = cloneFloat(s.TakeProfit)
	s.Volume = cloneFloat(s.Volume)
	return s
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float is a helper for populating optional signal fields.
func Float(v float64) *float64 {
	return &v
}
