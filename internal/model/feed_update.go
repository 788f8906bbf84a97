package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Values of FeedUpdate.SignalType.
const (
	FeedEntry = "entry"
	FeedExit  = "exit"
)

// FeedUpdate is a signal_feed frame. Unlike other frames its fields sit
// beside "type" rather than under "data".
type FeedUpdate struct {
	SignalType string    `json:"signal_type"`
	SignalID   string    `json:"signal_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Entry      *float64  `json:"entry,omitempty"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	ExitPrice  *float64  `json:"exit_price,omitempty"`
	PipsGained *float64  `json:"pips_gained,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ParseFeedUpdate decodes a whole signal_feed frame.
func ParseFeedUpdate(raw []byte) (FeedUpdate, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return FeedUpdate{}, fmt.Errorf("%w: empty frame", ErrInvalidFeedUpdate)
	}

	var wire struct {
		FeedUpdate
		Direction string          `json:"direction"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return FeedUpdate{}, fmt.Errorf("%w: %v", ErrInvalidFeedUpdate, err)
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("%w: %v", ErrInvalidFeedUpdate, err)
	}

	u := wire.FeedUpdate
	u.SignalType = strings.ToLower(strings.TrimSpace(u.SignalType))
	u.Direction = Direction(strings.ToUpper(strings.TrimSpace(wire.Direction)))
	u.Timestamp = ts
	return u, nil
}

// IsEntry reports whether the update opens a signal. A missing signal_type
// counts as an entry.
func (u FeedUpdate) IsEntry() bool {
	return u.SignalType == FeedEntry || u.SignalType == ""
}

// IsExit reports whether the update closes a previously opened signal.
func (u FeedUpdate) IsExit() bool {
	return u.SignalType == FeedExit
}

// Signal converts an entry update into a validated Signal. Fractional
// confidences in (0, 1] are scaled to percent.
func (u FeedUpdate) Signal() (Signal, error) {
	if !u.IsEntry() {
		return Signal{}, fmt.Errorf("%w: %q update is not an entry", ErrInvalidSignal, u.SignalType)
	}

	s := Signal{
		ID:         u.SignalID,
		Symbol:     u.Symbol,
		Direction:  u.Direction,
		Timestamp:  u.Timestamp,
		StopLoss:   cloneFloat(u.StopLoss),
		TakeProfit: cloneFloat(u.TakeProfit),
		Timeframe:  u.Timeframe,
	}
	if u.Entry != nil {
		s.Price = *u.Entry
	}
	if u.Confidence != nil {
		s.Confidence = *u.Confidence
		if s.Confidence > 0 && s.Confidence <= 1 {
			s.Confidence *= 100
		}
	}

	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}
