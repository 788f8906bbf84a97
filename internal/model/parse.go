package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		v := fl.Field().Float()
		return !math.IsNaN(v) && !math.IsInf(v, 0)
	}); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
}

// Accepted ISO-8601 layouts for signal timestamps, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// DecodeEnvelope parses a raw frame into an Envelope.
// Anything that is not a JSON object with a non-empty string "type" is
// reported as ErrMalformedFrame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// ParseSignal decodes and validates a signal payload.
func ParseSignal(data []byte) (Signal, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Signal{}, fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}

	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Validate checks the signal against the wire contract.
func (s Signal) Validate() error {
	var problems []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fe.Field()+" failed "+fe.Tag())
		}
	}
	if s.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSignal, strings.Join(problems, "; "))
	}
	return nil
}

// UnmarshalJSON accepts ISO-8601 timestamps with or without a zone, and
// epoch-millisecond numbers.
func (s *Signal) UnmarshalJSON(data []byte) error {
	type alias Signal
	var wire struct {
		alias
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}

	*s = Signal(wire.alias)
	s.Timestamp = ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if str == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognised format %q", str)
}
