package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rickgao/signalfeed/internal/config"
	"github.com/rickgao/signalfeed/internal/connection"
	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/feed"
	"github.com/rickgao/signalfeed/internal/model"
)

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// connectionConfig maps the stream section onto the manager's config.
func connectionConfig(s config.StreamConfig) connection.Config {
	subs := make([]any, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		subs = append(subs, sub)
	}
	return connection.Config{
		Address:              s.URL,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		ReconnectBaseWait:    s.ReconnectBaseDelay,
		ReconnectMaxWait:     s.ReconnectMaxDelay,
		PingInterval:         s.PingInterval,
		LivenessTimeout:      s.LivenessTimeout,
		HandshakeTimeout:     s.HandshakeTimeout,
		WriteTimeout:         s.WriteTimeout,
		Subscriptions:        subs,
	}
}

// signalPrinter writes one line per accepted signal.
func signalPrinter(w io.Writer) feed.Observer {
	var mu sync.Mutex
	return func(s model.Signal) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, formatSignal(s))
	}
}

func formatSignal(s model.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %-11s price=%g conf=%.0f%%",
		s.Timestamp.Format("15:04:05"), s.Symbol, s.Direction, s.Price, s.Confidence)
	if s.StopLoss != nil {
		fmt.Fprintf(&b, " sl=%g", *s.StopLoss)
	}
	if s.TakeProfit != nil {
		fmt.Fprintf(&b, " tp=%g", *s.TakeProfit)
	}
	if s.Timeframe != "" {
		fmt.Fprintf(&b, " tf=%s", s.Timeframe)
	}
	return b.String()
}

// watchLifecycle logs server-side messages and signal updates the manager
// only forwards.
func watchLifecycle(d *dispatch.Dispatcher, logger *slog.Logger) error {
	if _, err := dispatch.On(d, dispatch.KindWelcome, func(m dispatch.Message) error {
		logger.Info("server welcome", "payload", string(payloadOf(m)))
		return nil
	}); err != nil {
		return err
	}

	if _, err := dispatch.On(d, dispatch.KindSubscriptionConfirmed, func(m dispatch.Message) error {
		var sub struct {
			Symbol string `json:"symbol"`
		}
		if err := m.Decode(&sub); err != nil {
			return err
		}
		logger.Info("subscription confirmed", "symbol", sub.Symbol)
		return nil
	}); err != nil {
		return err
	}

	if _, err := dispatch.On(d, dispatch.KindServerError, func(m dispatch.Message) error {
		logger.Warn("server error", "payload", string(payloadOf(m)))
		return nil
	}); err != nil {
		return err
	}

	if _, err := dispatch.On(d, dispatch.KindSignalFeed, func(u dispatch.SignalUpdate) error {
		args := []any{"signal_id", u.Update.SignalID, "symbol", u.Update.Symbol, "signal_type", u.Update.SignalType}
		if u.Update.IsExit() {
			args = append(args, "exit_reason", u.Update.ExitReason)
			if u.Update.PipsGained != nil {
				args = append(args, "pips", *u.Update.PipsGained)
			}
		}
		logger.Info("signal update", args...)
		return nil
	}); err != nil {
		return err
	}

	_, err := dispatch.On(d, dispatch.KindError, func(e dispatch.Error) error {
		if e.Terminal {
			logger.Error("stream gave up; reconnect with PUT /api/connection", "error", e.Err)
		}
		return nil
	})
	return err
}

func payloadOf(m dispatch.Message) []byte {
	if len(m.Data) > 0 {
		return m.Data
	}
	return m.Raw
}
