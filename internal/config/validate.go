package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Stream.validate(); err != nil {
		return err
	}

	if c.Feed.Capacity < 1 {
		return errors.New("feed.capacity must be >= 1")
	}

	if c.History.Enabled {
		if err := c.History.validate("history"); err != nil {
			return err
		}
	}

	if !c.HTTP.Disabled && c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.URL == "" {
		return errors.New("stream.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("stream.url must be a ws:// or wss:// URL, got %q", s.URL)
	}
	if s.ReconnectBaseDelay <= 0 {
		return errors.New("stream.reconnect_base_delay must be > 0")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.PingInterval <= 0 {
		return errors.New("stream.ping_interval must be > 0")
	}
	if s.LivenessTimeout < 0 {
		return errors.New("stream.liveness_timeout must be >= 0")
	}
	for i, sub := range s.Subscriptions {
		if t, _ := sub["type"].(string); t == "" {
			return fmt.Errorf("stream.subscriptions[%d].type is required", i)
		}
	}
	return nil
}

func (h *HistoryConfig) validate(prefix string) error {
	if h.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if h.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if h.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if h.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if h.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if h.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if h.MinConns > h.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, h.MinConns, h.MaxConns)
	}
	if h.Limit < 0 {
		return fmt.Errorf("%s.limit must be >= 0", prefix)
	}
	if !validIdent(h.Table) {
		return fmt.Errorf("%s.table %q is not a valid identifier", prefix, h.Table)
	}
	return nil
}

// validIdent accepts [A-Za-z_][A-Za-z0-9_]* with an optional schema prefix.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	start := true
	for _, r := range s {
		switch {
		case r == '.' && !start:
			start = true
			continue
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && !start:
		default:
			return false
		}
		start = false
	}
	return !start
}
