package config

import "time"

// Config is the root configuration for a signalfeed client.
type Config struct {
	Stream  StreamConfig  `yaml:"stream"`
	Feed    FeedConfig    `yaml:"feed"`
	History HistoryConfig `yaml:"history"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// StreamConfig holds signal stream connection settings.
type StreamConfig struct {
	URL                  string        `yaml:"url" default:"ws://localhost:8765"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"5"` // Negative disables retries
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" default:"1s"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" default:"30s"`
	PingInterval         time.Duration `yaml:"ping_interval" default:"30s"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"` // 0 keeps liveness passive
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" default:"10s"`
	WriteTimeout         time.Duration `yaml:"write_timeout" default:"5s"`

	// Frames sent after every connect, e.g. {type: subscribe_ticks, symbol: frxEURUSD}
	Subscriptions []map[string]any `yaml:"subscriptions"`
}

// FeedConfig holds signal feed settings.
type FeedConfig struct {
	Capacity int `yaml:"capacity" default:"100"`
}

// HistoryConfig holds the optional Postgres source used to pre-load the feed.
type HistoryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port" default:"5432"`
	Name     string        `yaml:"name"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	SSLMode  string        `yaml:"ssl_mode" default:"prefer"`
	MaxConns int           `yaml:"max_conns" default:"4"`
	MinConns int           `yaml:"min_conns"`
	Table    string        `yaml:"table" default:"signals"`
	Limit    int           `yaml:"limit"` // 0 loads feed.capacity rows
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
}

// HTTPConfig holds the local status server settings.
type HTTPConfig struct {
	Disabled        bool          `yaml:"disabled"`
	Addr            string        `yaml:"addr" default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`  // debug, info, warn, error
	Format string `yaml:"format" default:"text"` // text, json
}
