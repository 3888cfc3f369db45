package config

// Config is the on-disk configuration. It is read-only once committed;
// reloads publish a new value.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Twitch      TwitchConfig      `json:"twitch"`
	HTTP        HTTPConfig        `json:"http,omitempty"`
	Cache       CacheConfig       `json:"cache"`
	Notifier    NotifierConfig    `json:"notifier"`
	Logging     LoggingConfig     `json:"logging"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty"`
}

// TwitchConfig controls what is polled and how often.
//
// Defaults:
//   - helix_url: https://api.twitch.tv/helix
//   - poll_interval: "1m"
//   - offline_grace_period: "2m"
//   - batch_size: 100 (the Helix maximum)
//   - poll_concurrency: 4
type TwitchConfig struct {
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token"`
	HelixURL    string `json:"helix_url,omitempty"`

	UserLogin []string `json:"user_login"`
	// TopClips is forwarded on vod events for the receiver to resolve.
	TopClips int `json:"top_clips,omitempty"`

	PollInterval       string `json:"poll_interval,omitempty"`
	OfflineGracePeriod string `json:"offline_grace_period,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	PollConcurrency    int    `json:"poll_concurrency,omitempty"`
}

// HTTPConfig tunes the shared outbound client.
//
// Defaults:
//   - max_in_flight: 8
//   - timeout: "10s" (per attempt)
//   - retry_max: 4
//   - retry_base: "1s", retry_max_delay: "16s"
//   - max_hint_delay: "1m"
//   - rate_per_sec: 0 (no steady-state limit)
type HTTPConfig struct {
	MaxInFlight   int     `json:"max_in_flight,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	RetryMax      *int    `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	MaxHintDelay  string  `json:"max_hint_delay,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
}

// CacheConfig controls state persistence.
//
// Example:
//
//	"cache": { "enabled": true, "driver": "file", "path": "./.cache" }
//
// Enabled defaults to true. When false the state lives in memory only.
type CacheConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

func (c CacheConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type NotifierConfig struct {
	// EnabledEvents is a subset of live, update, vod. Empty means all.
	EnabledEvents []string `json:"enabled_events,omitempty"`
	Concurrency   int      `json:"concurrency,omitempty"`
	DefaultSink   string   `json:"default_sink,omitempty"`

	Sinks map[string]SinkConfig `json:"sinks"`
	// ChannelSinks maps a login to a sink name; others use default_sink.
	ChannelSinks map[string]string `json:"channel_sinks,omitempty"`
}

// SinkConfig describes one delivery target. Which fields apply depends on
// Type: "webhook", "telegram" or "mqtt".
type SinkConfig struct {
	Type string `json:"type"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// telegram
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
	APIURL string `json:"api_url,omitempty"`

	// mqtt
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      int    `json:"qos,omitempty"`
	Retained bool   `json:"retained,omitempty"`

	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DiagnosticsConfig controls the optional read-only HTTP endpoint.
//
// Prefer binding to localhost; /poll and pprof are operator tools.
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof   bool   `json:"pprof,omitempty"`
	// Recent is how many transitions /transitions keeps.
	Recent int `json:"recent,omitempty"`
}
