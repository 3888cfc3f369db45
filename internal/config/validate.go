package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks cfg for values that would fail at runtime. It returns
// all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(cfg.Twitch.UserLogin) == 0 {
		add("twitch.user_login: at least one channel is required")
	}
	for i, l := range cfg.Twitch.UserLogin {
		if strings.TrimSpace(l) == "" {
			add("twitch.user_login[%d]: empty login", i)
		}
	}
	if strings.TrimSpace(cfg.Twitch.ClientID) == "" {
		add("twitch.client_id: required")
	}
	if cfg.Twitch.BatchSize < 0 || cfg.Twitch.BatchSize > 100 {
		add("twitch.batch_size: must be between 1 and 100")
	}
	if cfg.Twitch.TopClips < 0 {
		add("twitch.top_clips: must be >= 0")
	}
	if _, _, err := cfg.Twitch.PollDurations(); err != nil {
		errs = append(errs, err)
	}
	for _, d := range []struct{ path, raw string }{
		{"http.timeout", cfg.HTTP.Timeout},
		{"http.retry_base", cfg.HTTP.RetryBase},
		{"http.retry_max_delay", cfg.HTTP.RetryMaxDelay},
		{"http.max_hint_delay", cfg.HTTP.MaxHintDelay},
		{"cache.busy_timeout", cfg.Cache.BusyTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.HTTP.RetryMax != nil && *cfg.HTTP.RetryMax < 0 {
		add("http.retry_max: must be >= 0")
	}

	if cfg.Cache.IsEnabled() {
		switch strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)) {
		case "", "file", "sqlite", "sqlite3", "postgres", "postgresql":
			if strings.TrimSpace(cfg.Cache.Path) == "" {
				add("cache.path: required when cache is enabled")
			}
		case "memory", "none":
		default:
			add("cache.driver: unknown driver %q", cfg.Cache.Driver)
		}
	}

	for _, ev := range cfg.Notifier.EnabledEvents {
		switch ev {
		case "live", "update", "vod":
		default:
			add("notifier.enabled_events: unknown event %q", ev)
		}
	}
	def := cfg.Notifier.DefaultSink
	if def == "" {
		def = "default"
	}
	if _, ok := cfg.Notifier.Sinks[def]; !ok {
		add("notifier.sinks: default sink %q is not defined", def)
	}
	for login, sink := range cfg.Notifier.ChannelSinks {
		if _, ok := cfg.Notifier.Sinks[sink]; !ok {
			add("notifier.channel_sinks.%s: unknown sink %q", login, sink)
		}
	}
	for name, s := range cfg.Notifier.Sinks {
		if _, err := ParseDurationField("notifier.sinks."+name+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
		switch s.Type {
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				add("notifier.sinks.%s.url: required for webhook", name)
			}
		case "telegram":
			if strings.TrimSpace(s.Token) == "" || s.ChatID == 0 {
				add("notifier.sinks.%s: telegram needs token and chat_id", name)
			}
		case "mqtt":
			if strings.TrimSpace(s.Broker) == "" {
				add("notifier.sinks.%s.broker: required for mqtt", name)
			}
			if s.QoS < 0 || s.QoS > 2 {
				add("notifier.sinks.%s.qos: must be 0, 1 or 2", name)
			}
		default:
			add("notifier.sinks.%s.type: unknown sink type %q", name, s.Type)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
