package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/config"
	"livewatch/internal/diag"
	"livewatch/internal/httpx"
	"livewatch/internal/notifier"
	"livewatch/internal/poller"
	"livewatch/internal/storage"
	"livewatch/internal/twitch"
	logx "livewatch/pkg/logx"
)

func channelIDs(cfg *config.Config) []channel.ID {
	out := make([]channel.ID, 0, len(cfg.Twitch.UserLogin))
	for _, l := range cfg.Twitch.UserLogin {
		if id := channel.NormalizeID(l); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if !cfg.Cache.IsEnabled() {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseTimeout("cache.busy_timeout", cfg.Cache.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)),
		Path:        strings.TrimSpace(cfg.Cache.Path),
		BusyTimeout: busy,
	}, nil
}

func mapHTTPOptions(cfg *config.Config) (httpx.Options, error) {
	h := cfg.HTTP
	opt := httpx.Options{MaxInFlight: h.MaxInFlight, RatePerSec: h.RatePerSec, RetryMax: 4}
	if h.RetryMax != nil {
		opt.RetryMax = *h.RetryMax
	}
	var err error
	if opt.Timeout, err = config.ParseDurationField("http.timeout", h.Timeout); err != nil {
		return opt, err
	}
	if opt.RetryBase, err = config.ParseDurationField("http.retry_base", h.RetryBase); err != nil {
		return opt, err
	}
	if opt.RetryMaxDelay, err = config.ParseDurationField("http.retry_max_delay", h.RetryMaxDelay); err != nil {
		return opt, err
	}
	if opt.MaxHintDelay, err = config.ParseDurationField("http.max_hint_delay", h.MaxHintDelay); err != nil {
		return opt, err
	}
	return opt, nil
}

func mapPollerOptions(cfg *config.Config) (poller.Options, error) {
	t := cfg.Twitch
	interval, grace, err := t.PollDurations()
	if err != nil {
		return poller.Options{}, err
	}
	return poller.Options{
		Interval:            interval,
		Grace:               grace,
		BatchSize:           t.BatchSize,
		PollConcurrency:     t.PollConcurrency,
		DispatchConcurrency: cfg.Notifier.Concurrency,
	}, nil
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	return diag.Config{
		Enabled:      cfg.Diagnostics.Enabled,
		Addr:         cfg.Diagnostics.Addr,
		Pprof:        cfg.Diagnostics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func newTwitchClient(cfg *config.Config, hc *httpx.Client, log logx.Logger) (*twitch.Client, error) {
	base := strings.TrimSpace(cfg.Twitch.HelixURL)
	if base == "" {
		base = twitch.DefaultHelixURL
	}
	return twitch.New(base, hc, twitch.StaticAuth{
		ClientID:    cfg.Twitch.ClientID,
		AccessToken: cfg.Twitch.AccessToken,
	}, log)
}

// mapNotifier builds the dispatcher config and one sink per configured
// entry.
func mapNotifier(cfg *config.Config, hc *http.Client) (notifier.Config, map[string]notifier.Sink, error) {
	n := cfg.Notifier
	out := notifier.Config{
		TopClips:     cfg.Twitch.TopClips,
		DefaultSink:  n.DefaultSink,
		ChannelSinks: make(map[channel.ID]string, len(n.ChannelSinks)),
	}
	for _, raw := range n.EnabledEvents {
		t, err := notifier.ParseEventType(raw)
		if err != nil {
			return out, nil, err
		}
		out.EnabledEvents = append(out.EnabledEvents, t)
	}
	for login, sink := range n.ChannelSinks {
		out.ChannelSinks[channel.NormalizeID(login)] = sink
	}

	sinks := make(map[string]notifier.Sink, len(n.Sinks))
	for name, sc := range n.Sinks {
		s, err := newSink(name, sc, hc)
		if err != nil {
			closeSinks(sinks)
			return out, nil, fmt.Errorf("notifier.sinks.%s: %w", name, err)
		}
		sinks[name] = s
	}
	return out, sinks, nil
}

func newSink(name string, sc config.SinkConfig, hc *http.Client) (notifier.Sink, error) {
	timeout, err := config.ParseTimeout("timeout", sc.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(sc.Type)) {
	case "webhook":
		return notifier.NewWebhookSink(name, sc.URL, sc.Headers, hc)
	case "telegram":
		return notifier.NewTelegramSink(name, sc.Token, sc.ChatID, sc.APIURL, timeout)
	case "mqtt":
		return notifier.NewMQTTSink(name, notifier.MQTTConfig{
			Broker:   sc.Broker,
			ClientID: sc.ClientID,
			Username: sc.Username,
			Password: sc.Password,
			Topic:    sc.Topic,
			QoS:      byte(sc.QoS),
			Retained: sc.Retained,
			Timeout:  timeout,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}

type closer interface{ Close() }

func closeSinks(sinks map[string]notifier.Sink) {
	for _, s := range sinks {
		if c, ok := s.(closer); ok {
			c.Close()
		}
	}
}
