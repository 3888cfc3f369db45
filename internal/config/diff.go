package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livewatch/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and
// structured attrs for logging. Secrets (tokens, passwords, webhook
// headers) are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	ot, nt := oldCfg.Twitch, newCfg.Twitch
	if ot.ClientID != nt.ClientID || ot.AccessToken != nt.AccessToken ||
		strings.TrimSpace(ot.HelixURL) != strings.TrimSpace(nt.HelixURL) ||
		!reflect.DeepEqual(ot.UserLogin, nt.UserLogin) ||
		ot.TopClips != nt.TopClips ||
		strings.TrimSpace(ot.PollInterval) != strings.TrimSpace(nt.PollInterval) ||
		strings.TrimSpace(ot.OfflineGracePeriod) != strings.TrimSpace(nt.OfflineGracePeriod) ||
		ot.BatchSize != nt.BatchSize || ot.PollConcurrency != nt.PollConcurrency {
		changed = append(changed, "twitch")
		added, removed := DiffChannels(ot.UserLogin, nt.UserLogin)
		attrs = append(attrs,
			logx.Int("twitch.channels", len(nt.UserLogin)),
			logx.Int("twitch.channels_added", len(added)),
			logx.Int("twitch.channels_removed", len(removed)),
			logx.String("twitch.poll_interval", strings.TrimSpace(nt.PollInterval)),
			logx.String("twitch.offline_grace_period", strings.TrimSpace(nt.OfflineGracePeriod)),
			logx.Bool("twitch.token_changed", ot.AccessToken != nt.AccessToken),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Int("http.max_in_flight", newCfg.HTTP.MaxInFlight),
			logx.String("http.timeout", strings.TrimSpace(newCfg.HTTP.Timeout)),
			logx.Float64("http.rate_per_sec", newCfg.HTTP.RatePerSec),
		)
	}

	oc, nc := oldCfg.Cache, newCfg.Cache
	if oc.IsEnabled() != nc.IsEnabled() ||
		strings.TrimSpace(oc.Driver) != strings.TrimSpace(nc.Driver) ||
		strings.TrimSpace(oc.Path) != strings.TrimSpace(nc.Path) ||
		strings.TrimSpace(oc.BusyTimeout) != strings.TrimSpace(nc.BusyTimeout) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.Bool("cache.enabled", nc.IsEnabled()),
			logx.String("cache.driver", strings.TrimSpace(nc.Driver)),
			logx.Bool("cache.path_set", strings.TrimSpace(nc.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.enabled_events", strings.Join(newCfg.Notifier.EnabledEvents, ",")),
			logx.Int("notifier.sinks", len(newCfg.Notifier.Sinks)),
			logx.Int("notifier.channel_sinks", len(newCfg.Notifier.ChannelSinks)),
			logx.String("notifier.default_sink", newCfg.Notifier.DefaultSink),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newCfg.Diagnostics.Addr)),
			logx.Bool("diagnostics.pprof", newCfg.Diagnostics.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// DiffChannels compares two login lists case-insensitively and returns
// the sorted logins that were added and removed.
func DiffChannels(oldLogins, newLogins []string) (added, removed []string) {
	norm := func(in []string) map[string]struct{} {
		m := make(map[string]struct{}, len(in))
		for _, s := range in {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				m[s] = struct{}{}
			}
		}
		return m
	}
	o, n := norm(oldLogins), norm(newLogins)
	for k := range n {
		if _, ok := o[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range o {
		if _, ok := n[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
