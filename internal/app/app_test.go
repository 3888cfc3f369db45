package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/config"
	"livewatch/internal/storage"
	logx "livewatch/pkg/logx"
)

func writeConfig(t *testing.T, helixURL, hookURL, cacheDir string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "twitch": {
    "client_id": "cid",
    "access_token": "tok",
    "helix_url": %q,
    "user_login": ["Alpha", "beta"],
    "poll_interval": "1h"
  },
  "http": {"retry_max": 1, "retry_base": "1ms"},
  "cache": {"driver": "file", "path": %q},
  "notifier": {"sinks": {"default": {"type": "webhook", "url": %q}}},
  "logging": {"level": "error"}
}`, helixURL, cacheDir, hookURL)
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppPollsPersistsAndNotifies(t *testing.T) {
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"user_login":"alpha","game_id":"33","game_name":"Chess","type":"live","started_at":"2024-05-01T20:00:00Z"}]}`))
	}))
	defer helix.Close()

	got := make(chan map[string]any, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var ev map[string]any
		_ = json.Unmarshal(b, &ev)
		got <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cacheDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := NewApp(ctx, writeConfig(t, helix.URL, hook.URL, cacheDir))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-got:
		if ev["event_type"] != "live" || ev["channel_id"] != "alpha" || ev["game_name"] != "Chess" {
			t.Fatalf("event = %v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no notification delivered")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: cacheDir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	states, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if states["alpha"].Status != channel.Live || states["beta"].Status != channel.Offline {
		t.Fatalf("states = %+v", states)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"twitch":{"client_id":"x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(context.Background(), p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMapNotifierRoutesByLogin(t *testing.T) {
	cfg := &config.Config{Notifier: config.NotifierConfig{
		EnabledEvents: []string{"live"},
		Sinks: map[string]config.SinkConfig{
			"default": {Type: "webhook", URL: "http://a"},
			"ops":     {Type: "mqtt", Broker: "tcp://127.0.0.1:1883", QoS: 1},
		},
		ChannelSinks: map[string]string{" Alpha ": "ops"},
	}}
	ncfg, sinks, err := mapNotifier(cfg, nil)
	if err != nil {
		t.Fatalf("mapNotifier: %v", err)
	}
	defer closeSinks(sinks)
	if len(sinks) != 2 || ncfg.ChannelSinks["alpha"] != "ops" || len(ncfg.EnabledEvents) != 1 {
		t.Fatalf("cfg=%+v sinks=%d", ncfg, len(sinks))
	}

	cfg.Notifier.Sinks["bad"] = config.SinkConfig{Type: "carrier-pigeon"}
	if _, _, err := mapNotifier(cfg, nil); err == nil {
		t.Fatalf("expected unknown sink type error")
	}
}

func TestMapStorageConfigDisabledUsesMemory(t *testing.T) {
	off := false
	sc, err := mapStorageConfig(&config.Config{Cache: config.CacheConfig{Enabled: &off, Path: "x"}})
	if err != nil || sc.Driver != "memory" {
		t.Fatalf("sc=%+v err=%v", sc, err)
	}
}

func TestMapPollerOptionsKeepsZeroGrace(t *testing.T) {
	cfg := &config.Config{Twitch: config.TwitchConfig{PollInterval: "30s", OfflineGracePeriod: "0s"}}
	opt, err := mapPollerOptions(cfg)
	if err != nil {
		t.Fatalf("mapPollerOptions: %v", err)
	}
	if opt.Grace != 0 || opt.Interval != 30*time.Second {
		t.Fatalf("opt = %+v", opt)
	}

	cfg.Twitch.OfflineGracePeriod = ""
	if opt, _ = mapPollerOptions(cfg); opt.Grace != config.DefaultOfflineGrace {
		t.Fatalf("grace = %v, want default", opt.Grace)
	}
}
