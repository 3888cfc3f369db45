package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/eventbus"
	"livewatch/internal/poller"
	rtsup "livewatch/internal/runtime/supervisor"
	logx "livewatch/pkg/logx"
)

type fakePoller struct {
	ticks atomic.Int32
	last  time.Time
}

func (f *fakePoller) Snapshot() []poller.ChannelView {
	st := channel.State{Status: channel.Live, Game: channel.Game{ID: "1", Name: "Chess"}}
	return []poller.ChannelView{{Channel: "alice", State: st.Snapshot()}}
}

func (f *fakePoller) LastTick() time.Time { return f.last }

func (f *fakePoller) Tick(_ context.Context, now time.Time) poller.TickStats {
	f.ticks.Add(1)
	return poller.TickStats{At: now, Channels: 1, Live: 1, Transitions: map[channel.TransitionKind]int{channel.WentLive: 1}}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	fp := &fakePoller{last: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewRouter(Deps{Poller: fp, Health: func() rtsup.Snapshot {
		return rtsup.Snapshot{FirstError: "x: boom"}
	}}, false)

	rec := do(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "degraded" || got.LastTickAt == nil || !got.LastTickAt.Equal(fp.last) {
		t.Fatalf("got %+v", got)
	}
}

func TestChannelsAndPoll(t *testing.T) {
	fp := &fakePoller{}
	h := NewRouter(Deps{Poller: fp}, false)

	rec := do(t, h, http.MethodGet, "/channels")
	if !strings.Contains(rec.Body.String(), `"status": "live"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/poll"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /poll code=%d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/poll")
	if rec.Code != http.StatusOK || fp.ticks.Load() != 1 {
		t.Fatalf("code=%d ticks=%d", rec.Code, fp.ticks.Load())
	}
	var got pollResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Transitions["went_live"] != 1 {
		t.Fatalf("transitions=%v", got.Transitions)
	}
}

func TestTransitionsNewestFirst(t *testing.T) {
	rec := eventbus.NewRecorder(10, eventbus.TopicTransition)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.Record(eventbus.Event{Type: eventbus.TopicTransition, Time: base, Data: "first"})
	rec.Record(eventbus.Event{Type: eventbus.TopicTransition, Time: base.Add(time.Minute), Data: "second"})
	rec.Record(eventbus.Event{Type: eventbus.TopicTickDone, Time: base, Data: "ignored"})

	h := NewRouter(Deps{Transitions: rec}, false)
	resp := do(t, h, http.MethodGet, "/transitions?limit=5")
	var got []transitionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Data != "second" {
		t.Fatalf("got %+v", got)
	}
}

func TestOptionalRoutes(t *testing.T) {
	h := NewRouter(Deps{}, false)
	for _, p := range []string{"/channels", "/transitions", "/metrics", "/debug/pprof/"} {
		if rec := do(t, h, http.MethodGet, p); rec.Code != http.StatusNotFound {
			t.Fatalf("%s code=%d", p, rec.Code)
		}
	}
	h = NewRouter(Deps{}, true)
	if rec := do(t, h, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof code=%d", rec.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Poller: &fakePoller{}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-ctx.Done():
		t.Fatalf("server never became ready")
	}

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Addr() != "" {
		t.Fatalf("still serving on %s", svc.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("%s: got %v want %v", addr, got, want)
		}
	}
}
