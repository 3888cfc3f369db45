package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/eventbus"
	"livewatch/internal/httpx"
	logx "livewatch/pkg/logx"
)

type fakeSink struct {
	mu       sync.Mutex
	failures []error
	sent     []Event
	attempts int
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestDispatcher(cfg Config, sinks map[string]Sink, bus eventbus.Bus) *Dispatcher {
	hc := httpx.New(httpx.Options{RetryMax: 3}, httpx.WithSleeper(noSleep))
	return New(cfg, sinks, hc, logx.Nop(), bus)
}

var (
	t0    = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	gameA = channel.Game{ID: "1", Name: "A"}
	gameB = channel.Game{ID: "2", Name: "B"}
)

func wentLive() channel.Transition {
	return channel.Transition{Kind: channel.WentLive, Game: gameA, StartedAt: t0, At: t0}
}

func TestDispatchRetriesThenSendsOnce(t *testing.T) {
	sink := &fakeSink{failures: []error{
		&httpx.Error{Kind: httpx.Retryable, Status: 502, Err: errors.New("bad gateway")},
		&httpx.Error{Kind: httpx.Retryable, Status: 503, Err: errors.New("unavailable")},
	}}
	d := newTestDispatcher(Config{}, map[string]Sink{"default": sink}, nil)

	if err := d.Dispatch(context.Background(), "alpha", wentLive()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sink.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", sink.attempts)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent = %d, want exactly 1", len(sink.sent))
	}
	if ev := sink.sent[0]; ev.Type != EventLive || ev.ChannelID != "alpha" || ev.GameName != "A" || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDispatchWarnsWhenGameNameMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.log")
	svc, log := logx.New(logx.Config{Level: "warn", File: logx.FileConfig{Enabled: true, Path: path}})
	sink := &fakeSink{}
	hc := httpx.New(httpx.Options{}, httpx.WithSleeper(noSleep))
	d := New(Config{}, map[string]Sink{"default": sink}, hc, log, nil)

	tr := wentLive()
	tr.Game = channel.Game{ID: "509658"}
	if err := d.Dispatch(context.Background(), "alpha", tr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), "beta", wentLive()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_ = svc.Close()

	if len(sink.sent) != 2 || !sink.sent[0].MissingGameName() || sink.sent[1].MissingGameName() {
		t.Fatalf("sent = %+v", sink.sent)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Count(out, "sending without game name") != 1 || !strings.Contains(out, `"game_id":"509658"`) {
		t.Fatalf("log = %s", out)
	}
}

func TestDispatchFatalIsNotRetried(t *testing.T) {
	sink := &fakeSink{failures: []error{httpx.NoRetry(errors.New("forbidden"))}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	d := newTestDispatcher(Config{}, map[string]Sink{"default": sink}, bus)

	err := d.Dispatch(context.Background(), "alpha", wentLive())
	var de *DispatchError
	if !errors.As(err, &de) || de.Channel != "alpha" || de.Event != EventLive {
		t.Fatalf("err = %v, want DispatchError", err)
	}
	if sink.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", sink.attempts)
	}
	if e := <-ch; e.Type != eventbus.TopicNotifyFailed {
		t.Fatalf("bus event = %s", e.Type)
	}
}

func TestDispatchExhaustionIsReportedNotRequeued(t *testing.T) {
	fail := &httpx.Error{Kind: httpx.Retryable, Status: 500, Err: errors.New("boom")}
	sink := &fakeSink{failures: []error{fail, fail, fail, fail, fail, fail}}
	d := newTestDispatcher(Config{}, map[string]Sink{"default": sink}, nil)

	if err := d.Dispatch(context.Background(), "alpha", wentLive()); err == nil {
		t.Fatal("expected error")
	}
	if sink.attempts != 4 {
		t.Fatalf("attempts = %d, want RetryMax+1 = 4", sink.attempts)
	}
	// Nothing retried behind our back.
	if err := d.Dispatch(context.Background(), "alpha", channel.Transition{Kind: channel.NoChange}); err != nil {
		t.Fatalf("NoChange: %v", err)
	}
	if sink.attempts != 4 {
		t.Fatalf("attempts after NoChange = %d", sink.attempts)
	}
}

func TestDispatchRespectsEnabledEvents(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDispatcher(Config{EnabledEvents: []EventType{EventVOD}}, map[string]Sink{"default": sink}, nil)
	if err := d.Dispatch(context.Background(), "alpha", wentLive()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sink.attempts != 0 {
		t.Fatalf("disabled event was sent")
	}
}

func TestDispatchRoutesPerChannelSink(t *testing.T) {
	def, special := &fakeSink{}, &fakeSink{}
	cfg := Config{ChannelSinks: map[channel.ID]string{"beta": "special"}}
	d := newTestDispatcher(cfg, map[string]Sink{"default": def, "special": special}, nil)

	_ = d.Dispatch(context.Background(), "alpha", wentLive())
	_ = d.Dispatch(context.Background(), "beta", wentLive())
	if len(def.sent) != 1 || def.sent[0].ChannelID != "alpha" {
		t.Fatalf("default sink got %+v", def.sent)
	}
	if len(special.sent) != 1 || special.sent[0].ChannelID != "beta" {
		t.Fatalf("special sink got %+v", special.sent)
	}
}

func TestDispatchMissingSink(t *testing.T) {
	d := newTestDispatcher(Config{DefaultSink: "nowhere"}, nil, nil)
	if err := d.Dispatch(context.Background(), "alpha", wentLive()); !errors.Is(err, ErrNoSink) {
		t.Fatalf("err = %v, want ErrNoSink", err)
	}
}

func TestNewEventVOD(t *testing.T) {
	segs := []channel.Segment{
		{Game: gameA, StartedAt: t0, EndedAt: t0.Add(time.Hour)},
		{Game: gameB, StartedAt: t0.Add(time.Hour), EndedAt: t0.Add(2 * time.Hour)},
	}
	tr := channel.Transition{Kind: channel.WentOffline, Game: gameB, StartedAt: t0, EndedAt: t0.Add(2 * time.Hour), Segments: segs, At: t0.Add(2*time.Hour + 2*time.Minute)}
	ev, ok := NewEvent("alpha", tr, 5)
	if !ok {
		t.Fatal("NewEvent returned !ok")
	}
	if ev.Type != EventVOD || ev.TopClips != 5 || len(ev.Segments) != 2 || ev.EndedAt == nil || !ev.EndedAt.Equal(tr.EndedAt) {
		t.Fatalf("event = %+v", ev)
	}
	if got := ev.Summary(); got != "alpha went offline after 2h0m0s (2 segments)" {
		t.Fatalf("Summary = %q", got)
	}
	if _, ok := NewEvent("alpha", channel.Transition{Kind: channel.NoChange}, 0); ok {
		t.Fatal("NoChange should not produce an event")
	}
}

func TestNewEventUpdateCarriesOldGame(t *testing.T) {
	ev, _ := NewEvent("alpha", channel.Transition{Kind: channel.GameChanged, Game: gameB, OldGame: gameA, StartedAt: t0, At: t0}, 3)
	if ev.Type != EventUpdate || ev.OldGameName != "A" || ev.GameName != "B" || ev.TopClips != 0 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var hits atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Token") != "s3cret" {
			t.Errorf("headers = %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("body: %v", err)
		}
		if r.Header.Get("Idempotency-Key") != got.ID {
			t.Errorf("Idempotency-Key = %q, id = %q", r.Header.Get("Idempotency-Key"), got.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink("hook", srv.URL, map[string]string{"X-Token": "s3cret"}, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}
	d := newTestDispatcher(Config{DefaultSink: "hook"}, map[string]Sink{"hook": sink}, nil)
	if err := d.Dispatch(context.Background(), "alpha", wentLive()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	if got.Type != EventLive || got.ChannelID != "alpha" || !got.StartedAt.Equal(t0) {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookSinkClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	sink, _ := NewWebhookSink("hook", srv.URL, nil, srv.Client())
	ev, _ := NewEvent("alpha", wentLive(), 0)
	if err := sink.Deliver(context.Background(), ev); !httpx.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestMQTTTopicTemplate(t *testing.T) {
	s, err := NewMQTTSink("mq", MQTTConfig{Broker: "tcp://localhost:1883", Topic: "streams/{channel}/{event}"})
	if err != nil {
		t.Fatalf("NewMQTTSink: %v", err)
	}
	ev, _ := NewEvent("alpha", wentLive(), 0)
	if got := s.Topic(ev); got != "streams/alpha/live" {
		t.Fatalf("Topic = %q", got)
	}
	if _, err := NewMQTTSink("mq", MQTTConfig{Broker: "tcp://x:1883", QoS: 3}); err == nil {
		t.Fatal("expected qos error")
	}
}
