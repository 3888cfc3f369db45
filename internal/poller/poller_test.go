package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/storage"
	logx "livewatch/pkg/logx"
)

// scriptSource answers each Poll from a per-channel status map.
type scriptSource struct {
	mu      sync.Mutex
	live    map[channel.ID]channel.Game
	fail    map[channel.ID]bool
	batches [][]channel.ID
	nows    []time.Time
}

func newScriptSource() *scriptSource {
	return &scriptSource{live: map[channel.ID]channel.Game{}, fail: map[channel.ID]bool{}}
}

func (s *scriptSource) set(id channel.ID, g *channel.Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g == nil {
		delete(s.live, id)
		return
	}
	s.live[id] = *g
}

func (s *scriptSource) Poll(ctx context.Context, ids []channel.ID, now time.Time) ([]channel.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]channel.ID(nil), ids...))
	s.nows = append(s.nows, now)
	for _, id := range ids {
		if s.fail[id] {
			return nil, errors.New("upstream unavailable")
		}
	}
	out := make([]channel.PollResult, 0, len(ids))
	for _, id := range ids {
		g, ok := s.live[id]
		out = append(out, channel.PollResult{Channel: id, Live: ok, Game: g, ObservedAt: now})
	}
	return out, nil
}

type sent struct {
	id channel.ID
	tr channel.Transition
	// persisted is the stored state at dispatch time.
	persisted channel.State
}

type recordingDispatcher struct {
	mu    sync.Mutex
	store storage.Store
	got   []sent
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id channel.ID, tr channel.Transition) error {
	var persisted channel.State
	if d.store != nil {
		all, _ := d.store.Load(ctx)
		persisted = all[id]
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, sent{id: id, tr: tr, persisted: persisted})
	return d.err
}

func (d *recordingDispatcher) kinds() []channel.TransitionKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]channel.TransitionKind, 0, len(d.got))
	for _, s := range d.got {
		out = append(out, s.tr.Kind)
	}
	return out
}

var (
	gameA = channel.Game{ID: "1", Name: "A"}
	gameB = channel.Game{ID: "2", Name: "B"}
	t0    = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
)

func minute(n int) time.Time { return t0.Add(time.Duration(n) * time.Minute) }

func newTestPoller(t *testing.T, src Source, store storage.Store, disp Dispatcher, ids ...channel.ID) *Poller {
	t.Helper()
	p := New(Options{Interval: time.Minute, Grace: 2 * time.Minute}, src, store, disp, logx.Nop(), nil)
	if err := p.Init(context.Background(), ids); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p
}

func TestTickScenario(t *testing.T) {
	src := newScriptSource()
	store := storage.NewMemory()
	disp := &recordingDispatcher{store: store}
	p := newTestPoller(t, src, store, disp, "alpha")
	ctx := context.Background()

	src.set("alpha", &gameA)
	p.Tick(ctx, minute(0))
	src.set("alpha", &gameB)
	p.Tick(ctx, minute(1))
	src.set("alpha", nil)
	p.Tick(ctx, minute(2))
	p.Tick(ctx, minute(3))
	stats := p.Tick(ctx, minute(4))

	want := []channel.TransitionKind{channel.WentLive, channel.GameChanged, channel.WentOffline}
	got := disp.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if stats.Transitions[channel.WentOffline] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	last := disp.got[2].tr
	if len(last.Segments) != 2 || last.Segments[0].Game != gameA || last.Segments[1].Game != gameB {
		t.Fatalf("segments = %+v", last.Segments)
	}
	if v := p.Snapshot(); len(v) != 1 || v[0].State.Status != channel.Offline {
		t.Fatalf("view = %+v", v)
	}
}

func TestTickPersistsBeforeDispatch(t *testing.T) {
	src := newScriptSource()
	store := storage.NewMemory()
	disp := &recordingDispatcher{store: store}
	p := newTestPoller(t, src, store, disp, "alpha")

	src.set("alpha", &gameA)
	p.Tick(context.Background(), minute(0))
	if len(disp.got) != 1 {
		t.Fatalf("dispatched %d, want 1", len(disp.got))
	}
	if st := disp.got[0].persisted; st.Status != channel.Live || st.Game != gameA {
		t.Fatalf("state at dispatch time = %+v, want persisted live", st)
	}
}

func TestTickFailedBatchKeepsState(t *testing.T) {
	src := newScriptSource()
	store := storage.NewMemory()
	disp := &recordingDispatcher{}
	p := newTestPoller(t, src, store, disp, "alpha", "beta")
	ctx := context.Background()

	src.set("alpha", &gameA)
	p.Tick(ctx, minute(0))

	// Upstream failing for many ticks, well past the grace period.
	src.fail["alpha"] = true
	for i := 1; i <= 10; i++ {
		stats := p.Tick(ctx, minute(i))
		if stats.FailedBatches != 1 {
			t.Fatalf("tick %d: failed batches = %d", i, stats.FailedBatches)
		}
	}
	if got := disp.kinds(); len(got) != 1 || got[0] != channel.WentLive {
		t.Fatalf("transitions = %v, want only WentLive", got)
	}
	all, _ := store.Load(ctx)
	if all["alpha"].Status != channel.Live {
		t.Fatalf("alpha = %+v, want untouched live", all["alpha"])
	}
}

func TestTickChunksAndSharesTimestamp(t *testing.T) {
	src := newScriptSource()
	ids := make([]channel.ID, 0, 250)
	for i := 0; i < 250; i++ {
		ids = append(ids, channel.ID(fmt.Sprintf("c%03d", i)))
	}
	p := newTestPoller(t, src, storage.NewMemory(), nil, ids...)
	stats := p.Tick(context.Background(), minute(0))

	if stats.Batches != 3 || len(src.batches) != 3 {
		t.Fatalf("batches = %d/%d, want 3", stats.Batches, len(src.batches))
	}
	total := 0
	for _, b := range src.batches {
		if len(b) > MaxBatchSize {
			t.Fatalf("batch of %d exceeds limit", len(b))
		}
		total += len(b)
	}
	if total != 250 {
		t.Fatalf("polled %d channels, want 250", total)
	}
	for _, n := range src.nows {
		if !n.Equal(minute(0)) {
			t.Fatalf("batch evaluated at %v, want shared tick time", n)
		}
	}
}

func TestRestartRecovery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return st
	}
	ctx := context.Background()
	src := newScriptSource()

	store1 := open()
	disp1 := &recordingDispatcher{}
	p1 := newTestPoller(t, src, store1, disp1, "alpha")
	src.set("alpha", &gameA)
	p1.Tick(ctx, minute(0))
	src.set("alpha", nil)
	p1.Tick(ctx, minute(1)) // pending offline
	_ = store1.Close()

	store2 := open()
	defer store2.Close()
	disp2 := &recordingDispatcher{}
	p2 := newTestPoller(t, src, store2, disp2, "alpha")
	if v := p2.Snapshot(); v[0].State.Status != channel.PendingOffline {
		t.Fatalf("restored status = %s", v[0].State.Status)
	}
	p2.Tick(ctx, minute(2))
	if len(disp2.got) != 0 {
		t.Fatalf("early transition after restart: %v", disp2.kinds())
	}
	p2.Tick(ctx, minute(3))
	if got := disp2.kinds(); len(got) != 1 || got[0] != channel.WentOffline {
		t.Fatalf("after restart transitions = %v, want [WentOffline]", got)
	}
	// No duplicate WentLive after restart.
	for _, k := range disp2.kinds() {
		if k == channel.WentLive {
			t.Fatal("WentLive re-emitted after restart")
		}
	}
}

func TestInitPrunesUnconfiguredChannels(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	_ = store.Save(ctx, "gone", channel.State{})
	_ = store.Save(ctx, "alpha", channel.State{})

	newTestPoller(t, newScriptSource(), store, nil, "Alpha")
	all, _ := store.Load(ctx)
	if _, ok := all["gone"]; ok {
		t.Fatal("stale channel state not removed")
	}
	if _, ok := all["alpha"]; !ok {
		t.Fatal("configured channel state removed")
	}
}

func TestSetChannelsAppliesAtTickBoundary(t *testing.T) {
	src := newScriptSource()
	store := storage.NewMemory()
	p := newTestPoller(t, src, store, &recordingDispatcher{}, "alpha", "beta")
	ctx := context.Background()

	src.set("beta", &gameA)
	p.Tick(ctx, minute(0))

	p.SetChannels([]channel.ID{"alpha", "gamma"})
	if all, _ := store.Load(ctx); all["beta"].Status != channel.Live {
		t.Fatal("SetChannels must not act before the next tick")
	}
	p.Tick(ctx, minute(1))

	all, _ := store.Load(ctx)
	if _, ok := all["beta"]; ok {
		t.Fatal("removed channel still persisted")
	}
	views := p.Snapshot()
	if len(views) != 2 || views[0].Channel != "alpha" || views[1].Channel != "gamma" {
		t.Fatalf("view = %+v", views)
	}
}

type flakyStore struct {
	*storage.Memory
	mu    sync.Mutex
	fails int
	saves int
}

func (f *flakyStore) Save(ctx context.Context, id channel.ID, st channel.State) error {
	f.mu.Lock()
	f.saves++
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Memory.Save(ctx, id, st)
}

func TestPersistFailureDropsDispatchAndRetriesSave(t *testing.T) {
	src := newScriptSource()
	store := &flakyStore{Memory: storage.NewMemory(), fails: 1}
	disp := &recordingDispatcher{}
	p := newTestPoller(t, src, store, disp, "alpha")
	ctx := context.Background()

	src.set("alpha", &gameA)
	stats := p.Tick(ctx, minute(0))
	if stats.PersistFailures != 1 || stats.Unpersisted != 1 || len(disp.got) != 0 {
		t.Fatalf("stats = %+v, dispatched = %d", stats, len(disp.got))
	}
	if got := p.Snapshot(); len(got) != 1 || got[0].State.Status != channel.Live {
		t.Fatalf("in-memory state not advanced: %+v", got)
	}
	// Unchanged state, but the failed write is retried.
	p.Tick(ctx, minute(1))
	all, _ := store.Load(ctx)
	if all["alpha"].Status != channel.Live {
		t.Fatalf("alpha = %+v, want live after retry", all["alpha"])
	}
	if len(disp.got) != 0 {
		t.Fatalf("dispatched = %d, want 0", len(disp.got))
	}
}

func TestPersistFailureDoesNotRepeatAfterRestart(t *testing.T) {
	src := newScriptSource()
	durable := storage.NewMemory()
	store := &flakyStore{Memory: durable, fails: 1}
	disp := &recordingDispatcher{}
	ctx := context.Background()

	src.set("alpha", &gameA)
	newTestPoller(t, src, store, disp, "alpha").Tick(ctx, minute(0))

	// A fresh process over the same store sees the old state again.
	restarted := newTestPoller(t, src, durable, disp, "alpha")
	restarted.Tick(ctx, minute(1))
	if got := disp.kinds(); len(got) != 1 || got[0] != channel.WentLive {
		t.Fatalf("transitions across restart = %v, want one went_live", got)
	}
}

func TestDispatchFailureDoesNotBlockOtherChannels(t *testing.T) {
	src := newScriptSource()
	disp := &recordingDispatcher{err: errors.New("sink down")}
	p := newTestPoller(t, src, storage.NewMemory(), disp, "alpha", "beta")
	src.set("alpha", &gameA)
	src.set("beta", &gameB)
	stats := p.Tick(context.Background(), minute(0))
	if stats.DispatchFailures != 2 || len(disp.got) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Live != 2 {
		t.Fatalf("live = %d, want 2", stats.Live)
	}
}

func TestRunForeverTicksAndStops(t *testing.T) {
	src := newScriptSource()
	src.set("alpha", &gameA)
	disp := &recordingDispatcher{}
	p := New(Options{Grace: time.Minute}, src, storage.NewMemory(), disp, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.AddTickHook(func(TickStats) { cancel() })

	done := make(chan error, 1)
	go func() { done <- p.RunForever(ctx, []channel.ID{"alpha"}, time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunForever: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not return")
	}
	if got := disp.kinds(); len(got) != 1 || got[0] != channel.WentLive {
		t.Fatalf("transitions = %v", got)
	}
	if p.LastTick().IsZero() {
		t.Fatal("LastTick not recorded")
	}
}

func TestChunk(t *testing.T) {
	ids := []channel.ID{"a", "b", "c", "d", "e"}
	got := chunk(ids, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("chunk = %v", got)
	}
	if chunk(nil, 100) != nil {
		t.Fatal("chunk(nil) should be nil")
	}
}
