package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"livewatch/internal/channel"
	"livewatch/internal/eventbus"
	"livewatch/internal/storage"
	logx "livewatch/pkg/logx"
)

var ErrRunning = errors.New("poller already running")

type Poller struct {
	src   Source
	store storage.Store
	disp  Dispatcher
	log   logx.Logger
	bus   eventbus.Bus
	warn  *logx.Sampled
	now   func() time.Time

	// guarded by mu
	mu      sync.Mutex
	opt     Options
	pending []channel.ID
	hasPend bool
	hooks   []TickHook
	cron    *cron.Cron
	cronID  cron.EntryID
	runCtx  context.Context
	running bool

	// tickMu serializes ticks; the fields below are owned by the tick.
	tickMu   sync.Mutex
	channels []channel.ID
	states   map[channel.ID]channel.State
	dirty    map[channel.ID]bool

	view     atomic.Value // []ChannelView
	lastTick atomic.Value // time.Time
}

func New(opt Options, src Source, store storage.Store, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	p := &Poller{
		src:    src,
		store:  store,
		disp:   disp,
		log:    log,
		bus:    bus,
		warn:   logx.NewSampled(5 * time.Minute),
		now:    time.Now,
		opt:    opt.withDefaults(),
		states: map[channel.ID]channel.State{},
		dirty:  map[channel.ID]bool{},
	}
	p.view.Store([]ChannelView{})
	p.lastTick.Store(time.Time{})
	return p
}

// AddTickHook registers fn to run after every tick.
func (p *Poller) AddTickHook(fn TickHook) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

func normalize(ids []channel.ID) []channel.ID {
	seen := make(map[channel.ID]bool, len(ids))
	out := make([]channel.ID, 0, len(ids))
	for _, id := range ids {
		id = channel.NormalizeID(string(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Init loads persisted state for channels and drops persisted entries for
// channels no longer configured. Channels without persisted state start
// Offline.
func (p *Poller) Init(ctx context.Context, ids []channel.ID) error {
	ids = normalize(ids)
	loaded, err := p.store.Load(ctx)
	if err != nil {
		// A broken cache is a cold start, not a fatal error.
		p.log.Warn("state cache unavailable, starting cold", logx.Err(err))
		loaded = nil
	}

	want := make(map[channel.ID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.channels = ids
	p.states = make(map[channel.ID]channel.State, len(ids))
	for id, st := range loaded {
		if !want[id] {
			if err := p.store.Remove(ctx, id); err != nil {
				p.log.Warn("failed removing stale channel state", logx.Channel(id), logx.Err(err))
			} else {
				p.log.Info("removed state for unconfigured channel", logx.Channel(id))
			}
			continue
		}
		p.states[id] = st
	}
	for _, id := range ids {
		if _, ok := p.states[id]; !ok {
			p.states[id] = channel.State{}
		}
	}
	p.publishViewLocked()
	p.log.Info("channel state loaded", logx.Int("channels", len(ids)), logx.Int("restored", len(loaded)))
	return nil
}

// SetChannels replaces the channel list at the next tick boundary.
func (p *Poller) SetChannels(ids []channel.ID) {
	ids = normalize(ids)
	p.mu.Lock()
	p.pending = ids
	p.hasPend = true
	p.mu.Unlock()
}

// SetGrace changes the grace period for future ticks.
func (p *Poller) SetGrace(grace time.Duration) {
	if grace < 0 {
		grace = 0
	}
	p.mu.Lock()
	p.opt.Grace = grace
	p.mu.Unlock()
}

// SetInterval reschedules the tick driver if it is running.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opt.Interval == d {
		return nil
	}
	p.opt.Interval = d
	if p.cron == nil {
		return nil
	}
	p.cron.Remove(p.cronID)
	id, err := p.cron.AddFunc(fmt.Sprintf("@every %s", d), p.cronTick)
	if err != nil {
		return err
	}
	p.cronID = id
	p.log.Info("poll interval changed", logx.Duration("interval", d))
	return nil
}

// RunForever loads state, then ticks every interval until ctx is done.
// On return the in-flight tick, if any, has finished.
func (p *Poller) RunForever(ctx context.Context, ids []channel.ID, interval time.Duration) error {
	if err := p.Init(ctx, ids); err != nil {
		return err
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	if interval > 0 {
		p.opt.Interval = interval
	}
	clog := cronLogger{log: p.log}
	p.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.DelayIfStillRunning(clog)),
	)
	p.runCtx = ctx
	id, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.opt.Interval), p.cronTick)
	if err != nil {
		p.cron = nil
		p.mu.Unlock()
		return err
	}
	p.cronID = id
	p.running = true
	c := p.cron
	every := p.opt.Interval
	p.mu.Unlock()

	p.log.Info("poller started", logx.Duration("interval", every))
	c.Start()
	// First tick right away rather than one interval in.
	p.cronTick()

	<-ctx.Done()

	// Stop scheduling; Done fires once running jobs return.
	<-c.Stop().Done()
	p.mu.Lock()
	p.running = false
	p.cron = nil
	p.mu.Unlock()
	p.log.Info("poller stopped")
	return nil
}

func (p *Poller) cronTick() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	p.Tick(ctx, p.now())
}

// LastTick reports when the last tick completed; zero before the first.
func (p *Poller) LastTick() time.Time {
	t, _ := p.lastTick.Load().(time.Time)
	return t
}

// Snapshot returns the channel states as of the last completed tick.
func (p *Poller) Snapshot() []ChannelView {
	v, _ := p.view.Load().([]ChannelView)
	return v
}

func (p *Poller) publishViewLocked() {
	out := make([]ChannelView, 0, len(p.channels))
	for _, id := range p.channels {
		out = append(out, ChannelView{Channel: id, State: p.states[id].Snapshot()})
	}
	p.view.Store(out)
}
