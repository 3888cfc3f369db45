// Package notifier turns channel transitions into events and delivers
// each one to the channel's sink.
//
// Delivery is at-most-once: a send that exhausts its retries is logged and
// reported, never queued again. Every attempt goes through the shared
// httpx client, so sinks inherit its concurrency bound, rate limit and
// retry policy.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livewatch/internal/channel"
	"livewatch/internal/eventbus"
	"livewatch/internal/httpx"
	logx "livewatch/pkg/logx"
)

// Class is the httpx endpoint class for sink deliveries.
const Class = "notify"

var (
	ErrNoSink = errors.New("no sink configured")
)

// Sink performs a single delivery attempt. Returned errors are classified
// with httpx.Classify; retries are the dispatcher's job.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Config selects sinks and filters events.
type Config struct {
	// EnabledEvents limits which event types are sent; empty means all.
	EnabledEvents []EventType
	TopClips      int
	DefaultSink   string
	ChannelSinks  map[channel.ID]string
}

// DispatchError reports a delivery that did not succeed.
type DispatchError struct {
	Channel channel.ID
	Event   EventType
	Sink    string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s/%s via %q: %v", e.Channel, e.Event, e.Sink, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Result is published on the event bus after every dispatch.
type Result struct {
	Event Event  `json:"event"`
	Sink  string `json:"sink"`
	Error string `json:"error,omitempty"`
}

// ResultHook observes dispatch outcomes; err is nil on success.
type ResultHook func(typ EventType, err error)

type Dispatcher struct {
	client *httpx.Client
	log    logx.Logger
	bus    eventbus.Bus
	hook   ResultHook

	mu      sync.RWMutex
	cfg     Config
	enabled map[EventType]bool
	sinks   map[string]Sink
}

func New(cfg Config, sinks map[string]Sink, client *httpx.Client, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if client == nil {
		client = httpx.New(httpx.Options{})
	}
	d := &Dispatcher{client: client, log: log, bus: bus}
	d.Apply(cfg, sinks)
	return d
}

func (d *Dispatcher) SetResultHook(h ResultHook) {
	d.mu.Lock()
	d.hook = h
	d.mu.Unlock()
}

// Apply swaps configuration and sinks. In-flight dispatches finish with
// the sink they already resolved.
func (d *Dispatcher) Apply(cfg Config, sinks map[string]Sink) {
	enabled := map[EventType]bool{}
	list := cfg.EnabledEvents
	if len(list) == 0 {
		list = AllEvents
	}
	for _, t := range list {
		enabled[t] = true
	}
	cp := make(map[string]Sink, len(sinks))
	for k, v := range sinks {
		cp[k] = v
	}
	if cfg.DefaultSink == "" {
		cfg.DefaultSink = "default"
	}

	d.mu.Lock()
	d.cfg = cfg
	d.enabled = enabled
	d.sinks = cp
	d.mu.Unlock()
}

type route struct {
	sink     Sink
	sinkName string
	topClips int
	enabled  map[EventType]bool
	hook     ResultHook
}

func (d *Dispatcher) route(id channel.ID) route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name := d.cfg.DefaultSink
	if n, ok := d.cfg.ChannelSinks[id]; ok && n != "" {
		name = n
	}
	return route{sink: d.sinks[name], sinkName: name, topClips: d.cfg.TopClips, enabled: d.enabled, hook: d.hook}
}

// Dispatch delivers one transition. NoChange and disabled event types are
// no-ops. A non-nil error is always a *DispatchError and is safe to log
// and drop.
func (d *Dispatcher) Dispatch(ctx context.Context, id channel.ID, tr channel.Transition) error {
	r := d.route(id)
	sink, sinkName, hook := r.sink, r.sinkName, r.hook
	ev, ok := NewEvent(id, tr, r.topClips)
	if !ok {
		return nil
	}
	log := d.log.With(logx.Channel(id), logx.String("event", string(ev.Type)), logx.String("sink", sinkName))
	if !r.enabled[ev.Type] {
		log.Debug("event type disabled, not sending")
		return nil
	}
	if ev.MissingGameName() {
		log.Warn("sending without game name, category lookup failed", logx.String("game_id", ev.GameID))
	}

	var err error
	if sink == nil {
		err = ErrNoSink
	} else {
		start := time.Now()
		err = d.client.Call(ctx, Class, func(actx context.Context) error {
			return sink.Deliver(actx, ev)
		})
		if err == nil {
			log.Info("notification sent", logx.String("id", ev.ID), logx.Duration("took", time.Since(start)))
		}
	}

	if hook != nil {
		hook(ev.Type, err)
	}
	res := Result{Event: ev, Sink: sinkName}
	if err != nil {
		res.Error = err.Error()
		log.Warn("notification dropped", logx.String("id", ev.ID), logx.Err(err))
		eventbus.Emit(d.bus, eventbus.TopicNotifyFailed, ev.EmittedAt, res)
		return &DispatchError{Channel: id, Event: ev.Type, Sink: sinkName, Err: err}
	}
	eventbus.Emit(d.bus, eventbus.TopicNotifySent, ev.EmittedAt, res)
	return nil
}
