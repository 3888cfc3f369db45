package poller

import (
	"context"
	"time"

	"livewatch/internal/channel"
)

// Source queries the live status of one batch of channels. It must return
// an error rather than a partial or fabricated result.
type Source interface {
	Poll(ctx context.Context, ids []channel.ID, now time.Time) ([]channel.PollResult, error)
}

// Dispatcher delivers one transition. Errors are reported, never retried
// by the poller.
type Dispatcher interface {
	Dispatch(ctx context.Context, id channel.ID, tr channel.Transition) error
}

type Options struct {
	Interval time.Duration
	Grace    time.Duration
	// BatchSize is the number of channels per Source call.
	BatchSize           int
	PollConcurrency     int
	DispatchConcurrency int
	// TickTimeout bounds a whole tick, including dispatches.
	TickTimeout time.Duration
}

const (
	DefaultInterval = time.Minute
	DefaultGrace    = 2 * time.Minute
	MaxBatchSize    = 100
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.BatchSize <= 0 || o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.PollConcurrency <= 0 {
		o.PollConcurrency = 4
	}
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = 4
	}
	if o.TickTimeout <= 0 {
		o.TickTimeout = 2 * o.Interval
		if o.TickTimeout < 30*time.Second {
			o.TickTimeout = 30 * time.Second
		}
	}
	return o
}

// TickStats summarizes one completed tick. Unpersisted counts transitions
// that were not dispatched because their state write failed.
type TickStats struct {
	At               time.Time
	Took             time.Duration
	Channels         int
	Live             int
	Batches          int
	FailedBatches    int
	PersistFailures  int
	DispatchFailures int
	Unpersisted      int
	Transitions      map[channel.TransitionKind]int
}

// TickHook observes completed ticks.
type TickHook func(TickStats)

// ChannelView is the read-only per-channel record served to diagnostics.
type ChannelView struct {
	Channel channel.ID       `json:"channel"`
	State   channel.Snapshot `json:"state"`
}
