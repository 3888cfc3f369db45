package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"livewatch/internal/channel"
	"livewatch/internal/eventbus"
	logx "livewatch/pkg/logx"
)

// TransitionRecord is published on the event bus for every transition.
type TransitionRecord struct {
	Channel channel.ID `json:"channel"`
	Kind    string     `json:"kind"`
	Game    string     `json:"game,omitempty"`
	OldGame string     `json:"old_game,omitempty"`
	At      time.Time  `json:"at"`
}

type dispatchJob struct {
	id channel.ID
	tr channel.Transition
}

// Tick runs one poll cycle evaluated at now. Concurrent callers are
// serialized. A transition is dispatched only after its state is saved. Polling stops early if ctx is cancelled; state that was
// already decided is still persisted and dispatched, bounded by
// Options.TickTimeout.
func (p *Poller) Tick(ctx context.Context, now time.Time) TickStats {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := time.Now()
	p.mu.Lock()
	opt := p.opt
	hooks := append([]TickHook(nil), p.hooks...)
	p.mu.Unlock()

	p.applyPendingLocked(ctx)

	stats := TickStats{At: now, Channels: len(p.channels), Transitions: map[channel.TransitionKind]int{}}

	pollCtx, cancelPoll := context.WithTimeout(ctx, opt.TickTimeout)
	results, batches, failed := p.pollAll(pollCtx, opt, now)
	cancelPoll()
	stats.Batches, stats.FailedBatches = batches, failed

	// Past this point the work is committed even if ctx is cancelled.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opt.TickTimeout)
	defer cancel()

	var jobs []dispatchJob
	for _, res := range results {
		prev, ok := p.states[res.Channel]
		if !ok {
			// Not (or no longer) configured.
			continue
		}
		next, tr := channel.Advance(prev, res, now, opt.Grace)
		changed := !next.Equal(prev)
		p.states[res.Channel] = next
		persisted := true
		if changed || p.dirty[res.Channel] {
			if err := p.store.Save(commitCtx, res.Channel, next); err != nil {
				persisted = false
				stats.PersistFailures++
				p.dirty[res.Channel] = true
				p.log.Error("persist failed, will retry next tick",
					logx.Channel(res.Channel), logx.Err(err))
			} else {
				delete(p.dirty, res.Channel)
			}
		}
		if tr.Kind == channel.NoChange {
			continue
		}
		stats.Transitions[tr.Kind]++
		if !persisted {
			// The durable copy still holds the old state; sending now could
			// repeat after a restart.
			stats.Unpersisted++
			p.log.Warn("transition not persisted, notification dropped",
				logx.Channel(res.Channel),
				logx.String("kind", tr.Kind.String()))
			continue
		}
		p.log.Info("channel transition",
			logx.Channel(res.Channel),
			logx.String("kind", tr.Kind.String()),
			logx.String("game", tr.Game.Name))
		eventbus.Emit(p.bus, eventbus.TopicTransition, now, TransitionRecord{
			Channel: res.Channel, Kind: tr.Kind.String(), Game: tr.Game.Name, OldGame: tr.OldGame.Name, At: now,
		})
		jobs = append(jobs, dispatchJob{id: res.Channel, tr: tr})
	}

	stats.DispatchFailures = p.dispatchAll(commitCtx, opt, jobs)

	for _, id := range p.channels {
		if st := p.states[id].Status; st == channel.Live || st == channel.PendingOffline {
			stats.Live++
		}
	}
	p.publishViewLocked()
	stats.Took = time.Since(start)
	p.lastTick.Store(now)

	p.log.Debug("tick done",
		logx.Int("channels", stats.Channels),
		logx.Int("failed_batches", stats.FailedBatches),
		logx.Int("transitions", len(jobs)),
		logx.Duration("took", stats.Took))
	eventbus.Emit(p.bus, eventbus.TopicTickDone, now, stats)
	for _, h := range hooks {
		h(stats)
	}
	return stats
}

func (p *Poller) applyPendingLocked(ctx context.Context) {
	p.mu.Lock()
	ids, ok := p.pending, p.hasPend
	p.pending, p.hasPend = nil, false
	p.mu.Unlock()
	if !ok {
		return
	}

	want := make(map[channel.ID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
		if _, exists := p.states[id]; !exists {
			p.states[id] = channel.State{}
			p.log.Info("channel added", logx.Channel(id))
		}
	}
	for id := range p.states {
		if want[id] {
			continue
		}
		delete(p.states, id)
		delete(p.dirty, id)
		if err := p.store.Remove(ctx, id); err != nil {
			p.log.Warn("failed removing channel state", logx.Channel(id), logx.Err(err))
		}
		p.log.Info("channel removed", logx.Channel(id))
	}
	p.channels = ids
}

func chunk(ids []channel.ID, size int) [][]channel.ID {
	var out [][]channel.ID
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

// pollAll queries every batch under the concurrency limit. A failed batch
// contributes no results, so its channels keep their state this tick.
func (p *Poller) pollAll(ctx context.Context, opt Options, now time.Time) ([]channel.PollResult, int, int) {
	batches := chunk(p.channels, opt.BatchSize)
	per := make([][]channel.PollResult, len(batches))

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(opt.PollConcurrency)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			res, err := p.src.Poll(ctx, batch, now)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				p.warn.Warn(p.log, "poll:"+string(batch[0]), "status query failed, keeping state",
					logx.Int("batch_size", len(batch)), logx.String("first", string(batch[0])), logx.Err(err))
				return nil
			}
			per[i] = filterBatch(batch, res)
			return nil
		})
	}
	_ = g.Wait()

	var out []channel.PollResult
	for _, r := range per {
		out = append(out, r...)
	}
	return out, len(batches), failed
}

// filterBatch keeps one result per requested channel.
func filterBatch(batch []channel.ID, res []channel.PollResult) []channel.PollResult {
	want := make(map[channel.ID]bool, len(batch))
	for _, id := range batch {
		want[id] = true
	}
	out := make([]channel.PollResult, 0, len(res))
	for _, r := range res {
		if want[r.Channel] {
			out = append(out, r)
			delete(want, r.Channel)
		}
	}
	return out
}

func (p *Poller) dispatchAll(ctx context.Context, opt Options, jobs []dispatchJob) int {
	if p.disp == nil || len(jobs) == 0 {
		return 0
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(opt.DispatchConcurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := p.disp.Dispatch(ctx, j.id, j.tr); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
