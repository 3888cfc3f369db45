package eventbus

import (
	"sync"
	"time"
)

// Topics published by livewatch components.
const (
	TopicTransition   = "channel.transition"
	TopicNotifySent   = "notify.sent"
	TopicNotifyFailed = "notify.failed"
	TopicTickDone     = "poller.tick"
	TopicConfigReload = "config.reload"
)

// Recorder keeps the last N events of the topics it was created for.
type Recorder struct {
	mu     sync.Mutex
	max    int
	items  []Event
	topics map[string]bool
}

func NewRecorder(max int, topics ...string) *Recorder {
	if max <= 0 {
		max = 100
	}
	r := &Recorder{max: max}
	if len(topics) > 0 {
		r.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			r.topics[t] = true
		}
	}
	return r
}

// Record stores e if its topic is tracked.
func (r *Recorder) Record(e Event) {
	if r.topics != nil && !r.topics[e.Type] {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.items = append(r.items, e)
	if over := len(r.items) - r.max; over > 0 {
		r.items = append([]Event(nil), r.items[over:]...)
	}
	r.mu.Unlock()
}

// Recent returns up to n events, newest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]Event, 0, n)
	for i := len(r.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.items[i])
	}
	return out
}

// Drain records events from ch until it is closed or done is closed.
func (r *Recorder) Drain(done <-chan struct{}, ch <-chan Event) {
	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Record(e)
		}
	}
}
