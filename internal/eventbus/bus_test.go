package eventbus

import (
	"testing"
	"time"
)

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TopicTickDone})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	if e := <-ch; e.Type != TopicTickDone || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestRecorderKeepsNewestTrackedEvents(t *testing.T) {
	r := NewRecorder(3, TopicTransition)
	for i := 0; i < 5; i++ {
		r.Record(Event{Type: TopicTransition, Data: i})
		r.Record(Event{Type: TopicTickDone, Data: i})
	}
	got := r.Recent(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int{4, 3, 2} {
		if got[i].Data.(int) != want {
			t.Fatalf("Recent[%d] = %v, want %d", i, got[i].Data, want)
		}
	}
	if got := r.Recent(1); len(got) != 1 || got[0].Data.(int) != 4 {
		t.Fatalf("Recent(1) = %v", got)
	}
}

func TestEmitOnNilBus(t *testing.T) {
	Emit(nil, TopicTickDone, time.Now(), nil)
}
