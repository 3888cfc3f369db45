package storage

import (
	"context"
	"sync"

	"livewatch/internal/channel"
)

// Memory keeps state in process memory only.
type Memory struct {
	mu     sync.Mutex
	states map[channel.ID]channel.State
	closed bool
}

func NewMemory() *Memory {
	return &Memory{states: map[channel.ID]channel.State{}}
}

func (m *Memory) Load(ctx context.Context) (map[channel.ID]channel.State, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[channel.ID]channel.State, len(m.states))
	for id, st := range m.states {
		out[id] = st.Clone()
	}
	return out, nil
}

func (m *Memory) Save(ctx context.Context, id channel.ID, st channel.State) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.states[id] = st.Clone()
	return nil
}

func (m *Memory) Remove(ctx context.Context, id channel.ID) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.states, id)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
