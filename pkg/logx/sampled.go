package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sampled throttles a log line per key so a dependency that fails every
// tick produces one line per interval instead of one per tick.
type Sampled struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSampled(every time.Duration) *Sampled {
	if every <= 0 {
		every = time.Minute
	}
	return &Sampled{every: every, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a line for key may be written now.
func (s *Sampled) Allow(key string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.every), 1)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// Warn logs at warn level when key is not throttled.
func (s *Sampled) Warn(l Logger, key, msg string, fields ...Field) {
	if s.Allow(key) {
		l.Warn(msg, fields...)
	}
}
