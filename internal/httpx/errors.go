package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed call.
type Kind int

const (
	// Retryable failures (timeouts, 5xx, connection errors, 429) are retried
	// with bounded backoff.
	Retryable Kind = iota + 1
	// Fatal failures (other 4xx, malformed responses) surface immediately.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed = errors.New("malformed response")
	ErrStatus    = errors.New("unexpected status")
)

// defaultTooManyWait applies to a 429 that carries no delay hint.
const defaultTooManyWait = 10 * time.Second

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Status int // 0 when no response was received
	// RetryAfter is a server-provided delay hint; 0 if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		b.WriteString(" status=")
		b.WriteString(strconv.Itoa(e.Status))
	}
	if e.RetryAfter > 0 {
		b.WriteString(" retry_after=")
		b.WriteString(e.RetryAfter.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NoRetry marks err as Fatal.
//
// Example:
//
//	return httpx.NoRetry(fmt.Errorf("bad chat id: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Err: err}
}

// RetryAfter marks err as Retryable with a delay hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &Error{Kind: Retryable, RetryAfter: after, Err: err}
}

// Malformed marks a response that could not be decoded.
func Malformed(err error) error {
	return &Error{Kind: Fatal, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
}

// Classify reports how err should be handled and any delay hint it carries.
//
// Unclassified errors are treated as connection failures and retried.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return 0, 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return Fatal, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable, 0
	}
	return Retryable, 0
}

func IsFatal(err error) bool {
	k, _ := Classify(err)
	return k == Fatal
}

func IsRetryable(err error) bool {
	k, _ := Classify(err)
	return k == Retryable
}

// StatusError classifies a non-2xx HTTP response. It returns nil for 2xx.
func StatusError(status int, h http.Header, now time.Time) error {
	if status >= 200 && status < 300 {
		return nil
	}
	base := fmt.Errorf("%w %d", ErrStatus, status)
	switch {
	case status == http.StatusTooManyRequests:
		wait := rateLimitWait(h, now)
		if wait <= 0 {
			wait = defaultTooManyWait
		}
		return &Error{Kind: Retryable, Status: status, RetryAfter: wait, Err: base}
	case status == http.StatusRequestTimeout || status >= 500:
		return &Error{Kind: Retryable, Status: status, RetryAfter: rateLimitWait(h, now), Err: base}
	default:
		return &Error{Kind: Fatal, Status: status, Err: base}
	}
}

// rateLimitWait extracts a wait from Retry-After (seconds or HTTP date) or
// from an exhausted Ratelimit-Remaining/Ratelimit-Reset pair (unix seconds).
func rateLimitWait(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs < 0 {
				return 0
			}
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if strings.TrimSpace(h.Get("Ratelimit-Remaining")) == "0" {
		if v := strings.TrimSpace(h.Get("Ratelimit-Reset")); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d := time.Unix(unix, 0).Sub(now); d > 0 {
					return d
				}
			}
		}
	}
	return 0
}
