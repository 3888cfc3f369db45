// Package httpx is the rate-limited, retrying client shared by the poller
// and the notification sinks.
//
// Callers are grouped into endpoint classes ("helix", "notify", ...). Each
// class has its own steady-state limiter and honors server delay hints
// independently; all classes share one in-flight bound.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	logx "livewatch/pkg/logx"
)

const maxBodyBytes = 4 << 20

type Options struct {
	MaxInFlight int
	// Timeout bounds each attempt, not the whole call.
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
	// MaxHintDelay caps server-provided delays; longer hints fail the call.
	MaxHintDelay time.Duration
	// RatePerSec is the steady-state budget per class; 0 disables it.
	RatePerSec float64
}

func (o Options) withDefaults() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 16 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.MaxHintDelay <= 0 {
		o.MaxHintDelay = time.Minute
	}
	return o
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttemptHook observes every finished attempt; err is nil on success.
type AttemptHook func(class string, err error)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithLogger(l logx.Logger) Option       { return func(c *Client) { c.log = l } }
func WithSleeper(s Sleeper) Option          { return func(c *Client) { c.sleep = s } }
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }
func WithAttemptHook(h AttemptHook) Option  { return func(c *Client) { c.hook = h } }

type classState struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
}

type Client struct {
	opt   Options
	http  *http.Client
	log   logx.Logger
	sleep Sleeper
	now   func() time.Time
	hook  AttemptHook

	sem *semaphore.Weighted

	mu      sync.Mutex
	classes map[string]*classState
	rng     *rand.Rand
}

func New(opt Options, opts ...Option) *Client {
	opt = opt.withDefaults()
	c := &Client{
		opt:     opt,
		log:     logx.Nop(),
		sleep:   sleepCtx,
		now:     time.Now,
		sem:     semaphore.NewWeighted(int64(opt.MaxInFlight)),
		classes: map[string]*classState{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

func (c *Client) class(name string) *classState {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.classes[name]
	if !ok {
		cs = &classState{}
		if c.opt.RatePerSec > 0 {
			burst := int(c.opt.RatePerSec)
			if burst < 1 {
				burst = 1
			}
			cs.limiter = rate.NewLimiter(rate.Limit(c.opt.RatePerSec), burst)
		}
		c.classes[name] = cs
	}
	return cs
}

// Block defers further calls in class until now+d.
func (c *Client) Block(class string, d time.Duration) {
	if d <= 0 {
		return
	}
	cs := c.class(class)
	until := c.now().Add(d)
	c.mu.Lock()
	if until.After(cs.blockedUntil) {
		cs.blockedUntil = until
	}
	c.mu.Unlock()
}

// BlockedFor reports how long class is still held back by a server hint.
func (c *Client) BlockedFor(class string) time.Duration {
	cs := c.class(class)
	c.mu.Lock()
	until := cs.blockedUntil
	c.mu.Unlock()
	if d := until.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *Client) waitClass(ctx context.Context, class string) error {
	if d := c.BlockedFor(class); d > 0 {
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	if lim := c.class(class).limiter; lim != nil {
		return lim.Wait(ctx)
	}
	return nil
}

// Call runs attempt under the client's concurrency, rate and retry policy.
//
// Each attempt gets its own timeout derived from ctx. Retryable failures
// are retried up to RetryMax times; Fatal ones are returned immediately.
func (c *Client) Call(ctx context.Context, class string, attempt func(ctx context.Context) error) error {
	var lastErr error
	for n := 0; ; n++ {
		if err := c.waitClass(ctx, class); err != nil {
			return err
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
		err := attempt(actx)
		cancel()
		c.sem.Release(1)

		if c.hook != nil {
			c.hook(class, err)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		kind, hint := Classify(err)
		if kind == Fatal {
			return err
		}
		if hint > 0 {
			// Later calls in the class wait too, even if this one gives up.
			c.Block(class, hint)
		}
		if hint > c.opt.MaxHintDelay {
			return fmt.Errorf("%s: server asked to wait %s: %w", class, hint, err)
		}
		if n >= c.opt.RetryMax {
			break
		}
		if hint > 0 {
			c.log.Debug("rate limited, deferring class",
				logx.String("class", class), logx.Duration("wait", hint), logx.Int("attempt", n+1))
			continue
		}
		delay := c.backoff(n + 1)
		c.log.Debug("retrying after failure",
			logx.String("class", class), logx.Duration("delay", delay), logx.Int("attempt", n+1), logx.Err(err))
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", class, c.opt.RetryMax+1, lastErr)
}

func (c *Client) backoff(retry int) time.Duration {
	d := c.opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > c.opt.RetryMaxDelay {
			d = c.opt.RetryMaxDelay
			break
		}
	}
	c.mu.Lock()
	r := (c.rng.Float64()*2 - 1) * c.opt.RetryJitter
	c.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > c.opt.RetryMaxDelay {
		d = c.opt.RetryMaxDelay
	}
	return d
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the body into v. Decode failures are Malformed.
func (r *Response) JSON(v any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	if err := dec.Decode(v); err != nil {
		return Malformed(err)
	}
	return nil
}

// Do sends the request produced by build, retrying per Call. build is
// invoked once per attempt so request bodies are fresh each time.
//
// Non-2xx responses are converted with StatusError. Exhausted rate-limit
// headers on successful responses still defer the class.
func (c *Client) Do(ctx context.Context, class string, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var out *Response
	err := c.Call(ctx, class, func(actx context.Context) error {
		req, err := build(actx)
		if err != nil {
			return NoRetry(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		now := c.now()
		if err := StatusError(resp.StatusCode, resp.Header, now); err != nil {
			return err
		}
		if wait := rateLimitWait(resp.Header, now); wait > 0 {
			c.Block(class, wait)
		}
		out = &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
