// Package twitch queries the Helix API for stream status.
package twitch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"livewatch/internal/channel"
	"livewatch/internal/httpx"
	logx "livewatch/pkg/logx"
)

const (
	DefaultHelixURL = "https://api.twitch.tv/helix"
	// MaxBatch is the Helix limit on user_login values per streams query.
	MaxBatch = 100
	// Class is the httpx endpoint class for Helix calls.
	Class = "helix"

	noCategory = "No Category"
	cacheSize  = 100
)

// Authorizer decorates pre-authorized requests. Token acquisition and
// refresh happen elsewhere.
type Authorizer interface {
	Authorize(req *http.Request)
}

// StaticAuth sends a fixed Client-Id and app access token.
type StaticAuth struct {
	ClientID    string
	AccessToken string
}

func (a StaticAuth) Authorize(req *http.Request) {
	if a.ClientID != "" {
		req.Header.Set("Client-Id", a.ClientID)
	}
	if a.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.AccessToken)
	}
}

type Client struct {
	base  string
	http  *httpx.Client
	auth  Authorizer
	log   logx.Logger
	warn  *logx.Sampled
	games *lru.Cache[string, string]
}

func New(baseURL string, hc *httpx.Client, auth Authorizer, log logx.Logger) (*Client, error) {
	if hc == nil {
		return nil, errors.New("twitch: nil http client")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultHelixURL
	}
	if auth == nil {
		auth = StaticAuth{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	games, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:  baseURL,
		http:  hc,
		auth:  auth,
		log:   log,
		warn:  logx.NewSampled(5 * time.Minute),
		games: games,
	}, nil
}

type stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

type game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type page[T any] struct {
	Data []T `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*httpx.Response, error) {
	u := c.base + path + "?" + q.Encode()
	return c.http.Do(ctx, Class, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		c.auth.Authorize(req)
		return req, nil
	})
}

// Poll queries one batch of at most MaxBatch channels and returns one
// PollResult per requested channel. Channels absent from the response are
// offline. Any error means no result for the whole batch.
func (c *Client) Poll(ctx context.Context, ids []channel.ID, now time.Time) ([]channel.PollResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatch {
		return nil, httpx.NoRetry(errors.New("twitch: batch exceeds 100 logins"))
	}

	q := url.Values{}
	for _, id := range ids {
		q.Add("user_login", string(id))
	}
	q.Set("first", "100")

	resp, err := c.get(ctx, "/streams", q)
	if err != nil {
		return nil, err
	}
	var body page[stream]
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}

	live := make(map[channel.ID]stream, len(body.Data))
	for _, s := range body.Data {
		if !strings.EqualFold(s.Type, "live") {
			continue
		}
		live[channel.NormalizeID(s.UserLogin)] = s
	}

	out := make([]channel.PollResult, 0, len(ids))
	for _, id := range ids {
		res := channel.PollResult{Channel: id, ObservedAt: now}
		if s, ok := live[id]; ok {
			res.Live = true
			res.StartedAt = s.StartedAt
			res.Title = s.Title
			res.StreamID = s.ID
			res.UserID = s.UserID
			res.Game = c.resolveGame(ctx, s.GameID, s.GameName)
		}
		out = append(out, res)
	}
	return out, nil
}

// resolveGame fills in a missing game name from the cache or /games.
// A failed lookup keeps the id and leaves the name empty.
func (c *Client) resolveGame(ctx context.Context, id, name string) channel.Game {
	if id == "" {
		return channel.Game{Name: noCategory}
	}
	if name != "" {
		c.games.Add(id, name)
		return channel.Game{ID: id, Name: name}
	}
	if cached, ok := c.games.Get(id); ok {
		return channel.Game{ID: id, Name: cached}
	}
	name, err := c.GameName(ctx, id)
	if err != nil {
		c.warn.Warn(c.log, "game:"+id, "game lookup failed", logx.String("game_id", id), logx.Err(err))
		return channel.Game{ID: id}
	}
	return channel.Game{ID: id, Name: name}
}

// GameName looks up a category name by id, caching hits.
func (c *Client) GameName(ctx context.Context, id string) (string, error) {
	if cached, ok := c.games.Get(id); ok {
		return cached, nil
	}
	resp, err := c.get(ctx, "/games", url.Values{"id": {id}})
	if err != nil {
		return "", err
	}
	var body page[game]
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", httpx.NoRetry(errors.New("twitch: unknown game " + id))
	}
	c.games.Add(id, body.Data[0].Name)
	return body.Data[0].Name, nil
}
