package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"livewatch/internal/httpx"
)

// WebhookSink POSTs the event as JSON.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	http    *http.Client
	now     func() time.Time
}

func NewWebhookSink(name, url string, headers map[string]string, hc *http.Client) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &WebhookSink{name: name, url: url, headers: headers, http: hc, now: time.Now}, nil
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return httpx.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return httpx.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return httpx.StatusError(resp.StatusCode, resp.Header, s.now())
}
