// Package upstream fetches dynamics and live-room snapshots from the content
// platform. An empty batch is a valid answer; only transport, status and
// decoding problems are errors.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"dynbot/internal/event"
	logx "dynbot/pkg/logx"
)

// Client is what the checkers poll.
type Client interface {
	FetchLatestDynamics(ctx context.Context) (DynamicBatch, error)
	FetchLiveRooms(ctx context.Context) (LiveBatch, error)
}

type DynamicBatch struct {
	Items []event.DynamicEvent
}

type LiveBatch struct {
	Rooms []event.LiveEvent
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("upstream %s: HTTP %d", e.URL, e.Code) }

var ErrStatus = errors.New("upstream status")

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Options configure HTTPClient. Zero values pick defaults.
type Options struct {
	BaseURL     string
	DynamicPath string
	LivePath    string
	Timeout     time.Duration
	// Retries is the number of extra attempts for one request.
	Retries   int
	Cookie    string
	UserAgent string
	// RetryDelay is the first backoff step; tests shrink it.
	RetryDelay time.Duration
}

type HTTPClient struct {
	opts Options
	hc   *http.Client
	log  logx.Logger
}

func NewHTTPClient(opts Options, log logx.Logger) (*HTTPClient, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("upstream: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "dynbot/1.0"
	}
	return &HTTPClient{
		opts: opts,
		hc:   &http.Client{Timeout: opts.Timeout},
		log:  log.With(logx.String("comp", "upstream")),
	}, nil
}

func (c *HTTPClient) endpoint(path string) string {
	return strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *HTTPClient) FetchLatestDynamics(ctx context.Context) (DynamicBatch, error) {
	var w dynamicsWire
	if err := c.getJSON(ctx, c.endpoint(c.opts.DynamicPath), &w); err != nil {
		return DynamicBatch{}, err
	}
	out := DynamicBatch{Items: make([]event.DynamicEvent, 0, len(w.Items))}
	for _, it := range w.Items {
		if it.ID == "" {
			continue
		}
		out.Items = append(out.Items, it.event())
	}
	return out, nil
}

func (c *HTTPClient) FetchLiveRooms(ctx context.Context) (LiveBatch, error) {
	var w liveWire
	if err := c.getJSON(ctx, c.endpoint(c.opts.LivePath), &w); err != nil {
		return LiveBatch{}, err
	}
	out := LiveBatch{Rooms: make([]event.LiveEvent, 0, len(w.Rooms))}
	for _, r := range w.Rooms {
		out.Rooms = append(out.Rooms, r.event())
	}
	return out, nil
}

// getJSON retries transport errors and 5xx/429 answers a few times inside
// the current cycle. Everything else fails fast and is left to the task
// backoff.
func (c *HTTPClient) getJSON(ctx context.Context, u string, v any) error {
	attempts := uint(c.opts.Retries) + 1
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", c.opts.UserAgent)
			if c.opts.Cookie != "" {
				req.Header.Set("Cookie", c.opts.Cookie)
			}

			start := time.Now()
			resp, err := c.hc.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
				_ = resp.Body.Close()
			}()
			c.log.Debug("upstream request",
				logx.String("url", u),
				logx.Int("status", resp.StatusCode),
				logx.Int64("took_ms", time.Since(start).Milliseconds()))

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				serr := &StatusError{URL: u, Code: resp.StatusCode}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return serr
				}
				return retry.Unrecoverable(serr)
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(v); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode %s: %w", u, err))
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(c.opts.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.opts.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying upstream request", logx.String("url", u), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	return nil
}
