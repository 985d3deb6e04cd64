package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"jobdispatch/internal/domain"
)

const DefaultEndpointPath = "/execute-job"

// Dispatcher pushes a job to a worker. Dispatch reports delivery only; it never fails loudly.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job, workerAddress string) bool
}

// Func adapts a plain function to a Dispatcher.
type Func func(ctx context.Context, job domain.Job, workerAddress string) bool

func (f Func) Dispatch(ctx context.Context, job domain.Job, workerAddress string) bool {
	return f(ctx, job, workerAddress)
}

type Options struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	Backoff        Backoff
	EndpointPath   string
	// Limiter, when set, gates every attempt.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
}

// Client POSTs the job as JSON to the worker's execute endpoint, retrying internally.
type Client struct {
	opts Options
	http *http.Client
}

var _ Dispatcher = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.EndpointPath == "" {
		opts.EndpointPath = DefaultEndpointPath
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{opts: opts, http: hc}
}

func (c *Client) Dispatch(ctx context.Context, job domain.Job, workerAddress string) bool {
	body, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("encode job for dispatch")
		return false
	}
	url := endpointURL(workerAddress, c.opts.EndpointPath)

	attempt := 0
	deliver := func() error {
		attempt++
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
			}
		}
		return c.attempt(ctx, url, body)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("job_id", job.ID).Str("url", url).Int("attempt", attempt).Dur("retry_in", wait).Msg("dispatch attempt failed")
	}

	if err := backoff.RetryNotify(deliver, c.opts.Backoff.policy(ctx, c.opts.MaxAttempts), notify); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("url", url).Int("attempts", attempt).Msg("job dispatch failed")
		return false
	}
	log.Debug().Str("job_id", job.ID).Str("url", url).Int("attempt", attempt).Msg("job delivered")
	return true
}

func (c *Client) attempt(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker responded %d", resp.StatusCode)
	}
	return nil
}

func endpointURL(addr, path string) string {
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return addr + path
}
