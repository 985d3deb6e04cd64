package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"jobdispatch/internal/bus"
)

var errUnknownToDispatcher = errors.New("worker unknown to dispatcher")

// A bus publisher gets no answer to a heartbeat, so the registration is re-sent
// every reannounceEvery beats in case the dispatcher restarted.
const reannounceEvery = 5

// Publisher sends worker announcements over a message bus instead of HTTP.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Config struct {
	ID                string
	AdvertiseAddr     string
	DispatcherURL     string
	Capabilities      []string
	HeartbeatInterval time.Duration
	RegisterSubject   string
	HeartbeatSubject  string
}

// Agent keeps a worker registered with the dispatcher and heartbeating.
type Agent struct {
	cfg       Config
	http      *http.Client
	publisher Publisher
	clock     clock.Clock
	beats     atomic.Int64
}

// New returns an agent talking HTTP to cfg.DispatcherURL, or publishing to the bus when pub is non-nil.
func New(cfg Config, pub Publisher, clk clock.Clock) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	cfg.DispatcherURL = strings.TrimRight(cfg.DispatcherURL, "/")
	return &Agent{cfg: cfg, http: &http.Client{Timeout: 5 * time.Second}, publisher: pub, clock: clk}
}

func (a *Agent) registration() bus.RegisterMessage {
	return bus.RegisterMessage{WorkerID: a.cfg.ID, Host: a.cfg.AdvertiseAddr, Capabilities: a.cfg.Capabilities}
}

func (a *Agent) Register(ctx context.Context) error {
	if a.publisher != nil {
		a.beats.Store(0)
		return a.publisher.PublishJSON(a.cfg.RegisterSubject, a.registration())
	}
	status, err := a.post(ctx, "/api/workers", a.registration())
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("register worker %s: dispatcher responded %d", a.cfg.ID, status)
	}
	log.Info().Str("worker_id", a.cfg.ID).Str("dispatcher", a.cfg.DispatcherURL).Strs("capabilities", a.cfg.Capabilities).Msg("registered with dispatcher")
	return nil
}

// Heartbeat re-registers when the dispatcher no longer knows this worker.
func (a *Agent) Heartbeat(ctx context.Context) error {
	err := a.heartbeat(ctx)
	if errors.Is(err, errUnknownToDispatcher) {
		log.Warn().Str("worker_id", a.cfg.ID).Msg("dispatcher forgot this worker, registering again")
		return a.Register(ctx)
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) error {
	if a.publisher != nil {
		if a.beats.Inc()%reannounceEvery == 0 {
			if err := a.publisher.PublishJSON(a.cfg.RegisterSubject, a.registration()); err != nil {
				return err
			}
		}
		return a.publisher.PublishJSON(a.cfg.HeartbeatSubject, bus.HeartbeatMessage{WorkerID: a.cfg.ID})
	}
	status, err := a.post(ctx, "/api/workers/"+url.PathEscape(a.cfg.ID)+"/heartbeat", nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errUnknownToDispatcher
	default:
		return fmt.Errorf("heartbeat %s: dispatcher responded %d", a.cfg.ID, status)
	}
}

// Run registers, retrying every heartbeat interval until it succeeds, then heartbeats until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	registered := false
	for {
		if !registered {
			if err := a.Register(ctx); err != nil {
				log.Warn().Err(err).Msg("registration failed, will retry")
			} else {
				registered = true
			}
		} else if err := a.Heartbeat(ctx); err != nil {
			log.Warn().Err(err).Str("worker_id", a.cfg.ID).Msg("heartbeat failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) post(ctx context.Context, path string, v any) (int, error) {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.DispatcherURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
