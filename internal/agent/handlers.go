package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoHandler      = errors.New("no handler for job type")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Handler executes one job payload.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

func decode[T any](kind string, payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return v, nil
}

const defaultOutputTail = 2048

// Shell runs a process on the worker host. Only the last OutputTail bytes of its combined
// output are kept for the error report.
type Shell struct {
	OutputTail int
}

type ShellCommand struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

func (s Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	c, err := decode[ShellCommand]("shell", payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: shell job has no command", ErrInvalidPayload)
	}

	limit := s.OutputTail
	if limit <= 0 {
		limit = defaultOutputTail
	}
	out := &tail{limit: limit}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout, cmd.Stderr = out, out
	if len(c.Env) > 0 {
		env := cmd.Environ()
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	start := time.Now()
	err = cmd.Run()
	log.Debug().Str("command", c.Command).Dur("took", time.Since(start)).Err(err).Msg("shell job finished")

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return fmt.Errorf("%s exited with code %d: %s", c.Command, exitErr.ExitCode(), out)
	default:
		return fmt.Errorf("start %s: %w", c.Command, err)
	}
}

// tail keeps the last limit bytes written to it.
type tail struct {
	limit int
	buf   []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string { return strings.TrimSpace(string(t.buf)) }

// HTTP calls an outbound endpoint. Unless the payload lists expected status codes, any
// 2xx or 3xx response counts as success.
type HTTP struct {
	Client         *http.Client
	DefaultTimeout time.Duration
}

type HTTPRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	ExpectStatus   []int             `json:"expect_status"`
}

func (r HTTPRequest) accepts(code int) bool {
	if len(r.ExpectStatus) > 0 {
		return slices.Contains(r.ExpectStatus, code)
	}
	return code >= 200 && code < 400
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	r, err := decode[HTTPRequest]("http", payload)
	if err != nil {
		return err
	}
	if r.URL == "" {
		return fmt.Errorf("%w: http job has no url", ErrInvalidPayload)
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := time.Duration(r.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = h.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, r.URL, strings.NewReader(r.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, r.URL, err)
	}
	defer resp.Body.Close()

	if r.accepts(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: unexpected status %d: %s", method, r.URL, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// DefaultHandlers returns the built-in handlers keyed by job type.
func DefaultHandlers() map[string]Handler {
	return map[string]Handler{
		"shell": Shell{},
		"http":  HTTP{},
	}
}
