package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/registry"
)

// RegisterMessage announces a worker and what it can run.
type RegisterMessage struct {
	WorkerID     string   `json:"worker_id"`
	Host         string   `json:"host"`
	Capabilities []string `json:"capabilities"`
}

type HeartbeatMessage struct {
	WorkerID string `json:"worker_id"`
}

// WorkerEvents applies worker announcements received over the bus to the registry.
type WorkerEvents struct {
	registry registry.Registry
}

func NewWorkerEvents(reg registry.Registry) *WorkerEvents {
	return &WorkerEvents{registry: reg}
}

// HandleRegister drops malformed messages after logging them.
func (w *WorkerEvents) HandleRegister(_ context.Context, data []byte) {
	var msg RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("dropping malformed register message")
		return
	}
	if msg.WorkerID == "" || msg.Host == "" {
		log.Warn().Str("worker_id", msg.WorkerID).Msg("dropping register message without worker id or host")
		return
	}
	w.registry.RegisterWorker(msg.WorkerID, msg.Host, msg.Capabilities...)
}

func (w *WorkerEvents) HandleHeartbeat(_ context.Context, data []byte) {
	var msg HeartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.WorkerID == "" {
		log.Warn().Err(err).Msg("dropping malformed heartbeat message")
		return
	}
	if err := w.registry.UpdateHeartbeat(msg.WorkerID); err != nil && !errors.Is(err, registry.ErrUnknownWorker) {
		log.Error().Err(err).Str("worker_id", msg.WorkerID).Msg("heartbeat failed")
	}
}

// Subscribe wires both handlers to their subjects. The caller unsubscribes or closes the client.
func (w *WorkerEvents) Subscribe(c *Client, registerSubject, heartbeatSubject string) ([]*nats.Subscription, error) {
	reg, err := c.SubscribeJSON(registerSubject, w.HandleRegister)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", registerSubject, err)
	}
	hb, err := c.SubscribeJSON(heartbeatSubject, w.HandleHeartbeat)
	if err != nil {
		_ = reg.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", heartbeatSubject, err)
	}
	log.Info().Str("register", registerSubject).Str("heartbeat", heartbeatSubject).Msg("listening for worker events")
	return []*nats.Subscription{reg, hb}, nil
}
