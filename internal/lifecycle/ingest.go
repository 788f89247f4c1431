package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/mqtt"
)

// ingestGrace is added to the command timeout to bound the handling of
// one MQTT message.
const ingestGrace = 5 * time.Second

// MQTTSubscriber is the subset of the MQTT client used for event ingest.
// Satisfied by *mqtt.Client.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ingest tracks the MQTT subscription and in-flight message handlers.
type ingest struct {
	mu     sync.Mutex
	client MQTTSubscriber
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartIngest subscribes to pnphooks/event/+ and handles every message as
// a batch of events. Messages are handled off the MQTT callback goroutine.
func (h *Handler) StartIngest(client MQTTSubscriber, qos byte) error {
	h.ingest.mu.Lock()
	defer h.ingest.mu.Unlock()
	if h.ingest.client != nil {
		return fmt.Errorf("event ingest already started")
	}

	topic := mqtt.Topics{}.AllDeviceEvents()
	h.ingest.ctx, h.ingest.cancel = context.WithCancel(context.Background())
	if err := client.Subscribe(topic, qos, h.handleMessage); err != nil {
		h.ingest.cancel()
		return fmt.Errorf("subscribe to lifecycle events: %w", err)
	}
	h.ingest.client = client

	h.logger.Info("lifecycle event ingest started", "topic", topic)
	return nil
}

// StopIngest unsubscribes, cancels in-flight handlers and waits for them.
func (h *Handler) StopIngest() {
	h.ingest.mu.Lock()
	client := h.ingest.client
	h.ingest.client = nil
	if client != nil {
		h.ingest.cancel()
	}
	h.ingest.mu.Unlock()
	if client == nil {
		return
	}

	if err := client.Unsubscribe(mqtt.Topics{}.AllDeviceEvents()); err != nil {
		h.logger.Warn("unsubscribing lifecycle events", "error", err)
	}
	h.ingest.wg.Wait()
	h.logger.Info("lifecycle event ingest stopped")
}

// handleMessage parses an MQTT message and handles it in the background.
// Events without a type take it from the topic.
func (h *Handler) handleMessage(topic string, payload []byte) error {
	short, ok := mqtt.Topics{}.ParseDeviceEvent(topic)
	if !ok {
		return fmt.Errorf("unexpected lifecycle topic %q", topic)
	}
	events, err := ParseEvents(payload)
	if err != nil {
		return err
	}
	for i := range events {
		if events[i].EventType == "" {
			events[i].EventType = devicesPrefix + short
		}
	}

	h.ingest.mu.Lock()
	ctx := h.ingest.ctx
	if ctx == nil || ctx.Err() != nil {
		h.ingest.mu.Unlock()
		return nil
	}
	h.ingest.wg.Add(1)
	h.ingest.mu.Unlock()

	go func() {
		defer h.ingest.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, h.timeout+ingestGrace)
		defer cancel()
		h.HandleEvents(ctx, events, audit.SourceMQTT)
	}()
	return nil
}
