package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/pnp-hooks/internal/infrastructure/mqtt"
)

// DefaultTimeout is how long Invoke waits for a response when neither the
// request nor the options set a timeout.
const DefaultTimeout = 30 * time.Second

// MQTTClient is the subset of the MQTT client the invoker needs.
// Satisfied by *mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Metrics records invocation outcomes. Satisfied by *influxdb.Client.
type Metrics interface {
	WriteCommandResult(method string, status int, latency time.Duration)
}

// Logger is the logging interface used by the invoker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Request is one direct method invocation.
type Request struct {
	DeviceID string

	// Method is the method name, qualified with its component when the
	// command is declared inside one (e.g. "R700*Presets").
	Method string

	// Payload is the JSON request body. Empty sends null.
	Payload string

	// Timeout overrides the invoker's default when positive.
	Timeout time.Duration
}

// Result is the device's answer to a direct method.
type Result struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Latency time.Duration   `json:"latency"`
}

// Options configures an Invoker.
type Options struct {
	// MQTTClient is required.
	MQTTClient MQTTClient

	// Metrics is optional.
	Metrics Metrics

	// Logger is optional.
	Logger Logger

	// Timeout is the default response timeout. Zero means DefaultTimeout.
	Timeout time.Duration

	// QoS for requests and the response subscription.
	QoS byte
}

type response struct {
	status  int
	payload []byte
}

// Invoker publishes direct method requests and waits for their responses.
//
// Thread Safety: All methods are safe for concurrent use.
type Invoker struct {
	mqtt    MQTTClient
	metrics Metrics
	logger  Logger
	timeout time.Duration
	qos     byte
	topics  mqtt.Topics

	mu      sync.Mutex
	pending map[string]chan response
	started bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewInvoker creates an invoker. Call Start before Invoke.
func NewInvoker(opts Options) (*Invoker, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Invoker{
		mqtt:    opts.MQTTClient,
		metrics: opts.Metrics,
		logger:  logger,
		timeout: timeout,
		qos:     opts.QoS,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}, nil
}

// Start subscribes to method responses.
func (i *Invoker) Start() error {
	topic := i.topics.AllMethodResponses()
	if err := i.mqtt.Subscribe(topic, i.qos, i.handleResponse); err != nil {
		return fmt.Errorf("subscribe to method responses: %w", err)
	}

	i.mu.Lock()
	i.started = true
	i.mu.Unlock()

	i.logger.Info("direct method invoker started", "topic", topic)
	return nil
}

// Stop unsubscribes and fails every invocation still waiting.
func (i *Invoker) Stop() {
	i.stopOnce.Do(func() {
		close(i.done)

		i.mu.Lock()
		wasStarted := i.started
		i.started = false
		i.mu.Unlock()

		if wasStarted {
			if err := i.mqtt.Unsubscribe(i.topics.AllMethodResponses()); err != nil {
				i.logger.Warn("unsubscribing method responses", "error", err)
			}
		}
		i.logger.Info("direct method invoker stopped")
	})
}

// Invoke sends req and blocks until the device responds, the timeout
// elapses (ErrTimeout), ctx is cancelled, or the invoker stops.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.DeviceID == "" || req.Method == "" {
		return nil, fmt.Errorf("%w: device ID and method are required", ErrInvalidRequest)
	}
	payload := []byte("null")
	if req.Payload != "" {
		if !json.Valid([]byte(req.Payload)) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
		}
		payload = []byte(req.Payload)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.timeout
	}

	rid := uuid.NewString()
	ch := make(chan response, 1)

	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return nil, ErrNotStarted
	}
	i.pending[rid] = ch
	i.mu.Unlock()
	defer i.forget(rid)

	start := time.Now()
	topic := i.topics.MethodRequest(req.DeviceID, req.Method, rid)
	if err := i.mqtt.Publish(topic, payload, i.qos, false); err != nil {
		return nil, fmt.Errorf("publishing %s to %s: %w", req.Method, req.DeviceID, err)
	}
	i.logger.Debug("direct method sent", "device_id", req.DeviceID, "method", req.Method, "rid", rid)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		result := &Result{
			Status:  res.status,
			Payload: json.RawMessage(res.payload),
			Latency: time.Since(start),
		}
		i.record(req.Method, result.Status, result.Latency)
		return result, nil
	case <-timer.C:
		i.record(req.Method, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, req.Method, req.DeviceID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.done:
		return nil, ErrStopped
	}
}

// Pending returns the number of invocations waiting for a response.
func (i *Invoker) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// handleResponse delivers a response to the waiting invocation, if any.
func (i *Invoker) handleResponse(topic string, payload []byte) error {
	deviceID, status, rid, ok := i.topics.ParseMethodResponse(topic)
	if !ok {
		return fmt.Errorf("unexpected method response topic %q", topic)
	}

	i.mu.Lock()
	ch, found := i.pending[rid]
	delete(i.pending, rid)
	i.mu.Unlock()

	if !found {
		i.logger.Debug("dropping unmatched method response", "device_id", deviceID, "rid", rid)
		return nil
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	if len(body) > 0 && !json.Valid(body) {
		// Keep the raw text so callers can still log it.
		body, _ = json.Marshal(string(body)) //nolint:errcheck // strings always marshal
	}

	ch <- response{status: status, payload: body}
	return nil
}

func (i *Invoker) forget(rid string) {
	i.mu.Lock()
	delete(i.pending, rid)
	i.mu.Unlock()
}

func (i *Invoker) record(method string, status int, latency time.Duration) {
	if i.metrics != nil {
		i.metrics.WriteCommandResult(method, status, latency)
	}
}
