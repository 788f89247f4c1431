package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/command"
	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/twin"
)

// Outcome statuses.
const (
	StatusHandled = "handled"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// ModelResolver resolves device models. Satisfied by *devicemodel.Resolver.
type ModelResolver interface {
	TryResolve(ctx context.Context, id string) *devicemodel.Graph
}

// TwinRegistry is the part of *twin.Registry the handler uses.
type TwinRegistry interface {
	Get(ctx context.Context, deviceID string) (*twin.Twin, error)
	Register(ctx context.Context, t *twin.Twin) (*twin.Twin, error)
	RecordConnection(ctx context.Context, deviceID string, ev twin.ConnectionEvent) (*twin.Twin, error)
	SetModelID(ctx context.Context, deviceID, modelID string) (*twin.Twin, error)
	SetStatus(ctx context.Context, deviceID string, status twin.Status) (*twin.Twin, error)
	UpdateTags(ctx context.Context, deviceID string, tags map[string]any, etag string) (string, error)
	Delete(ctx context.Context, deviceID string) error
}

// CommandInvoker sends direct methods. Satisfied by *command.Invoker.
type CommandInvoker interface {
	Invoke(ctx context.Context, req command.Request) (*command.Result, error)
}

// AuditRecorder records handled events. Satisfied by *audit.Trail.
type AuditRecorder interface {
	Record(ctx context.Context, action, deviceID, source string, details map[string]any)
}

// Metrics records handled events. Satisfied by *influxdb.Client.
type Metrics interface {
	WriteLifecycleEvent(eventType, hub string, handled bool)
}

// Broadcaster pushes events to live subscribers.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the handler.
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

// Options configures a Handler. Registry is required.
type Options struct {
	Config      config.LifecycleConfig
	Registry    TwinRegistry
	Resolver    ModelResolver
	Invoker     CommandInvoker
	Audit       AuditRecorder
	Metrics     Metrics
	Broadcaster Broadcaster
	Logger      Logger
}

// Outcome reports how one event was handled.
type Outcome struct {
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Hub       string          `json:"hub,omitempty"`
	Status    string          `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	Command   *CommandOutcome `json:"command,omitempty"`
}

// CommandOutcome describes the direct method sent on DeviceConnected.
type CommandOutcome struct {
	Method    string `json:"method"`
	Status    int    `json:"status,omitempty"`
	Payload   string `json:"payload,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Handler applies lifecycle events to the twin registry.
//
// Thread Safety: All methods are safe for concurrent use.
type Handler struct {
	cfg         config.LifecycleConfig
	timeout     time.Duration
	registry    TwinRegistry
	resolver    ModelResolver
	invoker     CommandInvoker
	audit       AuditRecorder
	metrics     Metrics
	broadcaster Broadcaster
	logger      Logger

	ingest ingest
}

// NewHandler creates a handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("twin registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	timeout := time.Duration(opts.Config.CommandTimeout) * time.Second
	if timeout <= 0 {
		timeout = command.DefaultTimeout
	}
	return &Handler{
		cfg:         opts.Config,
		timeout:     timeout,
		registry:    opts.Registry,
		resolver:    opts.Resolver,
		invoker:     opts.Invoker,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		logger:      logger,
	}, nil
}

// HandleEvents handles a batch of events. When the batch contains a
// subscription validation event the returned response must be sent back.
func (h *Handler) HandleEvents(ctx context.Context, events []Event, source string) (*ValidationResponse, []Outcome) {
	var validation *ValidationResponse
	outcomes := make([]Outcome, 0, len(events))

	for _, ev := range events {
		if ev.EventType == EventSubscriptionValidation {
			if v := h.validate(ev); v != nil {
				validation = v
			}
			continue
		}
		outcomes = append(outcomes, h.HandleEvent(ctx, ev, source))
	}
	return validation, outcomes
}

// HandleEvent handles one device event.
func (h *Handler) HandleEvent(ctx context.Context, ev Event, source string) Outcome {
	out := Outcome{EventID: ev.ID, EventType: ev.EventType}

	var action string
	var handle func(context.Context, Event, *DeviceData, *Outcome) error
	switch ev.EventType {
	case EventDeviceConnected:
		action, handle = audit.ActionConnect, h.deviceConnected
	case EventDeviceDisconnected:
		action, handle = audit.ActionDisconnect, h.deviceDisconnected
	case EventDeviceCreated:
		action, handle = audit.ActionCreate, h.deviceCreated
	case EventDeviceDeleted:
		action, handle = audit.ActionDelete, h.deviceDeleted
	default:
		h.logger.Debug("ignoring event", "event_type", ev.EventType, "event_id", ev.ID)
		out.Status, out.Detail = StatusSkipped, "event type not handled"
		return out
	}

	h.logger.Info(">> "+ev.ShortType()+" event", "event_id", ev.ID, "source", source)
	defer h.logger.Info("<< "+ev.ShortType()+" event", "event_id", ev.ID)

	data, err := ev.deviceData()
	if err != nil {
		h.logger.Error("invalid event data", "event_type", ev.EventType, "event_id", ev.ID, "error", err)
		out.Status, out.Detail = StatusFailed, err.Error()
		h.report(ctx, out, action, source)
		return out
	}
	out.DeviceID, out.Hub = data.DeviceID, data.HubName
	out.Status = StatusHandled

	if err := handle(ctx, ev, data, &out); err != nil {
		h.logger.Warn("failed to process "+ev.ShortType()+" event", "device_id", data.DeviceID, "error", err)
		out.Status, out.Detail = StatusFailed, err.Error()
	}

	h.report(ctx, out, action, source)
	return out
}

func (h *Handler) validate(ev Event) *ValidationResponse {
	var data ValidationData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.ValidationCode == "" {
		h.logger.Warn("subscription validation event without a code", "event_id", ev.ID)
		return nil
	}
	h.logger.Info("event subscription validated", "event_id", ev.ID, "topic", ev.Topic)
	return &ValidationResponse{ValidationResponse: data.ValidationCode}
}

// deviceConnected records the connection and sends the command the
// device's model calls for.
func (h *Handler) deviceConnected(ctx context.Context, ev Event, data *DeviceData, out *Outcome) error {
	tw, err := h.recordConnection(ctx, ev, data, twin.Connected)
	if err != nil {
		return err
	}

	if model := data.Model(); model != "" && model != tw.ModelID {
		if tw, err = h.registry.SetModelID(ctx, data.DeviceID, model); err != nil {
			return fmt.Errorf("storing model ID: %w", err)
		}
	}

	if tw.ConnectionState != twin.Connected {
		h.logger.Warn("device is not connected", "device_id", data.DeviceID)
		out.Status, out.Detail = StatusSkipped, "device is not connected"
		return nil
	}
	if tw.ModelID == "" {
		out.Detail = "device has no model"
		return nil
	}
	h.logger.Info("device model", "device_id", data.DeviceID, "model_id", tw.ModelID)

	rule, ok := h.matchRule(tw.ModelID)
	if !ok {
		out.Detail = "no command rule for model"
		return nil
	}

	graph := h.resolve(ctx, tw.ModelID)
	if graph == nil {
		out.Detail = "model unavailable"
		return nil
	}

	cmd, ok := graph.FindCommand(rule.Command)
	if !ok {
		out.Detail = fmt.Sprintf("model has no command %q", rule.Command)
		return nil
	}
	comp, _ := graph.ContainingComponent(cmd)
	method := devicemodel.QualifiedName(cmd, comp)

	if h.invoker == nil {
		out.Status, out.Detail = StatusSkipped, "command transport disabled"
		return nil
	}

	h.logger.Info("sending command", "device_id", data.DeviceID, "method", method, "description", cmd.Description)
	out.Command = &CommandOutcome{Method: method}

	start := time.Now()
	res, err := h.invoker.Invoke(ctx, command.Request{
		DeviceID: data.DeviceID,
		Method:   method,
		Payload:  rule.Payload,
		Timeout:  h.timeout,
	})
	out.Command.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		out.Command.Error = err.Error()
		return fmt.Errorf("invoking %s: %w", method, err)
	}

	out.Command.Status = res.Status
	out.Command.Payload = string(res.Payload)
	h.logger.Info("command response", "device_id", data.DeviceID, "method", method,
		"status", res.Status, "payload", string(res.Payload))
	return nil
}

func (h *Handler) deviceDisconnected(ctx context.Context, ev Event, data *DeviceData, out *Outcome) error {
	_, err := h.registry.RecordConnection(ctx, data.DeviceID, connectionEvent(ev, data, twin.Disconnected))
	if errors.Is(err, twin.ErrTwinNotFound) {
		out.Status, out.Detail = StatusSkipped, "unknown device"
		return nil
	}
	return err
}

// deviceCreated marks the twin created and writes the configured tags,
// guarded by the twin's ETag.
func (h *Handler) deviceCreated(ctx context.Context, _ Event, data *DeviceData, _ *Outcome) error {
	tw, err := h.registry.SetStatus(ctx, data.DeviceID, twin.StatusCreated)
	if errors.Is(err, twin.ErrTwinNotFound) {
		tw, err = h.registry.Register(ctx, &twin.Twin{
			DeviceID:       data.DeviceID,
			RegistrationID: data.DeviceID,
			HubName:        data.HubName,
			ModelID:        data.Model(),
			Status:         twin.StatusCreated,
		})
	}
	if err != nil {
		return err
	}

	tags := make(map[string]any, len(h.cfg.CreatedTags))
	for k, v := range h.cfg.CreatedTags {
		tags[k] = v
	}
	if len(tags) == 0 {
		return nil
	}

	_, err = h.registry.UpdateTags(ctx, data.DeviceID, tags, tw.ETag)
	if errors.Is(err, twin.ErrETagMismatch) {
		// Someone wrote the twin between our read and write; retry once
		// against the current version.
		if tw, err = h.registry.Get(ctx, data.DeviceID); err != nil {
			return err
		}
		_, err = h.registry.UpdateTags(ctx, data.DeviceID, tags, tw.ETag)
	}
	if err != nil {
		return fmt.Errorf("updating tags: %w", err)
	}
	return nil
}

func (h *Handler) deviceDeleted(ctx context.Context, _ Event, data *DeviceData, out *Outcome) error {
	err := h.registry.Delete(ctx, data.DeviceID)
	if errors.Is(err, twin.ErrTwinNotFound) {
		out.Status, out.Detail = StatusSkipped, "unknown device"
		return nil
	}
	return err
}

// recordConnection stores the connection state, registering a twin for a
// device this service never allocated.
func (h *Handler) recordConnection(ctx context.Context, ev Event, data *DeviceData, state twin.ConnectionState) (*twin.Twin, error) {
	change := connectionEvent(ev, data, state)
	tw, err := h.registry.RecordConnection(ctx, data.DeviceID, change)
	if !errors.Is(err, twin.ErrTwinNotFound) {
		return tw, err
	}

	h.logger.Info("registering twin for unknown device", "device_id", data.DeviceID, "hub", data.HubName)
	if _, err := h.registry.Register(ctx, &twin.Twin{
		DeviceID:       data.DeviceID,
		RegistrationID: data.DeviceID,
		HubName:        data.HubName,
		ModelID:        data.Model(),
		Status:         twin.StatusCreated,
	}); err != nil {
		return nil, fmt.Errorf("registering twin: %w", err)
	}
	return h.registry.RecordConnection(ctx, data.DeviceID, change)
}

// matchRule returns the first rule whose Match occurs in modelID.
func (h *Handler) matchRule(modelID string) (config.CommandRule, bool) {
	for _, r := range h.cfg.CommandRules {
		if r.Match != "" && strings.Contains(modelID, r.Match) {
			return r, true
		}
	}
	return config.CommandRule{}, false
}

func (h *Handler) resolve(ctx context.Context, modelID string) *devicemodel.Graph {
	if h.resolver == nil {
		return nil
	}
	return h.resolver.TryResolve(ctx, modelID)
}

// report records the outcome. Failures in the sinks are their own concern.
func (h *Handler) report(ctx context.Context, out Outcome, action, source string) {
	if h.audit != nil {
		details := map[string]any{
			"event_id": out.EventID,
			"status":   out.Status,
			"hub":      out.Hub,
		}
		if out.Detail != "" {
			details["detail"] = out.Detail
		}
		if out.Command != nil {
			details["command"] = out.Command.Method
			details["command_status"] = out.Command.Status
		}
		h.audit.Record(ctx, action, out.DeviceID, source, details)
		if out.Command != nil {
			h.audit.Record(ctx, audit.ActionCommand, out.DeviceID, source, map[string]any{
				"method":     out.Command.Method,
				"status":     out.Command.Status,
				"latency_ms": out.Command.LatencyMS,
				"error":      out.Command.Error,
			})
		}
	}
	if h.metrics != nil {
		h.metrics.WriteLifecycleEvent(shortType(out.EventType), out.Hub, out.Status == StatusHandled)
	}
	if h.broadcaster != nil {
		h.broadcaster.Broadcast(Channel(out.EventType), out)
	}
}

// Channel returns the WebSocket channel for an event type,
// e.g. "device.connected".
func Channel(eventType string) string {
	short := shortType(eventType)
	return "device." + strings.ToLower(strings.TrimPrefix(short, "Device"))
}

func shortType(eventType string) string {
	return strings.TrimPrefix(eventType, devicesPrefix)
}

func connectionEvent(ev Event, data *DeviceData, state twin.ConnectionState) twin.ConnectionEvent {
	change := twin.ConnectionEvent{State: state, At: eventTime(ev)}
	if data.ConnectionState != nil {
		change.Sequence = data.ConnectionState.SequenceNumber
	}
	return change
}

func eventTime(ev Event) time.Time {
	if ev.EventTime.IsZero() {
		return time.Now().UTC()
	}
	return ev.EventTime
}
