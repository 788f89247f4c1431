package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/command"
	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/database"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/mqtt"
	"github.com/nerrad567/pnp-hooks/internal/twin"
	"github.com/nerrad567/pnp-hooks/migrations"
)

const (
	r700ID = "dtmi:impinj:R700;1"
	wioID  = "dtmi:seeed:wioterminal_aziot_example;1"
)

const r700Doc = `[
  {
    "@id": "dtmi:impinj:R700;1",
    "@type": "Interface",
    "contents": [{"@type": "Component", "name": "R700", "schema": "dtmi:impinj:common:Reader;1"}]
  },
  {
    "@id": "dtmi:impinj:common:Reader;1",
    "@type": "Interface",
    "contents": [{"@type": "Command", "name": "Presets", "description": "Apply reader presets"}]
  }
]`

const wioDoc = `{
  "@id": "dtmi:seeed:wioterminal_aziot_example;1",
  "@type": "Interface",
  "contents": [{"@type": "Command", "name": "ringBuzzer"}]
}`

type mapResolver map[string]*devicemodel.Graph

func (m mapResolver) TryResolve(_ context.Context, id string) *devicemodel.Graph {
	return m[id]
}

func newResolver(t *testing.T) mapResolver {
	t.Helper()
	m := mapResolver{}
	for id, doc := range map[string]string{r700ID: r700Doc, wioID: wioDoc} {
		g, err := devicemodel.Parse(id, []byte(doc))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", id, err)
		}
		m[id] = g
	}
	return m
}

type mockInvoker struct {
	mu       sync.Mutex
	requests []command.Request
	result   *command.Result
	err      error
}

func (m *mockInvoker) Invoke(_ context.Context, req command.Request) (*command.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &command.Result{Status: 200, Payload: json.RawMessage(`{"ok":true}`)}, nil
}

func (m *mockInvoker) calls() []command.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.Request(nil), m.requests...)
}

type mockAudit struct {
	mu      sync.Mutex
	actions []string
}

func (m *mockAudit) Record(_ context.Context, action, _, _ string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
}

type mockMetrics struct {
	mu      sync.Mutex
	handled map[string]bool
}

func (m *mockMetrics) WriteLifecycleEvent(eventType, _ string, handled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handled == nil {
		m.handled = map[string]bool{}
	}
	m.handled[eventType] = handled
}

type mockBroadcaster struct {
	mu       sync.Mutex
	channels []string
}

func (m *mockBroadcaster) Broadcast(channel string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
}

type fixture struct {
	handler  *Handler
	registry *twin.Registry
	invoker  *mockInvoker
	audit    *mockAudit
	metrics  *mockMetrics
	hub      *mockBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	f := &fixture{
		registry: twin.NewRegistry(twin.NewSQLiteRepository(db.DB)),
		invoker:  &mockInvoker{},
		audit:    &mockAudit{},
		metrics:  &mockMetrics{},
		hub:      &mockBroadcaster{},
	}
	f.handler, err = NewHandler(Options{
		Config:      config.Default().Lifecycle,
		Registry:    f.registry,
		Resolver:    newResolver(t),
		Invoker:     f.invoker,
		Audit:       f.audit,
		Metrics:     f.metrics,
		Broadcaster: f.hub,
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return f
}

func (f *fixture) allocate(t *testing.T, deviceID, modelID string) *twin.Twin {
	t.Helper()
	tw, err := f.registry.Register(context.Background(), &twin.Twin{
		DeviceID:       deviceID,
		RegistrationID: deviceID,
		HubName:        "PVDemo-IoTHub.azure-devices.net",
		ModelID:        modelID,
		Status:         twin.StatusAssigned,
		Tags:           map[string]any{"TagExample": "CustomAllocationSample"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return tw
}

func deviceEvent(eventType, deviceID string, at time.Time, extra map[string]any) Event {
	data := map[string]any{"deviceId": deviceID, "hubName": "PVDemo-IoTHub"}
	for k, v := range extra {
		data[k] = v
	}
	raw, _ := json.Marshal(data)
	return Event{
		ID:        fmt.Sprintf("%s-%s-%d", eventType, deviceID, at.UnixNano()),
		EventType: eventType,
		EventTime: at,
		Data:      raw,
	}
}

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestNewHandler_RequiresRegistry(t *testing.T) {
	if _, err := NewHandler(Options{}); err == nil {
		t.Error("NewHandler() without registry should fail")
	}
}

func TestDeviceConnected_ComponentCommand(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)

	out := f.handler.HandleEvent(context.Background(), deviceEvent(EventDeviceConnected, "reader-01", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s), want handled", out.Status, out.Detail)
	}

	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("Invoke called %d times, want 1", len(calls))
	}
	if calls[0].Method != "R700*Presets" || calls[0].DeviceID != "reader-01" || calls[0].Payload != "" {
		t.Errorf("request = %+v", calls[0])
	}
	if calls[0].Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", calls[0].Timeout)
	}
	if out.Command == nil || out.Command.Status != 200 || out.Command.Payload != `{"ok":true}` {
		t.Errorf("Command = %+v", out.Command)
	}

	tw, _ := f.registry.Get(context.Background(), "reader-01")
	if tw.ConnectionState != twin.Connected {
		t.Errorf("ConnectionState = %q", tw.ConnectionState)
	}
	if len(f.audit.actions) != 2 || f.audit.actions[0] != audit.ActionConnect || f.audit.actions[1] != audit.ActionCommand {
		t.Errorf("audit = %v", f.audit.actions)
	}
	if !f.metrics.handled["DeviceConnected"] {
		t.Error("metrics did not record a handled DeviceConnected")
	}
	if len(f.hub.channels) != 1 || f.hub.channels[0] != "device.connected" {
		t.Errorf("broadcast = %v", f.hub.channels)
	}
}

func TestDeviceConnected_TopLevelCommandWithPayload(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "wio-01", wioID)

	f.handler.HandleEvent(context.Background(), deviceEvent(EventDeviceConnected, "wio-01", t0, nil), audit.SourceEventGrid)

	calls := f.invoker.calls()
	if len(calls) != 1 || calls[0].Method != "ringBuzzer" || calls[0].Payload != "500" {
		t.Errorf("requests = %+v", calls)
	}
}

func TestDeviceConnected_UnknownDeviceWithModel(t *testing.T) {
	f := newFixture(t)

	ev := deviceEvent(EventDeviceConnected, "reader-02", t0, map[string]any{"modelId": r700ID})
	out := f.handler.HandleEvent(context.Background(), ev, audit.SourceMQTT)
	if out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}

	tw, err := f.registry.Get(context.Background(), "reader-02")
	if err != nil {
		t.Fatalf("twin not registered: %v", err)
	}
	if tw.ModelID != r700ID || tw.Status != twin.StatusCreated || tw.ConnectionState != twin.Connected {
		t.Errorf("twin = %+v", tw)
	}
	if len(f.invoker.calls()) != 1 {
		t.Error("command not sent to the newly registered device")
	}
}

func TestDeviceConnected_NoCommand(t *testing.T) {
	tests := []struct {
		name    string
		modelID string
		detail  string
	}{
		{"no model", "", "device has no model"},
		{"no rule", "dtmi:contoso:Thermostat;1", "no command rule for model"},
		{"model unavailable", "dtmi:impinj:Unknown;1", "model unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.allocate(t, "dev", tt.modelID)

			out := f.handler.HandleEvent(context.Background(), deviceEvent(EventDeviceConnected, "dev", t0, nil), audit.SourceEventGrid)
			if out.Status != StatusHandled || out.Detail != tt.detail {
				t.Errorf("outcome = %s/%q, want handled/%q", out.Status, out.Detail, tt.detail)
			}
			if len(f.invoker.calls()) != 0 {
				t.Error("no command should be sent")
			}
		})
	}
}

func TestDeviceConnected_StaleEvent(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	ctx := context.Background()

	f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDisconnected, "reader-01", t0.Add(time.Minute), nil), audit.SourceEventGrid)
	out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceConnected, "reader-01", t0, nil), audit.SourceEventGrid)

	if out.Status != StatusSkipped || out.Detail != "device is not connected" {
		t.Errorf("outcome = %s/%q, want skipped", out.Status, out.Detail)
	}
	if len(f.invoker.calls()) != 0 {
		t.Error("command sent to a disconnected device")
	}
}

func TestDeviceDisconnected_OrderedBySequenceNumber(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	ctx := context.Background()

	seq := func(n string) map[string]any {
		return map[string]any{"deviceConnectionStateEventInfo": map[string]any{
			"sequenceNumber": "000000000000000001D4132452F67CE2000000020000000000000000000000" + n,
		}}
	}

	// Both events carry the same timestamp; the disconnect happened first
	// but is delivered last.
	f.handler.HandleEvent(ctx, deviceEvent(EventDeviceConnected, "reader-01", t0, seq("02")), audit.SourceEventGrid)
	f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDisconnected, "reader-01", t0, seq("01")), audit.SourceEventGrid)

	tw, _ := f.registry.Get(ctx, "reader-01")
	if tw.ConnectionState != twin.Connected {
		t.Errorf("ConnectionState = %q, want connected", tw.ConnectionState)
	}
}

func TestDeviceConnected_CommandFailure(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	f.invoker.err = command.ErrTimeout

	out := f.handler.HandleEvent(context.Background(), deviceEvent(EventDeviceConnected, "reader-01", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if out.Command == nil || out.Command.Error == "" {
		t.Errorf("Command = %+v, want error recorded", out.Command)
	}
	if f.metrics.handled["DeviceConnected"] {
		t.Error("metrics recorded a failed event as handled")
	}

	// The connection itself is still recorded.
	tw, _ := f.registry.Get(context.Background(), "reader-01")
	if tw.ConnectionState != twin.Connected {
		t.Errorf("ConnectionState = %q", tw.ConnectionState)
	}
}

func TestDeviceConnected_NoInvoker(t *testing.T) {
	f := newFixture(t)
	f.handler.invoker = nil
	f.allocate(t, "reader-01", r700ID)

	out := f.handler.HandleEvent(context.Background(), deviceEvent(EventDeviceConnected, "reader-01", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusSkipped || out.Detail != "command transport disabled" {
		t.Errorf("outcome = %s/%q", out.Status, out.Detail)
	}
}

func TestDeviceDisconnected(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	ctx := context.Background()

	f.handler.HandleEvent(ctx, deviceEvent(EventDeviceConnected, "reader-01", t0, nil), audit.SourceEventGrid)
	out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDisconnected, "reader-01", t0.Add(time.Second), nil), audit.SourceEventGrid)
	if out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}
	tw, _ := f.registry.Get(ctx, "reader-01")
	if tw.ConnectionState != twin.Disconnected {
		t.Errorf("ConnectionState = %q", tw.ConnectionState)
	}

	out = f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDisconnected, "ghost", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusSkipped {
		t.Errorf("unknown device outcome = %q", out.Status)
	}
}

func TestDeviceCreated_TagsTwin(t *testing.T) {
	f := newFixture(t)
	before := f.allocate(t, "reader-01", r700ID)
	ctx := context.Background()

	out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceCreated, "reader-01", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}

	tw, _ := f.registry.Get(ctx, "reader-01")
	if tw.Tags["TagFromEventGrid"] != "Processed" || tw.Tags["TagExample"] != "CustomAllocationSample" {
		t.Errorf("Tags = %v", tw.Tags)
	}
	if tw.Status != twin.StatusCreated {
		t.Errorf("Status = %q", tw.Status)
	}
	if tw.ETag == before.ETag {
		t.Error("ETag unchanged after tag update")
	}
}

func TestDeviceCreated_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := deviceEvent(EventDeviceCreated, "wio-07", t0, map[string]any{"twin": map[string]any{"etag": "AAAAAAAAAAE=", "modelId": wioID}})
	if out := f.handler.HandleEvent(ctx, ev, audit.SourceEventGrid); out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}

	tw, err := f.registry.Get(ctx, "wio-07")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tw.ModelID != wioID || tw.Tags["TagFromEventGrid"] != "Processed" {
		t.Errorf("twin = %+v", tw)
	}
}

// racingRegistry changes the twin between the handler's read and write.
type racingRegistry struct {
	*twin.Registry
	once sync.Once
}

func (r *racingRegistry) UpdateTags(ctx context.Context, id string, tags map[string]any, etag string) (string, error) {
	r.once.Do(func() {
		_, _ = r.Registry.UpdateTags(ctx, id, map[string]any{"other": "writer"}, twin.AnyETag)
	})
	return r.Registry.UpdateTags(ctx, id, tags, etag)
}

func TestDeviceCreated_RetriesOnETagMismatch(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	f.handler.registry = &racingRegistry{Registry: f.registry}
	ctx := context.Background()

	out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceCreated, "reader-01", t0, nil), audit.SourceEventGrid)
	if out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}
	tw, _ := f.registry.Get(ctx, "reader-01")
	if tw.Tags["TagFromEventGrid"] != "Processed" || tw.Tags["other"] != "writer" {
		t.Errorf("Tags = %v, want both writers' tags", tw.Tags)
	}
}

func TestDeviceDeleted(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	ctx := context.Background()

	if out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDeleted, "reader-01", t0, nil), audit.SourceEventGrid); out.Status != StatusHandled {
		t.Fatalf("Status = %q (%s)", out.Status, out.Detail)
	}
	if _, err := f.registry.Get(ctx, "reader-01"); !errors.Is(err, twin.ErrTwinNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
	if out := f.handler.HandleEvent(ctx, deviceEvent(EventDeviceDeleted, "reader-01", t0, nil), audit.SourceEventGrid); out.Status != StatusSkipped {
		t.Errorf("second delete status = %q", out.Status)
	}
}

func TestHandleEvent_IgnoredAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.handler.HandleEvent(ctx, Event{EventType: "Microsoft.Devices.DeviceTelemetry"}, audit.SourceEventGrid)
	if out.Status != StatusSkipped {
		t.Errorf("unknown type status = %q", out.Status)
	}
	if len(f.audit.actions) != 0 {
		t.Error("ignored events must not be audited")
	}

	out = f.handler.HandleEvent(ctx, Event{EventType: EventDeviceCreated, Data: []byte(`{}`)}, audit.SourceEventGrid)
	if out.Status != StatusFailed {
		t.Errorf("missing device status = %q", out.Status)
	}
}

func TestHandleEvents_Validation(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)

	events := []Event{
		{
			ID:        "2d1781af-3a4c-4d7c-bd0c-e34b19da4e66",
			EventType: EventSubscriptionValidation,
			Data:      []byte(`{"validationCode": "512d38b6-c7b8-40c8-89fe-f46f9e9622b6", "validationUrl": "https://rp-eastus2.eventgrid.azure.net/..."}`),
		},
		deviceEvent(EventDeviceDeleted, "reader-01", t0, nil),
	}

	validation, outcomes := f.handler.HandleEvents(context.Background(), events, audit.SourceEventGrid)
	if validation == nil || validation.ValidationResponse != "512d38b6-c7b8-40c8-89fe-f46f9e9622b6" {
		t.Errorf("validation = %+v", validation)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusHandled {
		t.Errorf("outcomes = %+v", outcomes)
	}

	// A validation event without a code produces no response.
	validation, _ = f.handler.HandleEvents(context.Background(), []Event{{EventType: EventSubscriptionValidation, Data: []byte(`{}`)}}, audit.SourceEventGrid)
	if validation != nil {
		t.Errorf("validation = %+v, want nil", validation)
	}
}

// mockSubscriber captures the ingest handler.
type mockSubscriber struct {
	mu      sync.Mutex
	handler mqtt.MessageHandler
	topics  []string
}

func (m *mockSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.handler = handler
	return nil
}

func (m *mockSubscriber) Unsubscribe(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	return nil
}

func TestIngest(t *testing.T) {
	f := newFixture(t)
	f.allocate(t, "reader-01", r700ID)
	sub := &mockSubscriber{}

	if err := f.handler.StartIngest(sub, 1); err != nil {
		t.Fatalf("StartIngest() error = %v", err)
	}
	if err := f.handler.StartIngest(sub, 1); err == nil {
		t.Error("second StartIngest() should fail")
	}
	if len(sub.topics) != 1 || sub.topics[0] != "pnphooks/event/+" {
		t.Errorf("subscribed to %v", sub.topics)
	}

	handler := sub.handler
	if err := handler("pnphooks/event/DeviceDeleted", []byte(`{"id": "1", "data": {"deviceId": "reader-01"}}`)); err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if err := handler("pnphooks/other", []byte(`{}`)); err == nil {
		t.Error("handler() should reject foreign topics")
	}
	if err := handler("pnphooks/event/DeviceDeleted", []byte(`nope`)); err == nil {
		t.Error("handler() should reject malformed payloads")
	}

	// StopIngest waits for in-flight handlers.
	f.handler.StopIngest()
	if _, err := f.registry.Get(context.Background(), "reader-01"); !errors.Is(err, twin.ErrTwinNotFound) {
		t.Errorf("twin still present after DeviceDeleted over MQTT: %v", err)
	}

	// Messages after stop are dropped.
	if err := handler("pnphooks/event/DeviceDeleted", []byte(`{"data": {"deviceId": "x"}}`)); err != nil {
		t.Errorf("handler() after stop error = %v", err)
	}
	f.handler.StopIngest()
}
