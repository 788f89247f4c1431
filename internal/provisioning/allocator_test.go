package provisioning

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/twin"
)

const (
	r700ID   = "dtmi:impinj:R700;1"
	readerID = "dtmi:impinj:common:Reader;1"
	wioID    = "dtmi:seeed:wioterminal_aziot_example;1"
)

const r700Doc = `[
  {
    "@id": "dtmi:impinj:R700;1",
    "@type": "Interface",
    "contents": [
      {"@type": "Component", "name": "R700", "schema": "dtmi:impinj:common:Reader;1"}
    ]
  },
  {
    "@id": "dtmi:impinj:common:Reader;1",
    "@type": "Interface",
    "contents": [
      {
        "@type": "Property",
        "name": "Hostname",
        "writable": true,
        "schema": {"@type": "Object", "fields": [{"name": "hostname", "schema": "string"}]}
      },
      {"@type": "Command", "name": "Presets"}
    ]
  }
]`

const wioDoc = `{
  "@id": "dtmi:seeed:wioterminal_aziot_example;1",
  "@type": "Interface",
  "contents": [
    {"@type": "Property", "name": "Hostname", "writable": true, "schema": "string"},
    {"@type": "Command", "name": "ringBuzzer"}
  ]
}`

// mapResolver serves pre-parsed graphs.
type mapResolver struct {
	mu     sync.Mutex
	graphs map[string]*devicemodel.Graph
	calls  []string
}

func newMapResolver(t *testing.T) *mapResolver {
	t.Helper()
	r := &mapResolver{graphs: map[string]*devicemodel.Graph{}}
	for id, doc := range map[string]string{r700ID: r700Doc, wioID: wioDoc} {
		g, err := devicemodel.Parse(id, []byte(doc))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", id, err)
		}
		r.graphs[id] = g
	}
	return r
}

func (r *mapResolver) TryResolve(_ context.Context, id string) *devicemodel.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.graphs[id]
}

type mockRegistry struct {
	mu    sync.Mutex
	twins []*twin.Twin
	err   error
}

func (m *mockRegistry) Register(_ context.Context, t *twin.Twin) (*twin.Twin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.twins = append(m.twins, t.DeepCopy())
	return t, nil
}

type auditCall struct {
	action, deviceID, source string
	details                  map[string]any
}

type mockAudit struct{ calls []auditCall }

func (m *mockAudit) Record(_ context.Context, action, deviceID, source string, details map[string]any) {
	m.calls = append(m.calls, auditCall{action, deviceID, source, details})
}

type allocationPoint struct {
	hub, modelID string
	resolved     bool
	presets      int
}

type mockMetrics struct{ points []allocationPoint }

func (m *mockMetrics) WriteAllocation(hub, modelID string, resolved bool, presets int) {
	m.points = append(m.points, allocationPoint{hub, modelID, resolved, presets})
}

type mockBroadcaster struct {
	channels []string
	payloads []any
}

func (m *mockBroadcaster) Broadcast(channel string, payload any) {
	m.channels = append(m.channels, channel)
	m.payloads = append(m.payloads, payload)
}

func defaultAllocationConfig() config.AllocationConfig {
	return config.Default().Allocation
}

func request(regID, modelID string, hubs ...string) *AllocationRequest {
	req := &AllocationRequest{
		DeviceRuntimeContext: DeviceRuntimeContext{RegistrationID: regID},
		LinkedHubs:           hubs,
	}
	if modelID != "" {
		req.DeviceRuntimeContext.Payload = &RuntimePayload{ModelID: modelID}
	}
	return req
}

func newTestAllocator(t *testing.T, opts Options) *Allocator {
	t.Helper()
	a, err := NewAllocator(opts)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	return a
}

func TestNewAllocator_UnknownStrategy(t *testing.T) {
	cfg := defaultAllocationConfig()
	cfg.HubStrategy = "round-robin"
	if _, err := NewAllocator(Options{Config: cfg}); err == nil {
		t.Error("NewAllocator() should reject unknown strategies")
	}
}

func TestAllocate_NoModel(t *testing.T) {
	resolver := newMapResolver(t)
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Resolver: resolver})

	resp, err := a.Allocate(context.Background(), request("dev-1", "", "hub-a", "hub-b"))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if resp.IoTHubHostName != "hub-b" {
		t.Errorf("IoTHubHostName = %q, want last linked hub", resp.IoTHubHostName)
	}

	wantTags := map[string]any{"TagExample": "CustomAllocationSample"}
	if !reflect.DeepEqual(resp.InitialTwin.Tags, wantTags) {
		t.Errorf("Tags = %v, want %v", resp.InitialTwin.Tags, wantTags)
	}
	wantDesired := map[string]any{
		"DesiredTest1":      "InitilTwinByCustomAllocation",
		"DesiredTest2":      "dev-1",
		"DpsRegistrationId": "dev-1",
	}
	if !reflect.DeepEqual(resp.InitialTwin.Properties.Desired, wantDesired) {
		t.Errorf("Desired = %v, want %v", resp.InitialTwin.Properties.Desired, wantDesired)
	}
	if len(resolver.calls) != 0 {
		t.Errorf("resolver called %v for a device without a model", resolver.calls)
	}
}

func TestAllocate_ComponentProperty(t *testing.T) {
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Resolver: newMapResolver(t)})

	resp, err := a.Allocate(context.Background(), request("reader-01", r700ID, "hub-a"))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	want := map[string]any{
		"__t":      "c",
		"Hostname": map[string]any{"hostname": "impinj-14-04-63-01-Functions"},
	}
	if got := resp.InitialTwin.Properties.Desired["R700"]; !reflect.DeepEqual(got, want) {
		t.Errorf("desired R700 = %#v, want %#v", got, want)
	}
	if resp.InitialTwin.Properties.Desired["DesiredTest1"] != "InitilTwinByCustomAllocation" {
		t.Error("static desired properties lost after merging the model patch")
	}
}

func TestAllocate_TopLevelProperty(t *testing.T) {
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Resolver: newMapResolver(t)})

	resp, err := a.Allocate(context.Background(), request("wio-01", wioID, "hub-a"))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if got := resp.InitialTwin.Properties.Desired["Hostname"]; got != "impinj-14-04-63-01-Functions" {
		t.Errorf("desired Hostname = %#v", got)
	}
}

func TestAllocate_UnresolvableModelDegrades(t *testing.T) {
	metrics := &mockMetrics{}
	a := newTestAllocator(t, Options{
		Config:   defaultAllocationConfig(),
		Resolver: newMapResolver(t),
		Metrics:  metrics,
	})

	resp, err := a.Allocate(context.Background(), request("dev-9", "dtmi:unknown:Thing;1", "hub-a"))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if resp.IoTHubHostName != "hub-a" || len(resp.InitialTwin.Properties.Desired) != 3 {
		t.Errorf("response = %+v", resp)
	}
	if len(metrics.points) != 1 || metrics.points[0].resolved {
		t.Errorf("metrics = %+v, want one unresolved allocation", metrics.points)
	}
}

func TestAllocate_RealResolverFailureDegrades(t *testing.T) {
	failing := fetcherFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("network unreachable")
	})
	resolver, err := devicemodel.NewResolver(failing, devicemodel.ResolverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Resolver: resolver})

	if _, err := a.Allocate(context.Background(), request("dev-1", r700ID, "hub-a")); err != nil {
		t.Errorf("Allocate() error = %v, want model failure to be absorbed", err)
	}
}

type fetcherFunc func(ctx context.Context, id string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, id string) ([]byte, error) { return f(ctx, id) }

func TestAllocate_InvalidRequest(t *testing.T) {
	registry := &mockRegistry{}
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Registry: registry})

	if _, err := a.Allocate(context.Background(), request("dev-1", "")); !errors.Is(err, ErrNoLinkedHubs) {
		t.Errorf("Allocate() error = %v, want ErrNoLinkedHubs", err)
	}
	if _, err := a.Allocate(context.Background(), request("", "", "hub")); !errors.Is(err, ErrMissingRegistrationID) {
		t.Errorf("Allocate() error = %v, want ErrMissingRegistrationID", err)
	}
	if len(registry.twins) != 0 {
		t.Error("invalid requests must not register twins")
	}
}

func TestAllocate_SideEffects(t *testing.T) {
	registry := &mockRegistry{}
	auditLog := &mockAudit{}
	metrics := &mockMetrics{}
	hub := &mockBroadcaster{}

	a := newTestAllocator(t, Options{
		Config:      defaultAllocationConfig(),
		Resolver:    newMapResolver(t),
		Registry:    registry,
		Audit:       auditLog,
		Metrics:     metrics,
		Broadcaster: hub,
	})

	if _, err := a.Allocate(context.Background(), request("reader-01", r700ID, "hub-a")); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if len(registry.twins) != 1 {
		t.Fatalf("registered %d twins, want 1", len(registry.twins))
	}
	tw := registry.twins[0]
	if tw.DeviceID != "reader-01" || tw.HubName != "hub-a" || tw.ModelID != r700ID || tw.Status != twin.StatusAssigned {
		t.Errorf("registered twin = %+v", tw)
	}
	if _, ok := tw.Desired["R700"]; !ok {
		t.Error("registered twin is missing the model-driven desired property")
	}

	if len(auditLog.calls) != 1 || auditLog.calls[0].action != "allocate" || auditLog.calls[0].source != "dps" {
		t.Errorf("audit = %+v", auditLog.calls)
	}
	if len(metrics.points) != 1 || !metrics.points[0].resolved || metrics.points[0].presets != 1 {
		t.Errorf("metrics = %+v", metrics.points)
	}
	if len(hub.channels) != 1 || hub.channels[0] != EventAllocated {
		t.Errorf("broadcast = %v", hub.channels)
	}
	alloc, ok := hub.payloads[0].(Allocation)
	if !ok || !alloc.ModelResolved || alloc.Hub != "hub-a" {
		t.Errorf("broadcast payload = %#v", hub.payloads[0])
	}
}

func TestAllocate_RegistryFailureIsNotFatal(t *testing.T) {
	a := newTestAllocator(t, Options{
		Config:   defaultAllocationConfig(),
		Registry: &mockRegistry{err: errors.New("database is locked")},
	})
	if _, err := a.Allocate(context.Background(), request("dev-1", "", "hub-a")); err != nil {
		t.Errorf("Allocate() error = %v", err)
	}
}

func TestAllocate_ConfiguredPresets(t *testing.T) {
	cfg := defaultAllocationConfig()
	cfg.WritableProperties = []config.WritablePropertyPreset{
		{Name: "Hostname", Value: "site-7-reader"},
		{Name: "DoesNotExist", Value: "x"},
	}
	cfg.Tags = map[string]string{"site": "7", "device": "{registration_id}"}

	a := newTestAllocator(t, Options{Config: cfg, Resolver: newMapResolver(t)})
	resp, err := a.Allocate(context.Background(), request("wio-01", wioID, "hub-a"))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if resp.InitialTwin.Properties.Desired["Hostname"] != "site-7-reader" {
		t.Errorf("Hostname = %v", resp.InitialTwin.Properties.Desired["Hostname"])
	}
	if _, ok := resp.InitialTwin.Properties.Desired["DoesNotExist"]; ok {
		t.Error("presets for undeclared properties must be skipped")
	}
	if resp.InitialTwin.Tags["device"] != "wio-01" {
		t.Errorf("Tags = %v", resp.InitialTwin.Tags)
	}
}

func TestAllocate_Concurrent(t *testing.T) {
	a := newTestAllocator(t, Options{Config: defaultAllocationConfig(), Resolver: newMapResolver(t), Registry: &mockRegistry{}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Allocate(context.Background(), request("reader-01", r700ID, "hub-a"))
			if err != nil {
				t.Error(err)
				return
			}
			// Each response owns its maps.
			resp.InitialTwin.Properties.Desired["R700"].(map[string]any)["__t"] = "mutated"
		}()
	}
	wg.Wait()
}
