package provisioning

import (
	"context"
	"strings"

	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/twin"
)

// EventAllocated is the WebSocket channel allocation decisions are broadcast on.
const EventAllocated = "provisioning.allocated"

// registrationIDPlaceholder in configured values is replaced per device.
const registrationIDPlaceholder = "{registration_id}"

// ModelResolver resolves device models. Satisfied by *devicemodel.Resolver.
type ModelResolver interface {
	TryResolve(ctx context.Context, id string) *devicemodel.Graph
}

// TwinRegistry stores the twin the device was allocated with.
type TwinRegistry interface {
	Register(ctx context.Context, t *twin.Twin) (*twin.Twin, error)
}

// AuditRecorder records allocation decisions. Satisfied by *audit.Trail.
type AuditRecorder interface {
	Record(ctx context.Context, action, deviceID, source string, details map[string]any)
}

// Metrics records allocation decisions. Satisfied by *influxdb.Client.
type Metrics interface {
	WriteAllocation(hub, modelID string, modelResolved bool, presets int)
}

// Broadcaster pushes events to live subscribers.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the allocator.
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

// Options configures an Allocator. Everything except Config is optional.
type Options struct {
	Config      config.AllocationConfig
	Resolver    ModelResolver
	Registry    TwinRegistry
	Audit       AuditRecorder
	Metrics     Metrics
	Broadcaster Broadcaster
	Logger      Logger
}

// Allocator implements the custom allocation policy.
//
// Thread Safety: Allocate is safe for concurrent use.
type Allocator struct {
	cfg         config.AllocationConfig
	resolver    ModelResolver
	registry    TwinRegistry
	audit       AuditRecorder
	metrics     Metrics
	broadcaster Broadcaster
	logger      Logger
}

// NewAllocator creates an allocator.
func NewAllocator(opts Options) (*Allocator, error) {
	if err := validStrategy(opts.Config.HubStrategy); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Allocator{
		cfg:         opts.Config,
		resolver:    opts.Resolver,
		registry:    opts.Registry,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		logger:      logger,
	}, nil
}

// Allocation is the outcome of one allocation, for logging and broadcast.
type Allocation struct {
	RegistrationID string   `json:"registration_id"`
	Group          bool     `json:"group_enrollment"`
	Hub            string   `json:"hub"`
	ModelID        string   `json:"model_id,omitempty"`
	ModelResolved  bool     `json:"model_resolved"`
	Presets        []string `json:"presets,omitempty"`
}

// Allocate assigns the device to a hub and builds its initial twin.
// Only an invalid request is an error.
func (a *Allocator) Allocate(ctx context.Context, req *AllocationRequest) (*AllocationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	regID := req.RegistrationID()
	alloc := Allocation{
		RegistrationID: regID,
		Group:          req.IsGroupEnrollment(),
		Hub:            SelectHub(a.cfg.HubStrategy, regID, req.hubs()),
		ModelID:        req.ModelID(),
	}

	tags := expand(a.cfg.Tags, regID)
	desired := expand(a.cfg.Desired, regID)

	if alloc.ModelID != "" {
		graph := a.resolve(ctx, alloc.ModelID)
		if graph != nil {
			alloc.ModelResolved = true
			alloc.Presets = a.applyPresets(graph, desired)
		}
	}

	a.logger.Info("device allocated",
		"registration_id", regID,
		"group_enrollment", alloc.Group,
		"hub", alloc.Hub,
		"model_id", alloc.ModelID,
		"model_resolved", alloc.ModelResolved,
		"presets", len(alloc.Presets))

	a.record(ctx, alloc, tags, desired)

	return &AllocationResponse{
		IoTHubHostName: alloc.Hub,
		InitialTwin: &InitialTwin{
			Tags:       tags,
			Properties: TwinProperties{Desired: desired},
		},
	}, nil
}

func (a *Allocator) resolve(ctx context.Context, modelID string) *devicemodel.Graph {
	if a.resolver == nil {
		return nil
	}
	return a.resolver.TryResolve(ctx, modelID)
}

// applyPresets merges a desired value for every configured writable property
// the model declares and returns the names applied.
func (a *Allocator) applyPresets(graph *devicemodel.Graph, desired map[string]any) []string {
	var applied []string
	for _, preset := range a.cfg.WritableProperties {
		prop, ok := graph.FindWritableProperty(preset.Name)
		if !ok {
			a.logger.Debug("model has no writable property", "model_id", graph.RootID(), "property", preset.Name)
			continue
		}
		patch := devicemodel.PropertyPatch(graph, prop, preset.Value)
		if patch == nil {
			a.logger.Debug("writable property not reachable from the root interface", "model_id", graph.RootID(), "property", preset.Name)
			continue
		}
		devicemodel.Patch(desired).Merge(patch)
		applied = append(applied, preset.Name)
		a.logger.Debug("writable property preset applied", "model_id", graph.RootID(), "property", preset.Name)
	}
	return applied
}

// record stores the allocation and notifies observers. Failures are logged.
func (a *Allocator) record(ctx context.Context, alloc Allocation, tags, desired map[string]any) {
	if a.registry != nil {
		_, err := a.registry.Register(ctx, &twin.Twin{
			DeviceID:       alloc.RegistrationID,
			RegistrationID: alloc.RegistrationID,
			HubName:        alloc.Hub,
			ModelID:        alloc.ModelID,
			Status:         twin.StatusAssigned,
			Tags:           tags,
			Desired:        desired,
		})
		if err != nil {
			a.logger.Warn("failed to store allocated twin", "registration_id", alloc.RegistrationID, "error", err)
		}
	}

	if a.audit != nil {
		a.audit.Record(ctx, audit.ActionAllocate, alloc.RegistrationID, audit.SourceDPS, map[string]any{
			"hub":            alloc.Hub,
			"group":          alloc.Group,
			"model_id":       alloc.ModelID,
			"model_resolved": alloc.ModelResolved,
			"presets":        alloc.Presets,
		})
	}
	if a.metrics != nil {
		a.metrics.WriteAllocation(alloc.Hub, alloc.ModelID, alloc.ModelResolved, len(alloc.Presets))
	}
	if a.broadcaster != nil {
		a.broadcaster.Broadcast(EventAllocated, alloc)
	}
}

// expand copies configured values, substituting the registration ID.
func expand(values map[string]string, regID string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = strings.ReplaceAll(v, registrationIDPlaceholder, regID)
	}
	return out
}
