package twin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
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

// Registry provides twin management with caching and thread safety.
// It wraps a Repository and keeps an in-memory copy of every twin it has
// read or written. Writes go to the repository first; the cached copy is
// then refreshed from it so the cache always reflects stored ETags.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Twin
	loaded  bool
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a twin registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Twin),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RefreshCache reloads all twins from the repository.
// Call it on startup so List can be served from memory.
func (r *Registry) RefreshCache(ctx context.Context) error {
	twins, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading twins: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Twin, len(twins))
	for i := range twins {
		r.cache[twins[i].DeviceID] = twins[i].DeepCopy()
	}
	r.loaded = true

	r.logger.Info("twin cache refreshed", "count", len(twins))
	return nil
}

// Get returns a copy of the twin for deviceID.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Twin, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[deviceID]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	t, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	r.store(t)
	return t, nil
}

// List returns copies of all twins ordered by device ID.
func (r *Registry) List(ctx context.Context) ([]Twin, error) {
	r.cacheMu.RLock()
	if !r.loaded {
		r.cacheMu.RUnlock()
		return r.repo.List(ctx)
	}
	twins := make([]Twin, 0, len(r.cache))
	for _, t := range r.cache {
		twins = append(twins, *t.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(twins, func(i, j int) bool { return twins[i].DeviceID < twins[j].DeviceID })
	return twins, nil
}

// Count returns the number of cached twins.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Register creates or replaces a twin and returns the stored copy.
func (r *Registry) Register(ctx context.Context, t *Twin) (*Twin, error) {
	if err := r.repo.Upsert(ctx, t); err != nil {
		return nil, err
	}
	r.logger.Debug("twin registered", "device_id", t.DeviceID, "hub", t.HubName)
	return r.reload(ctx, t.DeviceID)
}

// UpdateTags merges tags into the twin when etag is current.
// Returns the new ETag, ErrETagMismatch, or ErrTwinNotFound.
func (r *Registry) UpdateTags(ctx context.Context, deviceID string, tags map[string]any, etag string) (string, error) {
	next, err := r.repo.UpdateTags(ctx, deviceID, tags, etag)
	if err != nil {
		return "", err
	}
	if _, err := r.reload(ctx, deviceID); err != nil {
		return "", err
	}
	return next, nil
}

// RecordConnection stores a connection state change. A stale event leaves
// the twin unchanged and is not an error.
func (r *Registry) RecordConnection(ctx context.Context, deviceID string, ev ConnectionEvent) (*Twin, error) {
	if err := r.repo.SetConnectionState(ctx, deviceID, ev); err != nil {
		return nil, err
	}
	return r.reload(ctx, deviceID)
}

// SetModelID stores the model ID a device announced.
func (r *Registry) SetModelID(ctx context.Context, deviceID, modelID string) (*Twin, error) {
	if err := r.repo.SetModelID(ctx, deviceID, modelID); err != nil {
		return nil, err
	}
	return r.reload(ctx, deviceID)
}

// SetStatus stores a provisioning status change.
func (r *Registry) SetStatus(ctx context.Context, deviceID string, status Status) (*Twin, error) {
	if err := r.repo.SetStatus(ctx, deviceID, status); err != nil {
		return nil, err
	}
	return r.reload(ctx, deviceID)
}

// Delete removes a twin.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	if err := r.repo.Delete(ctx, deviceID); err != nil {
		return err
	}
	r.cacheMu.Lock()
	delete(r.cache, deviceID)
	r.cacheMu.Unlock()
	return nil
}

// reload refreshes one cache entry from the repository. On failure the
// entry is dropped so a later Get reads through.
func (r *Registry) reload(ctx context.Context, deviceID string) (*Twin, error) {
	t, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		r.cacheMu.Lock()
		delete(r.cache, deviceID)
		r.cacheMu.Unlock()
		r.logger.Warn("twin cache reload failed", "device_id", deviceID, "error", err)
		return nil, fmt.Errorf("reloading twin: %w", err)
	}
	r.store(t)
	return t, nil
}

func (r *Registry) store(t *Twin) {
	r.cacheMu.Lock()
	r.cache[t.DeviceID] = t.DeepCopy()
	r.cacheMu.Unlock()
}
