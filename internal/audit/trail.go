package audit

import "context"

// Logger is the logging interface used by Trail.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Trail records entries on behalf of request handlers.
type Trail struct {
	repo   Repository
	logger Logger
}

// NewTrail creates a trail over repo. A nil repo makes Record a no-op.
func NewTrail(repo Repository, logger Logger) *Trail {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Trail{repo: repo, logger: logger}
}

// Record stores an entry about a device twin. Failures are logged only.
func (t *Trail) Record(ctx context.Context, action, deviceID, source string, details map[string]any) {
	if t == nil || t.repo == nil {
		return
	}
	e := &Entry{
		Action:     action,
		EntityType: EntityTwin,
		EntityID:   deviceID,
		Source:     source,
		Details:    details,
	}
	if err := t.repo.Create(ctx, e); err != nil {
		t.logger.Warn("failed to record audit entry", "action", action, "device_id", deviceID, "error", err)
	}
}
