package twin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/infrastructure/database"
	"github.com/nerrad567/pnp-hooks/migrations"
)

// setupTestDB opens a migrated in-memory database.
func setupTestDB(t *testing.T) *database.DB {
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
	return db
}

func sampleTwin() *Twin {
	return &Twin{
		DeviceID:       "reader-01",
		RegistrationID: "reader-01",
		HubName:        "hub-a.azure-devices.net",
		ModelID:        "dtmi:impinj:R700;1",
		Tags:           map[string]any{"TagExample": "CustomAllocationSample"},
		Desired: map[string]any{
			"DesiredTest1": "InitilTwinByCustomAllocation",
			"R700":         map[string]any{"__t": "c"},
		},
	}
}

func TestSQLiteRepository_UpsertAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	tw := sampleTwin()
	if err := repo.Upsert(ctx, tw); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if tw.ETag == "" {
		t.Error("Upsert() did not set an ETag")
	}

	got, err := repo.Get(ctx, "reader-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HubName != tw.HubName || got.ModelID != tw.ModelID || got.ETag != tw.ETag {
		t.Errorf("Get() = %+v", got)
	}
	if got.Status != StatusAssigned || got.ConnectionState != Disconnected {
		t.Errorf("defaults = %q/%q", got.Status, got.ConnectionState)
	}
	if got.Tags["TagExample"] != "CustomAllocationSample" {
		t.Errorf("Tags = %v", got.Tags)
	}
	r700, ok := got.Desired["R700"].(map[string]any)
	if !ok || r700["__t"] != "c" {
		t.Errorf("Desired = %v", got.Desired)
	}
}

func TestSQLiteRepository_UpsertPreservesState(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	first := sampleTwin()
	if err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.SetConnectionState(ctx, "reader-01", ConnectionEvent{State: Connected, At: time.Now()}); err != nil {
		t.Fatalf("SetConnectionState() error = %v", err)
	}

	again := sampleTwin()
	again.ModelID = ""
	again.HubName = "hub-b.azure-devices.net"
	if err := repo.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, "reader-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HubName != "hub-b.azure-devices.net" {
		t.Errorf("HubName = %q", got.HubName)
	}
	if got.ModelID != "dtmi:impinj:R700;1" {
		t.Errorf("ModelID = %q, want previous value kept", got.ModelID)
	}
	if got.ConnectionState != Connected || got.LastActivityAt == nil {
		t.Errorf("connection = %q at %v", got.ConnectionState, got.LastActivityAt)
	}
	if got.ETag == first.ETag {
		t.Error("ETag unchanged after re-provisioning")
	}
}

func TestSQLiteRepository_UpsertInvalid(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	err := repo.Upsert(context.Background(), &Twin{DeviceID: "x"})
	if !errors.Is(err, ErrInvalidTwin) {
		t.Errorf("Upsert() error = %v, want ErrInvalidTwin", err)
	}
}

func TestSQLiteRepository_UpdateTags(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	tw := sampleTwin()
	if err := repo.Upsert(ctx, tw); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	next, err := repo.UpdateTags(ctx, "reader-01", map[string]any{"TagFromEventGrid": "Processed"}, tw.ETag)
	if err != nil {
		t.Fatalf("UpdateTags() error = %v", err)
	}
	if next == tw.ETag {
		t.Error("UpdateTags() did not rotate the ETag")
	}

	got, _ := repo.Get(ctx, "reader-01")
	if got.Tags["TagFromEventGrid"] != "Processed" || got.Tags["TagExample"] != "CustomAllocationSample" {
		t.Errorf("Tags = %v, want merged", got.Tags)
	}

	// The old ETag is now stale.
	if _, err := repo.UpdateTags(ctx, "reader-01", map[string]any{"x": 1}, tw.ETag); !errors.Is(err, ErrETagMismatch) {
		t.Errorf("stale UpdateTags() error = %v, want ErrETagMismatch", err)
	}
	if _, err := repo.UpdateTags(ctx, "reader-01", map[string]any{"x": 1}, AnyETag); err != nil {
		t.Errorf("wildcard UpdateTags() error = %v", err)
	}
	if _, err := repo.UpdateTags(ctx, "missing", map[string]any{"x": 1}, AnyETag); !errors.Is(err, ErrTwinNotFound) {
		t.Errorf("missing UpdateTags() error = %v, want ErrTwinNotFound", err)
	}
}

func TestSQLiteRepository_Setters(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	if err := repo.Upsert(ctx, sampleTwin()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.SetModelID(ctx, "reader-01", "dtmi:impinj:R700;2"); err != nil {
		t.Fatalf("SetModelID() error = %v", err)
	}
	if err := repo.SetStatus(ctx, "reader-01", StatusCreated); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, _ := repo.Get(ctx, "reader-01")
	if got.ModelID != "dtmi:impinj:R700;2" || got.Status != StatusCreated {
		t.Errorf("Get() = %+v", got)
	}

	for name, err := range map[string]error{
		"SetModelID":         repo.SetModelID(ctx, "missing", "x"),
		"SetStatus":          repo.SetStatus(ctx, "missing", StatusCreated),
		"SetConnectionState": repo.SetConnectionState(ctx, "missing", ConnectionEvent{State: Connected, At: time.Now()}),
		"Delete":             repo.Delete(ctx, "missing"),
	} {
		if !errors.Is(err, ErrTwinNotFound) {
			t.Errorf("%s(missing) error = %v, want ErrTwinNotFound", name, err)
		}
	}
}

func TestSQLiteRepository_ListAndDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	for _, id := range []string{"wio-2", "reader-01", "wio-1"} {
		tw := sampleTwin()
		tw.DeviceID, tw.RegistrationID = id, id
		if err := repo.Upsert(ctx, tw); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	twins, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(twins) != 3 || twins[0].DeviceID != "reader-01" || twins[2].DeviceID != "wio-2" {
		t.Errorf("List() order = %v", ids(twins))
	}

	if err := repo.Delete(ctx, "wio-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "wio-1"); !errors.Is(err, ErrTwinNotFound) {
		t.Errorf("Get() after Delete() error = %v", err)
	}
}

func ids(twins []Twin) []string {
	out := make([]string, len(twins))
	for i := range twins {
		out[i] = twins[i].DeviceID
	}
	return out
}

func TestSQLiteRepository_StaleConnectionEventIgnored(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()
	if err := repo.Upsert(ctx, sampleTwin()); err != nil {
		t.Fatal(err)
	}

	connectedAt := time.Date(2026, 10, 19, 12, 0, 10, 0, time.UTC)
	if err := repo.SetConnectionState(ctx, "reader-01", ConnectionEvent{State: Connected, At: connectedAt}); err != nil {
		t.Fatalf("SetConnectionState() error = %v", err)
	}
	// A disconnect from before the connect arrives late.
	if err := repo.SetConnectionState(ctx, "reader-01", ConnectionEvent{State: Disconnected, At: connectedAt.Add(-5 * time.Second)}); err != nil {
		t.Fatalf("stale SetConnectionState() error = %v", err)
	}

	got, _ := repo.Get(ctx, "reader-01")
	if got.ConnectionState != Connected || !got.LastActivityAt.Equal(connectedAt) {
		t.Errorf("state = %q at %v, want connected at %v", got.ConnectionState, got.LastActivityAt, connectedAt)
	}
}

func TestSQLiteRepository_ConnectionOrderWithinOneSecond(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()
	if err := repo.Upsert(ctx, sampleTwin()); err != nil {
		t.Fatal(err)
	}

	connectedAt := time.Date(2026, 10, 19, 10, 0, 0, 900_000_000, time.UTC)
	if err := repo.SetConnectionState(ctx, "reader-01", ConnectionEvent{State: Connected, At: connectedAt}); err != nil {
		t.Fatalf("SetConnectionState() error = %v", err)
	}
	late := ConnectionEvent{State: Disconnected, At: connectedAt.Add(-800 * time.Millisecond)}
	if err := repo.SetConnectionState(ctx, "reader-01", late); err != nil {
		t.Fatalf("late SetConnectionState() error = %v", err)
	}

	got, _ := repo.Get(ctx, "reader-01")
	if got.ConnectionState != Connected || !got.LastActivityAt.Equal(connectedAt) {
		t.Errorf("state = %q at %v, want connected at %v", got.ConnectionState, got.LastActivityAt, connectedAt)
	}
}

func TestSQLiteRepository_ConnectionOrderBySequence(t *testing.T) {
	const (
		seq1 = "000000000000000001D4132452F67CE200000002000000000000000000000001"
		seq2 = "000000000000000001D4132452F67CE200000002000000000000000000000002"
	)
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		events  []ConnectionEvent
		want    ConnectionState
		wantSeq string
	}{
		{
			name: "in order",
			events: []ConnectionEvent{
				{State: Connected, At: at, Sequence: seq1},
				{State: Disconnected, At: at, Sequence: seq2},
			},
			want:    Disconnected,
			wantSeq: seq2,
		},
		{
			name: "lower sequence arrives late with a later timestamp",
			events: []ConnectionEvent{
				{State: Connected, At: at, Sequence: seq2},
				{State: Disconnected, At: at.Add(time.Second), Sequence: seq1},
			},
			want:    Connected,
			wantSeq: seq2,
		},
		{
			name: "redelivery is ignored",
			events: []ConnectionEvent{
				{State: Connected, At: at, Sequence: seq1},
				{State: Disconnected, At: at.Add(time.Second), Sequence: seq1},
			},
			want:    Connected,
			wantSeq: seq1,
		},
		{
			name: "event without sequence falls back to time",
			events: []ConnectionEvent{
				{State: Connected, At: at, Sequence: seq1},
				{State: Disconnected, At: at.Add(time.Second)},
			},
			want:    Disconnected,
			wantSeq: seq1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewSQLiteRepository(setupTestDB(t).DB)
			ctx := context.Background()
			if err := repo.Upsert(ctx, sampleTwin()); err != nil {
				t.Fatal(err)
			}
			for _, ev := range tt.events {
				if err := repo.SetConnectionState(ctx, "reader-01", ev); err != nil {
					t.Fatalf("SetConnectionState(%+v) error = %v", ev, err)
				}
			}
			got, _ := repo.Get(ctx, "reader-01")
			if got.ConnectionState != tt.want || got.ConnectionSequence != tt.wantSeq {
				t.Errorf("state = %q seq %q, want %q seq %q", got.ConnectionState, got.ConnectionSequence, tt.want, tt.wantSeq)
			}
		})
	}
}
