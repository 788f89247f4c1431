package twin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for twin persistence.
type Repository interface {
	// Get retrieves a twin. Returns ErrTwinNotFound if absent.
	Get(ctx context.Context, deviceID string) (*Twin, error)

	// List retrieves all twins ordered by device ID.
	List(ctx context.Context) ([]Twin, error)

	// Upsert creates a twin or replaces its provisioning data. Connection
	// state and creation time of an existing twin are preserved, as is its
	// model ID when t.ModelID is empty. t.ETag is set to the new value.
	Upsert(ctx context.Context, t *Twin) error

	// UpdateTags merges tags into the twin's tags if etag matches the
	// current ETag (or is AnyETag). Returns the new ETag.
	UpdateTags(ctx context.Context, deviceID string, tags map[string]any, etag string) (string, error)

	// SetConnectionState records a connect or disconnect. Events that are
	// not After the last recorded one are ignored.
	SetConnectionState(ctx context.Context, deviceID string, ev ConnectionEvent) error

	// SetModelID records the model ID a device announced.
	SetModelID(ctx context.Context, deviceID, modelID string) error

	// SetStatus changes the provisioning status.
	SetStatus(ctx context.Context, deviceID string, status Status) error

	// Delete removes a twin. Returns ErrTwinNotFound if absent.
	Delete(ctx context.Context, deviceID string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// activityLayout is fixed width so last_activity_at compares as text.
const activityLayout = "2006-01-02T15:04:05.000000000Z"

const selectTwin = `
	SELECT device_id, registration_id, hub_name, model_id, status,
		connection_state, tags, desired, etag, last_activity_at,
		connection_sequence, created_at, updated_at
	FROM twins`

// Get retrieves a twin by device ID.
func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (*Twin, error) {
	row := r.db.QueryRowContext(ctx, selectTwin+" WHERE device_id = ?", deviceID)
	t, err := scanTwin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTwinNotFound
		}
		return nil, fmt.Errorf("querying twin: %w", err)
	}
	return t, nil
}

// List retrieves all twins.
func (r *SQLiteRepository) List(ctx context.Context) ([]Twin, error) {
	rows, err := r.db.QueryContext(ctx, selectTwin+" ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("querying twins: %w", err)
	}
	defer rows.Close()

	var twins []Twin
	for rows.Next() {
		t, err := scanTwin(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning twin: %w", err)
		}
		twins = append(twins, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating twins: %w", err)
	}
	return twins, nil
}

// Upsert creates or replaces a twin's provisioning data.
func (r *SQLiteRepository) Upsert(ctx context.Context, t *Twin) error {
	if t.DeviceID == "" || t.RegistrationID == "" {
		return fmt.Errorf("%w: device and registration id are required", ErrInvalidTwin)
	}
	if t.Status == "" {
		t.Status = StatusAssigned
	}
	if t.ConnectionState == "" {
		t.ConnectionState = Disconnected
	}

	tagsJSON, err := marshalObject(t.Tags)
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}
	desiredJSON, err := marshalObject(t.Desired)
	if err != nil {
		return fmt.Errorf("marshalling desired: %w", err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.ETag = newETag()

	query := `
		INSERT INTO twins (
			device_id, registration_id, hub_name, model_id, status,
			connection_state, tags, desired, etag, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			registration_id = excluded.registration_id,
			hub_name = excluded.hub_name,
			model_id = CASE WHEN excluded.model_id != '' THEN excluded.model_id ELSE twins.model_id END,
			status = excluded.status,
			tags = excluded.tags,
			desired = excluded.desired,
			etag = excluded.etag,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		t.DeviceID,
		t.RegistrationID,
		t.HubName,
		t.ModelID,
		string(t.Status),
		string(t.ConnectionState),
		tagsJSON,
		desiredJSON,
		t.ETag,
		t.CreatedAt.Format(time.RFC3339),
		t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting twin: %w", err)
	}
	return nil
}

// UpdateTags merges tags with an ETag precondition.
func (r *SQLiteRepository) UpdateTags(ctx context.Context, deviceID string, tags map[string]any, etag string) (string, error) {
	tagsJSON, err := marshalObject(tags)
	if err != nil {
		return "", fmt.Errorf("marshalling tags: %w", err)
	}

	next := newETag()
	query := `
		UPDATE twins
		SET tags = json_patch(tags, ?), etag = ?, updated_at = ?
		WHERE device_id = ? AND (etag = ? OR ? = '*')`

	result, err := r.db.ExecContext(ctx, query,
		tagsJSON, next, time.Now().UTC().Format(time.RFC3339), deviceID, etag, etag)
	if err != nil {
		return "", fmt.Errorf("updating twin tags: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		exists, err := r.exists(ctx, deviceID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", ErrTwinNotFound
		}
		return "", ErrETagMismatch
	}
	return next, nil
}

// SetConnectionState records a connect or disconnect. Lifecycle events
// are not delivered in order: when both the stored and the incoming event
// carry a sequence number the higher one wins, otherwise the later
// timestamp does. A repeated sequence number is a redelivery and ignored.
func (r *SQLiteRepository) SetConnectionState(ctx context.Context, deviceID string, ev ConnectionEvent) error {
	ts := ev.At.UTC().Format(activityLayout)
	err := r.update(ctx, `
		UPDATE twins SET
			connection_state = ?,
			last_activity_at = ?,
			connection_sequence = CASE WHEN ? != '' THEN ? ELSE connection_sequence END,
			updated_at = ?
		WHERE device_id = ? AND CASE
			WHEN ? != '' AND connection_sequence != '' THEN
				length(connection_sequence) < length(?)
				OR (length(connection_sequence) = length(?) AND connection_sequence < ?)
			ELSE last_activity_at IS NULL OR last_activity_at <= ?
		END`,
		string(ev.State), ts,
		ev.Sequence, ev.Sequence,
		time.Now().UTC().Format(time.RFC3339), deviceID,
		ev.Sequence, ev.Sequence, ev.Sequence, ev.Sequence,
		ts)
	if !errors.Is(err, ErrTwinNotFound) {
		return err
	}
	exists, existsErr := r.exists(ctx, deviceID)
	if existsErr != nil {
		return existsErr
	}
	if exists {
		return nil
	}
	return ErrTwinNotFound
}

// SetModelID records the announced model ID.
func (r *SQLiteRepository) SetModelID(ctx context.Context, deviceID, modelID string) error {
	return r.update(ctx, `
		UPDATE twins SET model_id = ?, etag = ?, updated_at = ?
		WHERE device_id = ?`,
		modelID, newETag(), time.Now().UTC().Format(time.RFC3339), deviceID)
}

// SetStatus changes the provisioning status.
func (r *SQLiteRepository) SetStatus(ctx context.Context, deviceID string, status Status) error {
	return r.update(ctx, `
		UPDATE twins SET status = ?, updated_at = ?
		WHERE device_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), deviceID)
}

// Delete removes a twin.
func (r *SQLiteRepository) Delete(ctx context.Context, deviceID string) error {
	return r.update(ctx, "DELETE FROM twins WHERE device_id = ?", deviceID)
}

// update runs a single-row statement and maps zero rows to ErrTwinNotFound.
func (r *SQLiteRepository) update(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating twin: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrTwinNotFound
	}
	return nil
}

func (r *SQLiteRepository) exists(ctx context.Context, deviceID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM twins WHERE device_id = ?", deviceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking twin exists: %w", err)
	}
	return count > 0, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTwin(row rowScanner) (*Twin, error) {
	var (
		t                     Twin
		status, state         string
		tagsJSON, desiredJSON string
		lastActivity          sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(
		&t.DeviceID, &t.RegistrationID, &t.HubName, &t.ModelID, &status,
		&state, &tagsJSON, &desiredJSON, &t.ETag, &lastActivity,
		&t.ConnectionSequence, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.ConnectionState = ConnectionState(state)
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshalling tags: %w", err)
	}
	if err := json.Unmarshal([]byte(desiredJSON), &t.Desired); err != nil {
		return nil, fmt.Errorf("unmarshalling desired: %w", err)
	}
	if lastActivity.Valid {
		if at, err := time.Parse(time.RFC3339, lastActivity.String); err == nil {
			t.LastActivityAt = &at
		}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// marshalObject encodes a map as a JSON object; nil becomes "{}".
func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newETag() string {
	return uuid.NewString()
}
