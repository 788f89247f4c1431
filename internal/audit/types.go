package audit

import "time"

// Actions recorded in the trail.
const (
	ActionAllocate   = "allocate"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionCreate     = "create"
	ActionDelete     = "delete"
	ActionCommand    = "command"
)

// EntityTwin is the entity type for entries about a device twin.
const EntityTwin = "twin"

// Sources identify the channel an action arrived on.
const (
	SourceDPS       = "dps"
	SourceEventGrid = "eventgrid"
	SourceMQTT      = "mqtt"
)

// Entry is one audit trail record.
type Entry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action     string    // optional: allocate, connect, command, ...
	EntityType string    // optional
	EntityID   string    // optional: a device ID
	Source     string    // optional: dps, eventgrid, mqtt
	Since      time.Time // optional: only entries at or after this time
	Limit      int       // default 50, max 200
	Offset     int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}
