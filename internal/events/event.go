// Package events provides the in-process observability bus. Subscribers
// receive sync lifecycle, progress and history events; slow subscribers
// drop from the tail rather than blocking the publisher.
package events

import "time"

// Event is the base interface all events implement.
type Event interface {
	EventType() string
	Profile() string // originating profile; "" for process-wide events
	OccurredAt() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type        string    `json:"type"`
	ProfileName string    `json:"profile,omitempty"`
	Timestamp   time.Time `json:"occurred_at"`
}

func (e BaseEvent) EventType() string     { return e.Type }
func (e BaseEvent) Profile() string       { return e.ProfileName }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// NewBaseEvent creates a BaseEvent with the current timestamp.
func NewBaseEvent(eventType, profile string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		ProfileName: profile,
		Timestamp:   time.Now(),
	}
}

// Event type names.
const (
	EventSyncStateChanged  = "sync.state_changed"
	EventSyncProgress      = "sync.progress"
	EventHistoryRecorded   = "history.recorded"
	EventMappingsRefreshed = "mappings.refreshed"
)

// SyncStateChanged is emitted on every profile state machine transition.
type SyncStateChanged struct {
	BaseEvent
	State   string `json:"state"` // idle, preparing, scanning, reconciling, writing, failed
	Section string `json:"section,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncProgress reports item-level progress within a sync stage.
type SyncProgress struct {
	BaseEvent
	Section   string `json:"section"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// HistoryRecorded is emitted after a history event commits to the store.
type HistoryRecorded struct {
	BaseEvent
	EventID   int64  `json:"event_id"`
	AnilistID int    `json:"anilist_id,omitempty"`
	Outcome   string `json:"outcome"`
}

// MappingsRefreshed is emitted when the database-sync job finishes a
// materialization of the mappings store.
type MappingsRefreshed struct {
	BaseEvent
	Records int `json:"records"`
	Custom  int `json:"custom"`
}
