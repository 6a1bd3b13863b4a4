package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the row operation that produced a change event
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Tables published on the change channel
const (
	TableActiveSessions = "active_sessions"
	TableDocumentEdits  = "document_edits"
	TableActivityLogs   = "activity_logs"
	TableChangeHistory  = "change_history"
)

// ChangeEvent is one row change as emitted by the notify_row_change trigger.
// Rows too large for a notification arrive as ID with Truncated set.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Type      EventType       `json:"type"`
	Old       json.RawMessage `json:"old,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
	ID        string          `json:"id,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// publishedTables are the tables carrying the notify trigger
var publishedTables = map[string]bool{
	TableActiveSessions: true,
	TableDocumentEdits:  true,
	TableActivityLogs:   true,
	TableChangeHistory:  true,
}

// ParseChangeEvent decodes a notification payload
func ParseChangeEvent(payload []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid change payload: %w", err)
	}
	if ev.Table == "" {
		return nil, fmt.Errorf("invalid change payload: missing table")
	}
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("invalid change payload: unknown type %q", ev.Type)
	}
	// jsonb null arrives as the literal null
	if string(ev.Old) == "null" {
		ev.Old = nil
	}
	if string(ev.New) == "null" {
		ev.New = nil
	}
	return &ev, nil
}

// ErrRowGone means a truncated event's row no longer exists
var ErrRowGone = errors.New("changed row no longer exists")

// RowFetcher re-reads a published row in the trigger's encoding
type RowFetcher interface {
	FetchRow(ctx context.Context, table, id string) (json.RawMessage, error)
}

// Hydrate fills in the rows of an event the trigger had to truncate.
// INSERT and UPDATE re-read the current row; the previous row of an UPDATE
// is lost. DELETE keeps only the id.
func Hydrate(ctx context.Context, ev *ChangeEvent, fetch RowFetcher) error {
	if !ev.Truncated {
		return nil
	}
	if ev.ID == "" {
		return fmt.Errorf("truncated %s event on %s carries no id", ev.Type, ev.Table)
	}
	switch ev.Type {
	case EventInsert, EventUpdate:
		row, err := fetch.FetchRow(ctx, ev.Table, ev.ID)
		if err != nil {
			return err
		}
		ev.New = row
	case EventDelete:
		key, err := json.Marshal(map[string]string{"id": ev.ID})
		if err != nil {
			return err
		}
		ev.Old = key
	}
	return nil
}
