package activity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/comptaflow/comptaflow/internal/realtime"
	"github.com/google/uuid"
)

// DefaultFeedCap bounds live lists when no cap is configured
const DefaultFeedCap = 100

// Record is any row a live list can hold
type Record interface {
	RecordID() uuid.UUID
}

// RowDecoder maps a change-notification row onto its model
type RowDecoder[T Record] func(raw json.RawMessage) (T, error)

// LiveList is a capped, newest-first view of a table kept current by change events.
// INSERT prepends, UPDATE replaces by id, DELETE removes by id.
type LiveList[T Record] struct {
	mu     sync.RWMutex
	items  []T
	cap    int
	decode RowDecoder[T]
}

// NewLiveList creates a list holding at most capacity rows
func NewLiveList[T Record](capacity int, decode RowDecoder[T]) *LiveList[T] {
	if capacity <= 0 {
		capacity = DefaultFeedCap
	}
	return &LiveList[T]{cap: capacity, decode: decode}
}

// Reset replaces the contents with a fresh snapshot
func (l *LiveList[T]) Reset(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(items) > l.cap {
		items = items[:l.cap]
	}
	l.items = append(make([]T, 0, len(items)), items...)
}

// Items returns a copy of the current rows
func (l *LiveList[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]T(nil), l.items...)
}

// Len returns the number of rows held
func (l *LiveList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Apply merges one change event into the list
func (l *LiveList[T]) Apply(ev realtime.ChangeEvent) error {
	switch ev.Type {
	case realtime.EventInsert:
		row, err := l.decodeRow(ev.New)
		if err != nil {
			return err
		}
		l.Insert(row)
	case realtime.EventUpdate:
		row, err := l.decodeRow(ev.New)
		if err != nil {
			return err
		}
		l.Update(row)
	case realtime.EventDelete:
		row, err := l.decodeRow(ev.Old)
		if err != nil {
			return err
		}
		l.Delete(row.RecordID())
	default:
		return fmt.Errorf("unknown change type %q", ev.Type)
	}
	return nil
}

// Insert prepends row and trims the oldest rows beyond the cap
func (l *LiveList[T]) Insert(row T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append([]T{row}, l.items...)
	if len(l.items) > l.cap {
		l.items = l.items[:l.cap]
	}
}

// Update replaces the row with the same id; unknown ids are ignored
func (l *LiveList[T]) Update(row T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := row.RecordID()
	for i := range l.items {
		if l.items[i].RecordID() == id {
			l.items[i] = row
			return
		}
	}
}

// Delete removes the row with the given id
func (l *LiveList[T]) Delete(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].RecordID() == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *LiveList[T]) decodeRow(raw json.RawMessage) (T, error) {
	if len(raw) == 0 {
		var zero T
		return zero, fmt.Errorf("change event carries no row")
	}
	row, err := l.decode(raw)
	if err != nil {
		return row, fmt.Errorf("failed to decode changed row: %w", err)
	}
	return row, nil
}
