package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/realtime"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Activity errors
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidStatus   = errors.New("invalid session status")
	ErrActionRequired  = errors.New("action is required")
)

// MaxReadLimit bounds explicit read limits
const MaxReadLimit = 500

// Service serves snapshots of the live tables and their change subscriptions
type Service struct {
	store Store
	hub   *realtime.Hub
	cap   int
}

// NewService creates an activity service
func NewService(store Store, hub *realtime.Hub, cfg *config.RealtimeConfig) *Service {
	feedCap := DefaultFeedCap
	if cfg != nil && cfg.FeedCap > 0 {
		feedCap = cfg.FeedCap
	}
	return &Service{store: store, hub: hub, cap: feedCap}
}

// FeedCap is the number of rows a live list keeps
func (s *Service) FeedCap() int {
	return s.cap
}

func (s *Service) limit(requested int) int {
	if requested <= 0 {
		return s.cap
	}
	if requested > MaxReadLimit {
		return MaxReadLimit
	}
	return requested
}

// GetActiveSessions returns sessions that are not offline
func (s *Service) GetActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	return s.store.ActiveSessions(ctx, s.cap)
}

// GetDocumentEdits returns drafts and in-progress edits
func (s *Service) GetDocumentEdits(ctx context.Context) ([]models.DocumentEditRecord, error) {
	return s.store.DocumentEdits(ctx, s.cap)
}

// GetActivityLogs returns recent activity, honouring an explicit limit
func (s *Service) GetActivityLogs(ctx context.Context, f LogFilter) ([]models.ActivityLog, error) {
	f.Limit = s.limit(f.Limit)
	return s.store.ActivityLogs(ctx, f)
}

// GetChangeHistory returns recent data modifications, honouring an explicit limit
func (s *Service) GetChangeHistory(ctx context.Context, f ChangeFilter) ([]models.ChangeHistoryRecord, error) {
	f.Limit = s.limit(f.Limit)
	return s.store.ChangeHistory(ctx, f)
}

// Heartbeat creates or refreshes the actor's session
func (s *Service) Heartbeat(ctx context.Context, actor uuid.UUID, session *models.ActiveSession) (*models.ActiveSession, error) {
	if actor == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	switch session.Status {
	case "":
		session.Status = models.SessionStatusActive
	case models.SessionStatusActive, models.SessionStatusIdle, models.SessionStatusAway, models.SessionStatusOffline:
	default:
		return nil, ErrInvalidStatus
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.UserID = actor

	err := s.store.UpsertSession(ctx, session)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return session, nil
}

// LogActivity appends an entry to the activity feed on behalf of the actor
func (s *Service) LogActivity(ctx context.Context, actor uuid.UUID, entry *models.ActivityLog) (*models.ActivityLog, error) {
	if actor == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return nil, ErrActionRequired
	}
	entry.UserID = &actor
	if err := s.store.InsertActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to log activity: %w", err)
	}
	return entry, nil
}

func (s *Service) subscribe(table string, handler realtime.Handler) *realtime.Subscription {
	sub := s.hub.Subscribe(table)
	if handler != nil {
		sub.OnEvent(handler)
	}
	return sub
}

// SubscribeSessions pushes active_sessions changes to handler
func (s *Service) SubscribeSessions(handler realtime.Handler) *realtime.Subscription {
	return s.subscribe(realtime.TableActiveSessions, handler)
}

// SubscribeDocumentEdits pushes document_edits changes to handler
func (s *Service) SubscribeDocumentEdits(handler realtime.Handler) *realtime.Subscription {
	return s.subscribe(realtime.TableDocumentEdits, handler)
}

// SubscribeActivityLogs pushes activity_logs changes to handler
func (s *Service) SubscribeActivityLogs(handler realtime.Handler) *realtime.Subscription {
	return s.subscribe(realtime.TableActivityLogs, handler)
}

// SubscribeChangeHistory pushes change_history changes to handler
func (s *Service) SubscribeChangeHistory(handler realtime.Handler) *realtime.Subscription {
	return s.subscribe(realtime.TableChangeHistory, handler)
}
