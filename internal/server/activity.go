package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/comptaflow/comptaflow/internal/activity"
	apierrors "github.com/comptaflow/comptaflow/internal/errors"
	"github.com/comptaflow/comptaflow/internal/middleware"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// queryLimit reads ?limit, treating absence as zero
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(c, apierrors.NewValidationError(map[string]string{"limit": "must be a non-negative integer"}))
		return 0, false
	}
	return n, true
}

// queryUser reads an optional ?userId
func queryUser(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.Query("userId")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"userId": "must be a UUID"}))
		return nil, false
	}
	return &id, true
}

func (s *APIServer) handleActiveSessions(c *gin.Context) {
	sessions, err := s.svc.Activity.GetActiveSessions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *APIServer) handleDocumentEdits(c *gin.Context) {
	edits, err := s.svc.Activity.GetDocumentEdits(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentEdits": edits})
}

func (s *APIServer) handleActivityLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	userID, ok := queryUser(c)
	if !ok {
		return
	}
	f := activity.LogFilter{
		UserID:     userID,
		Action:     c.Query("action"),
		EntityType: c.Query("entityType"),
		Limit:      limit,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apierrors.NewValidationError(map[string]string{"since": "must be RFC 3339"}))
			return
		}
		f.Since = &since
	}

	logs, err := s.svc.Activity.GetActivityLogs(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activityLogs": logs})
}

func (s *APIServer) handleChangeHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	userID, ok := queryUser(c)
	if !ok {
		return
	}
	critical, _ := strconv.ParseBool(c.Query("criticalOnly"))

	changes, err := s.svc.Activity.GetChangeHistory(c.Request.Context(), activity.ChangeFilter{
		UserID:       userID,
		EntityType:   c.Query("entityType"),
		EntityID:     c.Query("entityId"),
		CriticalOnly: critical,
		Limit:        limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changeHistory": changes})
}

func (s *APIServer) handleHeartbeat(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var session models.ActiveSession
	if err := c.ShouldBindJSON(&session); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}
	if session.IPAddress == nil {
		ip := c.ClientIP()
		session.IPAddress = &ip
	}
	if session.UserAgent == nil {
		if ua := c.Request.UserAgent(); ua != "" {
			session.UserAgent = &ua
		}
	}

	out, err := s.svc.Activity.Heartbeat(c.Request.Context(), actorID, &session)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *APIServer) handleLogActivity(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var entry models.ActivityLog
	if err := c.ShouldBindJSON(&entry); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}
	if entry.IPAddress == nil {
		ip := c.ClientIP()
		entry.IPAddress = &ip
	}

	out, err := s.svc.Activity.LogActivity(c.Request.Context(), actorID, &entry)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *APIServer) handleConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}

	result, err := s.svc.Payments.Confirm(c.Request.Context(),
		middleware.GetRequestIDFromContext(c), middleware.ActorFromContext(c), req.PaymentIntentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
