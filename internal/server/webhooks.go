package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	apierrors "github.com/comptaflow/comptaflow/internal/errors"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type toggleRequest struct {
	IsActive *bool `json:"isActive"`
}

type subscribeRequest struct {
	EventCode string `json:"eventCode" binding:"required"`
}

type dispatchRequest struct {
	EventCode string          `json:"eventCode" binding:"required"`
	Data      json.RawMessage `json:"data"`
}

func (s *APIServer) handleListEvents(c *gin.Context) {
	events, err := s.svc.Webhooks.ListEvents(c.Request.Context(), c.Query("category"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *APIServer) handleListEndpoints(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	endpoints, err := s.svc.Webhooks.ListEndpoints(c.Request.Context(), actorID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *APIServer) handleGetEndpoint(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	endpoint, err := s.svc.Webhooks.GetEndpoint(c.Request.Context(), actorID, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

func (s *APIServer) handleCreateEndpoint(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req webhook.CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}

	endpoint, err := s.svc.Webhooks.CreateEndpoint(c.Request.Context(), actorID, &req)
	if err != nil {
		fail(c, err)
		return
	}
	s.recordEndpointChange(c, actorID, endpoint, models.ChangeActionCreated)
	c.JSON(http.StatusCreated, endpoint)
}

func (s *APIServer) handleUpdateEndpoint(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req webhook.UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}

	endpoint, err := s.svc.Webhooks.UpdateEndpoint(c.Request.Context(), actorID, id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	s.recordEndpointChange(c, actorID, endpoint, models.ChangeActionUpdated)
	c.JSON(http.StatusOK, endpoint)
}

func (s *APIServer) handleToggleEndpoint(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"isActive": "isActive is required"}))
		return
	}

	endpoint, err := s.svc.Webhooks.SetEndpointActive(c.Request.Context(), actorID, id, *req.IsActive)
	if err != nil {
		fail(c, err)
		return
	}
	s.recordEndpointChange(c, actorID, endpoint, models.ChangeActionUpdated)
	c.JSON(http.StatusOK, endpoint)
}

func (s *APIServer) handleDeleteEndpoint(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	endpoint, err := s.svc.Webhooks.GetEndpoint(c.Request.Context(), actorID, id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.svc.Webhooks.DeleteEndpoint(c.Request.Context(), actorID, id); err != nil {
		fail(c, err)
		return
	}
	s.recordEndpointChange(c, actorID, endpoint, models.ChangeActionDeleted)
	c.Status(http.StatusNoContent)
}

// recordEndpointChange appends to change history; failures are logged only
func (s *APIServer) recordEndpointChange(c *gin.Context, actorID uuid.UUID, e *models.WebhookEndpoint, action models.ChangeAction) {
	if s.svc.Audit == nil {
		return
	}
	title := e.Name
	record := &models.ChangeHistoryRecord{
		UserID:      &actorID,
		EntityType:  "webhook_endpoint",
		EntityID:    e.ID.String(),
		EntityTitle: &title,
		Action:      action,
		IsCritical:  action == models.ChangeActionDeleted,
	}
	if err := s.svc.Audit.RecordChange(c.Request.Context(), record); err != nil {
		log.Warn().Err(err).Str("endpoint_id", e.ID.String()).Msg("Failed to record endpoint change")
	}
}

func (s *APIServer) handleListSubscriptions(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	subs, err := s.svc.Webhooks.ListSubscriptions(c.Request.Context(), actorID, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *APIServer) handleSubscribe(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"eventCode": "eventCode is required"}))
		return
	}

	sub, err := s.svc.Webhooks.Subscribe(c.Request.Context(), actorID, id, req.EventCode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *APIServer) handleUnsubscribe(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Webhooks.Unsubscribe(c.Request.Context(), actorID, id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) handleToggleSubscription(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"isActive": "isActive is required"}))
		return
	}

	sub, err := s.svc.Webhooks.ToggleSubscription(c.Request.Context(), actorID, id, *req.IsActive)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *APIServer) handleListDeliveries(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var filter webhook.DeliveryFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	deliveries, err := s.svc.Webhooks.ListDeliveries(c.Request.Context(), actorID, id, filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (s *APIServer) handleDeliveryStats(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	days := webhook.DefaultStatsWindow
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, apierrors.NewValidationError(map[string]string{"days": "must be a positive integer"}))
			return
		}
		days = n
	}

	stats, err := s.svc.Webhooks.GetStats(c.Request.Context(), actorID, id, days)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) handleRecordDelivery(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req webhook.RecordDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}

	entry, err := s.svc.Webhooks.RecordDelivery(c.Request.Context(), actorID, &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *APIServer) handleDispatch(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"eventCode": "eventCode is required"}))
		return
	}

	deliveries, err := s.svc.Dispatcher.Dispatch(c.Request.Context(), actorID, req.EventCode, req.Data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"deliveries": deliveries})
}

func (s *APIServer) handleRetryWorkerStatus(c *gin.Context) {
	if s.svc.Scheduler == nil {
		c.JSON(http.StatusOK, webhook.SchedulerStatus{})
		return
	}
	c.JSON(http.StatusOK, s.svc.Scheduler.GetStatus())
}

func (s *APIServer) handleRetryWorkerRun(c *gin.Context) {
	var (
		n   int
		err error
	)
	if s.svc.Scheduler != nil {
		n, err = s.svc.Scheduler.RunNow(c.Request.Context())
	} else {
		n, err = s.svc.Dispatcher.RetryDue(c.Request.Context())
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": n})
}
