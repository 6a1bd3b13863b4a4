package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/comptaflow/comptaflow/internal/activity"
	"github.com/comptaflow/comptaflow/internal/audit"
	"github.com/comptaflow/comptaflow/internal/config"
	apierrors "github.com/comptaflow/comptaflow/internal/errors"
	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/middleware"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/comptaflow/comptaflow/internal/payment"
	"github.com/comptaflow/comptaflow/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Services are the domain services the API exposes
type Services struct {
	Webhooks   *webhook.Service
	Dispatcher *webhook.Dispatcher
	// Scheduler is nil when the retry worker is disabled
	Scheduler *webhook.Scheduler
	Audit     *audit.Service
	Activity  *activity.Service
	Payments  *payment.Service
	// Health checks keyed by dependency name
	Health map[string]HealthChecker
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	svc              Services
	jwtAuthenticator *middleware.JWTAuthenticator
	stream           *activity.Stream
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, svc Services) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		svc:              svc,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
		stream:           activity.NewStream(svc.Activity, cfg.CORS.AllowedOrigins),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	// Access logging sits behind authentication so rows carry the caller
	authed := []gin.HandlerFunc{s.jwtAuthenticator.JWTAuth(), middleware.AccessLog(s.svc.Audit)}

	v1 := s.router.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks", authed...)
		{
			webhooks.GET("/events", s.handleListEvents)
			webhooks.GET("/endpoints", s.handleListEndpoints)
			webhooks.POST("/endpoints", s.handleCreateEndpoint)
			webhooks.GET("/endpoints/:id", s.handleGetEndpoint)
			webhooks.PATCH("/endpoints/:id", s.handleUpdateEndpoint)
			webhooks.DELETE("/endpoints/:id", s.handleDeleteEndpoint)
			webhooks.POST("/endpoints/:id/toggle", s.handleToggleEndpoint)
			webhooks.GET("/endpoints/:id/subscriptions", s.handleListSubscriptions)
			webhooks.POST("/endpoints/:id/subscriptions", s.handleSubscribe)
			webhooks.GET("/endpoints/:id/deliveries", s.handleListDeliveries)
			webhooks.GET("/endpoints/:id/stats", s.handleDeliveryStats)
			webhooks.DELETE("/subscriptions/:id", s.handleUnsubscribe)
			webhooks.POST("/subscriptions/:id/toggle", s.handleToggleSubscription)
			webhooks.POST("/deliveries", s.handleRecordDelivery)
			webhooks.POST("/dispatch", s.handleDispatch)

			worker := webhooks.Group("/retry-worker", middleware.RequireAdmin())
			worker.GET("", s.handleRetryWorkerStatus)
			worker.POST("/run", s.handleRetryWorkerRun)
		}

		auditGroup := v1.Group("/audit", append(authed, middleware.RequireAuditor())...)
		{
			auditGroup.GET("/trail", s.handleAuditTrail)
			auditGroup.GET("/statistics", s.handleAuditStatistics)
			auditGroup.GET("/api-access", s.handleAPIAccessLogs)
			auditGroup.GET("/security-events", s.handleSecurityEvents)
			auditGroup.GET("/webhook-deliveries", s.handleAuditWebhookDeliveries)
			auditGroup.GET("/data-modifications", s.handleDataModifications)
			auditGroup.GET("/export", s.handleAuditExport)
			auditGroup.POST("/security-events/:id/resolve", middleware.RequireAdmin(), s.handleResolveSecurityEvent)
		}

		activityGroup := v1.Group("/activity")
		{
			// The stream carries every user's activity and change rows
			activityGroup.GET("/stream",
				middleware.TokenFromQuery("access_token"), s.jwtAuthenticator.JWTAuth(), middleware.RequireAuditor(),
				s.stream.Handle)

			feed := activityGroup.Group("", authed...)
			feed.GET("/sessions", s.handleActiveSessions)
			feed.POST("/sessions/heartbeat", s.handleHeartbeat)
			feed.GET("/document-edits", s.handleDocumentEdits)
			feed.POST("/logs", s.handleLogActivity)
			feed.GET("/logs", middleware.RequireAuditor(), s.handleActivityLogs)
			feed.GET("/changes", middleware.RequireAuditor(), s.handleChangeHistory)
		}
	}

	functions := s.router.Group("/functions", authed...)
	functions.POST("/confirm-payment", s.handleConfirmPayment)
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, checker := range s.svc.Health {
		if err := checker.Health(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": s.config.Server.Name,
		"checks":  checks,
	})
}

// actor returns the authenticated caller or writes a 401
func actor(c *gin.Context) (uuid.UUID, bool) {
	id := middleware.ActorFromContext(c)
	if id == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the :id path parameter or writes a 400
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"id": "must be a UUID"}))
		return uuid.Nil, false
	}
	return id, true
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	middleware.RespondError(c, err)
}

// fail maps a service error onto the API taxonomy and writes it
func fail(c *gin.Context, err error) {
	apiErr := toAPIError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		_ = c.Error(err)
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "api", c.FullPath())
	}
	respondError(c, apiErr)
}

func toAPIError(err error) *apierrors.APIError {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if verr, ok := webhook.AsValidationError(err); ok {
		return apierrors.NewValidationError(verr.Fields)
	}
	var auditErr *audit.ValidationError
	if errors.As(err, &auditErr) {
		return apierrors.NewValidationError(auditErr.Fields)
	}

	switch {
	case errors.Is(err, webhook.ErrUnauthenticated),
		errors.Is(err, audit.ErrUnauthenticated),
		errors.Is(err, activity.ErrUnauthenticated),
		errors.Is(err, payment.ErrUnauthenticated):
		return apierrors.ErrUnauthorizedError

	case errors.Is(err, webhook.ErrEndpointNotFound):
		return apierrors.ErrEndpointNotFoundError
	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		return apierrors.ErrSubscriptionNotFoundError
	case errors.Is(err, webhook.ErrEventNotFound):
		return apierrors.NewValidationError(map[string]string{"eventCode": err.Error()})
	case errors.Is(err, webhook.ErrDuplicateSubscription):
		return apierrors.ErrConflictError.WithDetails(err.Error())
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		return apierrors.ErrDeliveryNotFoundError
	case errors.Is(err, webhook.ErrInvalidTransition):
		return apierrors.ErrInvalidTransitionError.WithDetails(err.Error())
	case errors.Is(err, webhook.ErrInvalidStatus):
		return apierrors.NewValidationError(map[string]string{"status": err.Error()})
	case errors.Is(err, webhook.ErrEndpointInactive):
		return apierrors.NewInvalidRequestError(err.Error())
	case errors.Is(err, webhook.ErrRateLimited):
		return apierrors.ErrRateLimitedError

	case errors.Is(err, audit.ErrSecurityEventNotFound):
		return apierrors.ErrSecurityEventNotFoundError
	case errors.Is(err, audit.ErrAlreadyResolved):
		return apierrors.ErrAlreadyResolvedError
	case errors.Is(err, audit.ErrNoMatchingRecords):
		return apierrors.ErrNoMatchingRecordsError

	case errors.Is(err, activity.ErrSessionNotFound):
		return apierrors.ErrNotFoundError.WithDetails(err.Error())
	case errors.Is(err, activity.ErrInvalidStatus):
		return apierrors.NewValidationError(map[string]string{"status": err.Error()})
	case errors.Is(err, activity.ErrActionRequired):
		return apierrors.NewValidationError(map[string]string{"action": err.Error()})

	case errors.Is(err, payment.ErrIntentIDRequired):
		return apierrors.NewValidationError(map[string]string{"paymentIntentId": err.Error()})
	case errors.Is(err, payment.ErrPaymentNotFound):
		return apierrors.ErrPaymentNotFoundError
	case errors.Is(err, payment.ErrIntentNotFound):
		return apierrors.ErrPaymentNotFoundError.WithDetails(err.Error())
	}
	return apierrors.ErrInternalServerError
}
