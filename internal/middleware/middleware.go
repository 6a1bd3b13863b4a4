package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	apierrors "github.com/comptaflow/comptaflow/internal/errors"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Context keys for storing user information
const (
	ContextKeyUserID        = "user_id"
	ContextKeyUserType      = "user_type"
	ContextKeyEmail         = "email"
	ContextKeyClaims        = "claims"
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
)

// Claims represents the platform-issued JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// JWTAuthenticator handles JWT token validation
type JWTAuthenticator struct {
	config *config.JWTConfig
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg *config.JWTConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		config: cfg,
	}
}

// JWTAuth creates a middleware that validates JWT tokens from the Authorization header
// It extracts the Bearer token, validates it, and sets user information in the context
func (j *JWTAuthenticator) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			RespondError(c, apierrors.ErrUnauthorizedError)
			return
		}

		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			RespondError(c, apierrors.ErrInvalidTokenError)
			return
		}

		claims, err := j.ValidateAccessToken(tokenString)
		switch {
		case errors.Is(err, ErrTokenExpired):
			RespondError(c, apierrors.ErrTokenExpiredError)
			return
		case err != nil:
			RespondError(c, apierrors.ErrInvalidTokenError)
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUserType, claims.UserType)
		c.Set(ContextKeyEmail, claims.Email)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// TokenFromQuery lets clients that cannot set headers, such as browser
// WebSockets, pass the bearer token as a query parameter
func TokenFromQuery(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query(param); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

// ValidateAccessToken validates an access token and returns claims
func (j *JWTAuthenticator) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := j.validateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Subject != "access" {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// validateToken parses and validates a JWT token
func (j *JWTAuthenticator) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{}
	if j.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.config.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	return authHeader[len(bearerPrefix):], nil
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// RespondError writes the standard error envelope and aborts the chain
func RespondError(c *gin.Context, err *apierrors.APIError) {
	response := apierrors.NewErrorResponse(
		err,
		GetRequestIDFromContext(c),
		GetCorrelationIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	)
	c.AbortWithStatusJSON(response.Error.HTTPStatus, response)
}

// RequireRole admits callers whose token carries one of the allowed roles.
// Must run after JWTAuth.
func RequireRole(allowedRoles ...models.UserType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userType := GetUserTypeFromContext(c)
		if userType == "" {
			RespondError(c, apierrors.ErrForbiddenError)
			return
		}
		if !slices.Contains(allowedRoles, userType) {
			RespondError(c, &apierrors.APIError{
				Code:       apierrors.ErrForbidden,
				Message:    fmt.Sprintf("Access denied. Required role: %v", allowedRoles),
				HTTPStatus: http.StatusForbidden,
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin is a convenience middleware that requires the admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(models.UserTypeAdmin)
}

// RequireAuditor allows roles that may read the audit trail
func RequireAuditor() gin.HandlerFunc {
	return RequireRole(models.UserTypeAdmin, models.UserTypeAccountant)
}

// GetUserIDFromContext extracts the user ID from the gin context
// Returns empty string if not found
func GetUserIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// ActorFromContext returns the authenticated user, or uuid.Nil when the request is anonymous
func ActorFromContext(c *gin.Context) uuid.UUID {
	id, err := uuid.Parse(GetUserIDFromContext(c))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// GetUserTypeFromContext extracts the user type from the gin context
// Returns empty string if not found
func GetUserTypeFromContext(c *gin.Context) models.UserType {
	return models.UserType(c.GetString(ContextKeyUserType))
}

// GetClaimsFromContext extracts the full claims from the gin context
// Returns nil if not found
func GetClaimsFromContext(c *gin.Context) *Claims {
	claims, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	out, _ := claims.(*Claims)
	return out
}

// RequestID honours an inbound X-Request-ID or mints one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID propagates X-Correlation-ID, falling back to the request ID
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = GetRequestIDFromContext(c)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
		}
		c.Set(ContextKeyCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// GetCorrelationIDFromContext extracts the correlation ID from the gin context
func GetCorrelationIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyCorrelationID)
}

// GetRequestIDFromContext extracts the request ID from the gin context
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// AccessRecorder persists API access log rows
type AccessRecorder interface {
	RecordAccess(ctx context.Context, entry *models.APIAccessLog) error
}

// AccessLog records every API call into the access log feeding the audit trail.
// Writes run after the response and never affect it.
func AccessLog(recorder AccessRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := &models.APIAccessLog{
			ID:         uuid.New(),
			Endpoint:   c.Request.URL.Path,
			Method:     c.Request.Method,
			StatusCode: c.Writer.Status(),
			DurationMs: int(time.Since(start).Milliseconds()),
			CreatedAt:  time.Now().UTC(),
		}
		if actor := ActorFromContext(c); actor != uuid.Nil {
			entry.UserID = &actor
		}
		if ip := c.ClientIP(); ip != "" {
			entry.IPAddress = &ip
		}
		if ua := c.Request.UserAgent(); ua != "" {
			entry.UserAgent = &ua
		}
		if len(c.Errors) > 0 {
			msg := c.Errors.String()
			entry.ErrorMessage = &msg
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
		defer cancel()
		if err := recorder.RecordAccess(ctx, entry); err != nil {
			log.Warn().Err(err).Str("path", entry.Endpoint).Msg("Failed to record API access")
		}
	}
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Correlation-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID, X-Total-Count, X-Record-Count, Content-Disposition")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200") // 12 hours
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
