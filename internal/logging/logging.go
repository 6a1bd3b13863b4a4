package logging

import (
	"io"
	"os"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "comptaflow").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger logs one line per request. The level follows the status
// class so 4xx and 5xx stand out.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString("request_id")).
			Str("correlation_id", c.GetString("correlation_id")).
			Str("user_id", c.GetString("user_id")).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// DeliveryLogEntry is one outbound webhook attempt
type DeliveryLogEntry struct {
	DeliveryID string
	EndpointID string
	EventCode  string
	Status     string
	HTTPStatus int
	RetryCount int
	Duration   time.Duration
	Error      string
}

// maxLoggedError bounds transport errors, which can embed whole response bodies
const maxLoggedError = 512

// LogDelivery logs one delivery attempt. Failures log at error, scheduled
// retries at warn.
func LogDelivery(entry *DeliveryLogEntry) {
	var event *zerolog.Event
	switch entry.Status {
	case "failed":
		event = log.Error()
	case "retrying":
		event = log.Warn()
	default:
		event = log.Info()
	}

	event.
		Str("delivery_id", entry.DeliveryID).
		Str("endpoint_id", entry.EndpointID).
		Str("event_code", entry.EventCode).
		Str("status", entry.Status).
		Int("http_status", entry.HTTPStatus).
		Int("retry_count", entry.RetryCount).
		Dur("duration", entry.Duration)
	if entry.Error != "" {
		event.Str("error", SanitizeForLog(entry.Error, maxLoggedError))
	}
	event.Msg("Webhook delivery")
}

// LogPaymentConfirmation logs the outcome of a payment intent confirmation
func LogPaymentConfirmation(requestID, paymentID, intentID, gatewayStatus, status string) {
	log.Info().
		Str("request_id", requestID).
		Str("payment_id", paymentID).
		Str("payment_intent_id", intentID).
		Str("gateway_status", gatewayStatus).
		Str("status", status).
		Msg("Payment confirmation")
}

// LogSecurityEvent logs a detection at warn, or at error for high and critical severity
func LogSecurityEvent(eventType, severity, userID, clientIP, details string) {
	event := log.Warn()
	if severity == "high" || severity == "critical" {
		event = log.Error()
	}
	event.
		Str("event_type", eventType).
		Str("severity", severity).
		Str("user_id", userID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// SanitizeForLog truncates s to maxLen bytes, marking the cut
func SanitizeForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
