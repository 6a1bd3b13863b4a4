package audit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/comptaflow/comptaflow/internal/models"
)

// RecordAccess stores one API call. Forbidden calls also raise a security event.
func (s *Service) RecordAccess(ctx context.Context, l *models.APIAccessLog) error {
	if err := s.store.InsertAPIAccess(ctx, l); err != nil {
		return fmt.Errorf("failed to record api access: %w", err)
	}
	if l.StatusCode != http.StatusForbidden {
		return nil
	}

	resource := l.Method + " " + l.Endpoint
	return s.ReportSecurityEvent(ctx, &models.SecurityEvent{
		EventType:        "authorization_denied",
		Severity:         models.SeverityMedium,
		UserID:           l.UserID,
		IPAddress:        l.IPAddress,
		Description:      "Access denied to " + resource,
		AffectedResource: &resource,
	})
}
