package webhook

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

var httpURLPattern = regexp.MustCompile(`^https?://`)

// CreateEndpointRequest is the caller-supplied configuration for a new endpoint
type CreateEndpointRequest struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	AuthMethod models.AuthMethod `json:"authMethod"`
	AuthSecret string            `json:"authSecret"`
	IsActive   *bool             `json:"isActive,omitempty"`
	VerifySSL  *bool             `json:"verifySsl,omitempty"`
	RateLimit  int               `json:"rateLimit"`
}

// UpdateEndpointRequest is a partial update; nil fields are left unchanged
type UpdateEndpointRequest struct {
	Name       *string            `json:"name,omitempty"`
	URL        *string            `json:"url,omitempty"`
	AuthMethod *models.AuthMethod `json:"authMethod,omitempty"`
	AuthSecret *string            `json:"authSecret,omitempty"`
	IsActive   *bool              `json:"isActive,omitempty"`
	VerifySSL  *bool              `json:"verifySsl,omitempty"`
	RateLimit  *int               `json:"rateLimit,omitempty"`
}

// ValidateEndpoint returns a *ValidationError listing every invalid field, or nil
func ValidateEndpoint(e *models.WebhookEndpoint) error {
	fields := make(map[string]string)

	if strings.TrimSpace(e.Name) == "" {
		fields["name"] = "name is required"
	} else if len(e.Name) > 200 {
		fields["name"] = "name must be at most 200 characters"
	}

	if !httpURLPattern.MatchString(e.URL) {
		fields["url"] = "url must start with http:// or https://"
	} else if u, err := url.Parse(e.URL); err != nil || u.Host == "" {
		fields["url"] = "url is not a valid address"
	}

	if e.AuthMethod == "" {
		e.AuthMethod = models.AuthMethodNone
	}
	if !e.AuthMethod.Valid() {
		fields["authMethod"] = "authMethod must be one of none, hmac_sha256, bearer_token, basic_auth"
	} else if e.AuthMethod != models.AuthMethodNone && strings.TrimSpace(e.AuthSecret) == "" {
		fields["authSecret"] = "authSecret is required for " + string(e.AuthMethod)
	}

	if e.RateLimit < 0 {
		fields["rateLimit"] = "rateLimit must not be negative"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// newEndpoint builds an unsaved endpoint from a create request
func newEndpoint(userID uuid.UUID, req *CreateEndpointRequest) *models.WebhookEndpoint {
	e := &models.WebhookEndpoint{
		UserID:     userID,
		Name:       strings.TrimSpace(req.Name),
		URL:        strings.TrimSpace(req.URL),
		AuthMethod: req.AuthMethod,
		AuthSecret: req.AuthSecret,
		IsActive:   true,
		VerifySSL:  true,
		RateLimit:  req.RateLimit,
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}
	if req.VerifySSL != nil {
		e.VerifySSL = *req.VerifySSL
	}
	return e
}

// apply merges the non-nil fields of req into a copy of e
func (req *UpdateEndpointRequest) apply(e models.WebhookEndpoint) *models.WebhookEndpoint {
	if req.Name != nil {
		e.Name = strings.TrimSpace(*req.Name)
	}
	if req.URL != nil {
		e.URL = strings.TrimSpace(*req.URL)
	}
	if req.AuthMethod != nil {
		e.AuthMethod = *req.AuthMethod
		if e.AuthMethod == models.AuthMethodNone {
			e.AuthSecret = ""
		}
	}
	if req.AuthSecret != nil {
		e.AuthSecret = *req.AuthSecret
	}
	if req.IsActive != nil {
		e.IsActive = *req.IsActive
	}
	if req.VerifySSL != nil {
		e.VerifySSL = *req.VerifySSL
	}
	if req.RateLimit != nil {
		e.RateLimit = *req.RateLimit
	}
	return &e
}
