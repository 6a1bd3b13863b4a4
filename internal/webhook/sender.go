package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Outbound headers
const (
	HeaderSignature = "X-ComptaFlow-Signature"
	HeaderTimestamp = "X-ComptaFlow-Timestamp"
	HeaderEvent     = "X-ComptaFlow-Event"
	HeaderDelivery  = "X-ComptaFlow-Delivery"
	signaturePrefix = "sha256="
)

// Sender errors
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrNon2xx      = errors.New("endpoint returned non-2xx status")
)

// SendResult is what came back from the endpoint
type SendResult struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body"
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value as a receiver would
func VerifySignature(secret, header string, timestamp int64, body []byte) bool {
	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	want := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(got), []byte(want))
}

// BreakerSettings configures per-endpoint circuit breakers
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// Sender POSTs payloads to endpoints behind per-endpoint circuit breakers
type Sender struct {
	client         *http.Client
	insecureClient *http.Client
	settings       BreakerSettings
	breakers       map[string]*gobreaker.CircuitBreaker
	mu             sync.RWMutex
	now            func() time.Time
}

// NewSender creates a sender with the given per-request timeout
func NewSender(timeout time.Duration, settings BreakerSettings) *Sender {
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-endpoint opt-out

	return &Sender{
		client:         &http.Client{Timeout: timeout},
		insecureClient: &http.Client{Timeout: timeout, Transport: insecure},
		settings:       settings,
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		now:            time.Now,
	}
}

// breaker returns or creates the breaker for an endpoint
func (s *Sender) breaker(endpointID string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	cb, exists := s.breakers[endpointID]
	s.mu.RUnlock()
	if exists {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, exists = s.breakers[endpointID]; exists {
		return cb
	}

	threshold := s.settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "endpoint-" + endpointID,
		MaxRequests: 1,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			monitoring.SetCircuitBreakerState(endpointID, stateValue(to))
			log.Info().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by our own caller says nothing about the endpoint
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	s.breakers[endpointID] = cb
	return cb
}

// Send delivers body to the endpoint. A returned result with ErrNon2xx means
// the endpoint answered; other errors mean no usable answer was received.
func (s *Sender) Send(ctx context.Context, endpoint *models.WebhookEndpoint, deliveryID, eventCode string, body []byte) (*SendResult, error) {
	cb := s.breaker(endpoint.ID.String())

	out, err := cb.Execute(func() (interface{}, error) {
		return s.post(ctx, endpoint, deliveryID, eventCode, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	result, _ := out.(*SendResult)
	return result, err
}

func (s *Sender) post(ctx context.Context, endpoint *models.WebhookEndpoint, deliveryID, eventCode string, body []byte) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ComptaFlow-Webhooks/1.0")
	req.Header.Set(HeaderEvent, eventCode)
	req.Header.Set(HeaderDelivery, deliveryID)
	applyAuth(req, endpoint, s.now().Unix(), body)

	client := s.client
	if !endpoint.VerifySSL {
		client = s.insecureClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snapshot, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnapshot))
	result := &SendResult{
		StatusCode: resp.StatusCode,
		Body:       string(snapshot),
		Duration:   time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, ErrNon2xx
	}
	return result, nil
}

func applyAuth(req *http.Request, endpoint *models.WebhookEndpoint, timestamp int64, body []byte) {
	switch endpoint.AuthMethod {
	case models.AuthMethodHMACSHA256:
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(HeaderSignature, signaturePrefix+Sign(endpoint.AuthSecret, timestamp, body))
	case models.AuthMethodBearerToken:
		req.Header.Set("Authorization", "Bearer "+endpoint.AuthSecret)
	case models.AuthMethodBasicAuth:
		user, pass, _ := strings.Cut(endpoint.AuthSecret, ":")
		req.SetBasicAuth(user, pass)
	}
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
