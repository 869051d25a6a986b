package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// SessionStatus is the gateway's view of a checkout session
type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionPaid    SessionStatus = "paid"
	SessionExpired SessionStatus = "expired"
	SessionFailed  SessionStatus = "failed"
)

// Terminal reports whether the session will not change again
func (s SessionStatus) Terminal() bool {
	return s == SessionPaid || s == SessionExpired || s == SessionFailed
}

// Session is a gateway checkout session
type Session struct {
	ID     string        `json:"id"`
	URL    string        `json:"url,omitempty"`
	Status SessionStatus `json:"status"`
}

// SessionRequest asks the gateway for a hosted checkout page
type SessionRequest struct {
	ReservationID string            `json:"client_reference_id"`
	Description   string            `json:"description"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
	Quantity      int               `json:"quantity"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	SuccessURL    string            `json:"success_url,omitempty"`
	CancelURL     string            `json:"cancel_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Gateway is the external payment provider
type Gateway interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
}

// HTTPGateway talks to the provider's REST API
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGateway creates a gateway client
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// request performs an HTTP request to the gateway
func (g *HTTPGateway) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("gateway HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway error: %s", errResp.Error)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateSession opens a checkout session
func (g *HTTPGateway) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	var s Session
	if err := g.request(ctx, http.MethodPost, "/v1/checkout/sessions", req, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("gateway returned a session without id")
	}
	return &s, nil
}

// GetSession reads the current state of a session
func (g *HTTPGateway) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.request(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
