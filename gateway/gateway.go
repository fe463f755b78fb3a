// Package gateway issues authenticated HTTP requests against the central
// invoicing server. It performs no retries and no backoff; retry policy
// belongs to the sync orchestrator.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// TokenSource returns the bearer credential for an outgoing request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Gateway builds requests against a configured base address.
type Gateway struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	logger  *slog.Logger
}

// New creates a gateway against baseURL.
func New(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Tokens:  tokens,
		logger:  logger,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// fatalMessagePattern matches server messages that indicate a validation or
// integrity-constraint rejection. Such failures never succeed on retry.
var fatalMessagePattern = regexp.MustCompile(`(?i)validation|constraint|integrity|duplicate`)

// IsFatal classifies an error from a push attempt. HTTP 422 and
// validation/integrity messages are fatal; everything else (timeouts,
// transport failures, 5xx) is transient and retried on the next run.
func IsFatal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusUnprocessableEntity {
		return true
	}
	return fatalMessagePattern.MatchString(apiErr.Message)
}

// createResponse is the fragment of a creation response this core relies on:
// the server-assigned numeric identifier.
type createResponse struct {
	ID int64 `json:"id"`
}

// errorResponse is the optional human-readable error body.
type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (g *Gateway) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token, err := g.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		var e errorResponse
		if err := json.Unmarshal(raw, &e); err == nil {
			if e.Message != "" {
				msg = e.Message
			} else if e.Error != "" {
				msg = e.Error
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateCustomer submits a new customer and returns its server id.
func (g *Gateway) CreateCustomer(ctx context.Context, p CustomerPayload) (int64, error) {
	var resp createResponse
	if err := g.doJSON(ctx, http.MethodPost, "/api/customers", p, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateCustomer submits changes to an already-created customer.
func (g *Gateway) UpdateCustomer(ctx context.Context, serverID int64, p CustomerPayload) error {
	return g.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/customers/%d", serverID), p, nil)
}

// CreateInvoice submits a new invoice and returns its server id.
func (g *Gateway) CreateInvoice(ctx context.Context, p InvoicePayload) (int64, error) {
	var resp createResponse
	if err := g.doJSON(ctx, http.MethodPost, "/api/invoices", p, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateInvoice submits changes to an already-created invoice.
func (g *Gateway) UpdateInvoice(ctx context.Context, serverID int64, p InvoicePayload) error {
	return g.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/invoices/%d", serverID), p, nil)
}

// FetchInvoice retrieves the server-side invoice detail.
func (g *Gateway) FetchInvoice(ctx context.Context, serverID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := g.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/invoices/%d", serverID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
