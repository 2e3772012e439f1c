// Package backend is the HTTP client for the productivity backend: privileged
// token refresh, proactive-check data, and the agent runtime endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	. "agentgate/internal/logging"
)

const (
	gatewaySecretHeader = "X-Gateway-Secret"
	requestTimeout      = 30 * time.Second
)

// Client talks to the backend API.
type Client struct {
	baseURL       string
	gatewaySecret string
	http          *http.Client
}

// New creates a backend client.
func New(baseURL, gatewaySecret string) *Client {
	return &Client{
		baseURL:       baseURL,
		gatewaySecret: gatewaySecret,
		http:          &http.Client{Timeout: requestTimeout},
	}
}

// RefreshWhatsAppToken exchanges a session id for a fresh bearer token via
// the privileged gateway endpoint. A 4xx answer is unrecoverable and means
// the session needs re-pairing.
func (c *Client) RefreshWhatsAppToken(ctx context.Context, sessionID string) (*RefreshResponse, error) {
	return c.refresh(ctx, "/api/whatsapp-gateway/refresh-token", map[string]string{"sessionId": sessionID})
}

// RefreshTelegramToken is the Telegram analogue, keyed by backend user id.
func (c *Client) RefreshTelegramToken(ctx context.Context, userID string) (*RefreshResponse, error) {
	return c.refresh(ctx, "/api/telegram-gateway/refresh-token", map[string]string{"userId": userID})
}

func (c *Client) refresh(ctx context.Context, path string, body map[string]string) (*RefreshResponse, error) {
	var out RefreshResponse
	headers := map[string]string{gatewaySecretHeader: c.gatewaySecret}
	if err := c.doJSON(ctx, http.MethodPost, path, headers, body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("refresh returned empty token")
	}
	return &out, nil
}

// ActiveProjects lists the user's active projects for the staleness check.
func (c *Client) ActiveProjects(ctx context.Context, token string) ([]Project, error) {
	var out []Project
	path := "/api/projects?" + url.Values{"status": {"active"}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, bearer(token), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MorningBriefing fetches the backend's aggregated overdue-action digest.
func (c *Client) MorningBriefing(ctx context.Context, token string) (*MorningBriefing, error) {
	var out MorningBriefing
	if err := c.doJSON(ctx, http.MethodGet, "/api/briefing/morning", bearer(token), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Goals lists the user's goals; callers filter with Goal.AtRisk.
func (c *Client) Goals(ctx context.Context, token string) ([]Goal, error) {
	var out []Goal
	if err := c.doJSON(ctx, http.MethodGet, "/api/goals", bearer(token), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveSprint returns the user's active sprint, or nil when there is none.
func (c *Client) ActiveSprint(ctx context.Context, token string) (*Sprint, error) {
	var out Sprint
	err := c.doJSON(ctx, http.MethodGet, "/api/sprints/active", bearer(token), nil, &out)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// SprintRiskSignals fetches the risk signals of a sprint.
func (c *Client) SprintRiskSignals(ctx context.Context, token, sprintID string) ([]RiskSignal, error) {
	var out []RiskSignal
	path := fmt.Sprintf("/api/sprints/%s/risk-signals", url.PathEscape(sprintID))
	if err := c.doJSON(ctx, http.MethodGet, path, bearer(token), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// statusError carries the HTTP status of a failed backend call so callers can
// distinguish auth failures (retry after refresh) from the rest.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.status, e.body)
}

func isStatus(err error, status int) bool {
	se, ok := err.(*statusError)
	return ok && se.status == status
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// doJSON issues one request and decodes the JSON answer into out (when out is
// non-nil). Non-2xx answers become statusError with a truncated body.
func (c *Client) doJSON(ctx context.Context, method, path string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		L_debug("backend: non-2xx answer", "method", method, "path", path, "status", resp.StatusCode)
		return &statusError{status: resp.StatusCode, body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
