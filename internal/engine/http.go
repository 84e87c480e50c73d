package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgellow/oidc-front/internal/log"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPEngine talks to a remote decision engine over its REST API. Transient
// transport failures are retried; protocol-level non-idempotence (consumed
// tickets) stays with the remote engine, which rejects replays itself.
type HTTPEngine struct {
	baseURL   string
	serviceID string
	bearer    string
	client    *retryablehttp.Client
}

// NewHTTPEngine creates a client for the engine API at baseURL, scoped to one
// service
func NewHTTPEngine(baseURL, serviceID, bearer string) *HTTPEngine {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil

	return &HTTPEngine{
		baseURL:   baseURL,
		serviceID: serviceID,
		bearer:    bearer,
		client:    client,
	}
}

// wireAction is the engine API response shape shared by every operation
type wireAction struct {
	Action          string `json:"action"`
	ResponseContent string `json:"responseContent"`
	Ticket          string `json:"ticket"`
	Subject         string `json:"subject"`
	Client          struct {
		ClientName string `json:"clientName"`
	} `json:"client"`
}

func (w wireAction) toAction() Action {
	return Action{
		Kind:            ActionKind(w.Action),
		ResponseContent: w.ResponseContent,
		Ticket:          w.Ticket,
		ClientName:      w.Client.ClientName,
		Subject:         w.Subject,
	}
}

func (e *HTTPEngine) post(ctx context.Context, path string, body any) (Action, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Action{}, fmt.Errorf("encoding engine request: %w", err)
	}

	url := fmt.Sprintf("%s/api/%s/%s", e.baseURL, e.serviceID, path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Action{}, fmt.Errorf("building engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.bearer)

	resp, err := e.client.Do(req)
	if err != nil {
		log.LogErrorWithFields("engine", "Engine call failed", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return Action{}, fmt.Errorf("%w: calling %s", ErrEngineUnavailable, path)
	}
	defer func() { _ = resp.Body.Close() }()

	// Engine-side protocol errors arrive as 200 responses with BAD_REQUEST or
	// INTERNAL_SERVER_ERROR actions. Any other status means the engine API
	// itself is unreachable or misconfigured.
	if resp.StatusCode != http.StatusOK {
		log.LogErrorWithFields("engine", "Engine returned unexpected status", map[string]any{
			"path":   path,
			"status": resp.StatusCode,
		})
		return Action{}, fmt.Errorf("%w: %s returned status %d", ErrEngineUnavailable, path, resp.StatusCode)
	}

	var wire wireAction
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Action{}, fmt.Errorf("%w: decoding %s response", ErrEngineUnavailable, path)
	}

	log.LogDebugWithFields("engine", "Engine call completed", map[string]any{
		"path":   path,
		"action": wire.Action,
	})
	return wire.toAction(), nil
}

func (e *HTTPEngine) ProcessAuthorization(ctx context.Context, parameters string) (Action, error) {
	return e.post(ctx, "auth/authorization", map[string]string{
		"parameters": parameters,
	})
}

func (e *HTTPEngine) IssueAuthorization(ctx context.Context, ticket, subject string) (Action, error) {
	return e.post(ctx, "auth/authorization/issue", map[string]string{
		"ticket":  ticket,
		"subject": subject,
	})
}

func (e *HTTPEngine) FailAuthorization(ctx context.Context, ticket string, reason FailReason) (Action, error) {
	return e.post(ctx, "auth/authorization/fail", map[string]string{
		"ticket": ticket,
		"reason": string(reason),
	})
}

func (e *HTTPEngine) ProcessToken(ctx context.Context, parameters string, creds *ClientCredentials) (Action, error) {
	body := map[string]string{
		"parameters": parameters,
	}
	if creds != nil {
		body["clientId"] = creds.ID
		body["clientSecret"] = creds.Secret
	}
	return e.post(ctx, "auth/token", body)
}

func (e *HTTPEngine) IssueToken(ctx context.Context, ticket, subject string) (Action, error) {
	return e.post(ctx, "auth/token/issue", map[string]string{
		"ticket":  ticket,
		"subject": subject,
	})
}

func (e *HTTPEngine) FailToken(ctx context.Context, ticket string, reason TokenFailReason) (Action, error) {
	return e.post(ctx, "auth/token/fail", map[string]string{
		"ticket": ticket,
		"reason": string(reason),
	})
}

var _ Engine = (*HTTPEngine)(nil)
