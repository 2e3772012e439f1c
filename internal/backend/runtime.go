package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"agentgate/internal/agent"
)

// Runtime invokes the backend's agent endpoint. It satisfies agent.Runtime.
type Runtime struct {
	client *Client
}

// NewRuntime creates the production agent runtime over a backend client.
func NewRuntime(client *Client) *Runtime {
	return &Runtime{client: client}
}

type generateRequest struct {
	Messages       []agent.Message      `json:"messages"`
	RequestContext agent.RequestContext `json:"requestContext"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate sends one dispatch to the agent runtime. The bearer token travels
// inside the request context, mirroring how the backend's tools consume it;
// the Authorization header carries it too for the transport layer.
func (r *Runtime) Generate(ctx context.Context, a agent.Agent, messages []agent.Message, reqCtx agent.RequestContext) (string, error) {
	body := generateRequest{Messages: messages, RequestContext: reqCtx}

	headers := map[string]string{"X-Request-Id": uuid.NewString()}
	if token := reqCtx["authToken"]; token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	var out generateResponse
	path := fmt.Sprintf("/api/agents/%s/generate", url.PathEscape(a.String()))
	if err := r.client.doJSON(ctx, http.MethodPost, path, headers, body, &out); err != nil {
		return "", fmt.Errorf("agent %s: %w", a, err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("agent %s returned an empty response", a)
	}
	return out.Text, nil
}
