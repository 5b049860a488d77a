package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// HTTPProvider calls resources over HTTP. The target URL comes from the
// resource's "endpoint" metadata entry; the request body is JSON and the
// response decodes into CallOutput. Server errors in the 5xx range are
// returned as retryable.
type HTTPProvider struct {
	catalog ResourceCatalog
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider creates an HTTP provider. A nil client gets a 30 second
// timeout default.
func NewHTTPProvider(catalog ResourceCatalog, client *http.Client, logger *zap.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		catalog: catalog,
		client:  client,
		logger:  logger.With(zap.String("component", "http_provider")),
	}
}

type callRequest struct {
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// Call posts the prompt to the resource's endpoint.
func (p *HTTPProvider) Call(ctx context.Context, resourceID, prompt string, params map[string]any) (*CallOutput, error) {
	res, err := p.catalog.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	endpoint := res.Metadata["endpoint"]
	if endpoint == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "resource %s has no endpoint metadata", resourceID)
	}

	body, err := json.Marshal(callRequest{Prompt: prompt, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.Errorf(types.ErrCodeInternal, "call to %s failed: %v", resourceID, err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, types.Errorf(types.ErrCodeInternal,
			"resource %s returned status %d", resourceID, resp.StatusCode).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.Errorf(types.ErrCodeValidation,
			"resource %s rejected the call with status %d", resourceID, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out CallOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", resourceID, err)
	}
	if out.LatencyMS == 0 {
		out.LatencyMS = time.Since(start).Milliseconds()
	}
	return &out, nil
}

// Ensure HTTPProvider implements Provider.
var _ Provider = (*HTTPProvider)(nil)
