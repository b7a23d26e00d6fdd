/*
Package client provides the batch submission client: optimistic
projection, transport, reconciliation, and the bounded conflict-retry
controller.

PURPOSE:
  The caller-facing half of the protocol. A Submitter takes bulk items,
  speculatively applies them to the shared portfolio cache, posts the
  batch under a stable idempotency key, and reconciles the cache with the
  per-item outcomes - committing successes, rolling back conflicts and
  errors to their pre-projection state, and optionally retrying conflicts
  exactly once with refreshed tokens.

KEY CONCEPTS IN THIS FILE (client.go):
  - Transport: The one suspension point. Submit posts
    {idempotencyKey, items} and returns the authoritative BatchResult.
  - TransportError: Unknown-outcome failures (network error, timeout,
    5xx). Safe to resend the identical request under the SAME key.
  - RejectedError: The server authoritatively refused the whole batch
    (4xx). Not retryable as-is; the caller must fix the input.

ERROR SPLIT:
  A response containing conflict/error entries is NOT a Go error - the
  server answered authoritatively and the entries travel as data. Only
  whole-call failures surface as errors.

SEE ALSO:
  - submit.go: Submitter / Options / bounded retry
  - api/dto.go: Wire types shared with the server
*/
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/forecast-engine/api"
	"github.com/warp/forecast-engine/forecast"
)

// =============================================================================
// TRANSPORT ERRORS
// =============================================================================

// TransportError wraps failures with an unknown outcome: the request may
// or may not have been processed. Resending the identical request under
// the same idempotency key is always safe.
type TransportError struct {
	// StatusCode is the HTTP status for 5xx responses, 0 for network
	// failures.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport failure: server returned %d", e.StatusCode)
	}
	return "transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is an authoritative whole-batch refusal (4xx).
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("batch rejected (%d): %s", e.StatusCode, e.Message)
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// Transport posts one batch and returns the authoritative result.
// Implementations must treat network-level failure and application-level
// per-item failure as distinct (TransportError vs. a populated result).
type Transport interface {
	Submit(ctx context.Context, req forecast.BatchRequest) (*forecast.BatchResult, error)
}

// HTTPTransport talks to POST {BaseURL}/forecast/bulk-upsert with a
// bearer token. Token issuance is external.
type HTTPTransport struct {
	BaseURL string
	Token   string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts the batch. Context cancellation aborts the call and
// surfaces as a TransportError wrapping ctx.Err().
func (t *HTTPTransport) Submit(ctx context.Context, req forecast.BatchRequest) (*forecast.BatchResult, error) {
	items := make([]api.BulkItemDTO, len(req.Items))
	for i, item := range req.Items {
		items[i] = api.FromBulkItem(item)
	}
	body, err := json.Marshal(api.BulkUpsertRequest{
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
		RetriedFromKey: req.RetriedFromKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/forecast/bulk-upsert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.Token)
	}

	httpClient := t.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
	case resp.StatusCode >= 400:
		var errResp api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	var dto api.BulkUpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		// The server may have applied the batch; the outcome is unknown.
		return nil, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	result := dto.ToBatchResult()
	return &result, nil
}
