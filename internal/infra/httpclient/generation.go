package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/courseloom/courseloom/internal/config"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// GenerationClient is the HTTP client for the external generation task
// service. A generation function is addressed by name; the service owns
// prompt construction and model access, the engine only supplies a sanitized
// payload and receives a structured result envelope.
type GenerationClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// TransportError reports that the call never produced a usable response:
// network failure, timeout, or an unreadable body.
type TransportError struct {
	RequestID uuid.UUID
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("generation transport error (request_id=%s): %v", e.RequestID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError reports that the generation service received the request and
// rejected it (structured failure or non-200 status).
type UpstreamError struct {
	RequestID uuid.UUID
	Status    int
	Message   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation rejected (request_id=%s, status=%d): %s", e.RequestID, e.Status, e.Message)
}

// NewGenerationClient creates a GenerationClient with OpenTelemetry
// instrumentation.
func NewGenerationClient(cfg *config.Config, log *zap.Logger) *GenerationClient {
	timeout := time.Duration(cfg.Generation.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &GenerationClient{
		BaseURL: cfg.Generation.BaseURL,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: log,
	}
}

// InvokeRequest is the wire payload for one generation call.
type InvokeRequest struct {
	RequestID uuid.UUID      `json:"request_id"`
	Payload   map[string]any `json:"payload"`
	Force     bool           `json:"force"`
}

// invokeEnvelope is the generation service's response shape.
type invokeEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Invoke calls the named generation function. On success it returns the raw
// result document for the caller to decode and validate. Failures are either
// *TransportError or *UpstreamError, never both.
func (c *GenerationClient) Invoke(ctx context.Context, functionName string, req InvokeRequest) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/api/v1/generate/%s", c.BaseURL, functionName)

	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", req.RequestID.String())

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{RequestID: req.RequestID, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{RequestID: req.RequestID, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		c.Logger.Error("generation request failed",
			zap.String("function", functionName),
			zap.String("request_id", req.RequestID.String()),
			zap.Int("status_code", resp.StatusCode),
			zap.String("body", string(respBody)))
		return nil, &UpstreamError{
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Message:   string(respBody),
		}
	}

	var envelope invokeEnvelope
	if err := sonic.Unmarshal(respBody, &envelope); err != nil {
		return nil, &TransportError{RequestID: req.RequestID, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if !envelope.Success {
		return nil, &UpstreamError{
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Message:   envelope.Error,
		}
	}

	if len(envelope.Result) == 0 {
		return nil, &UpstreamError{
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Message:   "success envelope without result",
		}
	}

	return envelope.Result, nil
}

// IsTransport reports whether err is a transport-class failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsUpstream reports whether err is an upstream rejection.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
