package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agrosync/internal/config"
	"agrosync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPExecutor talks to the hosted datastore's record API:
//
//	POST   {base}/api/collections/{collection}/records
//	PATCH  {base}/api/collections/{collection}/records/{id}
//	DELETE {base}/api/collections/{collection}/records/{id}
//
// Updates and deletes take the record id from the "id" field of the
// operation payload.
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

// NewHTTPExecutor returns nil when no base URL is configured, which the
// resolver surfaces to the coordinator as "executor unavailable".
func NewHTTPExecutor(cfg config.RemoteConfig, logger *zerolog.Logger) *HTTPExecutor {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &HTTPExecutor{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, op models.SyncOperation) (*Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := e.buildRequest(ctx, op)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s %s: %w", op.Type, op.Collection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(body)}
	}

	e.logger.Debug().
		Str("op_id", op.ID).
		Str("type", op.Type).
		Str("collection", op.Collection).
		Int("status", resp.StatusCode).
		Msg("remote call succeeded")

	return &Result{Data: body}, nil
}

// Ping probes the datastore health endpoint. Used by the connectivity
// monitor; any 2xx counts as online.
func (e *HTTPExecutor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, op models.SyncOperation) (*http.Request, error) {
	collection := url.PathEscape(op.Collection)

	var req *http.Request
	var err error

	switch op.Type {
	case models.OpCreate:
		endpoint := fmt.Sprintf("%s/api/collections/%s/records", e.baseURL, collection)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(op.Payload))
	case models.OpUpdate:
		id, idErr := recordID(op.Payload)
		if idErr != nil {
			return nil, idErr
		}
		endpoint := fmt.Sprintf("%s/api/collections/%s/records/%s", e.baseURL, collection, url.PathEscape(id))
		req, err = http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(op.Payload))
	case models.OpDelete:
		id, idErr := recordID(op.Payload)
		if idErr != nil {
			return nil, idErr
		}
		endpoint := fmt.Sprintf("%s/api/collections/%s/records/%s", e.baseURL, collection, url.PathEscape(id))
		req, err = http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", op.Type)
	}
	if err != nil {
		return nil, err
	}

	if op.Type != models.OpDelete {
		req.Header.Set("Content-Type", "application/json")
	}
	e.authorize(req)
	return req, nil
}

func (e *HTTPExecutor) authorize(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}

// recordID pulls the target record id out of an update/delete payload. The
// payload is either the record itself (with an "id" field) or a bare
// {"id": "..."} envelope for deletes.
func recordID(payload json.RawMessage) (string, error) {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode payload id: %w", err)
	}
	if envelope.ID == "" {
		return "", errors.New("payload has no record id")
	}
	return envelope.ID, nil
}

func remoteMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(body))
}
