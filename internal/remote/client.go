// Package remote holds the HTTP adapters for the backend, the AI provider
// and the streaming credential broker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"voxsync/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RefreshFunc returns a fresh bearer token after an authentication failure
type RefreshFunc func(ctx context.Context) (string, error)

// Options configures an HTTPClient
type Options struct {
	Token      string
	Refresh    RefreshFunc
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient sends JSON requests with bearer auth. It does not retry; retry
// policy belongs to the caller. An authentication failure refreshes the
// token once when a RefreshFunc is configured.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	refresh    RefreshFunc
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for baseURL
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: opts.HTTPClient,
		refresh:    opts.Refresh,
		logger:     opts.Logger,
		token:      strings.TrimSpace(opts.Token),
	}, nil
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.KindInternal, method+" "+requestPath, err)
		}
	}

	refreshed := false
	for {
		status, payload, err := c.send(ctx, method, requestPath, bodyBytes)
		if err != nil {
			return err
		}

		if status >= 200 && status <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return apperr.New(apperr.KindInternal, method+" "+requestPath, fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		if status == http.StatusUnauthorized && c.refresh != nil && !refreshed {
			refreshed = true
			token, err := c.refresh(ctx)
			if err != nil {
				return apperr.New(apperr.KindAuthentication, "refresh token", err)
			}
			c.mu.Lock()
			c.token = token
			c.mu.Unlock()
			c.logger.Info("Bearer token refreshed", zap.String("path", requestPath))
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &apperr.HTTPError{
			StatusCode: status,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath string, bodyBytes []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return 0, nil, apperr.New(apperr.KindInternal, method+" "+requestPath, err)
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}
