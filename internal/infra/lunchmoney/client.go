// Package lunchmoney provides a client for the Lunch Money v1 API.
// Used as the destination ledger for assets, categories and transactions.
package lunchmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lunchmoney")

const serviceName = "lunchmoney"

// Client wraps HTTP calls to the Lunch Money API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
	logger      *zap.Logger
}

// NewClient creates a Lunch Money client. origin is the API host without
// the version prefix.
func NewClient(httpClient *http.Client, origin, accessToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(origin, "/") + "/v1",
		accessToken: accessToken,
		cb:          cb,
		cfg:         cfg,
		logger:      logger,
	}
}

// apiErrors is how the API reports failures, sometimes with a 200 status.
type apiErrors struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// doRequest executes an authenticated request against the API. Non-2xx
// answers are permanent; message redelivery retries them.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(err)
		}
		reader = bytes.NewReader(b)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.logger.Error("lunchmoney: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("lunchmoney: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		c.logger.Error("lunchmoney: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("lunchmoney: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, resilience.Permanent(&domain.ErrUpstreamAPI{
			Service:    serviceName,
			Operation:  method + " " + path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		})
	}

	if msg := embeddedError(body); msg != "" {
		c.logger.Warn("lunchmoney: error in response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("error", msg),
		)
		return nil, resilience.Permanent(&domain.ErrUpstreamAPI{
			Service:    serviceName,
			Operation:  method + " " + path,
			StatusCode: resp.StatusCode,
			Body:       msg,
		})
	}

	c.logger.Debug("lunchmoney: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

// read performs a retried GET.
func (c *Client) read(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			b, err := c.doRequest(ctx, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, c.wrapError(path, err)
	}
	return body, nil
}

// write sends a mutating request once. Message redelivery retries it.
func (c *Client) write(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	_, err := c.cb.Execute(func() (any, error) {
		b, err := c.doRequest(ctx, method, path, payload)
		body = b
		return nil, err
	})
	if err != nil {
		return nil, c.wrapError(path, err)
	}
	return body, nil
}

func (c *Client) wrapError(path string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: serviceName}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ErrExternalService{Service: serviceName + path, Err: err}
}

// embeddedError extracts the error the API reports inside a 2xx body.
func embeddedError(body []byte) string {
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var e apiErrors
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if len(e.Error) > 0 && string(e.Error) != "null" {
		var list []string
		if err := json.Unmarshal(e.Error, &list); err == nil {
			return strings.Join(list, "; ")
		}
		var single string
		if err := json.Unmarshal(e.Error, &single); err == nil {
			return single
		}
		return string(e.Error)
	}
	return ""
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
