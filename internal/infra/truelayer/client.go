// Package truelayer provides a client for the TrueLayer auth server and
// Data API. Data reads are retried with backoff behind a circuit breaker;
// token grants are sent once.
package truelayer

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

	"github.com/boddenberg/ledgerlink-go/internal/config"
	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("truelayer")

const serviceName = "truelayer"

// Scopes requested on the consent screen.
var Scopes = []string{
	"info", "accounts", "balance", "cards", "transactions",
	"direct_debits", "standing_orders", "offline_access",
}

// Client implements port.OAuthProvider and port.BankDataProvider.
type Client struct {
	httpClient *http.Client
	settings   config.TrueLayerConfig
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a TrueLayer client.
func NewClient(httpClient *http.Client, settings config.TrueLayerConfig, cb *gobreaker.CircuitBreaker, bulkhead *resilience.Bulkhead, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		settings:   settings,
		cb:         cb,
		bulkhead:   bulkhead,
		cfg:        cfg,
		logger:     logger,
	}
}

// results is the envelope of every Data API response.
type results[T any] struct {
	Results []T `json:"results"`
}

// doRequest executes one HTTP exchange. Non-2xx answers become a permanent
// *domain.ErrUpstreamAPI: the next sync cycle retries them, not this call.
func (c *Client) doRequest(ctx context.Context, method, operation, rawURL, bearer string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, resilience.Permanent(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("truelayer: request failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("truelayer: non-2xx response",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
		)
		return nil, resp.StatusCode, resilience.Permanent(&domain.ErrUpstreamAPI{
			Service:    serviceName,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		})
	}

	c.logger.Debug("truelayer: request OK",
		zap.String("operation", operation),
		zap.Int("status", resp.StatusCode),
	)
	return body, resp.StatusCode, nil
}

// get performs a retried Data API read. With allowNotImplemented a 501
// answer is reported as ok=false instead of an error.
func (c *Client) get(ctx context.Context, operation, accessToken, path string, query url.Values, allowNotImplemented bool) (body []byte, ok bool, err error) {
	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer c.bulkhead.Release()

	rawURL := strings.TrimRight(c.settings.APIOrigin, "/") + path
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	ok = true
	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			b, status, err := c.doRequest(ctx, http.MethodGet, operation, rawURL, accessToken, nil)
			if err != nil && allowNotImplemented && status == http.StatusNotImplemented {
				ok = false
				return nil
			}
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, false, c.wrapError(operation, err)
	}
	return body, ok, nil
}

// grant sends a token request once; a failed grant is never replayed.
func (c *Client) grant(ctx context.Context, operation string, form map[string]string) (*domain.TokenGrant, error) {
	rawURL := strings.TrimRight(c.settings.AuthOrigin, "/") + "/connect/token"

	var body []byte
	_, err := c.cb.Execute(func() (any, error) {
		b, _, err := c.doRequest(ctx, http.MethodPost, operation, rawURL, "", form)
		body = b
		return nil, err
	})
	if err != nil {
		return nil, c.wrapError(operation, err)
	}

	var grant domain.TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, &domain.ErrExternalService{Service: serviceName, Err: fmt.Errorf("failed to decode token grant: %w", err)}
	}
	if grant.AccessToken == "" {
		return nil, &domain.ErrExternalService{Service: serviceName, Err: errors.New("token grant without access_token")}
	}
	return &grant, nil
}

func (c *Client) wrapError(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: serviceName}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ErrExternalService{Service: serviceName + "/" + operation, Err: err}
}

// decodeResults unmarshals a Data API envelope.
func decodeResults[T any](operation string, body []byte) ([]T, error) {
	var r results[T]
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &domain.ErrExternalService{
			Service: serviceName + "/" + operation,
			Err:     fmt.Errorf("failed to decode response: %w", err),
		}
	}
	if r.Results == nil {
		r.Results = []T{}
	}
	return r.Results, nil
}

// decodeFirst unmarshals a Data API envelope that must carry one result.
func decodeFirst[T any](operation string, body []byte) (*T, error) {
	items, err := decodeResults[T](operation, body)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &domain.ErrExternalService{
			Service: serviceName + "/" + operation,
			Err:     errors.New("empty results"),
		}
	}
	return &items[0], nil
}
