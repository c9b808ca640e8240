package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the ip-api.com JSON endpoint; %s is replaced by the address.
const DefaultEndpoint = "http://ip-api.com/json/%s?fields=status,message,country"

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Endpoint      string
	Timeout       time.Duration
	Retries       int
	RateLimit     int           // requests per minute, 0 disables
	RetryInterval time.Duration // initial backoff, defaults to 250ms
}

// HTTPProvider queries an ip-api compatible service.
type HTTPProvider struct {
	endpoint      string
	client        *http.Client
	limiter       *rate.Limiter
	retries       int
	retryInterval time.Duration
}

type lookupResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
}

// NewHTTPProvider creates a provider for cfg.Endpoint.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.Contains(endpoint, "%s") {
		return nil, fmt.Errorf("endpoint %q has no %%s placeholder", endpoint)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimit))
	}

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 250 * time.Millisecond
	}

	return &HTTPProvider{
		endpoint:      endpoint,
		client:        &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, 1),
		retries:       max(cfg.Retries, 0),
		retryInterval: retryInterval,
	}, nil
}

// Name identifies the provider in metrics.
func (p *HTTPProvider) Name() string {
	return "http"
}

// Lookup returns the country reported for address. Transport errors, 429 and
// 5xx responses are retried; a "fail" status is final.
func (p *HTTPProvider) Lookup(ctx context.Context, address string) (string, error) {
	var country string

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.retries)), ctx)

	err := backoff.Retry(func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c, err := p.fetch(ctx, address)
		if err != nil {
			return err
		}
		country = c
		return nil
	}, b)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", perm.Err
		}
		return "", err
	}
	return country, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, address string) (string, error) {
	u := fmt.Sprintf(p.endpoint, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", fmt.Errorf("request %s: %w", address, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("lookup %s: status %d", address, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", backoff.Permanent(fmt.Errorf("lookup %s: status %d", address, resp.StatusCode))
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if body.Status != "success" {
		return "", backoff.Permanent(fmt.Errorf("lookup %s: %s (%s)", address, body.Status, body.Message))
	}
	return body.Country, nil
}
