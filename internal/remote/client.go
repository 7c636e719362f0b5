// Package remote talks to the backend billing authority: subscription
// confirmation, per-product quantity hints, and telemetry event ingestion.
// All requests carry the application identity header in both its current and
// legacy spellings, and go through the bounded-retry policy.
package remote

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
	"time"

	"github.com/tidwall/gjson"

	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/internal/retry"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// Header names for the application identity. Both variants are attached so
// older server deployments keep working.
const (
	AppIDHeader       = "X-App-ID"
	AppIDHeaderLegacy = "X-Application-Id"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 1 << 20 // 1MiB
)

var (
	// ErrUnauthorized indicates the authority rejected our identity.
	// Never retried.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNoContent indicates the authority had no answer for the query.
	// A semantic miss, not a transient fault; never retried.
	ErrNoContent = errors.New("remote: no content")
)

// Config configures the remote client.
type Config struct {
	// BaseURL is the authority's base URL (e.g. https://api.example.com/v2).
	BaseURL string
	// AppID is the application identity attached to every request.
	AppID string
	// HTTPClient overrides the default client. When nil a client with a
	// conservative timeout is used.
	HTTPClient *http.Client
	// Retry overrides the default retry policy.
	Retry *retry.Policy
	// MaxBodyBytes caps response bodies.
	MaxBodyBytes int64
	// Metrics receives the per-attempt counter. Optional.
	Metrics *metrics.Metrics
}

// Client is the remote entitlement authority client.
type Client struct {
	baseURL      string
	appID        string
	httpClient   *http.Client
	policy       retry.Policy
	maxBodyBytes int64
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// New creates a remote client.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: BaseURL must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote: BaseURL scheme must be http or https")
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, fmt.Errorf("remote: AppID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodySize
	}
	if log == nil {
		log = logger.NewDefault("remote")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	return &Client{
		baseURL:      baseURL,
		appID:        strings.TrimSpace(cfg.AppID),
		httpClient:   httpClient,
		policy:       policy,
		maxBodyBytes: maxBodyBytes,
		metrics:      m,
		log:          log,
	}, nil
}

// IsSubscribed asks the authority whether uid holds a valid subscription.
func (c *Client) IsSubscribed(ctx context.Context, uid string) (bool, error) {
	if strings.TrimSpace(uid) == "" {
		return false, fmt.Errorf("remote: uid is required")
	}

	endpoint := c.baseURL + "/isSubscribed?uid=" + url.QueryEscape(uid)
	body, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, endpoint)
	})
	if err != nil {
		return false, fmt.Errorf("remote: isSubscribed: %w", err)
	}

	var out struct {
		Res bool `json:"res"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("remote: decode isSubscribed response: %w", err)
	}
	return out.Res, nil
}

// InstallMeta keys the quantity lookup to this install.
type InstallMeta struct {
	UID            string    `json:"uid"`
	FirstInstallAt time.Time `json:"installTime"`
	Locale         string    `json:"locale,omitempty"`
	Region         string    `json:"region,omitempty"`
}

// ProductQuantities fetches remote quantity hints per product. The response
// shape varies across server versions, so it is read leniently: products
// missing from the response are simply absent from the result.
func (c *Client) ProductQuantities(ctx context.Context, meta InstallMeta) (map[string]int, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal install meta: %w", err)
	}

	endpoint := c.baseURL + "/productQuantity"
	body, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, endpoint, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("remote: productQuantity: %w", err)
	}

	quantities := make(map[string]int)
	gjson.GetBytes(body, "quantities").ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			quantities[key.String()] = int(value.Int())
		}
		return true
	})
	return quantities, nil
}

// TrackEvent posts a telemetry event to the ingestion endpoint. Implements
// telemetry.Sender.
func (c *Client) TrackEvent(ctx context.Context, e telemetry.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("remote: marshal event: %w", err)
	}
	// Event ingestion is fire-and-forget; a single attempt is enough
	// because the emitter already tolerates loss.
	if _, err := c.post(ctx, c.baseURL+"/event", payload); err != nil {
		return fmt.Errorf("remote: track event: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.metrics.RetryAttempts.Inc()
	req.Header.Set(AppIDHeader, c.appID)
	req.Header.Set(AppIDHeaderLegacy, c.appID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusNoContent:
		return nil, retry.Permanent(ErrNoContent)
	case resp.StatusCode >= 400:
		return nil, &retry.StatusError{Status: resp.StatusCode, Msg: "remote: " + resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
