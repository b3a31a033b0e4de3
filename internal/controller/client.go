// Package controller implements the engine's Client against the
// controller's HTTP/JSON API.
//
// Endpoints:
//
//	GET {base}/{domain}        list every entity of a domain
//	PUT {base}/{domain}/{id}   apply a (possibly partial) desired state
//
// A full fetch lists every configured domain concurrently and fails as a
// whole if any domain fails.
package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/policysync/config"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("controller")

const (
	defaultBasePath  = "/api/v2"
	defaultUserAgent = "policysync/1.0"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// Config configures a Client.
type Config struct {
	// Address is the controller base address, e.g. "https://10.0.0.1:8443".
	Address string

	// BasePath is prepended to every endpoint. Default: "/api/v2".
	BasePath string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// Domains are fetched on every full refresh. Default: all known domains.
	Domains []snapshot.Domain

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration

	// InsecureSkipVerify accepts self-signed controller certificates.
	InsecureSkipVerify bool
}

// Client talks to the controller HTTP API.
type Client struct {
	baseURL    *url.URL
	basePath   string
	http       *http.Client
	apiKey     string
	domains    []snapshot.Domain
	retries    int
	retryDelay time.Duration
	userAgent  string
}

// NewClient builds a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := parseBaseURL(cfg.Address)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultRequestTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = config.DefaultRetryDelay
	}
	if cfg.BasePath == "" {
		cfg.BasePath = defaultBasePath
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = snapshot.KnownDomains
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		baseURL:  base,
		basePath: "/" + strings.Trim(cfg.BasePath, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		apiKey:     cfg.APIKey,
		domains:    cfg.Domains,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		userAgent:  defaultUserAgent,
	}, nil
}

// Domains returns the domains fetched on each refresh.
func (c *Client) Domains() []snapshot.Domain {
	return c.domains
}

// =============================================================================
// Fetch
// =============================================================================

// FetchFullState lists every configured domain and assembles one snapshot.
func (c *Client) FetchFullState(ctx context.Context) (*snapshot.Snapshot, error) {
	takenAt := time.Now()
	results := make([][]entity, len(c.domains))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range c.domains {
		i, d := i, d
		g.Go(func() error {
			list, err := c.fetchDomain(gctx, d)
			if err != nil {
				return err
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := snapshot.NewBuilder(takenAt)
	for i, d := range c.domains {
		b.AddDomain(d)
		for _, e := range results[i] {
			b.Put(snapshot.Key{Domain: d, ID: e.id}, e.state)
		}
	}

	snap, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrFetchFailed, err)
	}
	return snap, nil
}

func (c *Client) fetchDomain(ctx context.Context, d snapshot.Domain) ([]entity, error) {
	rel := c.endpoint(string(d))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %w", errors.ErrFetchFailed, d, ctx.Err())
			}
		}

		body, err := c.doURL(ctx, http.MethodGet, rel, nil)
		if err == nil {
			list, err := decodeList(body)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", errors.ErrFetchFailed, d, err)
			}
			return list, nil
		}

		lastErr = err
		if !errors.IsRetriable(err) {
			break
		}
		log.Debug("fetch retry", "domain", d, "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("%w: %s: %w", errors.ErrFetchFailed, d, lastErr)
}

// =============================================================================
// Write
// =============================================================================

// Write applies desired to one entity. Only the fields desired sets are sent.
func (c *Client) Write(ctx context.Context, key snapshot.Key, desired snapshot.StateRecord) error {
	payload := desired.Attributes()
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["enabled"] = desired.Enabled
	if desired.Name != "" {
		payload["name"] = desired.Name
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", errors.ErrWriteFailed, key, err)
	}

	rel := c.endpoint(string(key.Domain), key.ID)
	if _, err := c.doURL(ctx, http.MethodPut, rel, body); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return errors.NewEntityNotFound(key.String())
		}
		return fmt.Errorf("%w: %s: %w", errors.ErrWriteFailed, key, err)
	}

	log.Debug("entity written", "entity", key.String(), "enabled", desired.Enabled)
	return nil
}

// =============================================================================
// HTTP
// =============================================================================

func (c *Client) endpoint(parts ...string) *url.URL {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return &url.URL{
		Path:    c.basePath + "/" + strings.Join(parts, "/"),
		RawPath: c.basePath + "/" + strings.Join(escaped, "/"),
	}
}

func (c *Client) doURL(ctx context.Context, method string, rel *url.URL, body []byte) ([]byte, error) {
	reqURL := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", errors.ErrTimeout, method, rel.Path, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", errors.ErrConnectionFailed, method, rel.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errors.ErrConnectionFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", errors.ErrNotFound, method, rel.Path)
	case resp.StatusCode >= 500:
		// Server-side failures are worth another attempt
		return nil, fmt.Errorf("%w: %s %s returned status %d: %s",
			errors.ErrConnectionFailed, method, rel.Path, resp.StatusCode, truncate(data))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s %s returned status %d: %s",
			method, rel.Path, resp.StatusCode, truncate(data))
	}

	return data, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func parseBaseURL(address string) (*url.URL, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		trimmed = config.DefaultControllerAddress
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: controller address %q: %w", errors.ErrInvalidConfig, address, err)
	}
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
