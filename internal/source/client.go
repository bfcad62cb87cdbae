// Package source talks to the public eCFR versioner API.
package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/metrics"
)

// DefaultBaseURL is the public versioner API root.
const DefaultBaseURL = "https://www.ecfr.gov/api/versioner/v1"

// Config controls the remote client.
type Config struct {
	BaseURL      string
	IndexTimeout time.Duration
	TitleTimeout time.Duration
}

// Client implements ecfr.Source on top of an ecfr.Fetcher.
type Client struct {
	fetcher ecfr.Fetcher
	limiter ecfr.Limiter
	retry   ecfr.RetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New builds a Client. limiter and retry may be nil.
func New(fetcher ecfr.Fetcher, limiter ecfr.Limiter, retry ecfr.RetryPolicy, cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = 30 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		fetcher: fetcher,
		limiter: limiter,
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
	}
}

type indexDocument struct {
	Titles []struct {
		Number        any    `json:"number"`
		UpToDateAsOf  string `json:"up_to_date_as_of"`
		Reserved      any    `json:"reserved"`
		LatestAmended string `json:"latest_amended_on"`
	} `json:"titles"`
}

// Index fetches titles.json and returns every listed title, reserved ones included.
func (c *Client) Index(ctx context.Context) ([]ecfr.TitleInfo, error) {
	body, err := c.get(ctx, metrics.EndpointIndex, c.cfg.BaseURL+"/titles.json", c.cfg.IndexTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	var doc indexDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if doc.Titles == nil {
		return nil, fmt.Errorf("decode index: missing titles list")
	}
	titles := make([]ecfr.TitleInfo, 0, len(doc.Titles))
	for i, t := range doc.Titles {
		number, ok := titleNumber(t.Number)
		if !ok {
			return nil, fmt.Errorf("decode index: entry %d has no usable number", i)
		}
		info := ecfr.TitleInfo{
			Number:     number,
			SnapshotID: t.UpToDateAsOf,
			Reserved:   truthy(t.Reserved),
		}
		if !info.Reserved && info.SnapshotID == "" {
			return nil, fmt.Errorf("decode index: title %s has no up_to_date_as_of", number)
		}
		titles = append(titles, info)
	}
	return titles, nil
}

// Structure fetches the structure tree of a title as of snapshotID.
func (c *Client) Structure(ctx context.Context, title, snapshotID string) ([]byte, error) {
	url := fmt.Sprintf("%s/structure/%s/title-%s.json", c.cfg.BaseURL, snapshotID, title)
	body, err := c.get(ctx, metrics.EndpointStructure, url, c.cfg.TitleTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch structure for title %s: %w", title, err)
	}
	return body, nil
}

// Versions fetches the version history of a title.
func (c *Client) Versions(ctx context.Context, title string) ([]byte, error) {
	url := fmt.Sprintf("%s/versions/title-%s.json", c.cfg.BaseURL, title)
	body, err := c.get(ctx, metrics.EndpointVersions, url, c.cfg.TitleTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch versions for title %s: %w", title, err)
	}
	return body, nil
}

// get performs one logical GET: rate limited, retried on transient failures,
// and bounded as a whole by timeout.
func (c *Client) get(ctx context.Context, endpoint, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		body, err := c.attempt(ctx, endpoint, url)
		if err == nil {
			return body, nil
		}
		if c.retry == nil || !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying remote request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry wait: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, endpoint, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	resp, err := c.fetcher.Fetch(ctx, ecfr.FetchRequest{URL: url})
	if err != nil {
		metrics.ObserveSourceRequest(endpoint, 0, 0)
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	metrics.ObserveSourceRequest(endpoint, resp.StatusCode, len(resp.Body))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ecfr.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func titleNumber(v any) (string, bool) {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case string:
		n = strings.TrimSpace(n)
		return n, n != ""
	case json.Number:
		return n.String(), true
	default:
		return "", false
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		return b != ""
	default:
		return true
	}
}
