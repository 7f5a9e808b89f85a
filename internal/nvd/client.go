// Package nvd fetches pages of CVE records from the NVD CVE API 2.0.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nvdharvest/internal/record"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public CVE endpoint
	DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// MaxPageSize is the largest resultsPerPage the API accepts
	MaxPageSize = 2000

	defaultUserAgent = "nvdharvest/1.0"
)

var (
	// ErrThrottled means the API refused the request under its rate limit
	ErrThrottled = errors.New("nvd: request throttled")

	// ErrUnavailable means the API or a gateway in front of it is down
	ErrUnavailable = errors.New("nvd: service unavailable")

	// ErrMalformedResponse means a 200 response body could not be decoded
	ErrMalformedResponse = errors.New("nvd: malformed response")
)

// FailureError is a non-retryable fetch failure: an unexpected status or a
// transport error.
type FailureError struct {
	StatusCode int
	Err        error
}

func (e *FailureError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("nvd: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("nvd: request failed: %v", e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Page is one successful response
type Page struct {
	StartIndex     int64
	ResultsPerPage int
	TotalResults   int64
	Records        []record.Record
	// Raw is the response body exactly as received
	Raw []byte
}

// Config contains client configuration
type Config struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	MinRequestInterval time.Duration
	UserAgent          string
}

// Client performs paginated retrieval, one page per call
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient creates a new NVD client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		userAgent: ua,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}, nil
}

// response mirrors the fields of the CVE API envelope the harvester reads
type response struct {
	ResultsPerPage  int              `json:"resultsPerPage"`
	StartIndex      int64            `json:"startIndex"`
	TotalResults    int64            `json:"totalResults"`
	Vulnerabilities *[]vulnerability `json:"vulnerabilities"`
}

type vulnerability struct {
	CVE json.RawMessage `json:"cve"`
}

// FetchPage requests pageSize records starting at startIndex.
// Throttling and unavailability are reported as ErrThrottled and
// ErrUnavailable; everything else that is not a 200 is a *FailureError.
func (c *Client) FetchPage(ctx context.Context, startIndex int64, pageSize int) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, startIndex, pageSize)
	if err != nil {
		return nil, &FailureError{Err: err}
	}

	c.logger.Debug("Fetching page", zap.String("url", req.URL.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FailureError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FailureError{Err: fmt.Errorf("failed to read body: %w", err)}
	}

	return decodePage(body)
}

func (c *Client) newRequest(ctx context.Context, startIndex int64, pageSize int) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("startIndex", strconv.FormatInt(startIndex, 10))
	q.Set("resultsPerPage", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}
	return req, nil
}

// classifyStatus maps an HTTP status to the fetch error taxonomy. NVD answers
// 403 when a caller exceeds its rolling request window.
func classifyStatus(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusForbidden, http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnavailable
	default:
		return &FailureError{StatusCode: code}
	}
}

func decodePage(body []byte) (*Page, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if r.Vulnerabilities == nil {
		return nil, fmt.Errorf("%w: missing vulnerabilities list", ErrMalformedResponse)
	}

	recs := make([]record.Record, 0, len(*r.Vulnerabilities))
	for i, v := range *r.Vulnerabilities {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(v.CVE, &head); err != nil || head.ID == "" {
			return nil, fmt.Errorf("%w: vulnerability %d has no cve id", ErrMalformedResponse, i)
		}
		recs = append(recs, record.Record{ID: head.ID, Payload: v.CVE})
	}

	return &Page{
		StartIndex:     r.StartIndex,
		ResultsPerPage: r.ResultsPerPage,
		TotalResults:   r.TotalResults,
		Records:        recs,
		Raw:            body,
	}, nil
}
