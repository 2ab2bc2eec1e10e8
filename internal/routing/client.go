// Package routing provides a client for an OSRM-compatible routing backend
// that computes duration/distance tables between sets of coordinates.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64
	Lat float64
}

// Table is the result of a matrix request. Entries are nil when the backend
// found no route. Durations are seconds, distances meters.
type Table struct {
	Durations [][]*float64 `json:"durations"`
	Distances [][]*float64 `json:"distances"`
}

// Router computes travel-time tables.
type Router interface {
	// Matrix returns the table from every source to every destination.
	Matrix(ctx context.Context, profile string, sources, destinations []Point) (*Table, error)
	// Ready returns nil if the backend serves profile.
	Ready(ctx context.Context, profile string) error
	// Start asks the backend manager to start serving profile.
	Start(ctx context.Context, profile string) error
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithManagerURL sets the URL of the service that starts routing instances.
func WithManagerURL(u string) Option {
	return func(c *Client) {
		c.managerURL = strings.TrimRight(u, "/")
	}
}

// WithRateLimit caps requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			c.limiter = nil
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// Client talks to an OSRM-compatible backend.
type Client struct {
	baseURL    string
	managerURL string
	http       *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	breaker    *Breaker
	log        *zap.Logger
}

var _ Router = (*Client)(nil)

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:   DefaultRetryConfig(),
		breaker: NewBreaker(5, 30*time.Second),
		log:     zap.L().With(zap.String("component", "routing")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Durations [][]*float64 `json:"durations"`
	Distances [][]*float64 `json:"distances"`
}

// tableURL builds /table/v1/{profile}/{coords}?sources=..&destinations=..
// with sources first in the coordinate list.
func (c *Client) tableURL(profile string, sources, destinations []Point) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/table/v1/")
	b.WriteString(profile)
	b.WriteByte('/')
	for i, p := range append(append([]Point(nil), sources...), destinations...) {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatFloat(p.Lon, 'f', 6, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Lat, 'f', 6, 64))
	}

	idx := func(from, n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = strconv.Itoa(from + i)
		}
		return strings.Join(parts, ";")
	}
	b.WriteString("?sources=")
	b.WriteString(idx(0, len(sources)))
	b.WriteString("&destinations=")
	b.WriteString(idx(len(sources), len(destinations)))
	b.WriteString("&annotations=duration,distance")
	return b.String()
}

// Matrix implements Router.
func (c *Client) Matrix(ctx context.Context, profile string, sources, destinations []Point) (*Table, error) {
	if len(sources) == 0 || len(destinations) == 0 {
		return &Table{}, nil
	}
	reqURL := c.tableURL(profile, sources, destinations)

	body, err := doVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, reqURL)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "routing: table %s %dx%d", profile, len(sources), len(destinations))
	}

	var resp tableResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "routing: unmarshal table")
	}
	if resp.Code != "Ok" {
		return nil, eris.Errorf("routing: table %s: %s %s", profile, resp.Code, resp.Message)
	}
	if len(resp.Durations) != len(sources) {
		return nil, eris.Errorf("routing: table %s: %d duration rows for %d sources", profile, len(resp.Durations), len(sources))
	}
	return &Table{Durations: resp.Durations, Distances: resp.Distances}, nil
}

// get performs one rate-limited GET through the circuit breaker.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "routing: rate limit wait")
		}
	}

	var body []byte
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "routing: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "routing: read response body")
		}
		// OSRM answers invalid queries with 400 and a JSON code.
		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
			return &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		return nil
	})
	return body, err
}

// Ready implements Router. Any answer below 500 from the table endpoint means
// the profile is served.
func (c *Client) Ready(ctx context.Context, profile string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/table/v1/%s/0,0", c.baseURL, profile), nil)
	if err != nil {
		return eris.Wrap(err, "routing: create readiness check")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(ErrNotReady, err.Error())
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return eris.Wrapf(ErrNotReady, "%s: status %d", profile, resp.StatusCode)
	}
	return nil
}

// Start implements Router.
func (c *Client) Start(ctx context.Context, profile string) error {
	if c.managerURL == "" {
		return ErrNoManager
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/run/%s", c.managerURL, profile), nil)
	if err != nil {
		return eris.Wrap(err, "routing: create start request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "routing: start %s", profile)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.Errorf("routing: start %s: status %d: %s", profile, resp.StatusCode, string(body))
	}

	c.log.Info("routing instance started", zap.String("profile", profile))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
