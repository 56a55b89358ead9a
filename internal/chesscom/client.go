// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package chesscom is a single-attempt client for the Chess.com public
// archive API. Retries and rate limiting are layered on by the caller;
// every failure is returned as a classified *apierr.Error.
package chesscom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cardinalhq/chessbi/internal/apierr"
)

const (
	DefaultBaseURL   = "https://api.chess.com/pub"
	DefaultUserAgent = "ChessBI (contact: unknown)"

	maxBodyBytes    = 32 * 1024 * 1024
	maxSnippetBytes = 200
)

type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// Client issues GET requests against the archive API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	now        func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func New(cfg Config, userAgent string, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: userAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type archivesResponse struct {
	Archives *[]string `json:"archives"`
}

// ListArchives returns the monthly archive URLs the owner has upstream.
func (c *Client) ListArchives(ctx context.Context, owner string) ([]string, error) {
	const op = "list archives"
	u := fmt.Sprintf("%s/player/%s/games/archives", c.baseURL, url.PathEscape(owner))

	resp, err := c.get(ctx, op, u, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp, c.now())
	}
	body, err := readBody(op, resp)
	if err != nil {
		return nil, err
	}

	var ar archivesResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, apierr.Newf(apierr.KindValidationError, op, "invalid JSON from %s: %v", u, err)
	}
	if ar.Archives == nil {
		return nil, apierr.Newf(apierr.KindValidationError, op, "unexpected response from %s: missing 'archives' field", u)
	}
	return *ar.Archives, nil
}

// MonthResponse is the outcome of a successful monthly archive request.
type MonthResponse struct {
	// NotModified is set when the upstream confirmed the supplied tag.
	NotModified bool
	Status      int
	ETag        string
	Body        []byte
}

// FetchMonth requests one monthly archive. A non-empty etag makes the
// request conditional; a 304 answer comes back as NotModified.
func (c *Client) FetchMonth(ctx context.Context, archiveURL, etag string) (MonthResponse, error) {
	const op = "fetch month"

	resp, err := c.get(ctx, op, archiveURL, etag)
	if err != nil {
		return MonthResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return MonthResponse{NotModified: true, Status: resp.StatusCode, ETag: resp.Header.Get("ETag")}, nil
	case http.StatusOK:
		body, err := readBody(op, resp)
		if err != nil {
			return MonthResponse{}, err
		}
		return MonthResponse{Status: resp.StatusCode, ETag: resp.Header.Get("ETag"), Body: body}, nil
	default:
		return MonthResponse{}, statusError(op, resp, c.now())
	}
}

func (c *Client) get(ctx context.Context, op, u, etag string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamClientError, op, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierr.New(apierr.KindTransientNetwork, op, err)
	}
	return resp, nil
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.KindTransientNetwork, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return nil, &apierr.Error{Kind: apierr.KindValidationError, Op: op, Status: resp.StatusCode, Err: errors.New("response body too large")}
	}
	return body, nil
}

// statusError classifies a non-success response.
func statusError(op string, resp *http.Response, now time.Time) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippetBytes))
	e := &apierr.Error{
		Op:     op,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = apierr.KindUpstreamRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode >= 500:
		e.Kind = apierr.KindTransientNetwork
	default:
		e.Kind = apierr.KindUpstreamClientError
	}
	if len(snippet) == 0 {
		e.Err = fmt.Errorf("unexpected status %s", resp.Status)
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Anything else, or a
// time already past, yields zero so the computed backoff applies.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
