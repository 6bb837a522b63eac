// Package gateway wraps every network call the sync core makes. It
// attaches the current access token, recovers transparently from an
// expired token by refreshing and retrying exactly once, and normalizes
// transport and API failures into a small error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/threesixty/tripsync-go/session"
)

var (
	// ErrAuthExpired indicates the access token was rejected and the
	// refresh-and-retry path could not recover. The app should
	// transition to logged out.
	ErrAuthExpired = errors.New("gateway: authorization expired")

	// ErrNetworkUnavailable indicates a transport-level failure. It is
	// not retried here; retry policy belongs to the caller.
	ErrNetworkUnavailable = errors.New("gateway: network unavailable")
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-marshaled when non-nil.
	Body any
}

// Gateway issues requests against the API base URL on behalf of the
// session.
type Gateway struct {
	base    *url.URL
	client  *http.Client
	sess    *session.Manager
	log     *slog.Logger
	preAuth map[string]struct{}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the underlying HTTP client. The transport's
// default timeout applies; the gateway adds no timeout of its own.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithPreAuthPaths replaces the set of endpoints that are called
// without a bearer token.
func WithPreAuthPaths(paths ...string) Option {
	return func(g *Gateway) {
		g.preAuth = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.preAuth[p] = struct{}{}
		}
	}
}

// DefaultPreAuthPaths are the endpoints reachable before
// authentication.
var DefaultPreAuthPaths = []string{
	"/auth/send-otp/",
	"/auth/verify-otp/",
	"/auth/refresh/",
}

// New creates a Gateway for the given API base URL.
func New(baseURL string, sess *session.Manager, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	g := &Gateway{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
		sess:   sess,
		log:    slog.Default(),
	}
	WithPreAuthPaths(DefaultPreAuthPaths...)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Do issues the request and returns the raw response body. On an
// authorization failure it refreshes the session and retries the
// original request exactly once; any further failure propagates the
// original authorization error. Non-auth failures are never retried.
func (g *Gateway) Do(ctx context.Context, req *Request) ([]byte, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode body: %w", err)
		}
	}

	_, preAuth := g.preAuth[req.Path]

	body, status, err := g.attempt(ctx, req, payload, !preAuth)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized {
		return g.finish(req, body, status)
	}
	if preAuth {
		return g.finish(req, body, status)
	}

	// The access token was rejected. Refresh (single-flight across all
	// concurrent failures) and retry once with the new token.
	authErr := fmt.Errorf("%w: %v", ErrAuthExpired, apiError(status, body))
	if rerr := g.sess.Refresh(ctx); rerr != nil {
		g.log.WarnContext(ctx, "gateway.refresh.fail", slog.String("path", req.Path), slog.String("err", rerr.Error()))
		return nil, authErr
	}

	g.log.InfoContext(ctx, "gateway.request.retry", slog.String("path", req.Path))
	body, status, err = g.attempt(ctx, req, payload, true)
	if err != nil || status == http.StatusUnauthorized {
		return nil, authErr
	}
	return g.finish(req, body, status)
}

// DoJSON issues the request and decodes a JSON response body into out.
// A 2xx response with a non-JSON content type is an error.
func (g *Gateway) DoJSON(ctx context.Context, req *Request, out any) error {
	body, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway: decode %s response: %w", req.Path, err)
	}
	return nil
}

func (g *Gateway) attempt(ctx context.Context, req *Request, payload []byte, attach bool) (body []byte, status int, err error) {
	u := *g.base
	u.Path = strings.TrimSuffix(u.Path, "/") + req.Path
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: build request: %w", err)
	}
	if payload != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")
	if attach {
		if tok := g.sess.AccessToken(); tok != "" {
			hr.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := g.client.Do(hr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %v", ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 400 && len(body) > 0 {
		ctype := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
		if !ctype.Matches(jsonMediaType) {
			return nil, 0, fmt.Errorf("gateway: unexpected content type %q for %s", resp.Header.Get("Content-Type"), req.Path)
		}
	}
	return body, resp.StatusCode, nil
}

func (g *Gateway) finish(req *Request, body []byte, status int) ([]byte, error) {
	if status >= 400 {
		return nil, apiError(status, body)
	}
	return body, nil
}

// apiError extracts the server's error shape: {"error": "..."} for
// domain failures, {"detail": "..."} for framework ones.
func apiError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var shape struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(body, &shape); err == nil {
		e.Code = shape.Code
		if shape.Error != "" {
			e.Message = shape.Error
		} else {
			e.Message = shape.Detail
		}
	}
	return e
}
