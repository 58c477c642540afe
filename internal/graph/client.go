package graph

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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// RequestTimeout is the fixed deadline applied to every request, covering
// token acquisition, the round trip and reading the body.
const RequestTimeout = 30 * time.Second

const (
	userAgent             = "graphdrive/0.1"
	headerClientRequestID = "client-request-id"
	headerRequestID       = "request-id"
	contentTypeJSON       = "application/json"
)

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs". TokenProvider is the real
// implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request describes one Graph call. Path is either relative to the client's
// base URL (already escaped, see driveref.Reference.URLPath) or an absolute
// URL such as an upload session URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader
}

// Response carries the parts of a successful response that are not in the
// decoded body.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Client is an HTTP client for the Microsoft Graph API. It authenticates
// every request, classifies failures and decodes JSON bodies. It never
// retries; see IsRetryable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer
	userAgent  string
	timeout    time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithMetrics records request counts and durations on m.
func WithMetrics(m *instrumentation.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a Graph API client.
// baseURL is typically DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: RequestTimeout}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		tracer:     instrumentation.Tracer(),
		userAgent:  userAgent,
		timeout:    RequestTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Send executes r and decodes a 2xx body into out (which may be nil).
//
// Authorization, Content-Type (application/json), User-Agent and a fresh
// client-request-id are set first; headers in r.Header replace them. A 204
// or an empty 2xx body decodes as "{}". Non-2xx responses return
// *HTTPError; a body that does not match out returns *DecodeError; a failed
// token fetch returns *AuthError. The returned Response is non-nil whenever
// the server answered.
func (c *Client) Send(ctx context.Context, r *Request, out any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "graph "+r.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(instrumentation.RequestAttributes(r.Method, reqID)...),
	)
	defer span.End()

	resp, err := c.send(ctx, r, reqID, out)
	if resp != nil {
		span.SetAttributes(attribute.Int(instrumentation.SpanAttrStatusCode, resp.StatusCode))
	}

	instrumentation.RecordSpanError(span, err)

	return resp, err
}

func (c *Client) send(ctx context.Context, r *Request, reqID string, out any) (*Response, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Err: err}
		}

		return nil, err
	}

	target, err := c.resolveURL(r.Path, r.Query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: building %s request: %v", ErrInvalidArgument, r.Method, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerClientRequestID, reqID)

	for k, v := range r.Header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}

	logPath := redactURL(req.URL)
	start := time.Now()

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGraphRequest(ctx, r.Method, 0, time.Since(start))

		return nil, fmt.Errorf("graph: %s %s: %w", r.Method, logPath, err)
	}
	defer httpResp.Body.Close()

	data, readErr := io.ReadAll(httpResp.Body)

	c.metrics.RecordGraphRequest(ctx, r.Method, httpResp.StatusCode, time.Since(start))

	info := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header}

	if readErr != nil {
		return info, fmt.Errorf("graph: reading %s %s response: %w", r.Method, logPath, readErr)
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		herr := newHTTPError(httpResp, data)

		c.logger.Debug("request failed",
			slog.String("method", r.Method),
			slog.String("path", logPath),
			slog.Int("status", httpResp.StatusCode),
			slog.String("request_id", herr.RequestID),
			slog.String("client_request_id", reqID),
		)

		return info, herr
	}

	c.logger.Debug("request succeeded",
		slog.String("method", r.Method),
		slog.String("path", logPath),
		slog.Int("status", httpResp.StatusCode),
		slog.Int("bytes", len(data)),
	)

	if httpResp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	if out == nil {
		return info, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return info, &DecodeError{StatusCode: httpResp.StatusCode, Target: fmt.Sprintf("%T", out), Err: err}
	}

	return info, nil
}

// resolveURL joins a relative path onto the base URL, or passes an absolute
// URL through, then appends query.
func (c *Client) resolveURL(path string, query url.Values) (string, error) {
	target := path
	if !strings.HasPrefix(path, "https://") && !strings.HasPrefix(path, "http://") {
		target = c.baseURL + "/" + strings.TrimPrefix(path, "/")
	}

	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("%w: malformed URL: %v", ErrInvalidArgument, err)
	}

	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}

		target += sep + query.Encode()
	}

	return target, nil
}

// newHTTPError parses a Graph error payload, falling back to the raw text.
func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	herr := &HTTPError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(headerRequestID),
		Body:       string(body),
		Err:        classifyStatus(resp.StatusCode),
	}

	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && (env.Error.Code != "" || env.Error.Message != "") {
		herr.Structured = env.Error

		if herr.RequestID == "" && env.Error.InnerError != nil {
			herr.RequestID = env.Error.InnerError.RequestID
		}
	}

	return herr
}

// redactURL drops the query string, which carries pre-authentication
// tokens on upload session URLs.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	return u.Host + u.EscapedPath()
}

// jsonBody marshals v for use as a Request body.
func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("graph: encoding request body: %w", err)
	}

	return bytes.NewReader(data), nil
}
