package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", errors.New("token error")
}

// recordingTransport captures every outgoing request before delegating.
type recordingTransport struct {
	base     http.RoundTripper
	requests []*http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.requests = append(rt.requests, req)
	return rt.base.RoundTrip(req)
}

// newTestClient creates a Client pointing at the given httptest server.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	return NewClient(url, http.DefaultClient, staticToken("test-token"), slog.Default())
}

func TestSend_DefaultHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get("client-request-id"))
		assert.Equal(t, "/me/drive", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"d1","driveType":"business"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out driveResponse
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/me/drive"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "d1", out.ID)
}

func TestSend_CallerHeadersTakePrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer override", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Send(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "x",
		Header: http.Header{
			"content-type":  {"text/plain"},
			"Authorization": {"Bearer override"},
			"Prefer":        {"yes"},
		},
		Body: strings.NewReader("hello"),
	}, nil)
	require.NoError(t, err)
}

func TestSend_NoContentDecodesEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out map[string]any
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodDelete, Path: "item"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestSend_EmptyAcceptedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "https://monitor.example/1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out struct{ ID string }
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodPost, Path: "copy"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "https://monitor.example/1", resp.Header.Get("Location"))
}

func TestSend_StructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("request-id", "req-123")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "missing"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "req-123", he.RequestID)
	require.NotNil(t, he.Structured)
	assert.Equal(t, "itemNotFound", he.Code())
	assert.Contains(t, err.Error(), "itemNotFound")
}

func TestSend_UnparsableErrorBody(t *testing.T) {
	const raw = "<html>upstream exploded</html>"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(raw))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "x"}, &struct{}{})
	require.Error(t, err)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadGateway, he.StatusCode)
	assert.Equal(t, raw, he.Body)
	assert.Nil(t, he.Structured)
	assert.ErrorIs(t, err, ErrServerError)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestSend_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var out struct {
		ID string `json:"id"`
	}

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "x"}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusOK, de.StatusCode)
}

func TestSend_TokenFailureIsAuthError(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, failingToken{}, slog.Default())

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	var ae *AuthError
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSend_NoRetryOnServerError(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "x"}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSend_AbsoluteURLAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/session", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("tempauth"))
		assert.Equal(t, "id,name", r.URL.Query().Get("$select"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// Base URL deliberately wrong: absolute paths must bypass it.
	c := newTestClient(t, "http://127.0.0.1:1/v1.0")

	_, err := c.Send(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   srv.URL + "/upload/session?tempauth=abc",
		Query:  url.Values{"$select": {"id,name"}},
	}, nil)
	require.NoError(t, err)
}

func TestSend_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.timeout = 50 * time.Millisecond

	_, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "slow"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var he *HTTPError
	assert.False(t, errors.As(err, &he))
}

func TestSend_ContentLengthHeaderIsVisibleToTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "abc", string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rt := &recordingTransport{base: http.DefaultTransport}
	c := NewClient(srv.URL, &http.Client{Transport: rt}, staticToken("t"), slog.Default())

	_, err := c.Send(context.Background(), &Request{
		Method: http.MethodPut,
		Path:   "up",
		Header: http.Header{"Content-Length": {"1000"}},
		Body:   strings.NewReader("abc"),
	}, nil)
	require.NoError(t, err)

	require.Len(t, rt.requests, 1)
	assert.Equal(t, "1000", rt.requests[0].Header.Get("Content-Length"))
	assert.Equal(t, int64(3), rt.requests[0].ContentLength)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttled", &HTTPError{StatusCode: 429}, true},
		{"bandwidth", &HTTPError{StatusCode: 509}, true},
		{"gateway timeout", &HTTPError{StatusCode: 504}, true},
		{"not found", &HTTPError{StatusCode: 404}, false},
		{"auth", &AuthError{Err: errors.New("x")}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(200))
	assert.NoError(t, classifyStatus(204))
	assert.ErrorIs(t, classifyStatus(416), ErrRangeNotSatisfiable)
	assert.ErrorIs(t, classifyStatus(423), ErrLocked)
	assert.ErrorIs(t, classifyStatus(500), ErrServerError)
	assert.ErrorIs(t, classifyStatus(302), ErrUnexpectedStatus)
}
