package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testCreds = Credentials{TenantID: "tenant-1", ClientID: "client-1", ClientSecret: "s3cret"}

// tokenServer issues sequential tokens ("tok-1", "tok-2", ...) after delay
// and counts exchanges.
func tokenServer(t *testing.T, delay time.Duration, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, DefaultScope, r.PostForm.Get("scope"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		time.Sleep(delay)

		w.Header().Set("Content-Type", "application/json")

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"bad secret"}`))

			return
		}

		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func newTestProvider(t *testing.T, tokenURL string, opts ...ProviderOption) *TokenProvider {
	t.Helper()

	opts = append([]ProviderOption{WithTokenURL(tokenURL), WithTokenHTTPClient(http.DefaultClient)}, opts...)

	p, err := NewTokenProvider(testCreds, slog.Default(), opts...)
	require.NoError(t, err)

	return p
}

func TestTokenProvider_ConcurrentCallersShareOneExchange(t *testing.T) {
	srv, calls := tokenServer(t, 100*time.Millisecond, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	const callers = 10

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]string, callers)
		errs  = make([]error, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start
			got[i], errs[i] = p.Token(context.Background())
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-1", got[i])
	}
}

func TestTokenProvider_CachesUntilStale(t *testing.T) {
	srv, calls := tokenServer(t, 0, http.StatusOK)

	var offset atomic.Int64

	p := newTestProvider(t, srv.URL)
	p.nowFunc = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	at, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", at.Value)
	assert.InDelta(t, 3600, at.ExpiresIn, 5)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	// Inside the 5 minute safety margin: refresh.
	offset.Store(int64(56 * time.Minute))

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProvider_Invalidate(t *testing.T) {
	srv, calls := tokenServer(t, 0, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	p.Invalidate()

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProvider_RejectedCredentials(t *testing.T) {
	srv, _ := tokenServer(t, 0, http.StatusUnauthorized)
	p := newTestProvider(t, srv.URL)

	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.NotContains(t, err.Error(), testCreds.ClientSecret)
}

func TestTokenProvider_CallerContextCanceled(t *testing.T) {
	srv, _ := tokenServer(t, 300*time.Millisecond, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Token(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// memCache is an in-memory TokenCache.
type memCache struct {
	mu    sync.Mutex
	tok   *oauth2.Token
	saves int
}

func (m *memCache) Load() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tok, nil
}

func (m *memCache) Save(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tok = tok
	m.saves++

	return nil
}

func TestTokenProvider_SeedsFromCache(t *testing.T) {
	srv, calls := tokenServer(t, 0, http.StatusOK)
	cache := &memCache{tok: &oauth2.Token{AccessToken: "cached", Expiry: time.Now().Add(time.Hour)}}

	p := newTestProvider(t, srv.URL, WithTokenCache(cache))

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTokenProvider_ExpiredCacheIsIgnoredAndRewritten(t *testing.T) {
	srv, calls := tokenServer(t, 0, http.StatusOK)
	cache := &memCache{tok: &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Minute)}}

	p := newTestProvider(t, srv.URL, WithTokenCache(cache))

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.saves)
	assert.Equal(t, "tok-1", cache.tok.AccessToken)
}

func TestNewTokenProvider_ValidatesCredentials(t *testing.T) {
	_, err := NewTokenProvider(Credentials{TenantID: "t", ClientID: "c"}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCredentials_NeverPrinted(t *testing.T) {
	s := fmt.Sprintf("%v %+v %#v %s", testCreds, testCreds, testCreds, testCreds)
	assert.NotContains(t, s, "s3cret")
	assert.NotContains(t, s, "client-1")
	assert.NotContains(t, s, "tenant-1")

	v := testCreds.LogValue()
	assert.NotContains(t, v.String(), "s3cret")
}

func TestAccessToken_Fresh(t *testing.T) {
	now := time.Now()

	assert.False(t, AccessToken{}.fresh(now, time.Minute))
	assert.True(t, AccessToken{Value: "x", IssuedAt: now, ExpiresIn: 3600}.fresh(now.Add(30*time.Minute), 5*time.Minute))
	assert.False(t, AccessToken{Value: "x", IssuedAt: now, ExpiresIn: 3600}.fresh(now.Add(56*time.Minute), 5*time.Minute))
	// Margin capped at half of a short lifetime.
	assert.True(t, AccessToken{Value: "x", IssuedAt: now, ExpiresIn: 60}.fresh(now.Add(10*time.Second), 5*time.Minute))
}
