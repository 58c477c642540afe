package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

// DefaultScope requests every application permission granted to the app.
const DefaultScope = "https://graph.microsoft.com/.default"

// DefaultRefreshMargin is how long before expiry a cached token is replaced.
const DefaultRefreshMargin = 5 * time.Minute

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

const refreshKey = "token"

// Credentials identify an app registration. They are never logged: String
// and LogValue redact every field.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Validate reports missing fields without echoing their values.
func (c Credentials) Validate() error {
	switch {
	case c.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	case c.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrInvalidArgument)
	case c.ClientSecret == "":
		return fmt.Errorf("%w: client secret is required", ErrInvalidArgument)
	default:
		return nil
	}
}

func (c Credentials) String() string { return "graph.Credentials{redacted}" }

// GoString keeps %#v from printing the fields.
func (c Credentials) GoString() string { return c.String() }

// LogValue reports only which fields are set.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("tenant_set", c.TenantID != ""),
		slog.Bool("client_set", c.ClientID != ""),
		slog.Bool("secret_set", c.ClientSecret != ""),
	)
}

// AccessToken is one issued bearer token. Replaced wholesale on refresh.
type AccessToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresIn int64 // seconds
}

// fresh reports whether the token is still usable at now with the given
// safety margin. The margin is capped at half the lifetime so very short
// tokens are still used at least once.
func (t AccessToken) fresh(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}

	lifetime := time.Duration(t.ExpiresIn) * time.Second
	if margin > lifetime/2 {
		margin = lifetime / 2
	}

	return now.Sub(t.IssuedAt) < lifetime-margin
}

// TokenCache persists tokens across process runs. tokenfile.Store
// implements it.
type TokenCache interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// ProviderOption customises a TokenProvider.
type ProviderOption func(*TokenProvider)

// WithTokenURL overrides the Azure AD token endpoint.
func WithTokenURL(u string) ProviderOption {
	return func(p *TokenProvider) { p.cfg.TokenURL = u }
}

// WithTokenHTTPClient sets the client used for the credential exchange.
func WithTokenHTTPClient(hc *http.Client) ProviderOption {
	return func(p *TokenProvider) { p.httpClient = hc }
}

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) ProviderOption {
	return func(p *TokenProvider) { p.margin = d }
}

// WithTokenCache seeds from and writes through to cache.
func WithTokenCache(cache TokenCache) ProviderOption {
	return func(p *TokenProvider) { p.cache = cache }
}

// WithProviderMetrics records credential exchanges on m.
func WithProviderMetrics(m *instrumentation.Metrics) ProviderOption {
	return func(p *TokenProvider) { p.metrics = m }
}

// TokenProvider runs the OAuth2 client-credentials flow against Azure AD and
// caches the resulting token. Concurrent callers that find the cache stale
// share one in-flight exchange.
type TokenProvider struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	margin     time.Duration
	cache      TokenCache
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	nowFunc    func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	current AccessToken
}

// NewTokenProvider validates creds and builds a provider. No network call
// is made until the first Token.
func NewTokenProvider(creds Credentials, logger *slog.Logger, opts ...ProviderOption) (*TokenProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &TokenProvider{
		cfg: clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     microsoft.AzureADEndpoint(creds.TenantID).TokenURL,
			Scopes:       []string{DefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: &http.Client{Timeout: RequestTimeout},
		margin:     DefaultRefreshMargin,
		logger:     logger,
		nowFunc:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.seedFromCache()

	return p, nil
}

// Token returns a valid bearer token value.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	at, err := p.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	return at.Value, nil
}

// AccessToken returns the cached token, refreshing it first when missing or
// stale. A caller whose ctx ends while waiting gets an *AuthError; the
// shared exchange continues for the others.
func (p *TokenProvider) AccessToken(ctx context.Context) (AccessToken, error) {
	if at, ok := p.cached(); ok {
		return at, nil
	}

	ch := p.group.DoChan(refreshKey, func() (any, error) {
		// A flight that finished just before this one started may have
		// already stored a fresh token.
		if at, ok := p.cached(); ok {
			return at, nil
		}

		return p.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}

		at, _ := res.Val.(AccessToken)

		return at, nil
	case <-ctx.Done():
		return AccessToken{}, &AuthError{Err: ctx.Err()}
	}
}

// Invalidate drops the cached token so the next call exchanges again.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.current = AccessToken{}
	p.mu.Unlock()
}

func (p *TokenProvider) cached() (AccessToken, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.current, p.current.fresh(p.nowFunc(), p.margin)
}

func (p *TokenProvider) refresh(ctx context.Context) (AccessToken, error) {
	issued := p.nowFunc()

	tok, err := p.cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient))
	if err != nil {
		p.metrics.RecordTokenRefresh(ctx, instrumentation.ResultError)
		p.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		return AccessToken{}, &AuthError{Err: err}
	}

	at := accessTokenFrom(tok, issued)

	p.mu.Lock()
	p.current = at
	p.mu.Unlock()

	p.metrics.RecordTokenRefresh(ctx, instrumentation.ResultSuccess)
	p.logger.Debug("access token acquired", slog.Int64("expires_in", at.ExpiresIn))

	if p.cache != nil {
		if err := p.cache.Save(tok); err != nil {
			p.logger.Warn("saving token cache failed", slog.String("error", err.Error()))
		}
	}

	return at, nil
}

// seedFromCache loads a persisted token that has not yet expired.
func (p *TokenProvider) seedFromCache() {
	if p.cache == nil {
		return
	}

	tok, err := p.cache.Load()
	if err != nil {
		p.logger.Warn("loading token cache failed", slog.String("error", err.Error()))
		return
	}

	if tok == nil || tok.AccessToken == "" || tok.Expiry.IsZero() {
		return
	}

	now := p.nowFunc()
	if !tok.Expiry.After(now) {
		return
	}

	p.current = AccessToken{
		Value:     tok.AccessToken,
		IssuedAt:  now,
		ExpiresIn: int64(tok.Expiry.Sub(now) / time.Second),
	}

	p.logger.Debug("using cached access token", slog.Int64("expires_in", p.current.ExpiresIn))
}

func accessTokenFrom(tok *oauth2.Token, issued time.Time) AccessToken {
	lifetime := defaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(issued)
	}

	return AccessToken{
		Value:     tok.AccessToken,
		IssuedAt:  issued,
		ExpiresIn: int64(lifetime / time.Second),
	}
}
