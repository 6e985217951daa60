package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenSafetyMargin = 30 * time.Second
	defaultTokenFetchTimeout = 10 * time.Second
)

// errTokenUnavailable — не удалось получить токен; вызов не выполняется.
var errTokenUnavailable = errors.New("token unavailable")

type discoveryDocument struct {
	TokenEndpoint string `json:"token_endpoint"`
}

// tokenSource получает токены по client-credentials для одного сервиса
// и кэширует их до expiry - margin. Одновременные промахи кэша делят один запрос.
type tokenSource struct {
	cfg        TargetConfig
	store      TokenStore
	margin     time.Duration
	http       *resty.Client
	httpClient *http.Client
	now        func() time.Time
	logger     *log.Entry

	group singleflight.Group

	mu       sync.Mutex
	tokenURL string
}

func newTokenSource(cfg TargetConfig, store TokenStore, margin time.Duration, httpClient *http.Client, now func() time.Time, logger *log.Entry) *tokenSource {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.WithField("component", "downstream-tokens")
	}
	return &tokenSource{
		cfg:        cfg,
		store:      store,
		margin:     margin,
		http:       resty.NewWithClient(httpClient).SetTimeout(cfg.Timeout),
		httpClient: httpClient,
		now:        now,
		logger:     logger,
		tokenURL:   cfg.TokenURL,
	}
}

func (s *tokenSource) cacheKey() string {
	return string(s.cfg.Target) + ":" + s.cfg.ClientID
}

// Token возвращает действующий access token.
// Общий запрос за токеном не зависит от ctx вызывающего: отмена одного
// ожидающего не обрывает его для остальных.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if token := s.cached(ctx); token != nil {
		return token.AccessToken, nil
	}

	ch := s.group.DoChan(s.cacheKey(), func() (any, error) {
		fetchCtx, cancel := s.fetchContext(ctx)
		defer cancel()

		if token := s.cached(fetchCtx); token != nil {
			return token, nil
		}
		token, err := s.fetch(fetchCtx)
		if err != nil {
			downstreamTokenFetches.WithLabelValues(string(s.cfg.Target), "error").Inc()
			return nil, err
		}
		downstreamTokenFetches.WithLabelValues(string(s.cfg.Target), "ok").Inc()
		if err := s.store.Save(fetchCtx, s.cacheKey(), token); err != nil {
			s.logger.WithError(err).Warn("failed to cache token")
		}
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %w", errTokenUnavailable, res.Err)
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

func (s *tokenSource) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTokenFetchTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Invalidate удаляет токен из кэша (сервис ответил 401).
func (s *tokenSource) Invalidate(ctx context.Context) {
	if err := s.store.Delete(ctx, s.cacheKey()); err != nil {
		s.logger.WithError(err).Warn("failed to invalidate token")
	}
}

func (s *tokenSource) cached(ctx context.Context) *oauth2.Token {
	token, err := s.store.Load(ctx, s.cacheKey())
	if err != nil {
		s.logger.WithError(err).Warn("token cache unavailable")
		return nil
	}
	if token == nil || token.AccessToken == "" {
		return nil
	}
	if !token.Expiry.IsZero() && !s.now().Add(s.margin).Before(token.Expiry) {
		return nil
	}
	return token
}

func (s *tokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	tokenURL, err := s.resolveTokenURL(ctx)
	if err != nil {
		return nil, err
	}

	cfg := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       strings.Fields(s.cfg.Scope),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials exchange: %w", err)
	}
	return token, nil
}

// resolveTokenURL находит token endpoint через OIDC discovery и запоминает его.
func (s *tokenSource) resolveTokenURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokenURL != "" {
		return s.tokenURL, nil
	}

	discoveryURL := strings.TrimRight(s.cfg.Authority, "/") + "/.well-known/openid-configuration"
	resp, err := s.http.R().SetContext(ctx).SetHeader("Accept", "application/json").Get(discoveryURL)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("oidc discovery: unexpected status %d", resp.StatusCode())
	}

	var doc discoveryDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", errors.New("discovery document has no token_endpoint")
	}

	s.tokenURL = doc.TokenEndpoint
	return s.tokenURL, nil
}
