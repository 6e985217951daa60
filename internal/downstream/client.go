package downstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/version"
)

const tracerName = "github.com/vladislavdragonenkov/ordering/internal/downstream"

// ClientOptions задаёт зависимости Client.
type ClientOptions struct {
	Logger            *log.Entry
	TokenStore        TokenStore
	TokenSafetyMargin time.Duration
	HTTPClient        *http.Client
	Now               func() time.Time
}

// Option настраивает Client.
type Option func(*ClientOptions)

// WithLogger задаёт logger клиента.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

// WithTokenStore задаёт общий кэш токенов (например, Redis).
func WithTokenStore(store TokenStore) Option {
	return func(opts *ClientOptions) {
		opts.TokenStore = store
	}
}

// WithTokenSafetyMargin задаёт запас до истечения токена.
func WithTokenSafetyMargin(margin time.Duration) Option {
	return func(opts *ClientOptions) {
		opts.TokenSafetyMargin = margin
	}
}

// WithHTTPClient задаёт HTTP-клиент для вызовов и получения токенов.
func WithHTTPClient(client *http.Client) Option {
	return func(opts *ClientOptions) {
		opts.HTTPClient = client
	}
}

// WithClock подменяет часы circuit breaker и кэша токенов.
func WithClock(now func() time.Time) Option {
	return func(opts *ClientOptions) {
		opts.Now = now
	}
}

// Client доносит факты до внешних сервисов: токен, retry, circuit breaker и rate limit
// на каждый сервис. Реализует domain.DownstreamClient и domain.CircuitReporter.
type Client struct {
	endpoints map[domain.Target]*endpoint
	order     []domain.Target
	logger    *log.Entry
}

type endpoint struct {
	cfg     TargetConfig
	breaker *Breaker
	backoff []time.Duration
	limiter *rate.Limiter
	tokens  *tokenSource
	http    *resty.Client
	logger  *log.Entry
}

// NewClient создаёт клиента для перечисленных сервисов.
func NewClient(targets []TargetConfig, options ...Option) *Client {
	opts := ClientOptions{TokenSafetyMargin: defaultTokenSafetyMargin}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "downstream-client")
	}
	if opts.TokenStore == nil {
		opts.TokenStore = NewMemoryTokenStore()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenSafetyMargin < 0 {
		opts.TokenSafetyMargin = 0
	}

	c := &Client{endpoints: make(map[domain.Target]*endpoint, len(targets)), logger: opts.Logger}
	for _, cfg := range targets {
		cfg = cfg.withDefaults()
		logger := opts.Logger.WithField("target", string(cfg.Target))

		e := &endpoint{
			cfg:     cfg,
			breaker: NewBreaker(cfg.Target, cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenDuration, opts.Now),
			backoff: retryBackoff(cfg),
			http:    resty.NewWithClient(opts.HTTPClient).SetTimeout(cfg.Timeout),
			logger:  logger,
		}
		e.breaker.onChange = func(target domain.Target, status domain.CircuitStatus) {
			recordCircuitState(target, status)
			logger.WithField("state", string(status)).Warn("circuit state changed")
		}
		recordCircuitState(cfg.Target, domain.CircuitClosed)

		if cfg.RateLimit > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
		}
		if cfg.authenticated() {
			e.tokens = newTokenSource(cfg, opts.TokenStore, opts.TokenSafetyMargin, opts.HTTPClient, opts.Now, logger)
		}

		if _, exists := c.endpoints[cfg.Target]; !exists {
			c.order = append(c.order, cfg.Target)
		}
		c.endpoints[cfg.Target] = e
	}
	return c
}

// retryBackoff возвращает паузы между попытками: перед попыткой n+1 ждём BackoffBase·2^n.
func retryBackoff(cfg TargetConfig) []time.Duration {
	if cfg.MaxAttempts <= 1 {
		return nil
	}
	return retrier.ExponentialBackoff(cfg.MaxAttempts-1, 2*cfg.BackoffBase)
}

// Deliver выполняет синхронную попытку доставки. Никогда не ждёт дольше,
// чем позволяют MaxAttempts, паузы и таймауты запросов.
func (c *Client) Deliver(ctx context.Context, fact domain.Fact) domain.DeliveryResult {
	target := fact.Target()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "downstream.Deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ordering.fact.kind", string(fact.Kind)),
			attribute.String("ordering.fact.dedupe_key", fact.DedupeKey()),
			attribute.String("ordering.target", string(target)),
		),
	)
	defer span.End()

	start := time.Now()
	result := c.deliver(ctx, fact)
	downstreamDeliveryDuration.WithLabelValues(string(target)).Observe(time.Since(start).Seconds())
	downstreamDeliveries.WithLabelValues(string(target), string(result.Outcome)).Inc()

	span.SetAttributes(
		attribute.String("ordering.delivery.outcome", string(result.Outcome)),
		attribute.Int("ordering.delivery.attempts", result.Attempts),
	)
	if result.Outcome != domain.Delivered {
		span.SetStatus(codes.Error, result.Reason())
	}

	entry := c.logger.WithFields(log.Fields{
		"target":     string(target),
		"dedupe_key": fact.DedupeKey(),
		"outcome":    string(result.Outcome),
		"attempt":    result.Attempts,
	})
	switch result.Outcome {
	case domain.Delivered:
		entry.Debug("fact delivered")
	case domain.Rejected:
		entry.WithError(result.Err).Error("fact rejected by downstream service")
	default:
		entry.WithError(result.Err).Warn("downstream service unavailable")
	}
	return result
}

func (c *Client) deliver(ctx context.Context, fact domain.Fact) domain.DeliveryResult {
	e, ok := c.endpoints[fact.Target()]
	if !ok {
		return domain.DeliveryResult{
			Outcome: domain.Rejected,
			Err:     fmt.Errorf("%w: target %q is not configured", domain.ErrDownstreamRejected, fact.Target()),
		}
	}
	r, ok := routeFor(fact.Kind)
	if !ok {
		return domain.DeliveryResult{
			Outcome: domain.Rejected,
			Err:     fmt.Errorf("%w: no route for fact kind %q", domain.ErrDownstreamRejected, fact.Kind),
		}
	}
	return e.deliver(ctx, fact, r)
}

// Circuits возвращает снимки всех предохранителей в порядке конфигурации.
func (c *Client) Circuits() []domain.CircuitState {
	states := make([]domain.CircuitState, 0, len(c.order))
	for _, target := range c.order {
		states = append(states, c.endpoints[target].breaker.State())
	}
	return states
}

// attemptError описывает неуспешный ответ сервиса или сетевая ошибка одной попытки.
type attemptError struct {
	status    int
	retryable bool
	err       error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("unexpected status %d", e.status)
}

func (e *attemptError) Unwrap() error {
	return e.err
}

// attemptClassifier решает для retrier, повторять ли попытку.
type attemptClassifier struct{}

func (attemptClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var attemptErr *attemptError
	if errors.As(err, &attemptErr) && attemptErr.retryable {
		return retrier.Retry
	}
	return retrier.Fail
}

// retryableStatus: 404 тоже временный, у сервиса может отставать реплика.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

func (e *endpoint) deliver(ctx context.Context, fact domain.Fact, r route) domain.DeliveryResult {
	probe, err := e.breaker.Allow()
	if err != nil {
		return domain.DeliveryResult{Outcome: domain.Unavailable, Err: fmt.Errorf("%s: %w", e.cfg.Target, err)}
	}

	attempts := 0
	status := 0
	err = retrier.New(e.backoff, attemptClassifier{}).RunCtx(ctx, func(ctx context.Context) error {
		attempts++
		code, err := e.attempt(ctx, fact, r)
		status = code
		if err != nil {
			e.logger.WithError(err).WithFields(log.Fields{
				"dedupe_key": fact.DedupeKey(),
				"attempt":    attempts,
			}).Debug("delivery attempt failed")
		}
		return err
	})

	result := domain.DeliveryResult{StatusCode: status, Attempts: attempts}
	var attemptErr *attemptError
	switch {
	case err == nil:
		e.breaker.Success(probe)
		result.Outcome = domain.Delivered
	case ctx.Err() != nil:
		// отмена вызывающим нейтральна для circuit breaker
		e.breaker.Release(probe)
		result.Outcome = domain.Unavailable
		result.Err = fmt.Errorf("%w: %s: %w", domain.ErrDownstreamUnavailable, e.cfg.Target, ctx.Err())
	case errors.As(err, &attemptErr) && !attemptErr.retryable:
		// сервис отвечает, ошибка в запросе
		e.breaker.Success(probe)
		result.Outcome = domain.Rejected
		result.Err = fmt.Errorf("%w: %s responded %d", domain.ErrDownstreamRejected, e.cfg.Target, attemptErr.status)
	default:
		e.breaker.Failure(probe)
		result.Outcome = domain.Unavailable
		result.Err = fmt.Errorf("%w: %s: %w", domain.ErrDownstreamUnavailable, e.cfg.Target, err)
	}
	return result
}

func (e *endpoint) attempt(ctx context.Context, fact domain.Fact, r route) (int, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	code, err := e.send(ctx, fact, r)
	if err != nil {
		return 0, err
	}
	if code == http.StatusUnauthorized && e.tokens != nil {
		// токен отозван до expiry: берём новый и повторяем запрос один раз
		downstreamAttempts.WithLabelValues(string(e.cfg.Target), "unauthorized").Inc()
		e.tokens.Invalidate(ctx)
		if code, err = e.send(ctx, fact, r); err != nil {
			return 0, err
		}
	}

	if code >= 200 && code < 300 {
		downstreamAttempts.WithLabelValues(string(e.cfg.Target), "ok").Inc()
		return code, nil
	}
	retryable := retryableStatus(code)
	result := "rejected"
	if retryable {
		result = "retryable"
	}
	downstreamAttempts.WithLabelValues(string(e.cfg.Target), result).Inc()
	return code, &attemptError{status: code, retryable: retryable}
}

// send выполняет один HTTP-запрос и возвращает код ответа.
func (e *endpoint) send(ctx context.Context, fact domain.Fact, r route) (int, error) {
	req := e.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", fact.DedupeKey()).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())

	if e.tokens != nil {
		token, err := e.tokens.Token(ctx)
		if err != nil {
			downstreamAttempts.WithLabelValues(string(e.cfg.Target), "token_error").Inc()
			return 0, err
		}
		req.SetAuthToken(token)
	}
	if r.method != http.MethodDelete && len(fact.Payload) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody(fact.Payload)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	url := strings.TrimRight(e.cfg.BaseURL, "/") + r.path(fact.SubjectID)
	resp, err := req.Execute(r.method, url)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		downstreamAttempts.WithLabelValues(string(e.cfg.Target), "network_error").Inc()
		return 0, &attemptError{retryable: true, err: err}
	}
	return resp.StatusCode(), nil
}

var (
	_ domain.DownstreamClient = (*Client)(nil)
	_ domain.CircuitReporter  = (*Client)(nil)
)
