// Package transport carries envelopes between stages over JSON/HTTP with
// bounded retries, per-attempt timeouts, per-peer circuit breakers and
// optional rate limits.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// Endpoints maps each stage to its base URL.
type Endpoints map[model.StageName]string

// EndpointsFromConfig builds Endpoints from the stages config section.
func EndpointsFromConfig(cfg config.StagesConfig) Endpoints {
	return Endpoints{
		model.StageClassifier:  strings.TrimRight(cfg.Classifier, "/"),
		model.StageDiagnosis:   strings.TrimRight(cfg.Diagnosis, "/"),
		model.StageRemediation: strings.TrimRight(cfg.Remediation, "/"),
	}
}

// Options tunes a Client.
type Options struct {
	Retry            resilience.RetryConfig
	Timeout          time.Duration
	HealthTimeout    time.Duration
	Circuit          resilience.CircuitBreakerConfig
	RateLimit        rate.Limit
	RateBurst        int
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// OptionsFromConfig converts the transport config section.
func OptionsFromConfig(tc config.TransportConfig) Options {
	return Options{
		Retry:            resilience.FromRetryConfig(tc.Retry),
		Timeout:          time.Duration(tc.TimeoutSecs) * time.Second,
		HealthTimeout:    time.Duration(tc.HealthTimeoutSecs) * time.Second,
		Circuit:          resilience.FromCircuitConfig(tc),
		RateLimit:        rate.Limit(tc.RateLimitRPS),
		RateBurst:        tc.RateLimitBurst,
		MaxResponseBytes: tc.MaxResponseBytes,
	}
}

// Echoer is implemented by responses that echo the correlation id.
type Echoer interface {
	EchoRecordID() string
}

// Client calls peer stages.
type Client struct {
	self      model.StageName
	endpoints Endpoints
	opts      Options
	http      *http.Client
	breakers  *resilience.Breakers
	log       *zap.Logger

	mu       sync.Mutex
	limiters map[model.StageName]*rate.Limiter
}

// NewClient creates a Client used by stage self to reach endpoints.
func NewClient(self model.StageName, endpoints Endpoints, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	log := zap.L().With(zap.String("component", "transport"), zap.String("stage", string(self)))

	circuit := opts.Circuit
	circuit.ShouldTrip = func(err error) bool { return KindOf(err).Retryable() }
	breakers := resilience.NewBreakers(circuit, func(peer string, from, to resilience.CircuitState) {
		log.Warn("circuit state change",
			zap.String("peer", peer),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})

	return &Client{
		self:      self,
		endpoints: endpoints,
		opts:      opts,
		http:      hc,
		breakers:  breakers,
		log:       log,
		limiters:  make(map[model.StageName]*rate.Limiter),
	}
}

// Call sends env to target's route and decodes the 2xx response into out.
// The first attempt carries env's attempt_number and each retry increments
// it. If out is an Echoer, a response carrying a different record_id is
// MALFORMED. The returned error, if any, is a *Error.
func (c *Client) Call(ctx context.Context, target model.StageName, route string, env model.Envelope, out any) error {
	first := env.AttemptNumber
	if first < 1 {
		first = 1
	}
	return c.send(ctx, target, http.MethodPost, route, c.opts.Retry, env.RecordID, func(attempt int) (any, error) {
		return env.WithAttempt(first + attempt - 1), nil
	}, out)
}

// Post sends body to target's route with the same retry policy as Call.
func (c *Client) Post(ctx context.Context, target model.StageName, route string, body, out any) error {
	return c.send(ctx, target, http.MethodPost, route, c.opts.Retry, "", func(int) (any, error) {
		return body, nil
	}, out)
}

// Get fetches target's path into out.
func (c *Client) Get(ctx context.Context, target model.StageName, path string, out any) error {
	return c.send(ctx, target, http.MethodGet, path, c.opts.Retry, "", nil, out)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Stage   model.StageName `json:"stage"`
	Ready   bool            `json:"ready"`
	Version string          `json:"version"`
}

// Health makes a single short GET /health against target.
func (c *Client) Health(ctx context.Context, target model.StageName) (HealthResponse, error) {
	var out HealthResponse
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()
	err := c.send(ctx, target, http.MethodGet, "/health", resilience.RetryConfig{MaxAttempts: 1}, "", nil, &out)
	return out, err
}

// BreakerStates reports the circuit state toward every peer called so far.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}

func (c *Client) send(
	ctx context.Context,
	target model.StageName,
	method, route string,
	retry resilience.RetryConfig,
	recordID string,
	body func(attempt int) (any, error),
	out any,
) error {
	base, ok := c.endpoints[target]
	if !ok || base == "" {
		return &Error{Kind: KindUnreachable, Target: target, Route: route, Err: eris.Errorf("no endpoint for stage %q", target)}
	}

	retry.ShouldRetry = func(err error) bool { return KindOf(err).Retryable() }
	retry.OnRetry = resilience.RetryLogger(string(c.self), method+" "+route,
		zap.String("target", string(target)),
		zap.String("record_id", recordID),
	)

	attempts, err := resilience.DoAttempt(ctx, retry, func(ctx context.Context, attempt int) error {
		var payload any
		if body != nil {
			p, err := body(attempt)
			if err != nil {
				return newError(KindMalformed, target, route, 0, err)
			}
			payload = p
		}
		return c.attempt(ctx, target, base, method, route, recordID, payload, out)
	})
	if err == nil {
		return nil
	}

	var te *Error
	if !errors.As(err, &te) {
		te = newError(KindUnreachable, target, route, 0, err)
	}
	te.Attempts = attempts
	c.log.Warn("call failed",
		zap.String("target", string(target)),
		zap.String("route", route),
		zap.String("record_id", recordID),
		zap.String("kind", string(te.Kind)),
		zap.Int("attempts", attempts),
		zap.Error(te.Err),
	)
	return te
}

func (c *Client) attempt(ctx context.Context, target model.StageName, base, method, route, recordID string, payload, out any) error {
	if lim := c.limiter(target); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return newError(KindUnreachable, target, route, 0, eris.Wrap(err, "rate limit wait"))
		}
	}

	// An open circuit still consumes an attempt so the per-hop bound holds.
	cb := c.breakers.For(string(target))
	if err := cb.Allow(); err != nil {
		return newError(KindUnreachable, target, route, 0, err)
	}
	err := c.roundTrip(ctx, target, base, method, route, recordID, payload, out)
	cb.Record(err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, target model.StageName, base, method, route, recordID string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return newError(KindMalformed, target, route, 0, eris.Wrap(err, "marshal request"))
		}
		reader = bytes.NewReader(b)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, base+route, reader)
	if err != nil {
		return newError(KindMalformed, target, route, 0, eris.Wrap(err, "create request"))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderStage, string(c.self))
	if recordID != "" {
		req.Header.Set(HeaderRecordID, recordID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return newError(classifyDoErr(attemptCtx, err), target, route, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes))
	if err != nil {
		return newError(classifyDoErr(attemptCtx, err), target, route, resp.StatusCode, eris.Wrap(err, "read response"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(target, route, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return newError(KindMalformed, target, route, resp.StatusCode, eris.Wrap(err, "decode response"))
	}
	if e, ok := out.(Echoer); ok && recordID != "" && e.EchoRecordID() != recordID {
		return newError(KindMalformed, target, route, resp.StatusCode,
			eris.Errorf("response echoed record_id %q, sent %q", e.EchoRecordID(), recordID))
	}
	return nil
}

// statusError prefers the kind carried in a typed error body over the one
// implied by the status code.
func statusError(target model.StageName, route string, status int, body []byte) *Error {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Kind != "" {
		kind := eb.Error.Kind
		switch kind {
		case KindTimeout, KindUnreachable, KindMalformed, KindBusiness:
		default:
			kind = classifyStatus(status)
		}
		return newError(kind, target, route, status, errors.New(eb.Error.Message))
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return newError(classifyStatus(status), target, route, status, eris.Errorf("unexpected status %d: %s", status, msg))
}

func (c *Client) limiter(target model.StageName) *rate.Limiter {
	if c.opts.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[target]
	if !ok {
		lim = rate.NewLimiter(c.opts.RateLimit, c.opts.RateBurst)
		c.limiters[target] = lim
	}
	return lim
}
