// Package proxy forwards client requests to service instances.
//
// Each request is routed, authenticated against the route's requirements and
// sent to a healthy instance. Retry-safe requests that fail at the transport
// level, or with a gateway-class status, are retried with exponential backoff,
// cycling through the instances whose breakers still admit calls.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/metrics"
	"github.com/telhawk-systems/backbone/common/middleware"
	"github.com/telhawk-systems/backbone/gateway/internal/accesslog"
	"github.com/telhawk-systems/backbone/gateway/internal/breaker"
	"github.com/telhawk-systems/backbone/gateway/internal/ratelimit"
	"github.com/telhawk-systems/backbone/gateway/internal/registry"
	"github.com/telhawk-systems/backbone/gateway/internal/routes"
)

var tracer = otel.Tracer("github.com/telhawk-systems/backbone/gateway/internal/proxy")

// MaxBodyBytes bounds request bodies buffered for retries.
const MaxBodyBytes = 1 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options assemble a Proxy.
type Options struct {
	Routes    *routes.Table
	Registry  *registry.Registry
	Breakers  *breaker.Set
	Auth      *authz.Authenticator
	Limiter   ratelimit.RateLimiter // nil disables rate limiting
	AccessLog accesslog.Sink
	Retry     config.RetryConfig
	Client    *http.Client // nil uses a client on the default transport
	Logger    *logging.Logger
}

// Proxy is the gateway's request handler.
type Proxy struct {
	routes     *routes.Table
	registry   *registry.Registry
	breakers   *breaker.Set
	auth       *authz.Authenticator
	limiter    ratelimit.RateLimiter
	sink       accesslog.Sink
	retry      config.RetryConfig
	client     *http.Client
	logger     *logging.Logger
	propagator propagation.TextMapPropagator
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Proxy.
func New(o Options) *Proxy {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.NoOpRateLimiter{}
	}
	if o.AccessLog == nil {
		o.AccessLog = accesslog.NewLogSink(o.Logger)
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 1
	}
	return &Proxy{
		routes:     o.Routes,
		registry:   o.Registry,
		breakers:   o.Breakers,
		auth:       o.Auth,
		limiter:    o.Limiter,
		sink:       o.AccessLog,
		retry:      o.Retry,
		client:     o.Client,
		logger:     o.Logger,
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		sleep:      sleepContext,
	}
}

// exchange tracks one request through the gateway for the access log.
type exchange struct {
	entry accesslog.Entry
	start time.Time
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{
		start: time.Now(),
		entry: accesslog.Entry{
			CorrelationID: middleware.GetCorrelationID(r.Context()),
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      httputil.GetClientIP(r),
		},
	}
	defer p.finish(r.Context(), x)

	route, err := p.routes.Lookup(r.Method, r.URL.Path)
	if err != nil {
		p.reject(w, x, apperrors.NotFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
		return
	}
	x.entry.Route = route.Name

	ctx := r.Context()
	if !route.Anonymous {
		claims, err := p.auth.Authenticate(ctx, r.Header.Get("Authorization"))
		if err != nil {
			p.reject(w, x, err)
			return
		}
		x.entry.Subject = claims.Subject
		if len(route.Roles) > 0 {
			if err := p.auth.Authorize(ctx, claims, route.Name, route.Roles...); err != nil {
				p.reject(w, x, err)
				return
			}
		}
		ctx = authz.WithClaims(ctx, claims)
	}

	if !p.allow(ctx, x) {
		metrics.RateLimitHits.WithLabelValues(route.Name).Inc()
		p.reject(w, x, apperrors.RateLimited("rate limit exceeded"))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		p.reject(w, x, err)
		return
	}

	if route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
		defer cancel()
	}
	ctx = p.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))

	p.forward(ctx, w, r, route, body, x)
}

func (p *Proxy) allow(ctx context.Context, x *exchange) bool {
	key := x.entry.Subject
	if key == "" {
		key = "ip:" + x.entry.ClientIP
	}
	ok, err := p.limiter.Allow(ctx, key)
	if err != nil {
		p.logger.WarnContext(ctx, "rate limiter unavailable, allowing request", logging.Error(err))
		return true
	}
	return ok
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "request body too large or unreadable")
	}
	return data, nil
}

// RetrySafe reports whether a request may be sent more than once.
func RetrySafe(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return r.Header.Get(httputil.HeaderIdempotencyKey) != ""
}

func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, route *routes.Route, body []byte, x *exchange) {
	ctx, span := tracer.Start(ctx, "gateway.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("route", route.Name),
			attribute.String("service", route.Service),
			attribute.String("http.method", r.Method),
		))
	defer span.End()

	candidates := p.registry.Candidates(route.Service)
	if len(candidates) == 0 {
		p.fail(w, x, span, apperrors.TransientUpstream("no healthy instance of "+route.Service))
		return
	}

	safe := RetrySafe(r)
	var lastErr error
	// refused counts consecutive breaker refusals; a full round of them ends the loop.
	refused := 0
	for i := 0; x.entry.Attempts < p.retry.MaxAttempts && refused < len(candidates); i++ {
		inst := candidates[i%len(candidates)]
		b := p.breakers.For(route.Service, inst.InstanceID)
		if err := b.Allow(ctx, p.probe(inst)); err != nil {
			refused++
			continue
		}
		refused = 0

		if x.entry.Attempts > 0 {
			if err := p.sleep(ctx, p.backoff(x.entry.Attempts)); err != nil {
				break
			}
		}
		x.entry.Attempts++
		x.entry.Upstream = inst.InstanceID

		resp, err := p.send(ctx, r, route, inst, body)
		if err == nil && !gatewayClass(resp.StatusCode) {
			b.Success()
			metrics.GatewayUpstreamAttempts.WithLabelValues(route.Service, "ok").Inc()
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("attempts", x.entry.Attempts))
			p.relay(w, resp, x)
			return
		}

		if ctx.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			break
		}
		if err == nil {
			err = fmt.Errorf("upstream %s returned %d", inst.InstanceID, resp.StatusCode)
			resp.Body.Close()
		}
		lastErr = err
		b.Failure()
		metrics.GatewayUpstreamAttempts.WithLabelValues(route.Service, "failed").Inc()
		p.logger.WarnContext(ctx, "upstream attempt failed",
			logging.Route(route.Name), logging.Instance(inst.InstanceID), logging.Error(err))

		if !safe {
			break
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		x.entry.Outcome = accesslog.OutcomeTimeout
		p.fail(w, x, span, apperrors.Timeout("upstream deadline exceeded"))
		return
	}
	if lastErr == nil {
		p.fail(w, x, span, apperrors.TransientUpstream(route.Service+" unavailable"))
		return
	}
	p.fail(w, x, span, apperrors.Wrap(apperrors.CodeTransientUpstream, lastErr, route.Service+" unavailable"))
}

// gatewayClass statuses mean the instance, not the request, failed.
func gatewayClass(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func (p *Proxy) send(ctx context.Context, r *http.Request, route *routes.Route, inst registry.Instance, body []byte) (*http.Response, error) {
	target := strings.TrimSuffix(inst.Address, "/") + route.UpstreamPath(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if id := middleware.GetCorrelationID(ctx); id != "" {
		req.Header.Set(middleware.HeaderCorrelationID, id)
	}
	if ip := httputil.GetClientIP(r); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Del(middleware.HeaderDeadline)
	middleware.SetDeadline(ctx, req.Header)
	p.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	return p.client.Do(req)
}

func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response, x *exchange) {
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		x.entry.Error = err.Error()
	}
	x.entry.Status = resp.StatusCode
	x.entry.Outcome = accesslog.OutcomeForwarded
}

// probe checks readiness, not liveness, so an instance that is up but cannot
// reach its store keeps its breaker open.
func (p *Proxy) probe(inst registry.Instance) breaker.Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(inst.Address, "/")+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("readiness probe returned %d", resp.StatusCode)
		}
		return nil
	}
}

func (p *Proxy) backoff(attempt int) time.Duration {
	d := p.retry.Backoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.retry.MaxBackoff > 0 && d >= p.retry.MaxBackoff {
			return p.retry.MaxBackoff
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Proxy) reject(w http.ResponseWriter, x *exchange, err error) {
	x.entry.Outcome = accesslog.OutcomeRejected
	x.entry.Status = apperrors.HTTPStatus(apperrors.CodeOf(err))
	x.entry.Error = err.Error()
	httputil.WriteAppError(w, err)
}

func (p *Proxy) fail(w http.ResponseWriter, x *exchange, span trace.Span, err error) {
	if x.entry.Outcome == "" {
		x.entry.Outcome = accesslog.OutcomeFailed
	}
	x.entry.Status = apperrors.HTTPStatus(apperrors.CodeOf(err))
	x.entry.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	httputil.WriteAppError(w, err)
}

func (p *Proxy) finish(ctx context.Context, x *exchange) {
	elapsed := time.Since(x.start)
	x.entry.Time = x.start.UTC()
	x.entry.LatencyMS = elapsed.Milliseconds()

	route := x.entry.Route
	if route == "" {
		route = "unmatched"
	}
	metrics.GatewayRequests.WithLabelValues(route, x.entry.Outcome, strconv.Itoa(x.entry.Status)).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	p.sink.Write(ctx, x.entry)
}
