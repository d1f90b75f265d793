package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/heartbeat"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/middleware"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/gateway/internal/accesslog"
	"github.com/telhawk-systems/backbone/gateway/internal/breaker"
	"github.com/telhawk-systems/backbone/gateway/internal/ratelimit"
	"github.com/telhawk-systems/backbone/gateway/internal/registry"
	"github.com/telhawk-systems/backbone/gateway/internal/routes"
)

const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	entries []accesslog.Entry
}

func (s *recordingSink) Write(_ context.Context, e accesslog.Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *recordingSink) last(t *testing.T) accesslog.Entry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.entries)
	return s.entries[len(s.entries)-1]
}

// upstream is a fake service instance.
type upstream struct {
	*httptest.Server
	hits       atomic.Int32
	probes     atomic.Int32
	status     atomic.Int32
	unready    atomic.Bool
	failFirst  atomic.Int32
	delay      time.Duration
	mu         sync.Mutex
	lastPath   string
	lastQuery  string
	lastHeader http.Header
	lastBody   string
}

func newUpstream(t *testing.T, status int) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(int32(status))
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
			return
		case "/readyz":
			u.probes.Add(1)
			if u.unready.Load() || u.status.Load() >= 500 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		hit := u.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.lastPath = r.URL.Path
		u.lastQuery = r.URL.RawQuery
		u.lastHeader = r.Header.Clone()
		u.lastBody = string(body)
		u.mu.Unlock()

		if u.delay > 0 {
			select {
			case <-time.After(u.delay):
			case <-r.Context().Done():
				return
			}
		}
		if hit <= u.failFirst.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) seen() (path, query, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastPath, u.lastQuery, u.lastBody
}

func (u *upstream) header(name string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastHeader == nil {
		return ""
	}
	return u.lastHeader.Get(name)
}

type fixture struct {
	key      tokens.SigningKey
	issuer   *tokens.Issuer
	verifier *tokens.Verifier
	revoked  *revocation.MemoryStore
	registry *registry.Registry
	clock    *clock
	sink     *recordingSink
	proxy    *Proxy
	handler  http.Handler
}

type fixtureOption func(*fixture, *Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	key, err := tokens.GenerateKey("k1")
	require.NoError(t, err)
	issuer := tokens.NewIssuer(key, time.Hour)
	verifier := tokens.NewVerifier(issuer.KeySet())
	revoked := revocation.NewMemoryStore(time.Now)

	table, err := routes.FromConfig(config.DefaultRoutes())
	require.NoError(t, err)

	f := &fixture{
		key:      key,
		issuer:   issuer,
		verifier: verifier,
		revoked:  revoked,
		registry: registry.New(time.Minute, logging.Discard()),
		clock:    &clock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		sink:     &recordingSink{},
	}
	o := Options{
		Routes:    table,
		Registry:  f.registry,
		Breakers:  breaker.NewSet(breaker.Config{FailureThreshold: 5, CoolDown: 10 * time.Second}, f.clock.Now),
		Auth:      authz.NewAuthenticator(verifier, revoked, logging.Discard()),
		AccessLog: f.sink,
		Retry:     config.RetryConfig{MaxAttempts: 3},
		Logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(f, &o)
	}
	p := New(o)
	f.proxy = p
	f.handler = middleware.CorrelationID(middleware.Deadline(5 * time.Second)(p))
	return f
}

func (f *fixture) register(service, id string, u *upstream) {
	f.registry.Apply(heartbeat.Registration{Service: service, InstanceID: id, Address: u.URL, Health: heartbeat.Healthy})
}

func (f *fixture) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := f.issuer.Issue(subject, roles, time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var doc struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc), rec.Body.String())
	require.NotEmpty(t, doc.Errors)
	return doc.Errors[0].Code
}

func TestForwardPropagatesContext(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusOK)
	f.register("ordering", "ordering-1", u)
	tok := f.token(t, "cust-1", authz.RoleCustomer)

	rec := f.do(http.MethodGet, "/api/orders/o-1?view=full", tok, map[string]string{
		middleware.HeaderCorrelationID: "corr-1",
		"Idempotency-Key":              "idem-1",
		"traceparent":                  traceparent,
	}, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "corr-1", rec.Header().Get(middleware.HeaderCorrelationID))

	path, query, _ := u.seen()
	assert.Equal(t, "/orders/o-1", path)
	assert.Equal(t, "view=full", query)
	assert.Equal(t, "Bearer "+tok, u.header("Authorization"))
	assert.Equal(t, "corr-1", u.header(middleware.HeaderCorrelationID))
	assert.Equal(t, "idem-1", u.header("Idempotency-Key"))
	assert.Contains(t, u.header("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	deadline, ok := middleware.ParseDeadline(u.header(middleware.HeaderDeadline))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, 2*time.Second)

	entry := f.sink.last(t)
	assert.Equal(t, accesslog.OutcomeForwarded, entry.Outcome)
	assert.Equal(t, "orders", entry.Route)
	assert.Equal(t, "cust-1", entry.Subject)
	assert.Equal(t, "ordering-1", entry.Upstream)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, http.StatusOK, entry.Status)
}

func TestCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusOK)
	f.register("identity", "identity-1", u)

	rec := f.do(http.MethodPost, "/api/auth/login", "", nil, `{"username":"a","password":"b"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(middleware.HeaderCorrelationID)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, u.header(middleware.HeaderCorrelationID))
	_, _, body := u.seen()
	assert.Equal(t, `{"username":"a","password":"b"}`, body)
	assert.Empty(t, u.header("Authorization"))
}

func TestExpiredTokenIsRejectedAndNeverForwarded(t *testing.T) {
	f := newFixture(t)
	services := map[string]*upstream{}
	for _, svc := range []string{"identity", "catalog", "ordering", "notification"} {
		services[svc] = newUpstream(t, http.StatusOK)
		f.register(svc, svc+"-1", services[svc])
	}

	stale := tokens.NewIssuer(f.key, time.Hour, tokens.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	expired, err := stale.Issue("cust-1", []string{authz.RoleCustomer, authz.RoleStaff, authz.RoleAdmin}, time.Minute)
	require.NoError(t, err)

	for _, r := range f.nonAnonymousRequests() {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			rec := f.do(r.method, r.path, expired, map[string]string{"Idempotency-Key": "k"}, r.body)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "authentication_error", errorCode(t, rec))
			assert.Equal(t, accesslog.OutcomeRejected, f.sink.last(t).Outcome)
		})
	}
	for svc, u := range services {
		assert.Zero(t, u.hits.Load(), "%s must not be called", svc)
	}
}

type request struct {
	method string
	path   string
	body   string
}

func (f *fixture) nonAnonymousRequests() []request {
	return []request{
		{http.MethodPost, "/api/auth/logout", ""},
		{http.MethodGet, "/api/auth/me", ""},
		{http.MethodPost, "/api/users/u-1/deactivate", ""},
		{http.MethodGet, "/api/products", ""},
		{http.MethodPost, "/api/products", `{"sku":"x"}`},
		{http.MethodPut, "/api/products/p-1/stock", `{"stock":1}`},
		{http.MethodPost, "/api/orders", `{"lines":[]}`},
		{http.MethodGet, "/api/orders/o-1", ""},
		{http.MethodPost, "/api/orders/o-1/cancel", ""},
		{http.MethodGet, "/api/notifications", ""},
	}
}

func TestMissingAndRevokedTokens(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusOK)
	f.register("ordering", "ordering-1", u)

	rec := f.do(http.MethodGet, "/api/orders", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/orders", "not-a-jwt", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := f.token(t, "cust-1", authz.RoleCustomer)
	claims, err := f.verifier.Verify(tok)
	require.NoError(t, err)
	require.NoError(t, f.revoked.Revoke(context.Background(), claims.ID, claims.ExpiresAt))

	rec = f.do(http.MethodGet, "/api/orders", tok, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, u.hits.Load())
}

func TestRouteRolesAreEnforced(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusCreated)
	f.register("catalog", "catalog-1", u)

	rec := f.do(http.MethodPost, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "authorization_error", errorCode(t, rec))
	assert.Zero(t, u.hits.Load())

	rec = f.do(http.MethodPost, "/api/products", f.token(t, "staff-1", authz.RoleStaff), nil, `{}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 1, u.hits.Load())
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/unknown", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestNoHealthyInstance(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "transient_upstream_error", errorCode(t, rec))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, accesslog.OutcomeFailed, f.sink.last(t).Outcome)
}

func TestSafeRequestRetriedOnAnotherInstance(t *testing.T) {
	f := newFixture(t)
	bad := newUpstream(t, http.StatusServiceUnavailable)
	good := newUpstream(t, http.StatusOK)
	f.register("catalog", "catalog-a", bad)
	f.register("catalog", "catalog-b", good)

	rec := f.do(http.MethodGet, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, bad.hits.Load())
	assert.EqualValues(t, 1, good.hits.Load())

	entry := f.sink.last(t)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "catalog-b", entry.Upstream)
}

func TestUnsafeRequestIsNotRetried(t *testing.T) {
	f := newFixture(t)
	bad := newUpstream(t, http.StatusBadGateway)
	good := newUpstream(t, http.StatusCreated)
	f.register("ordering", "ordering-a", bad)
	f.register("ordering", "ordering-b", good)

	rec := f.do(http.MethodPost, "/api/orders", f.token(t, "cust-1", authz.RoleCustomer), nil, `{"lines":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 1, bad.hits.Load())
	assert.Zero(t, good.hits.Load())
}

func TestIdempotencyKeyMakesWriteRetrySafe(t *testing.T) {
	f := newFixture(t)
	bad := newUpstream(t, http.StatusBadGateway)
	good := newUpstream(t, http.StatusCreated)
	f.register("ordering", "ordering-a", bad)
	f.register("ordering", "ordering-b", good)

	rec := f.do(http.MethodPost, "/api/orders", f.token(t, "cust-1", authz.RoleCustomer),
		map[string]string{"Idempotency-Key": "idem-7"}, `{"lines":[]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	_, _, body := good.seen()
	assert.Equal(t, `{"lines":[]}`, body)
	assert.Equal(t, "idem-7", good.header("Idempotency-Key"))
}

func TestUnreachableInstanceIsRetried(t *testing.T) {
	f := newFixture(t)
	dead := newUpstream(t, http.StatusOK)
	dead.Close()
	good := newUpstream(t, http.StatusOK)
	f.register("catalog", "catalog-a", dead)
	f.register("catalog", "catalog-b", good)

	rec := f.do(http.MethodGet, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.sink.last(t).Attempts)
}

func TestApplicationErrorsAreRelayed(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusConflict)
	other := newUpstream(t, http.StatusOK)
	f.register("ordering", "ordering-a", u)
	f.register("ordering", "ordering-b", other)

	rec := f.do(http.MethodPost, "/api/orders/o-1/confirm", f.token(t, "staff-1", authz.RoleStaff),
		map[string]string{"Idempotency-Key": "k"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, other.hits.Load())
	assert.Equal(t, accesslog.OutcomeForwarded, f.sink.last(t).Outcome)
}

func TestBreakerOpensAndRecoversThroughProbe(t *testing.T) {
	f := newFixture(t, func(f *fixture, o *Options) {
		o.Breakers = breaker.NewSet(breaker.Config{FailureThreshold: 2, CoolDown: 10 * time.Second}, f.clock.Now)
	})
	u := newUpstream(t, http.StatusServiceUnavailable)
	f.register("catalog", "catalog-1", u)
	tok := f.token(t, "cust-1", authz.RoleCustomer)

	rec := f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.EqualValues(t, 2, u.hits.Load(), "retried on the same instance until the breaker opened")
	assert.Equal(t, 2, f.sink.last(t).Attempts)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		rec := f.do(http.MethodGet, "/api/products", tok, nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
	assert.EqualValues(t, 2, u.hits.Load(), "open breaker must not reach the instance")
	assert.Zero(t, u.probes.Load())

	f.clock.Advance(5 * time.Second)
	u.status.Store(http.StatusOK)
	rec = f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, u.probes.Load())
	assert.EqualValues(t, 3, u.hits.Load())
}

func TestSingleInstanceRetriedWithBackoff(t *testing.T) {
	f := newFixture(t, func(_ *fixture, o *Options) {
		o.Retry = config.RetryConfig{MaxAttempts: 3, Backoff: 10 * time.Millisecond, MaxBackoff: time.Second}
	})
	var slept []time.Duration
	f.proxy.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	u := newUpstream(t, http.StatusOK)
	u.failFirst.Store(1)
	f.register("catalog", "catalog-1", u)

	rec := f.do(http.MethodGet, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, u.hits.Load())

	entry := f.sink.last(t)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "catalog-1", entry.Upstream)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, slept)
}

func TestSingleInstanceRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	u := newUpstream(t, http.StatusServiceUnavailable)
	f.register("catalog", "catalog-1", u)

	rec := f.do(http.MethodGet, "/api/products", f.token(t, "cust-1", authz.RoleCustomer), nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 3, u.hits.Load())
	assert.Equal(t, 3, f.sink.last(t).Attempts)
}

func TestProbeRequiresReadiness(t *testing.T) {
	f := newFixture(t, func(f *fixture, o *Options) {
		o.Breakers = breaker.NewSet(breaker.Config{FailureThreshold: 1, CoolDown: 10 * time.Second}, f.clock.Now)
	})
	u := newUpstream(t, http.StatusServiceUnavailable)
	f.register("catalog", "catalog-1", u)
	tok := f.token(t, "cust-1", authz.RoleCustomer)

	rec := f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.EqualValues(t, 1, u.hits.Load())

	// Alive but not ready: the probe fails and the breaker stays open.
	u.status.Store(http.StatusOK)
	u.unready.Store(true)
	f.clock.Advance(10 * time.Second)
	rec = f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 1, u.probes.Load())
	assert.EqualValues(t, 1, u.hits.Load())

	u.unready.Store(false)
	f.clock.Advance(10 * time.Second)
	rec = f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, u.probes.Load())
	assert.EqualValues(t, 2, u.hits.Load())
}

func TestDeadlineExceededIs504(t *testing.T) {
	table, err := routes.New([]routes.Route{{
		Name: "slow", Match: routes.Prefix("/api/slow"), Service: "catalog",
		Anonymous: true, Timeout: 50 * time.Millisecond, StripPrefix: "/api",
	}})
	require.NoError(t, err)
	f := newFixture(t, func(_ *fixture, o *Options) { o.Routes = table })

	u := newUpstream(t, http.StatusOK)
	u.delay = 2 * time.Second
	f.register("catalog", "catalog-1", u)

	start := time.Now()
	rec := f.do(http.MethodGet, "/api/slow", "", nil, "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "timeout", errorCode(t, rec))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, accesslog.OutcomeTimeout, f.sink.last(t).Outcome)
}

func TestRateLimitedSubject(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, func(_ *fixture, o *Options) {
		o.Limiter = ratelimit.NewRedisRateLimiter(client, 1, time.Minute)
	})
	u := newUpstream(t, http.StatusOK)
	f.register("catalog", "catalog-1", u)
	tok := f.token(t, "cust-1", authz.RoleCustomer)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/products", tok, nil, "").Code)
	rec := f.do(http.MethodGet, "/api/products", tok, nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	assert.EqualValues(t, 1, u.hits.Load())

	other := f.token(t, "cust-2", authz.RoleCustomer)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/products", other, nil, "").Code)
}

func TestBackoffGrowsToCap(t *testing.T) {
	p := New(Options{Retry: config.RetryConfig{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}})
	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.backoff(3))
	assert.Equal(t, 800*time.Millisecond, p.backoff(4))
	assert.Equal(t, time.Second, p.backoff(5))
}

func TestRetrySafe(t *testing.T) {
	tests := []struct {
		method string
		key    string
		want   bool
	}{
		{http.MethodGet, "", true},
		{http.MethodPut, "", true},
		{http.MethodDelete, "", true},
		{http.MethodPost, "", false},
		{http.MethodPost, "k", true},
		{http.MethodPatch, "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/", nil)
		if tt.key != "" {
			req.Header.Set("Idempotency-Key", tt.key)
		}
		assert.Equal(t, tt.want, RetrySafe(req), "%s key=%q", tt.method, tt.key)
	}
}
