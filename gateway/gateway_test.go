package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/heartbeat"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging/memory"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
)

type env struct {
	app     *App
	bus     *memory.Bus
	issuer  *tokens.Issuer
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := tokens.GenerateKey("k1")
	require.NoError(t, err)
	issuer := tokens.NewIssuer(key, time.Hour)
	auth := authz.NewAuthenticator(tokens.NewVerifier(issuer.KeySet()), revocation.NewMemoryStore(nil), logging.Discard())

	bus := memory.New()
	t.Cleanup(func() { _ = bus.Close() })

	cfg := config.Default()
	app, err := New(Deps{Config: cfg, Logger: logging.Discard(), Heartbeats: bus, Auth: auth})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &env{app: app, bus: bus, issuer: issuer, handler: app.Handler()}
}

func (e *env) token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := e.issuer.Issue("user-1", roles, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *env) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHeartbeatMakesInstanceRoutable(t *testing.T) {
	e := newEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()

	tok := e.token(t, authz.RoleCustomer)
	assert.Equal(t, http.StatusServiceUnavailable, e.get("/api/products", tok).Code)

	hb := heartbeat.NewPublisher(e.bus, "catalog", "catalog-1", upstream.URL, time.Hour, nil, logging.Discard())
	require.Eventually(t, func() bool {
		_ = hb.Publish(context.Background(), heartbeat.Healthy)
		return e.get("/api/products", tok).Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, hb.Publish(context.Background(), heartbeat.Down))
	require.Eventually(t, func() bool {
		return e.get("/api/products", tok).Code == http.StatusServiceUnavailable
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRegistryEndpointRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	e.app.Registry.Apply(heartbeat.Registration{
		Service: "ordering", InstanceID: "ordering-1", Address: "http://127.0.0.1:1", Health: heartbeat.Healthy,
	})

	assert.Equal(t, http.StatusUnauthorized, e.get("/registry", "").Code)
	assert.Equal(t, http.StatusForbidden, e.get("/registry", e.token(t, authz.RoleStaff)).Code)

	rec := e.get("/registry", e.token(t, authz.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				Service string `json:"service"`
				Health  string `json:"health"`
				Breaker string `json:"breaker"`
				Usable  bool   `json:"usable"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Data, 1)
	assert.Equal(t, "ordering-1", doc.Data[0].ID)
	assert.Equal(t, "ordering", doc.Data[0].Attributes.Service)
	assert.Equal(t, "closed", doc.Data[0].Attributes.Breaker)
	assert.True(t, doc.Data[0].Attributes.Usable)
}

func TestOperationalEndpoints(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.get("/healthz", "").Code)
	assert.Equal(t, http.StatusOK, e.get("/readyz", "").Code)

	rec := e.get("/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Equal(t, http.StatusNotFound, e.get("/nowhere", "").Code)
}

func TestRateLimitRequiresRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.RateLimit.Enabled = true
	_, err := New(Deps{Config: cfg, Logger: logging.Discard()})
	assert.Error(t, err)
}
