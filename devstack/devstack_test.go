package devstack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/tokens"
)

const (
	adminUser     = "admin"
	adminPassword = "admin-password"
)

type env struct {
	stack *Stack
	key   tokens.SigningKey
	http  *http.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := tokens.GenerateKey("e2e")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Tokens.SigningKeys = []config.SigningKeyConfig{{ID: key.ID, Seed: tokens.EncodeSeed(key)}}
	cfg.Identity.BcryptCost = bcrypt.MinCost
	cfg.Identity.BootstrapAdmin = config.BootstrapAdminConfig{Username: adminUser, Email: "admin@example.com", Password: adminPassword}
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Outbox.PollInterval = 20 * time.Millisecond
	cfg.Bus.RetryBackoff = 10 * time.Millisecond
	cfg.Bus.MaxBackoff = 50 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second

	s, err := New(Options{Config: cfg, Logger: logging.Discard(), DLQDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		s.Close()
	})

	readyCtx, readyCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readyCancel()
	require.NoError(t, s.Ready(readyCtx))

	return &env{stack: s, key: key, http: &http.Client{Timeout: 5 * time.Second}}
}

func (e *env) do(t *testing.T, method, path, token string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.stack.GatewayURL()+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *env) login(t *testing.T, username, password string) string {
	t.Helper()
	var token string
	require.Eventually(t, func() bool {
		status, body := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": username, "password": password,
		}, nil)
		if status != http.StatusOK {
			return false
		}
		var resp struct {
			AccessToken string `json:"access_token"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		token = resp.AccessToken
		return token != ""
	}, 5*time.Second, 25*time.Millisecond)
	return token
}

type resource struct {
	Data struct {
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

func decodeResource(t *testing.T, body []byte, attrs any) string {
	t.Helper()
	var doc resource
	require.NoError(t, json.Unmarshal(body, &doc), string(body))
	if attrs != nil {
		require.NoError(t, json.Unmarshal(doc.Data.Attributes, attrs))
	}
	return doc.Data.ID
}

func (e *env) createProduct(t *testing.T, token string, stock int) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/products", token, map[string]any{
		"sku": "SKU-1", "name": "Widget", "description": "A widget", "price_cents": 1500, "stock": stock,
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	return decodeResource(t, body, nil)
}

func (e *env) registerCustomer(t *testing.T, username string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "email": username + "@example.com", "name": "Alice", "password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	return e.login(t, username, "correct-horse")
}

func (e *env) placeOrder(t *testing.T, token, productID string, qty int) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/orders", token, map[string]any{
		"lines": []map[string]any{{"product_id": productID, "quantity": qty, "unit_price_cents": 1500}},
	}, map[string]string{"Idempotency-Key": "order-" + productID})
	require.Equal(t, http.StatusCreated, status, string(body))
	return decodeResource(t, body, nil)
}

func (e *env) orderStatus(t *testing.T, token, id string) string {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/api/orders/"+id, token, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var o struct {
		Status string `json:"status"`
	}
	decodeResource(t, body, &o)
	return o.Status
}

func (e *env) stock(t *testing.T, token, productID string) int {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/api/products/"+productID, token, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var p struct {
		Stock int `json:"stock"`
	}
	decodeResource(t, body, &p)
	return p.Stock
}

func TestOrderIsReservedEndToEnd(t *testing.T) {
	e := newEnv(t)
	admin := e.login(t, adminUser, adminPassword)
	productID := e.createProduct(t, admin, 5)

	customer := e.registerCustomer(t, "alice")
	orderID := e.placeOrder(t, customer, productID, 2)

	require.Eventually(t, func() bool {
		return e.orderStatus(t, customer, orderID) == "reserved"
	}, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, 3, e.stock(t, customer, productID))

	status, _ := e.do(t, http.MethodPost, "/api/orders/"+orderID+"/confirm", admin, nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", e.orderStatus(t, customer, orderID))
}

func TestRepeatedIdempotencyKeyReturnsSameOrder(t *testing.T) {
	e := newEnv(t)
	admin := e.login(t, adminUser, adminPassword)
	productID := e.createProduct(t, admin, 5)
	customer := e.registerCustomer(t, "bob")

	first := e.placeOrder(t, customer, productID, 1)
	status, body := e.do(t, http.MethodPost, "/api/orders", customer, map[string]any{
		"lines": []map[string]any{{"product_id": productID, "quantity": 1, "unit_price_cents": 1500}},
	}, map[string]string{"Idempotency-Key": "order-" + productID})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, first, decodeResource(t, body, nil))
}

func TestExpiredTokenIsRejectedAtTheEdge(t *testing.T) {
	e := newEnv(t)
	cfg := e.stack.Config.Tokens
	stale := tokens.NewIssuer(e.key, time.Hour,
		tokens.WithIssuerName(cfg.Issuer),
		tokens.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }),
	)
	expired, err := stale.Issue("cust-1", []string{"customer"}, time.Minute)
	require.NoError(t, err)

	before := e.stack.Bus.End(messaging.TopicOrdering)
	status, body := e.do(t, http.MethodPost, "/api/orders", expired, map[string]any{
		"lines": []map[string]any{{"product_id": "p-1", "quantity": 1, "unit_price_cents": 100}},
	}, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(body), "authentication_error")

	status, _ = e.do(t, http.MethodGet, "/api/auth/me", expired, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, before, e.stack.Bus.End(messaging.TopicOrdering))
}

func TestDuplicateOrderCreatedReservesOnce(t *testing.T) {
	e := newEnv(t)
	admin := e.login(t, adminUser, adminPassword)
	productID := e.createProduct(t, admin, 5)
	customer := e.registerCustomer(t, "carol")
	orderID := e.placeOrder(t, customer, productID, 2)

	require.Eventually(t, func() bool {
		return e.orderStatus(t, customer, orderID) == "reserved"
	}, 5*time.Second, 25*time.Millisecond)

	var created *messaging.Envelope
	for _, env := range e.stack.Bus.Events(messaging.TopicOrdering) {
		if env.EventType == messaging.EventOrderCreated && env.AggregateID == orderID {
			created = env
		}
	}
	require.NotNil(t, created)

	bus := e.stack.Bus
	require.NoError(t, bus.PublishEvent(context.Background(), messaging.TopicOrdering, orderID, created))
	require.NoError(t, bus.PublishEvent(context.Background(), messaging.TopicOrdering, orderID, created))
	require.Eventually(t, func() bool {
		return bus.Committed(messaging.TopicOrdering, "catalog") == bus.End(messaging.TopicOrdering)
	}, 5*time.Second, 25*time.Millisecond)

	assert.Equal(t, 3, e.stock(t, customer, productID))

	reserved := 0
	for _, env := range bus.Events(messaging.TopicCatalog) {
		if env.EventType == messaging.EventInventoryReserved && env.AggregateID == orderID {
			reserved++
		}
	}
	assert.Equal(t, 1, reserved)

	res, err := e.stack.Catalog.Service.GetReservation(context.Background(), orderID)
	require.NoError(t, err)
	assert.EqualValues(t, "reserved", res.Status)
	assert.Empty(t, e.dead(t))
}

func (e *env) dead(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, q := range e.stack.DLQ {
		events, err := q.List(context.Background(), 100)
		require.NoError(t, err)
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

func TestRegistryListsEveryService(t *testing.T) {
	e := newEnv(t)
	admin := e.login(t, adminUser, adminPassword)

	status, body := e.do(t, http.MethodGet, "/registry", admin, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	for _, svc := range []string{"identity", "catalog", "ordering", "notification"} {
		assert.Contains(t, string(body), svc+"-dev")
	}
}
