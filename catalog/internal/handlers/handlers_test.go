package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
	"github.com/telhawk-systems/backbone/catalog/internal/repository"
	"github.com/telhawk-systems/backbone/catalog/internal/service"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/database"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
)

type env struct {
	router http.Handler
	issuer *tokens.Issuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := database.NewMemDB()
	key, err := tokens.GenerateKey("k1")
	require.NoError(t, err)
	issuer := tokens.NewIssuer(key, time.Hour)

	svc := service.NewCatalogService(
		repository.NewInMemoryRepository(db),
		outbox.NewWriter(db, outbox.NewMemoryStore(db), nil),
		logging.Discard(),
	)
	auth := authz.NewAuthenticator(tokens.NewVerifier(issuer.KeySet()), revocation.NewMemoryStore(time.Now), logging.Discard())

	r := chi.NewRouter()
	New(svc, auth).Register(r)
	return &env{router: r, issuer: issuer}
}

func (e *env) token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := e.issuer.Issue("user-1", roles, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type resourceDoc struct {
	Data struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Attributes models.Product `json:"attributes"`
	} `json:"data"`
}

func TestProductEndpoints(t *testing.T) {
	e := newEnv(t)
	staff := e.token(t, authz.RoleStaff)
	customer := e.token(t, authz.RoleCustomer)

	create := models.CreateProductRequest{SKU: "SKU-1", Name: "Widget", PriceCents: 250, Stock: 4}
	rec := e.do(t, http.MethodPost, "/products", customer, create)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/products", staff, create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc resourceDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "product", doc.Data.Type)
	id := doc.Data.ID

	rec = e.do(t, http.MethodGet, "/products/"+id, customer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/products", customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = e.do(t, http.MethodPut, "/products/"+id+"/stock", staff, map[string]int{"stock": 9})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 9, doc.Data.Attributes.Stock)

	rec = e.do(t, http.MethodGet, "/products/missing", customer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
