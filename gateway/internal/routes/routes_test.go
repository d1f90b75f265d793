package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/config"
)

func TestLookupPrefersExactThenLongestPrefix(t *testing.T) {
	table, err := New([]Route{
		{Name: "api", Match: Prefix("/api"), Service: "fallback"},
		{Name: "orders", Match: Prefix("/api/orders"), Service: "ordering"},
		{Name: "login", Match: Exact("/api/auth/login"), Methods: []string{"post"}, Service: "identity", Anonymous: true},
		{Name: "auth", Match: Prefix("/api/auth/"), Service: "identity"},
	})
	require.NoError(t, err)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/auth/login", "login"},
		{"GET", "/api/auth/login", "auth"},
		{"GET", "/api/orders", "orders"},
		{"GET", "/api/orders/123", "orders"},
		{"GET", "/api/ordersx", "api"},
		{"GET", "/api/products", "api"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r, err := table.Lookup(tt.method, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Name)
		})
	}

	_, err = table.Lookup("GET", "/healthz")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestLookupHonoursMethods(t *testing.T) {
	table, err := New([]Route{
		{Name: "read", Match: Prefix("/api/products"), Methods: []string{"GET"}, Service: "catalog"},
		{Name: "write", Match: Prefix("/api/products"), Methods: []string{"POST", "PUT"}, Service: "catalog", Roles: []string{"staff"}},
	})
	require.NoError(t, err)

	r, err := table.Lookup("GET", "/api/products/1")
	require.NoError(t, err)
	assert.Equal(t, "read", r.Name)

	r, err = table.Lookup("PUT", "/api/products/1/stock")
	require.NoError(t, err)
	assert.Equal(t, "write", r.Name)

	_, err = table.Lookup("DELETE", "/api/products/1")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestNewLeavesCallerRoutesUntouched(t *testing.T) {
	methods := []string{"get", "post"}
	input := []Route{{Name: "orders", Match: Prefix("/api/orders"), Methods: methods, Service: "ordering"}}

	table, err := New(input)
	require.NoError(t, err)

	assert.Equal(t, []string{"get", "post"}, methods)
	assert.Equal(t, []string{"get", "post"}, input[0].Methods)
	r, err := table.Lookup("POST", "/api/orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, r.Methods)
}

func TestUpstreamPath(t *testing.T) {
	r := Route{StripPrefix: "/api"}
	assert.Equal(t, "/orders/1", r.UpstreamPath("/api/orders/1"))
	assert.Equal(t, "/", r.UpstreamPath("/api"))

	r = Route{}
	assert.Equal(t, "/api/orders", r.UpstreamPath("/api/orders"))
}

func TestNewRejectsInvalidRoutes(t *testing.T) {
	tests := []struct {
		name   string
		routes []Route
	}{
		{"missing name", []Route{{Match: Exact("/a"), Service: "s"}}},
		{"duplicate name", []Route{{Name: "a", Match: Exact("/a"), Service: "s"}, {Name: "a", Match: Exact("/b"), Service: "s"}}},
		{"relative path", []Route{{Name: "a", Match: Exact("a"), Service: "s"}}},
		{"missing service", []Route{{Name: "a", Match: Exact("/a")}}},
		{"unknown kind", []Route{{Name: "a", Match: Match{Path: "/a"}, Service: "s"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.routes)
			assert.Error(t, err)
		})
	}
}

func TestDefaultRoutesResolve(t *testing.T) {
	table, err := FromConfig(config.DefaultRoutes())
	require.NoError(t, err)

	tests := []struct {
		method    string
		path      string
		service   string
		anonymous bool
	}{
		{"POST", "/api/auth/login", "identity", true},
		{"POST", "/api/auth/register", "identity", true},
		{"POST", "/api/auth/logout", "identity", false},
		{"GET", "/api/auth/me", "identity", false},
		{"POST", "/api/users/u1/deactivate", "identity", false},
		{"GET", "/api/products/p1", "catalog", false},
		{"POST", "/api/orders", "ordering", false},
		{"POST", "/api/orders/o1/cancel", "ordering", false},
		{"GET", "/api/notifications", "notification", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r, err := table.Lookup(tt.method, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.service, r.Service)
			assert.Equal(t, tt.anonymous, r.Anonymous)
		})
	}
}

func TestFromConfigRejectsUnknownMatch(t *testing.T) {
	_, err := FromConfig([]config.RouteConfig{{Name: "x", Match: "regex", Path: "/x", Service: "s"}})
	assert.Error(t, err)
}
