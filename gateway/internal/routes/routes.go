// Package routes holds the gateway route table.
//
// A route matches either an exact path or a path prefix, optionally narrowed
// to a set of methods. Lookup tries exact routes first and then the longest
// matching prefix.
package routes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/backbone/common/config"
)

// ErrNoRoute is returned by Lookup when nothing matches.
var ErrNoRoute = errors.New("no route")

// Kind discriminates the Match variants.
type Kind int

const (
	KindExact Kind = iota + 1
	KindPrefix
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Match is a path matcher: Exact(path) or Prefix(path).
type Match struct {
	Kind Kind
	Path string
}

// Exact matches path and nothing else.
func Exact(path string) Match { return Match{Kind: KindExact, Path: path} }

// Prefix matches path and anything below it on a segment boundary.
func Prefix(path string) Match { return Match{Kind: KindPrefix, Path: path} }

func (m Match) matches(path string) bool {
	switch m.Kind {
	case KindExact:
		return path == m.Path
	case KindPrefix:
		if !strings.HasPrefix(path, m.Path) {
			return false
		}
		if len(path) == len(m.Path) || strings.HasSuffix(m.Path, "/") {
			return true
		}
		return path[len(m.Path)] == '/'
	}
	return false
}

func (m Match) String() string {
	return m.Kind.String() + " " + m.Path
}

// Route sends matching requests to a service.
type Route struct {
	Name    string
	Match   Match
	Methods []string // empty allows every method
	Service string
	// Roles lists the roles of which the caller must hold at least one. Empty
	// means any authenticated caller.
	Roles       []string
	Anonymous   bool
	Timeout     time.Duration
	StripPrefix string
}

// AllowsMethod reports whether method is accepted by the route.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// UpstreamPath rewrites an incoming path for the target service.
func (r *Route) UpstreamPath(path string) string {
	if r.StripPrefix == "" {
		return path
	}
	out := strings.TrimPrefix(path, r.StripPrefix)
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// Table is an immutable, indexed set of routes.
type Table struct {
	routes   []Route
	exact    map[string][]*Route
	prefixes []*Route // longest path first
}

// New validates routes and builds the lookup index.
func New(routes []Route) (*Table, error) {
	t := &Table{
		routes: make([]Route, len(routes)),
		exact:  make(map[string][]*Route),
	}
	copy(t.routes, routes)

	names := make(map[string]bool, len(routes))
	for i := range t.routes {
		r := &t.routes[i]
		if r.Name == "" {
			return nil, fmt.Errorf("route %d: name is required", i)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("route %q: duplicate name", r.Name)
		}
		names[r.Name] = true
		if !strings.HasPrefix(r.Match.Path, "/") {
			return nil, fmt.Errorf("route %q: path must start with /", r.Name)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("route %q: service is required", r.Name)
		}
		methods := make([]string, len(r.Methods))
		for j, m := range r.Methods {
			methods[j] = strings.ToUpper(m)
		}
		r.Methods = methods

		switch r.Match.Kind {
		case KindExact:
			t.exact[r.Match.Path] = append(t.exact[r.Match.Path], r)
		case KindPrefix:
			t.prefixes = append(t.prefixes, r)
		default:
			return nil, fmt.Errorf("route %q: unknown match kind", r.Name)
		}
	}

	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Match.Path) > len(t.prefixes[j].Match.Path)
	})
	return t, nil
}

// FromConfig converts the gateway.routes section.
func FromConfig(cfg []config.RouteConfig) (*Table, error) {
	routes := make([]Route, 0, len(cfg))
	for _, rc := range cfg {
		var m Match
		switch strings.ToLower(rc.Match) {
		case "exact":
			m = Exact(rc.Path)
		case "prefix", "":
			m = Prefix(rc.Path)
		default:
			return nil, fmt.Errorf("route %q: unknown match %q", rc.Name, rc.Match)
		}
		routes = append(routes, Route{
			Name:        rc.Name,
			Match:       m,
			Methods:     append([]string(nil), rc.Methods...),
			Service:     rc.Service,
			Roles:       append([]string(nil), rc.Roles...),
			Anonymous:   rc.Anonymous,
			Timeout:     rc.Timeout,
			StripPrefix: rc.StripPrefix,
		})
	}
	return New(routes)
}

// Lookup resolves the route for one request.
func (t *Table) Lookup(method, path string) (*Route, error) {
	for _, r := range t.exact[path] {
		if r.AllowsMethod(method) {
			return r, nil
		}
	}
	for _, r := range t.prefixes {
		if r.Match.matches(path) && r.AllowsMethod(method) {
			return r, nil
		}
	}
	return nil, ErrNoRoute
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
