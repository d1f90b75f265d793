// Package handlers serves the gateway's own administrative endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/gateway/internal/breaker"
	"github.com/telhawk-systems/backbone/gateway/internal/registry"
)

// InstanceView is one registry entry as listed by GET /registry.
type InstanceView struct {
	Service    string    `json:"service"`
	Address    string    `json:"address"`
	Health     string    `json:"health"`
	Usable     bool      `json:"usable"`
	Breaker    string    `json:"breaker"`
	ReportedAt time.Time `json:"reportedAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

type Handler struct {
	registry *registry.Registry
	breakers *breaker.Set
	auth     *authz.Authenticator
}

func New(reg *registry.Registry, breakers *breaker.Set, auth *authz.Authenticator) *Handler {
	return &Handler{registry: reg, breakers: breakers, auth: auth}
}

// Register mounts GET /registry for administrators.
func (h *Handler) Register(r chi.Router) {
	r.With(h.auth.RequireAuth, h.auth.RequireRole(authz.RoleAdmin)).Get("/registry", h.ListRegistry)
}

func (h *Handler) ListRegistry(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.States()
	now := h.registry.Now()

	instances := h.registry.Snapshot()
	resources := make([]httputil.JSONAPIResource, 0, len(instances))
	for _, inst := range instances {
		state, ok := states[inst.InstanceID]
		if !ok {
			state = breaker.Closed
		}
		resources = append(resources, httputil.JSONAPIResource{
			Type: "instance",
			ID:   inst.InstanceID,
			Attributes: InstanceView{
				Service:    inst.Service,
				Address:    inst.Address,
				Health:     inst.Health,
				Usable:     inst.Usable(now, h.registry.Staleness()) && state != breaker.Open,
				Breaker:    state.String(),
				ReportedAt: inst.ReportedAt,
				LastSeen:   inst.LastSeen,
			},
		})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources)
}
