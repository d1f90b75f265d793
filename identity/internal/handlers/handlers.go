package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/identity/internal/models"
	"github.com/telhawk-systems/backbone/identity/internal/service"
)

const resourceCustomer = "customer"

type Handler struct {
	service *service.IdentityService
	auth    *authz.Authenticator
}

func New(service *service.IdentityService, auth *authz.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

// Register mounts the identity endpoints. Register and login are anonymous.
func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/register", h.HandleRegister)
	r.Post("/auth/login", h.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Post("/auth/logout", h.HandleLogout)
		r.Get("/auth/me", h.HandleMe)
		r.With(h.auth.RequireRole(authz.RoleAdmin)).Post("/users/{id}/deactivate", h.HandleDeactivate)
	})
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	c, err := h.service.Register(r.Context(), &req, httputil.GetClientIP(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusCreated, resourceCustomer, c.ID, c.ToResponse())
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	resp, err := h.service.Login(r.Context(), &req, httputil.GetClientIP(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	if err := h.service.Logout(r.Context(), claims, httputil.GetClientIP(r)); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	c, err := h.service.Me(r.Context(), claims)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, resourceCustomer, c.ID, c.ToResponse())
}

func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	c, err := h.service.Deactivate(r.Context(), claims, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, resourceCustomer, c.ID, c.ToResponse())
}
