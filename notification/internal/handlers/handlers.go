package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/notification/internal/service"
)

const resourceNotification = "notification"

type Handler struct {
	service *service.NotificationService
	auth    *authz.Authenticator
}

func New(service *service.NotificationService, auth *authz.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) Register(r chi.Router) {
	r.With(h.auth.RequireAuth).Get("/notifications", h.HandleList)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	q := r.URL.Query()
	list, err := h.service.List(r.Context(), claims,
		httputil.ParseIntParam(q.Get("limit"), service.DefaultListLimit),
		httputil.ParseIntParam(q.Get("offset"), 0),
	)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	resources := make([]httputil.JSONAPIResource, 0, len(list))
	for _, n := range list {
		resources = append(resources, httputil.JSONAPIResource{Type: resourceNotification, ID: n.ID, Attributes: n})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources)
}
