package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/httputil"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/ordering/internal/models"
	"github.com/telhawk-systems/backbone/ordering/internal/service"
)

const resourceOrder = "order"

type Handler struct {
	service *service.OrderingService
	auth    *authz.Authenticator
}

func New(service *service.OrderingService, auth *authz.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.With(h.auth.RequireRole(authz.RoleCustomer)).Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/confirm", h.HandleConfirm)
		r.With(h.auth.RequireRole(authz.RoleStaff, authz.RoleAdmin)).Post("/{id}/ship", h.HandleShip)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
}

func claims(w http.ResponseWriter, r *http.Request) (*tokens.Claims, bool) {
	c, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
	}
	return c, ok
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	var req models.CreateOrderRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	o, created, err := h.service.CreateOrder(r.Context(), actor, &req, r.Header.Get(httputil.HeaderIdempotencyKey))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/orders/"+o.ID)
	httputil.WriteJSONAPIResource(w, status, resourceOrder, o.ID, o)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	orders, err := h.service.ListOrders(r.Context(), actor,
		httputil.ParseIntParam(q.Get("limit"), service.DefaultListLimit),
		httputil.ParseIntParam(q.Get("offset"), 0),
	)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	resources := make([]httputil.JSONAPIResource, 0, len(orders))
	for _, o := range orders {
		resources = append(resources, httputil.JSONAPIResource{Type: resourceOrder, ID: o.ID, Attributes: o})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	o, err := h.service.GetOrder(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, resourceOrder, o.ID, o)
}

func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	h.writeOrder(w)(h.service.Confirm(r.Context(), actor, chi.URLParam(r, "id")))
}

func (h *Handler) HandleShip(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	h.writeOrder(w)(h.service.Ship(r.Context(), actor, chi.URLParam(r, "id")))
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := claims(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteAppError(w, err)
			return
		}
	}
	h.writeOrder(w)(h.service.Cancel(r.Context(), actor, chi.URLParam(r, "id"), req.Reason))
}

func (h *Handler) writeOrder(w http.ResponseWriter) func(*models.Order, error) {
	return func(o *models.Order, err error) {
		if err != nil {
			httputil.WriteAppError(w, err)
			return
		}
		httputil.WriteJSONAPIResource(w, http.StatusOK, resourceOrder, o.ID, o)
	}
}
