package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/backbone/catalog/internal/models"
	"github.com/telhawk-systems/backbone/catalog/internal/service"
	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/httputil"
)

const resourceProduct = "product"

type Handler struct {
	service *service.CatalogService
	auth    *authz.Authenticator
}

func New(service *service.CatalogService, auth *authz.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

// Register mounts the catalog endpoints. Reads need any valid token; writes
// need staff or admin.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Get("/products", h.HandleList)
		r.Get("/products/{id}", h.HandleGet)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.RequireRole(authz.RoleStaff, authz.RoleAdmin))
			r.Post("/products", h.HandleCreate)
			r.Put("/products/{id}/stock", h.HandleSetStock)
		})
	})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	products, err := h.service.ListProducts(r.Context(),
		httputil.ParseIntParam(q.Get("limit"), service.DefaultListLimit),
		httputil.ParseIntParam(q.Get("offset"), 0),
	)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	resources := make([]httputil.JSONAPIResource, 0, len(products))
	for _, p := range products {
		resources = append(resources, httputil.JSONAPIResource{Type: resourceProduct, ID: p.ID, Attributes: p})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, resourceProduct, p.ID, p)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	var req models.CreateProductRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), claims, &req)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusCreated, resourceProduct, p.ID, p)
}

func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteAppError(w, apperrors.Authentication("authentication required"))
		return
	}
	var req models.SetStockRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	p, err := h.service.SetStock(r.Context(), claims, chi.URLParam(r, "id"), &req)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, resourceProduct, p.ID, p)
}
