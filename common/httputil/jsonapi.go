package httputil

import (
	"errors"
	"net/http"

	"github.com/telhawk-systems/backbone/common/apperrors"
)

// JSONAPIResource represents a single JSON:API resource.
type JSONAPIResource struct {
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	Attributes interface{} `json:"attributes"`
}

// JSONAPIErrorObject represents a single JSON:API error.
type JSONAPIErrorObject struct {
	Status int    `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ErrorDocument is the body of every error response.
type ErrorDocument struct {
	Errors []JSONAPIErrorObject `json:"errors"`
}

// WriteJSONAPIResource writes a single JSON:API resource response.
//
// Example:
//
//	httputil.WriteJSONAPIResource(w, http.StatusCreated, "order", order.ID, order)
func WriteJSONAPIResource(w http.ResponseWriter, status int, resourceType, id string, attributes interface{}) {
	WriteJSONAPI(w, status, map[string]interface{}{
		"data": JSONAPIResource{Type: resourceType, ID: id, Attributes: attributes},
	})
}

// WriteJSONAPICollection writes a JSON:API collection response.
func WriteJSONAPICollection(w http.ResponseWriter, status int, resources []JSONAPIResource) {
	if resources == nil {
		resources = []JSONAPIResource{}
	}
	WriteJSONAPI(w, status, map[string]interface{}{
		"data": resources,
		"meta": map[string]int{"total": len(resources)},
	})
}

// WriteJSONAPIErrorResponse writes a JSON:API compliant error response with multiple errors.
func WriteJSONAPIErrorResponse(w http.ResponseWriter, status int, errs []JSONAPIErrorObject) {
	WriteJSONAPI(w, status, ErrorDocument{Errors: errs})
}

// NewJSONAPIError creates a single JSON:API error object.
func NewJSONAPIError(status int, code, title, detail string) JSONAPIErrorObject {
	return JSONAPIErrorObject{
		Status: status,
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

// WriteJSONAPIValidationError writes a validation error response.
func WriteJSONAPIValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "Validation Failed", detail)
}

func asAppError(err error, target **apperrors.Error) bool {
	return errors.As(err, target)
}
