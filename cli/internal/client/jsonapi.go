package client

// jsonAPIResource is a single JSON:API resource with typed attributes.
type jsonAPIResource[T any] struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes T      `json:"attributes"`
}

type jsonAPIDocument[T any] struct {
	Data jsonAPIResource[T] `json:"data"`
}

type jsonAPICollection[T any] struct {
	Data []jsonAPIResource[T] `json:"data"`
}

// jsonAPIResponse is only used to read errors.
type jsonAPIResponse struct {
	Errors []jsonAPIError `json:"errors,omitempty"`
}

type jsonAPIError struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
