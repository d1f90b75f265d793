package models

// CustomerView is the local projection of identity's customers. It exists
// only to refuse orders from customers known to be deactivated.
type CustomerView struct {
	CustomerID string
	Active     bool
	Version    uint64
}
