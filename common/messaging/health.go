package messaging

import (
	"context"
	"errors"
)

// HealthChecker can check the health of a messaging connection.
type HealthChecker interface {
	// CheckHealth returns nil if the connection is healthy, error otherwise.
	CheckHealth(ctx context.Context) error
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// ErrNotConnected is reported when the broker connection is down.
var ErrNotConnected = errors.New("not connected to message broker")

// CheckClientHealth reports whether client is connected.
func CheckClientHealth(client Client) HealthStatus {
	status := HealthStatus{}

	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = ErrNotConnected.Error()
	}
	return status
}

// ClientChecker adapts a Client to a readiness check.
func ClientChecker(client Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s := CheckClientHealth(client); !s.Connected {
			return errors.New(s.Error)
		}
		return nil
	}
}
