package broker

import (
	"time"
)

// Status is the connection status of a helper session.
type Status string

const (
	// StatusConnecting means the helper is still establishing the session.
	StatusConnecting Status = "connecting"
	// StatusConnected means commands can be executed.
	StatusConnected Status = "connected"
	// StatusDisconnected means the session was closed.
	StatusDisconnected Status = "disconnected"
	// StatusError means the helper lost the session.
	StatusError Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusDisconnected, StatusError:
		return true
	default:
		return false
	}
}

// DefaultPort is used when neither the caller nor the helper named a port.
const DefaultPort = 22

// Principal owns every session. There is no multi-tenant model.
const Principal = "system"

// Session is the local mirror of a helper session.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Status   Status `json:"status"`
	// SyntheticID is set when the helper did not return an id and the broker
	// made one up. Such an id is not known to the helper, so it cannot be
	// used to correlate helper events.
	SyntheticID bool      `json:"synthetic_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
