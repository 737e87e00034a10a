package proto

// StatusNotFound is reported by the helper for a session id it does not know.
const StatusNotFound = "not_found"

// ErrorResponse is the payload of a response with a nonzero result code.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PingResponse is the payload of a CmdPing response.
type PingResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions,omitempty"`
}

// ConnectResponse is the payload of a CmdConnect response. Any field may be
// omitted by the helper.
type ConnectResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	Status    string `json:"status,omitempty"`
}

// SessionInfo describes one helper session, as returned by CmdStatus and
// CmdListSessions.
type SessionInfo struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	Status    string `json:"status,omitempty"`
	// CreatedAt is a unix timestamp in seconds.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// Key returns the session id, whichever field the helper used for it.
func (s SessionInfo) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.SessionID
}

// ListResponse is the payload of a CmdListSessions response.
type ListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ExecuteResponse is the payload of a CmdExecute response.
type ExecuteResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Output is set by older helpers that merge both streams.
	Output string `json:"output,omitempty"`
}
