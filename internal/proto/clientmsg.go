package proto

// ConnectRequest is the payload of CmdConnect. Exactly one of Password and
// PrivateKey is expected; the helper validates that.
type ConnectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// SessionRequest is the payload of CmdDisconnect and CmdStatus.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// ExecuteRequest is the payload of CmdExecute.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}
