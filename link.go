package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"cdr.dev/slog"

	"cdr.dev/broker/internal/proto"
)

// DefaultSocketPath is where the helper listens unless configured otherwise.
const DefaultSocketPath = "/tmp/krown-agent.sock"

// Link talks to the helper process over its unix socket. Every call opens a
// fresh connection, so a Link is safe for concurrent use and holds no
// connection state between calls.
type Link struct {
	socketPath string
	log        slog.Logger
	dialer     net.Dialer
}

// NewLink creates a link to the helper listening on socketPath.
func NewLink(socketPath string, log slog.Logger) *Link {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Link{
		socketPath: socketPath,
		log:        log.Named("link"),
	}
}

// SocketPath returns the helper endpoint.
func (l *Link) SocketPath() string {
	return l.socketPath
}

// IsReachable reports whether the helper endpoint exists. It never dials.
func (l *Link) IsReachable() bool {
	_, err := os.Stat(l.socketPath)
	return err == nil
}

// Result is a decoded helper response.
type Result struct {
	Code    uint32
	Payload json.RawMessage
}

// OK reports whether the helper reported success.
func (r *Result) OK() bool {
	return r.Code == proto.CodeOK
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v interface{}) error {
	err := proto.Frame{Code: r.Code, Payload: r.Payload}.Decode(v)
	if err != nil {
		return classify("decode response", err)
	}
	return nil
}

// Err returns a KindHelperFailure error carrying the helper's message
// verbatim, or nil when the result is a success.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	var resp proto.ErrorResponse
	_ = json.Unmarshal(r.Payload, &resp)
	msg := resp.Error
	if msg == "" {
		msg = fmt.Sprintf("helper returned code %d", r.Code)
	}
	return &Error{Kind: KindHelperFailure, Msg: msg, Code: r.Code}
}

// Call sends one command frame and waits for exactly one response frame.
// There is no retry and no timeout beyond what ctx imposes.
func (l *Link) Call(ctx context.Context, cmd uint32, payload interface{}) (*Result, error) {
	name := proto.CommandName(cmd)
	if !l.IsReachable() {
		return nil, newError(KindHelperUnavailable, fmt.Sprintf("helper not running at %s", l.socketPath), nil)
	}
	frame, err := proto.Encode(cmd, payload)
	if err != nil {
		return nil, newError(KindInvalidInput, "encode "+name, err)
	}

	start := time.Now()
	conn, err := l.dialer.DialContext(ctx, "unix", l.socketPath)
	if err != nil {
		return nil, classify("dial helper", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	_, err = conn.Write(frame)
	if err != nil {
		return nil, l.callError(ctx, "write "+name, err)
	}
	resp, err := proto.ReadFrame(conn)
	if err != nil {
		return nil, l.callError(ctx, "read "+name+" response", err)
	}

	l.log.Debug(ctx, "helper call",
		slog.F("command", name),
		slog.F("code", resp.Code),
		slog.F("payload_bytes", len(resp.Payload)),
		slog.F("duration", time.Since(start)),
	)
	return &Result{Code: resp.Code, Payload: resp.Payload}, nil
}

func (l *Link) callError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return newError(KindConnectionError, op, ctx.Err())
	}
	e := classify(op, err)
	l.log.Warn(ctx, "helper call failed", slog.F("op", op), slog.F("kind", e.Kind), slog.Error(err))
	return e
}

// do performs a call and decodes a successful response into resp.
func (l *Link) do(ctx context.Context, cmd uint32, req, resp interface{}) error {
	res, err := l.Call(ctx, cmd, req)
	if err != nil {
		return err
	}
	err = res.Err()
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return res.Decode(resp)
}

// Ping checks that the helper answers.
func (l *Link) Ping(ctx context.Context) (proto.PingResponse, error) {
	var resp proto.PingResponse
	err := l.do(ctx, proto.CmdPing, nil, &resp)
	return resp, err
}

// Connect asks the helper to open a session to a remote host.
func (l *Link) Connect(ctx context.Context, req proto.ConnectRequest) (proto.ConnectResponse, error) {
	var resp proto.ConnectResponse
	err := l.do(ctx, proto.CmdConnect, req, &resp)
	return resp, err
}

// Disconnect asks the helper to close a session.
func (l *Link) Disconnect(ctx context.Context, sessionID string) error {
	return l.do(ctx, proto.CmdDisconnect, proto.SessionRequest{SessionID: sessionID}, nil)
}

// Execute runs a command in a session and returns its captured output.
func (l *Link) Execute(ctx context.Context, sessionID, command string) (proto.ExecuteResponse, error) {
	var resp proto.ExecuteResponse
	err := l.do(ctx, proto.CmdExecute, proto.ExecuteRequest{SessionID: sessionID, Command: command}, &resp)
	return resp, err
}

// Status returns the helper's view of one session. An unknown id yields an
// error matching ErrSessionNotFound.
func (l *Link) Status(ctx context.Context, sessionID string) (proto.SessionInfo, error) {
	res, err := l.Call(ctx, proto.CmdStatus, proto.SessionRequest{SessionID: sessionID})
	if err != nil {
		return proto.SessionInfo{}, err
	}
	var info proto.SessionInfo
	decodeErr := res.Decode(&info)
	if decodeErr == nil && info.Status == proto.StatusNotFound {
		return proto.SessionInfo{}, &Error{Kind: KindNotFound, Msg: fmt.Sprintf("session %q not found", sessionID)}
	}
	err = res.Err()
	if err != nil {
		return proto.SessionInfo{}, err
	}
	return info, decodeErr
}

// ListSessions returns every session the helper knows about.
func (l *Link) ListSessions(ctx context.Context) ([]proto.SessionInfo, error) {
	var resp proto.ListResponse
	err := l.do(ctx, proto.CmdListSessions, nil, &resp)
	return resp.Sessions, err
}
