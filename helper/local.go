package helper

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/armon/circbuf"
	"github.com/google/uuid"

	"cdr.dev/broker/internal/proto"
)

// DefaultOutputLimit bounds how much of each output stream is kept.
const DefaultOutputLimit = 64 << 10

// LocalHandler is a development helper. It records sessions in memory and
// runs commands on the local machine with the shell; the remote target named
// at connect time is never contacted.
type LocalHandler struct {
	// Shell runs each command as `Shell -c command`.
	Shell string
	// OutputLimit is the number of trailing bytes kept per stream.
	OutputLimit int64

	log slog.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]proto.SessionInfo
}

// NewLocalHandler creates a handler with no sessions.
func NewLocalHandler(log slog.Logger) *LocalHandler {
	return &LocalHandler{
		Shell:       "/bin/sh",
		OutputLimit: DefaultOutputLimit,
		log:         log.Named("local"),
		now:         time.Now,
		sessions:    make(map[string]proto.SessionInfo),
	}
}

func (h *LocalHandler) ServeHelper(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{}) {
	switch cmd {
	case proto.CmdPing:
		h.mu.Lock()
		n := len(h.sessions)
		h.mu.Unlock()
		return proto.CodeOK, proto.PingResponse{Status: "ok", Version: "1.0", Sessions: n}
	case proto.CmdConnect:
		var req proto.ConnectRequest
		if err := decode(payload, &req); err != nil {
			return Fail("invalid connect request: %v", err)
		}
		return h.connect(ctx, req)
	case proto.CmdDisconnect:
		var req proto.SessionRequest
		if err := decode(payload, &req); err != nil {
			return Fail("invalid disconnect request: %v", err)
		}
		return h.disconnect(ctx, req.SessionID)
	case proto.CmdExecute:
		var req proto.ExecuteRequest
		if err := decode(payload, &req); err != nil {
			return Fail("invalid execute request: %v", err)
		}
		return h.execute(ctx, req)
	case proto.CmdStatus:
		var req proto.SessionRequest
		if err := decode(payload, &req); err != nil {
			return Fail("invalid status request: %v", err)
		}
		h.mu.Lock()
		info, ok := h.sessions[req.SessionID]
		h.mu.Unlock()
		if !ok {
			return proto.CodeOK, proto.SessionInfo{SessionID: req.SessionID, Status: proto.StatusNotFound}
		}
		return proto.CodeOK, info
	case proto.CmdListSessions:
		return proto.CodeOK, proto.ListResponse{Sessions: h.list()}
	}
	return Fail("unknown command %d", cmd)
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func (h *LocalHandler) connect(ctx context.Context, req proto.ConnectRequest) (uint32, interface{}) {
	if req.Host == "" || req.Username == "" {
		return Fail("host and username are required")
	}
	if req.Password == "" && req.PrivateKey == "" {
		return Fail("password or private key is required")
	}
	if req.Port == 0 {
		req.Port = 22
	}
	info := proto.SessionInfo{
		ID:        uuid.NewString(),
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		Status:    "connected",
		CreatedAt: h.now().Unix(),
	}
	h.mu.Lock()
	h.sessions[info.ID] = info
	h.mu.Unlock()

	h.log.Info(ctx, "session connected", slog.F("session_id", info.ID), slog.F("host", info.Host))
	return proto.CodeOK, proto.ConnectResponse{
		SessionID: info.ID,
		Host:      info.Host,
		Port:      info.Port,
		Status:    info.Status,
	}
}

func (h *LocalHandler) disconnect(ctx context.Context, id string) (uint32, interface{}) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return Fail("session %s not found", id)
	}
	h.log.Info(ctx, "session disconnected", slog.F("session_id", id))
	return proto.CodeOK, map[string]string{"status": "disconnected"}
}

func (h *LocalHandler) execute(ctx context.Context, req proto.ExecuteRequest) (uint32, interface{}) {
	h.mu.Lock()
	_, ok := h.sessions[req.SessionID]
	h.mu.Unlock()
	if !ok {
		return Fail("session %s not found", req.SessionID)
	}
	if req.Command == "" {
		return Fail("command is required")
	}

	stdout, err := circbuf.NewBuffer(h.OutputLimit)
	if err != nil {
		return Fail("allocate output buffer: %v", err)
	}
	stderr, err := circbuf.NewBuffer(h.OutputLimit)
	if err != nil {
		return Fail("allocate output buffer: %v", err)
	}

	cmd := exec.CommandContext(ctx, h.Shell, "-c", req.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Run()

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return Fail("run command: %v", err)
	}
	if stdout.TotalWritten() > stdout.Size() || stderr.TotalWritten() > stderr.Size() {
		h.log.Debug(ctx, "command output truncated",
			slog.F("session_id", req.SessionID),
			slog.F("stdout_total", stdout.TotalWritten()),
			slog.F("stderr_total", stderr.TotalWritten()),
		)
	}
	return proto.CodeOK, proto.ExecuteResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
}

func (h *LocalHandler) list() []proto.SessionInfo {
	h.mu.Lock()
	out := make([]proto.SessionInfo, 0, len(h.sessions))
	for _, info := range h.sessions {
		out = append(out, info)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
