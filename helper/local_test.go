package helper

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"cdr.dev/slog/sloggers/slogtest/assert"

	"cdr.dev/broker/internal/proto"
)

func call(t *testing.T, h Handler, cmd uint32, req interface{}, resp interface{}) uint32 {
	t.Helper()
	var payload json.RawMessage
	if req != nil {
		b, err := json.Marshal(req)
		assert.Success(t, "marshal request", err)
		payload = b
	}
	code, out := h.ServeHelper(context.Background(), cmd, payload)
	b, err := json.Marshal(out)
	assert.Success(t, "marshal response", err)
	err = json.Unmarshal(b, resp)
	assert.Success(t, "unmarshal response", err)
	return code
}

func TestLocalHandler(t *testing.T) {
	t.Parallel()

	h := NewLocalHandler(slogtest.Make(t, nil))

	var errResp proto.ErrorResponse
	code := call(t, h, proto.CmdConnect, proto.ConnectRequest{Host: "h", Username: "u"}, &errResp)
	assert.Equal(t, "no credentials", CodeFailure, code)
	assert.Equal(t, "message", "password or private key is required", errResp.Error)

	var conn proto.ConnectResponse
	code = call(t, h, proto.CmdConnect, proto.ConnectRequest{Host: "h", Username: "u", Password: "p"}, &conn)
	assert.Equal(t, "connect", proto.CodeOK, code)
	assert.True(t, "session id", conn.SessionID != "")
	assert.Equal(t, "port", 22, conn.Port)

	var ping proto.PingResponse
	call(t, h, proto.CmdPing, nil, &ping)
	assert.Equal(t, "sessions", 1, ping.Sessions)

	var res proto.ExecuteResponse
	code = call(t, h, proto.CmdExecute, proto.ExecuteRequest{SessionID: conn.SessionID, Command: "echo out; echo err >&2; exit 3"}, &res)
	assert.Equal(t, "execute", proto.CodeOK, code)
	assert.Equal(t, "result", proto.ExecuteResponse{Stdout: "out\n", Stderr: "err\n", ExitCode: 3}, res)

	var info proto.SessionInfo
	call(t, h, proto.CmdStatus, proto.SessionRequest{SessionID: "missing"}, &info)
	assert.Equal(t, "not found", proto.StatusNotFound, info.Status)

	var list proto.ListResponse
	call(t, h, proto.CmdListSessions, nil, &list)
	assert.Equal(t, "list", 1, len(list.Sessions))
	assert.Equal(t, "list id", conn.SessionID, list.Sessions[0].ID)

	var ok map[string]string
	code = call(t, h, proto.CmdDisconnect, proto.SessionRequest{SessionID: conn.SessionID}, &ok)
	assert.Equal(t, "disconnect", proto.CodeOK, code)
	code = call(t, h, proto.CmdDisconnect, proto.SessionRequest{SessionID: conn.SessionID}, &errResp)
	assert.Equal(t, "disconnect twice", CodeFailure, code)

	code = call(t, h, 99, nil, &errResp)
	assert.Equal(t, "unknown command", CodeFailure, code)
}

func TestLocalHandlerOutputLimit(t *testing.T) {
	t.Parallel()

	h := NewLocalHandler(slogtest.Make(t, nil))
	h.OutputLimit = 4

	var conn proto.ConnectResponse
	call(t, h, proto.CmdConnect, proto.ConnectRequest{Host: "h", Username: "u", PrivateKey: "k"}, &conn)

	var res proto.ExecuteResponse
	call(t, h, proto.CmdExecute, proto.ExecuteRequest{SessionID: conn.SessionID, Command: "printf abcdefgh"}, &res)
	assert.Equal(t, "tail kept", "efgh", res.Stdout)
}

func TestServe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir, err := os.MkdirTemp("", "helper")
	assert.Success(t, "make temp dir", err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "h.sock")
	ln, err := Listen(path)
	assert.Success(t, "listen", err)

	sctx, scancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- Serve(sctx, ln, NewLocalHandler(slogtest.Make(t, nil)), slogtest.Make(t, nil))
	}()

	roundTrip := func(frame []byte) proto.Frame {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		assert.Success(t, "dial", err)
		defer conn.Close()
		_, err = conn.Write(frame)
		assert.Success(t, "write", err)
		resp, err := proto.ReadFrame(conn)
		assert.Success(t, "read", err)
		return resp
	}

	frame, err := proto.Encode(proto.CmdPing, nil)
	assert.Success(t, "encode", err)
	resp := roundTrip(frame)
	assert.Equal(t, "ping code", proto.CodeOK, resp.Code)

	// A request whose payload is not JSON still gets a failure reply.
	bad, err := proto.Encode(proto.CmdPing, nil)
	assert.Success(t, "encode", err)
	bad[8] = 3
	bad = append(bad, "{x:"...)
	resp = roundTrip(bad)
	assert.Equal(t, "malformed code", CodeFailure, resp.Code)
	var errResp proto.ErrorResponse
	assert.Success(t, "decode", resp.Decode(&errResp))
	assert.True(t, "message", strings.Contains(errResp.Error, "malformed"))

	// A client that never sends a request must not hold up shutdown.
	var d net.Dialer
	idle, err := d.DialContext(ctx, "unix", path)
	assert.Success(t, "dial idle", err)
	defer idle.Close()
	_, err = idle.Write([]byte{1, 0})
	assert.Success(t, "write partial header", err)
	// Accepts are in order, so the idle connection is being served once a
	// later request has been answered.
	resp = roundTrip(frame)
	assert.Equal(t, "ping code", proto.CodeOK, resp.Code)

	scancel()
	select {
	case err := <-done:
		assert.Success(t, "serve", err)
	case <-ctx.Done():
		t.Fatal("serve did not return with an idle connection open")
	}
}
