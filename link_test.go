package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"cdr.dev/slog/sloggers/slogtest/assert"

	"cdr.dev/broker/helper"
	"cdr.dev/broker/internal/proto"
)

// socketPath returns a fresh socket path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "broker")
	assert.Success(t, "make temp dir", err)
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return filepath.Join(dir, "helper.sock")
}

func testLogger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

// startHelper serves h on a new socket and returns a link to it.
func startHelper(t *testing.T, h helper.Handler) *Link {
	t.Helper()
	path := socketPath(t)
	ln, err := helper.Listen(path)
	assert.Success(t, "listen", err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- helper.Serve(ctx, ln, h, testLogger(t))
	}()
	t.Cleanup(func() {
		cancel()
		assert.Success(t, "serve", <-done)
	})
	return NewLink(path, testLogger(t))
}

// startRaw serves a single connection with fn, bypassing the frame codec.
func startRaw(t *testing.T, fn func(conn net.Conn)) *Link {
	t.Helper()
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	assert.Success(t, "listen", err)
	t.Cleanup(func() {
		ln.Close()
	})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = proto.ReadFrame(conn)
		fn(conn)
	}()
	return NewLink(path, testLogger(t))
}

func TestLinkUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := NewLink(socketPath(t), testLogger(t))
	assert.False(t, "reachable", l.IsReachable())

	_, err := l.Ping(ctx)
	assert.True(t, "helper unavailable", errors.Is(err, ErrHelperUnavailable))
	assert.Equal(t, "kind", KindHelperUnavailable, KindOf(err))
}

func TestLinkStaleSocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	assert.Success(t, "listen", err)
	// Keep the file but stop accepting so dials are refused.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	l := NewLink(path, testLogger(t))
	assert.True(t, "reachable", l.IsReachable())
	_, err = l.Ping(ctx)
	assert.Equal(t, "kind", KindHelperUnavailable, KindOf(err))
}

func TestLinkCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got proto.ExecuteRequest
	l := startHelper(t, helper.HandlerFunc(func(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{}) {
		switch cmd {
		case proto.CmdPing:
			assert.Equal(t, "ping payload", 0, len(payload))
			return proto.CodeOK, proto.PingResponse{Status: "ok", Version: "1.0", Sessions: 2}
		case proto.CmdExecute:
			err := json.Unmarshal(payload, &got)
			assert.Success(t, "decode execute", err)
			return proto.CodeOK, proto.ExecuteResponse{Stdout: "a\tb\n", Stderr: "", ExitCode: 3}
		}
		return helper.Fail("unexpected command %d", cmd)
	}))

	ping, err := l.Ping(ctx)
	assert.Success(t, "ping", err)
	assert.Equal(t, "ping", proto.PingResponse{Status: "ok", Version: "1.0", Sessions: 2}, ping)

	res, err := l.Execute(ctx, "s1", "printf 'a\\tb\\n'; exit 3")
	assert.Success(t, "execute", err)
	assert.Equal(t, "request", proto.ExecuteRequest{SessionID: "s1", Command: "printf 'a\\tb\\n'; exit 3"}, got)
	assert.Equal(t, "stdout", "a\tb\n", res.Stdout)
	assert.Equal(t, "exit code", 3, res.ExitCode)
}

func TestLinkHelperFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := startHelper(t, helper.HandlerFunc(func(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{}) {
		if cmd == proto.CmdDisconnect {
			return 7, proto.ErrorResponse{Error: "Session not found"}
		}
		return 9, nil
	}))

	err := l.Disconnect(ctx, "s1")
	var e *Error
	assert.True(t, "is *Error", errors.As(err, &e))
	assert.Equal(t, "kind", KindHelperFailure, e.Kind)
	assert.Equal(t, "message", "Session not found", e.Msg)
	assert.Equal(t, "code", uint32(7), e.Code)

	_, err = l.ListSessions(ctx)
	assert.True(t, "is *Error", errors.As(err, &e))
	assert.Equal(t, "message", "helper returned code 9", e.Msg)
}

func TestLinkStatusNotFound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := startHelper(t, helper.HandlerFunc(func(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{}) {
		var req proto.SessionRequest
		_ = json.Unmarshal(payload, &req)
		if req.SessionID == "s1" {
			return proto.CodeOK, proto.SessionInfo{SessionID: "s1", Host: "h", Status: "connected"}
		}
		return proto.CodeOK, proto.SessionInfo{SessionID: req.SessionID, Status: proto.StatusNotFound}
	}))

	info, err := l.Status(ctx, "s1")
	assert.Success(t, "status", err)
	assert.Equal(t, "host", "h", info.Host)

	_, err = l.Status(ctx, "missing")
	assert.True(t, "not found", errors.Is(err, ErrSessionNotFound))
}

func TestLinkWireErrors(t *testing.T) {
	t.Parallel()

	header := func(version, code, length uint32) []byte {
		b := make([]byte, proto.HeaderSize)
		binary.LittleEndian.PutUint32(b[0:4], version)
		binary.LittleEndian.PutUint32(b[4:8], code)
		binary.LittleEndian.PutUint32(b[8:12], length)
		return b
	}

	tests := []struct {
		name  string
		reply []byte
		kind  ErrorKind
	}{
		{"PrematureClose", append(header(proto.Version, 0, 20), `{"status":`...), KindPrematureClose},
		{"HeaderOnly", header(proto.Version, 0, 0)[:7], KindPrematureClose},
		{"ProtocolMismatch", header(2, 0, 0), KindProtocolMismatch},
		{"MalformedPayload", append(header(proto.Version, 0, 5), `{"a":`...), KindMalformedPayload},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			l := startRaw(t, func(conn net.Conn) {
				_, _ = conn.Write(tt.reply)
			})
			_, err := l.Ping(ctx)
			assert.Error(t, "ping", err)
			assert.Equal(t, "kind", tt.kind, KindOf(err))
		})
	}
}

func TestLinkCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	l := startRaw(t, func(conn net.Conn) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := l.Ping(ctx)
	assert.Equal(t, "kind", KindConnectionError, KindOf(err))
}
