// Package helper implements the helper side of the framed wire protocol. The
// production helper is a separate privileged daemon; this package lets the
// broker be developed and tested against the same contract.
package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"cdr.dev/slog"
	"golang.org/x/xerrors"

	"cdr.dev/broker/internal/proto"
)

// CodeFailure is the result code used for every handler failure.
const CodeFailure uint32 = 1

// Handler answers one request frame with a result code and a payload.
type Handler interface {
	ServeHelper(ctx context.Context, cmd uint32, payload json.RawMessage) (code uint32, resp interface{})
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{})

func (f HandlerFunc) ServeHelper(ctx context.Context, cmd uint32, payload json.RawMessage) (uint32, interface{}) {
	return f(ctx, cmd, payload)
}

// Fail builds a failure response carrying msg.
func Fail(format string, args ...interface{}) (uint32, interface{}) {
	return CodeFailure, proto.ErrorResponse{Error: fmt.Sprintf(format, args...)}
}

// Listen removes a stale socket at path and listens on it. The socket is
// only accessible to its owner.
func Listen(path string) (net.Listener, error) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, xerrors.Errorf("listen: %w", err)
	}
	err = os.Chmod(path, 0o600)
	if err != nil {
		ln.Close()
		return nil, xerrors.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done or the listener fails. Each
// connection carries exactly one request frame and one response frame.
func Serve(ctx context.Context, ln net.Listener, h Handler, log slog.Logger) error {
	log = log.Named("helper")
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, h, log)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler, log slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	frame, err := proto.ReadFrame(conn)
	switch {
	case err == nil:
	case errors.Is(err, proto.ErrMalformedPayload):
		code, resp := Fail("malformed payload")
		_ = proto.WriteFrame(conn, code, resp)
		return
	default:
		log.Debug(ctx, "read request", slog.Error(err))
		return
	}

	code, resp := h.ServeHelper(ctx, frame.Code, frame.Payload)
	log.Debug(ctx, "handled request",
		slog.F("command", proto.CommandName(frame.Code)),
		slog.F("code", code),
	)
	err = proto.WriteFrame(conn, code, resp)
	if err != nil {
		log.Warn(ctx, "write response", slog.Error(err))
	}
}
