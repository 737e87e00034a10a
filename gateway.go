package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog"

	"cdr.dev/broker/internal/proto"
)

// DefaultRetryDelay is how long CreateSession waits before its single retry
// when the helper is not reachable.
const DefaultRetryDelay = 2 * time.Second

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// RetryDelay is the wait before CreateSession retries once.
	RetryDelay time.Duration
	// CallTimeout bounds each helper call made by the gateway. Zero leaves
	// calls bounded only by the caller's context.
	CallTimeout time.Duration
}

// CreateRequest describes a session to open. Exactly one of Password and
// PrivateKey is expected; the helper enforces that.
type CreateRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// ExecuteResult is the captured output of one command.
type ExecuteResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Gateway is the external call surface of the broker. Every method returns
// either a complete value or a *Error.
type Gateway struct {
	link        *Link
	registry    *Registry
	broadcaster *Broadcaster
	log         slog.Logger
	retryDelay  time.Duration
	callTimeout time.Duration
}

// NewGateway wires a gateway to its collaborators. Session status changes
// recorded by the registry are published to viewers.
func NewGateway(link *Link, registry *Registry, broadcaster *Broadcaster, log slog.Logger, opts *GatewayOptions) *Gateway {
	if opts == nil {
		opts = &GatewayOptions{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	g := &Gateway{
		link:        link,
		registry:    registry,
		broadcaster: broadcaster,
		log:         log.Named("gateway"),
		retryDelay:  opts.RetryDelay,
		callTimeout: opts.CallTimeout,
	}
	registry.OnStatusChange(func(s Session, previous Status) {
		g.log.Info(context.Background(), "session status changed",
			slog.F("session_id", s.ID),
			slog.F("from", previous),
			slog.F("to", s.Status),
		)
		broadcaster.Publish(s.ID, StatusEvent(s.ID, s.Status))
	})
	return g
}

// Link returns the helper link used by the gateway.
func (g *Gateway) Link() *Link {
	return g.link
}

// Registry returns the session registry used by the gateway.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Ping checks that the helper is answering.
func (g *Gateway) Ping(ctx context.Context) (proto.PingResponse, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	return g.link.Ping(ctx)
}

// CreateSession asks the helper to open a session. If the helper is
// momentarily unavailable it waits once and retries once.
func (g *Gateway) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	if req.Host == "" || req.Username == "" {
		return Session{}, newError(KindInvalidInput, "host and username are required", nil)
	}
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	log := g.log.With(slog.F("host", req.Host), slog.F("port", req.Port), slog.F("username", req.Username))
	log.Info(ctx, "creating session",
		slog.F("has_password", req.Password != ""),
		slog.F("has_key", req.PrivateKey != ""),
	)

	connect := proto.ConnectRequest{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
	}
	resp, err := g.connect(ctx, connect)
	if errors.Is(err, ErrHelperUnavailable) {
		log.Warn(ctx, "helper unavailable, retrying once", slog.F("delay", g.retryDelay), slog.Error(err))
		err = sleepContext(ctx, g.retryDelay)
		if err != nil {
			return Session{}, newError(KindHelperUnavailable, "create session", err)
		}
		if !g.link.IsReachable() {
			return Session{}, newError(KindHelperUnavailable, fmt.Sprintf("helper not running at %s", g.link.SocketPath()), nil)
		}
		resp, err = g.connect(ctx, connect)
	}
	if err != nil {
		log.Warn(ctx, "create session failed", slog.Error(err))
		return Session{}, err
	}

	s := g.registry.RecordConnected(resp, req.Host, req.Port, req.Username)
	log.Info(ctx, "session created", slog.F("session_id", s.ID), slog.F("status", s.Status))
	g.broadcaster.Publish(s.ID, Event{Type: EventSessionConnected, Session: &s, Status: s.Status})
	return s, nil
}

func (g *Gateway) connect(ctx context.Context, req proto.ConnectRequest) (proto.ConnectResponse, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	return g.link.Connect(ctx, req)
}

// ListSessions returns the helper's sessions in the order it reports them.
func (g *Gateway) ListSessions(ctx context.Context) ([]Session, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	rev := g.registry.Revision()
	infos, err := g.link.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return g.registry.Sync(rev, infos), nil
}

// GetSession returns one session. An id unknown to the helper, or destroyed
// while the call was in flight, yields an error matching ErrSessionNotFound.
func (g *Gateway) GetSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, newError(KindInvalidInput, "session id is required", nil)
	}
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	rev := g.registry.Revision()
	info, err := g.link.Status(ctx, id)
	if err != nil {
		return Session{}, err
	}
	s, ok := g.registry.Observe(rev, id, info)
	if !ok {
		return Session{}, newError(KindNotFound, fmt.Sprintf("session %q was destroyed", id), nil)
	}
	return s, nil
}

// DestroySession closes a session. If the helper reports a failure the
// session stays in the registry so the call can be retried.
func (g *Gateway) DestroySession(ctx context.Context, id string) error {
	if id == "" {
		return newError(KindInvalidInput, "session id is required", nil)
	}
	cctx, cancel := g.callContext(ctx)
	defer cancel()
	err := g.link.Disconnect(cctx, id)
	if err != nil {
		g.log.Warn(ctx, "destroy session failed", slog.F("session_id", id), slog.Error(err))
		return err
	}
	g.registry.MarkDisconnected(id)
	g.broadcaster.Publish(id, Event{Type: EventSessionDisconnected, Status: StatusDisconnected})
	g.registry.Remove(id)
	g.log.Info(ctx, "session destroyed", slog.F("session_id", id))
	return nil
}

// Execute runs command in a session. The result is published to the
// session's viewers as one session-output event and one command-complete
// event. A nonzero exit code is a result, not an error.
func (g *Gateway) Execute(ctx context.Context, id, command string) (ExecuteResult, error) {
	if id == "" {
		return ExecuteResult{}, newError(KindInvalidInput, "session id is required", nil)
	}
	if strings.TrimSpace(command) == "" {
		return ExecuteResult{}, newError(KindInvalidInput, "command is required", nil)
	}
	cctx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := g.link.Execute(cctx, id, command)
	if err != nil {
		g.log.Warn(ctx, "execute failed", slog.F("session_id", id), slog.Error(err))
		return ExecuteResult{}, err
	}
	result := ExecuteResult{
		Stdout:   firstString(resp.Stdout, resp.Output),
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
	}

	out := OutputEvent(id, StreamStdout, result.Stdout)
	out.Result = &result
	g.broadcaster.Publish(id, out)
	g.broadcaster.Publish(id, CompleteEvent(id, result.ExitCode))

	g.log.Debug(ctx, "command executed",
		slog.F("session_id", id),
		slog.F("exit_code", result.ExitCode),
		slog.F("stdout_bytes", len(result.Stdout)),
		slog.F("stderr_bytes", len(result.Stderr)),
	)
	return result, nil
}

// callContext applies the configured call timeout.
func (g *Gateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.callTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
