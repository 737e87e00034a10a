package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

const maxRequestBody = 1 << 20

type api struct {
	gw     *Gateway
	b      *Broadcaster
	log    slog.Logger
	viewer *ViewerOptions
}

// NewHandler exposes the gateway over HTTP and viewers over a websocket at
// /api/events.
func NewHandler(gw *Gateway, b *Broadcaster, log slog.Logger, viewer *ViewerOptions) http.Handler {
	if viewer == nil {
		viewer = &ViewerOptions{}
	}
	if viewer.HelperAvailable == nil {
		viewer.HelperAvailable = gw.Link().IsReachable
	}
	a := &api{gw: gw, b: b, log: log.Named("api"), viewer: viewer}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.health)
	mux.HandleFunc("GET /api/ping", a.ping)
	mux.HandleFunc("POST /api/sessions", a.createSession)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.destroySession)
	mux.HandleFunc("POST /api/sessions/{id}/execute", a.execute)
	mux.HandleFunc("GET /api/events", a.events)
	return mux
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ping, err := a.gw.Ping(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"agent":     ping,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *api) ping(w http.ResponseWriter, r *http.Request) {
	ping, err := a.gw.Ping(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ping)
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil {
		a.writeError(w, r, newError(KindInvalidInput, "decode request body", err))
		return
	}
	s, err := a.gw.CreateSession(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.gw.ListSessions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.gw.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) destroySession(w http.ResponseWriter, r *http.Request) {
	err := a.gw.DestroySession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusDisconnected)})
}

func (a *api) execute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil {
		a.writeError(w, r, newError(KindInvalidInput, "decode request body", err))
		return
	}
	res, err := a.gw.Execute(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.log.Warn(r.Context(), "accept viewer", slog.Error(err))
		return
	}
	err = ServeViewer(r.Context(), conn, a.b, a.log, a.viewer)
	if err != nil {
		a.log.Warn(r.Context(), "viewer ended", slog.Error(err))
		conn.Close(websocket.StatusInternalError, "viewer failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "normal closure")
}

func statusFor(kind ErrorKind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindHelperUnavailable:
		return http.StatusServiceUnavailable
	case KindHelperFailure, KindProtocolMismatch, KindMalformedPayload, KindPrematureClose, KindConnectionError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  kind,
	}
	var e *Error
	if xerrors.As(err, &e) && e.Kind == KindHelperFailure {
		// Helper messages are surfaced verbatim.
		body["error"] = e.Msg
		body["code"] = e.Code
	}
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		a.log.Warn(r.Context(), "request failed",
			slog.F("path", r.URL.Path),
			slog.F("status", status),
			slog.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
