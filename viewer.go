package broker

import (
	"context"
	"time"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxViewerMessageSize = 64000

// Messages a viewer sends.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Messages the broker sends besides events.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

// ViewerMessage is a control message exchanged with a viewer.
type ViewerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	ViewerID  string `json:"viewer_id,omitempty"`
	// HelperAvailable is set on welcome.
	HelperAvailable *bool `json:"agent_available,omitempty"`
}

// ViewerOptions configures ServeViewer.
type ViewerOptions struct {
	// Buffer is how many events may wait for a slow viewer before new ones
	// are dropped.
	Buffer int
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// HelperAvailable is reported in the welcome message.
	HelperAvailable func() bool
}

// ServeViewer runs one viewer connection until it closes. The viewer
// subscribes and unsubscribes by session id; events arrive as JSON text
// messages. Every subscription is dropped when the connection ends.
func ServeViewer(ctx context.Context, conn *websocket.Conn, b *Broadcaster, log slog.Logger, opts *ViewerOptions) error {
	if opts == nil {
		opts = &ViewerOptions{}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	conn.SetReadLimit(maxViewerMessageSize)

	v := NewChanViewer(opts.Buffer)
	log = log.Named("viewer").With(slog.F("viewer_id", v.ID()))
	defer b.UnsubscribeAll(v)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	write := func(msg interface{}) error {
		wctx, wcancel := context.WithTimeout(ctx, opts.WriteTimeout)
		defer wcancel()
		return wsjson.Write(wctx, conn, msg)
	}

	welcome := ViewerMessage{Type: TypeWelcome, ViewerID: v.ID(), Message: "connected to broker"}
	if opts.HelperAvailable != nil {
		available := opts.HelperAvailable()
		welcome.HelperAvailable = &available
	}
	err := write(welcome)
	if err != nil {
		return xerrors.Errorf("write welcome: %w", err)
	}
	log.Info(ctx, "viewer connected")

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-v.Events():
				err := write(ev)
				if err != nil {
					log.Debug(ctx, "write event", slog.Error(err))
					return
				}
			}
		}
	}()

	for {
		var msg ViewerMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			log.Info(ctx, "viewer disconnected", slog.F("dropped", v.Dropped()))
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("read viewer message: %w", err)
		}

		switch msg.Type {
		case TypeSubscribe:
			if msg.SessionID == "" {
				err = write(ViewerMessage{Type: TypeError, Message: "session_id is required"})
				break
			}
			b.Subscribe(v, msg.SessionID)
			log.Debug(ctx, "subscribed", slog.F("session_id", msg.SessionID))
			err = write(ViewerMessage{Type: TypeSubscribed, SessionID: msg.SessionID})
		case TypeUnsubscribe:
			b.Unsubscribe(v, msg.SessionID)
			err = write(ViewerMessage{Type: TypeUnsubscribed, SessionID: msg.SessionID})
		case TypePing:
			err = write(ViewerMessage{Type: TypePong})
		default:
			err = write(ViewerMessage{Type: TypeError, Message: "unknown message type: " + msg.Type})
		}
		if err != nil {
			return xerrors.Errorf("write reply: %w", err)
		}
	}
}
