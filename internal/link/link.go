package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/session"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Dispatcher is implemented by the MCP handler (internal/mcp.Handler), which
// applies inbound frames to the Session's state in the registry. Link itself only
// knows how to move bytes; everything a frame means is decided here.
type Dispatcher interface {
	HandleRegisterTool(s *session.Session, p RegisterToolPayload) error
	HandleUnregisterTool(s *session.Session, p UnregisterToolPayload)
	HandleRegisterResource(s *session.Session, p RegisterResourcePayload)
	HandleUnregisterResource(s *session.Session, p UnregisterResourcePayload)
	HandleRegisterPrompt(s *session.Session, p RegisterPromptPayload)
	HandleUnregisterPrompt(s *session.Session, p UnregisterPromptPayload)
	HandleToolResponse(s *session.Session, p ToolResponsePayload)
	HandleResourceResponse(s *session.Session, p ResourceResponsePayload)
	HandleQueryRelayFromFrontend(s *session.Session, kind MessageKind, raw json.RawMessage)
}

// Link is one duplex channel between the bridge and a single frontend
// connection (C2). It owns the PendingCall Table entries created on behalf
// of its Session and guarantees at most one writer goroutine touches conn at
// a time via a read-pump/write-pump split.
type Link struct {
	conn    *websocket.Conn
	session *session.Session
	table   *Table
	disp    Dispatcher
	log     telemetry.Logger

	send     chan []byte
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// New constructs a Link for an already-upgraded websocket connection and an
// already-registered Session. The caller must invoke Run to start pumping;
// Run blocks until the connection closes.
func New(conn *websocket.Conn, s *session.Session, table *Table, disp Dispatcher, log telemetry.Logger) *Link {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Link{
		conn:    conn,
		session: s,
		table:   table,
		disp:    disp,
		log:     log,
		send:    make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Session returns the Link's associated Session.
func (l *Link) Session() *session.Session { return l.session }

// Run starts the read and write pumps and blocks until either fails or ctx
// is cancelled. On return the underlying connection is closed and every
// PendingCall owned by this Link's session has been failed with
// CodeSessionGone.
func (l *Link) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.writePump(ctx)
	}()

	l.sendEnvelope(KindServerInfo, ServerInfoPayload{
		Name:         "mcp-bridge",
		Version:      "dev",
		Capabilities: []string{"tools", "resources", "prompts", "queries"},
	})

	l.readPump()
	l.Close()
	<-done
}

// Close tears the Link down exactly once: closes the underlying connection
// and fails every PendingCall owned by this session.
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.closed)
		l.conn.Close()
		if l.table != nil {
			l.table.FailSession(l.session.ID)
		}
	})
}

func (l *Link) readPump() {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.log.Warn(context.Background(), "link read error", "session_id", l.session.ID, "err", err)
			}
			return
		}
		l.session.Touch(time.Now())
		if !l.handle(data) {
			return
		}
	}
}

func (l *Link) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-l.closed:
			return
		case msg, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle interprets one inbound frame. It returns false if the frame was not
// valid framing (not just an unknown or malformed payload for a known type),
// in which case the caller must stop reading: a corrupt stream cannot be
// trusted to resynchronize on the next message.
func (l *Link) handle(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.log.Warn(context.Background(), "malformed frame, closing link", "session_id", l.session.ID, "err", err)
		l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "malformed frame"), time.Now().Add(writeWait))
		return false
	}
	switch env.Type {
	case KindRegisterTool:
		var p RegisterToolPayload
		if l.decode(env.Payload, &p) {
			if err := l.disp.HandleRegisterTool(l.session, p); err != nil {
				l.log.Warn(context.Background(), "register-tool rejected", "session_id", l.session.ID, "tool", p.Name, "err", err)
			}
		}
	case KindUnregisterTool:
		var p UnregisterToolPayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleUnregisterTool(l.session, p)
		}
	case KindRegisterResource:
		var p RegisterResourcePayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleRegisterResource(l.session, p)
		}
	case KindUnregisterResource:
		var p UnregisterResourcePayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleUnregisterResource(l.session, p)
		}
	case KindRegisterPrompt:
		var p RegisterPromptPayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleRegisterPrompt(l.session, p)
		}
	case KindUnregisterPrompt:
		var p UnregisterPromptPayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleUnregisterPrompt(l.session, p)
		}
	case KindToolResponse:
		var p ToolResponsePayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleToolResponse(l.session, p)
		}
	case KindResourceResponse:
		var p ResourceResponsePayload
		if l.decode(env.Payload, &p) {
			l.disp.HandleResourceResponse(l.session, p)
		}
	case KindQueryProgress, KindQueryComplete, KindQueryFailure, KindQueryCancel:
		l.disp.HandleQueryRelayFromFrontend(l.session, env.Type, env.Payload)
	default:
		l.log.Warn(context.Background(), "unknown frame type", "session_id", l.session.ID, "type", string(env.Type))
	}
	return true
}

func (l *Link) decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		l.log.Warn(context.Background(), "malformed payload", "session_id", l.session.ID, "err", err)
		return false
	}
	return true
}

// sendEnvelope marshals kind+payload as an Envelope and enqueues it for the
// write pump. A full send buffer (a wedged or abusive frontend) drops the
// connection rather than blocking the caller indefinitely.
func (l *Link) sendEnvelope(kind MessageKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		l.log.Error(context.Background(), "failed to marshal outbound payload", "session_id", l.session.ID, "kind", string(kind), "err", err)
		return
	}
	env := Envelope{Type: kind, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		l.log.Error(context.Background(), "failed to marshal outbound envelope", "session_id", l.session.ID, "err", err)
		return
	}
	select {
	case l.send <- data:
	default:
		l.log.Warn(context.Background(), "send buffer full, dropping link", "session_id", l.session.ID)
		l.Close()
	}
}

// CallTool sends a tool-call frame and returns the PendingCall the caller
// should Wait on.
func (l *Link) CallTool(name string, args json.RawMessage, queryID string, deadline time.Duration) *PendingCall {
	p := l.table.New(l.session.ID, KindToolCall, deadline)
	l.sendEnvelope(KindToolCall, ToolCallPayload{RequestID: p.RequestID, Name: name, Arguments: args, QueryID: queryID})
	return p
}

// ReadResource sends a resource-read frame and returns the PendingCall the
// caller should Wait on.
func (l *Link) ReadResource(uri string, deadline time.Duration) *PendingCall {
	p := l.table.New(l.session.ID, KindResourceRead, deadline)
	l.sendEnvelope(KindResourceRead, ResourceReadPayload{RequestID: p.RequestID, URI: uri})
	return p
}

// DeliverQuery hands a newly created Query to this Link's frontend.
func (l *Link) DeliverQuery(p QueryDeliveryPayload) {
	l.sendEnvelope(KindQuery, p)
}

// RelayQueryEvent relays an agent-originated query lifecycle event to this
// Link's frontend. It satisfies internal/query.Relay.
func (l *Link) RelayQueryEvent(queryID, event, message, errMsg string, toolLog json.RawMessage) {
	l.sendEnvelope(KindQueryRelay, QueryRelayPayload{
		QueryID: queryID,
		Event:   event,
		Message: message,
		Error:   errMsg,
		ToolLog: toolLog,
	})
}

// ErrLinkClosed is the CodeSessionGone error describing a closed link. The
// Link's own send paths return no error: a frame queued after Close is never
// written.
var ErrLinkClosed = bridgeerr.New(bridgeerr.CodeSessionGone, "link is closed")
