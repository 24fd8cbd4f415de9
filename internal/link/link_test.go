package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbridge/mcp-bridge/internal/session"
)

type recordingDispatcher struct {
	mu            sync.Mutex
	registered    []RegisterToolPayload
	toolResponses []ToolResponsePayload
}

func (d *recordingDispatcher) HandleRegisterTool(s *session.Session, p RegisterToolPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, p)
	return nil
}
func (d *recordingDispatcher) HandleUnregisterTool(s *session.Session, p UnregisterToolPayload)     {}
func (d *recordingDispatcher) HandleRegisterResource(s *session.Session, p RegisterResourcePayload) {}
func (d *recordingDispatcher) HandleUnregisterResource(s *session.Session, p UnregisterResourcePayload) {
}
func (d *recordingDispatcher) HandleRegisterPrompt(s *session.Session, p RegisterPromptPayload)     {}
func (d *recordingDispatcher) HandleUnregisterPrompt(s *session.Session, p UnregisterPromptPayload) {}
func (d *recordingDispatcher) HandleToolResponse(s *session.Session, p ToolResponsePayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toolResponses = append(d.toolResponses, p)
}
func (d *recordingDispatcher) HandleResourceResponse(s *session.Session, p ResourceResponsePayload) {}
func (d *recordingDispatcher) HandleQueryRelayFromFrontend(s *session.Session, kind MessageKind, raw json.RawMessage) {
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newTestServer upgrades every request to a websocket and runs a Link against
// it, returning the Link, the client-side *websocket.Conn, and a cleanup func.
func newTestServer(t *testing.T, disp Dispatcher, table *Table) (*Link, *websocket.Conn, func()) {
	t.Helper()
	s := session.NewSession("s1", "", "https://example.test", "", "tok", time.Now())

	var lk *Link
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		lk = New(conn, s, table, disp, nil)
		close(ready)
		lk.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	<-ready

	cleanup := func() {
		clientConn.Close()
		srv.Close()
	}
	return lk, clientConn, cleanup
}

func TestLinkDeliversServerInfoOnConnect(t *testing.T) {
	tb := NewTable(nil)
	defer tb.Close()
	_, clientConn, cleanup := newTestServer(t, &recordingDispatcher{}, tb)
	defer cleanup()

	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, KindServerInfo, env.Type)
}

func TestLinkDispatchesRegisterTool(t *testing.T) {
	tb := NewTable(nil)
	defer tb.Close()
	disp := &recordingDispatcher{}
	_, clientConn, cleanup := newTestServer(t, disp, tb)
	defer cleanup()

	_, _, err := clientConn.ReadMessage() // server-info
	require.NoError(t, err)

	payload, _ := json.Marshal(RegisterToolPayload{Name: "greet", Description: "says hi"})
	frame, _ := json.Marshal(Envelope{Type: KindRegisterTool, Payload: payload})
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, frame))

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.registered) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "greet", disp.registered[0].Name)
}

func TestLinkClosesOnMalformedFrame(t *testing.T) {
	tb := NewTable(nil)
	defer tb.Close()
	disp := &recordingDispatcher{}
	_, clientConn, cleanup := newTestServer(t, disp, tb)
	defer cleanup()

	_, _, err := clientConn.ReadMessage() // server-info
	require.NoError(t, err)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	closeCode := -1
	clientConn.SetCloseHandler(func(code int, text string) error {
		closeCode = code
		return nil
	})
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode)
}

func TestLinkCallToolRoundTrip(t *testing.T) {
	tb := NewTable(nil)
	defer tb.Close()
	disp := &recordingDispatcher{}
	lk, clientConn, cleanup := newTestServer(t, disp, tb)
	defer cleanup()

	_, _, err := clientConn.ReadMessage() // server-info
	require.NoError(t, err)

	var p *PendingCall
	go func() {
		p = lk.CallTool("greet", json.RawMessage(`{}`), "", 0)
	}()

	require.Eventually(t, func() bool {
		return p != nil
	}, time.Second, 5*time.Millisecond)

	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, KindToolCall, env.Type)
	var call ToolCallPayload
	require.NoError(t, json.Unmarshal(env.Payload, &call))
	assert.Equal(t, "greet", call.Name)
	assert.NotEmpty(t, call.RequestID)

	ok := tb.Resolve(call.RequestID, "s1", Result{Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)})
	require.True(t, ok)

	r := p.Wait()
	require.NoError(t, r.Err)
	assert.JSONEq(t, `[{"type":"text","text":"hi"}]`, string(r.Content))
}

func TestLinkFailSessionOnDisconnect(t *testing.T) {
	tb := NewTable(nil)
	defer tb.Close()
	disp := &recordingDispatcher{}
	lk, clientConn, cleanup := newTestServer(t, disp, tb)
	defer cleanup()

	_, _, err := clientConn.ReadMessage() // server-info
	require.NoError(t, err)

	p := tb.New(lk.Session().ID, KindToolCall, 0)
	clientConn.Close()

	r := p.Wait()
	require.Error(t, r.Err)
}
