package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbridge/mcp-bridge/internal/auth"
	"github.com/openbridge/mcp-bridge/internal/config"
	"github.com/openbridge/mcp-bridge/internal/fanout"
	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/mcp"
	"github.com/openbridge/mcp-bridge/internal/query"
	"github.com/openbridge/mcp-bridge/internal/session"
)

type testBridge struct {
	srv      *httptest.Server
	registry *session.Registry
	queries  *query.Engine
	links    *LinkDirectory
	cancel   context.CancelFunc
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := config.Default()
	cfg.SSEKeepalive = 50 * time.Millisecond

	registry := session.NewRegistry(nil, nil)
	table := link.NewTable(cfg.ClampDeadline)
	t.Cleanup(table.Close)
	links := NewLinkDirectory()
	fanoutMgr := fanout.NewManager(registry)
	t.Cleanup(fanoutMgr.Close)

	var engine *query.Engine
	resolver := auth.New(registry, func(queryID string) (*session.Session, bool) {
		q, ok := engine.Get(queryID)
		if !ok {
			return nil, false
		}
		return registry.Get(q.OriginSessionID)
	})
	engine = query.NewEngine("", time.Minute, links.Relays, nil, nil)
	t.Cleanup(engine.Close)

	handler := mcp.New(registry, resolver, engine, links.Callers, table, cfg.ClampDeadline,
		mcp.ServerInfo{Name: cfg.Name, Version: cfg.Version}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	router := NewRouter(Deps{
		Ctx:      ctx,
		Config:   cfg,
		Registry: registry,
		Table:    table,
		Handler:  handler,
		Queries:  engine,
		Fanout:   fanoutMgr,
		Links:    links,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testBridge{srv: srv, registry: registry, queries: engine, links: links, cancel: cancel}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialFrontend(t *testing.T, tb *testBridge, sessionID string) *websocket.Conn {
	t.Helper()
	u := wsURL(tb.srv.URL) + "/ws?session=" + sessionID + "&origin=https://example.test&page_title=Example"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestWSUpgradeSendsServerInfo(t *testing.T) {
	tb := newTestBridge(t)
	conn := dialFrontend(t, tb, "s1")

	env := readEnvelope(t, conn)
	assert.Equal(t, "server-info", env["type"])

	_, ok := tb.registry.Get("s1")
	assert.True(t, ok)
}

func TestWSMissingSessionParamIsBadRequest(t *testing.T) {
	tb := newTestBridge(t)
	resp, err := http.Get(tb.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSReconnectReplacesPriorLink(t *testing.T) {
	tb := newTestBridge(t)
	first := dialFrontend(t, tb, "s1")
	readEnvelope(t, first) // server-info

	second := dialFrontend(t, tb, "s1")
	readEnvelope(t, second) // server-info

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "prior connection for a reconnecting session id should be closed")

	lk, ok := tb.links.Get("s1")
	require.True(t, ok)
	assert.NotNil(t, lk)
}

func TestHealthAndConfigAreUnauthenticated(t *testing.T) {
	tb := newTestBridge(t)

	resp, err := http.Get(tb.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(tb.srv.URL + "/config")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "mcp-bridge", body["name"])
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestRPCLegacyProxyInitialize(t *testing.T) {
	tb := newTestBridge(t)

	resp := postJSON(t, tb.srv.URL+"/rpc", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp mcp.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	assert.Nil(t, rpcResp.Error)
}

func TestMCPPostInitializeSetsSessionHeader(t *testing.T) {
	tb := newTestBridge(t)

	resp := postJSON(t, tb.srv.URL+"/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestMCPPostMalformedBodyIsParseError(t *testing.T) {
	tb := newTestBridge(t)
	resp, err := http.Post(tb.srv.URL+"/mcp", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rpcResp mcp.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, -32700, rpcResp.Error.Code)
}

func mcpSessionID(t *testing.T, tb *testBridge) string {
	t.Helper()
	resp := postJSON(t, tb.srv.URL+"/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	defer resp.Body.Close()
	id := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, id)
	return id
}

func TestMCPDeleteTearsDownSession(t *testing.T) {
	tb := newTestBridge(t)
	id := mcpSessionID(t, tb)

	req, err := http.NewRequest(http.MethodDelete, tb.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req2, _ := http.NewRequest(http.MethodDelete, tb.srv.URL+"/mcp", nil)
	req2.Header.Set("Mcp-Session-Id", id)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestMCPDeleteMissingHeaderIsBadRequest(t *testing.T) {
	tb := newTestBridge(t)
	req, _ := http.NewRequest(http.MethodDelete, tb.srv.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCPStreamMissingSessionHeaderIsBadRequest(t *testing.T) {
	tb := newTestBridge(t)
	req, _ := http.NewRequest(http.MethodGet, tb.srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryCreateRequiresBearerToken(t *testing.T) {
	tb := newTestBridge(t)
	req, err := http.NewRequest(http.MethodPut, tb.srv.URL+"/query/q1", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func queryCreateReq(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestQueryCreateSingleSessionSucceeds(t *testing.T) {
	tb := newTestBridge(t)
	s := session.NewSession("s1", "", "https://example.test", "Example", "tok-a", time.Now())
	tb.registry.Attach(s)

	resp := queryCreateReq(t, tb.srv.URL+"/query/q1", "tok-a", map[string]any{"prompt": "say hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	q, ok := tb.queries.Get("q1")
	require.True(t, ok)
	assert.Equal(t, "s1", q.OriginSessionID)
}

func TestQueryCreateAmbiguousBearerIsConflict(t *testing.T) {
	tb := newTestBridge(t)
	tb.registry.Attach(session.NewSession("s1", "", "", "", "shared-tok", time.Now()))
	tb.registry.Attach(session.NewSession("s2", "", "", "", "shared-tok", time.Now()))

	resp := queryCreateReq(t, tb.srv.URL+"/query/q2", "shared-tok", map[string]any{"prompt": "say hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueryCreateUnknownBearerIsUnauthorized(t *testing.T) {
	tb := newTestBridge(t)
	resp := queryCreateReq(t, tb.srv.URL+"/query/q3", "no-such-token", map[string]any{"prompt": "say hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryLifecycleEndpointsMapStatusCodes(t *testing.T) {
	tb := newTestBridge(t)
	tb.registry.Attach(session.NewSession("s1", "", "", "", "tok-a", time.Now()))
	tb.queries.Create(context.Background(), "q4", "s1", "say hi", nil, nil, "", false)

	resp := postJSON(t, tb.srv.URL+"/query/q4/progress", map[string]any{"message": "working"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPut, tb.srv.URL+"/query/q4/complete", bytes.NewReader([]byte(`{"message":"done"}`)))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)

	req2, _ := http.NewRequest(http.MethodPut, tb.srv.URL+"/query/q4/complete", bytes.NewReader([]byte(`{"message":"done again"}`)))
	resp3, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusConflict, resp3.StatusCode)
}

func TestQueryLifecycleUnknownQueryIsNotFound(t *testing.T) {
	tb := newTestBridge(t)
	req, _ := http.NewRequest(http.MethodPut, tb.srv.URL+"/query/no-such-query/fail", bytes.NewReader([]byte(`{"error":"boom"}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
