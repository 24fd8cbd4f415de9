package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/openbridge/mcp-bridge/internal/config"
	"github.com/openbridge/mcp-bridge/internal/fanout"
	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/mcp"
	"github.com/openbridge/mcp-bridge/internal/query"
	"github.com/openbridge/mcp-bridge/internal/session"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

// Router wires the bridge core to a chi-based HTTP mux. It is the only
// package that serves HTTP requests: everything it touches (Registry,
// Table, Handler, Engine, Manager) is independent of the inbound transport.
type Router struct {
	ctx      context.Context
	cfg      config.BridgeConfig
	registry *session.Registry
	table    *link.Table
	handler  *mcp.Handler
	queries  *query.Engine
	fanout   *fanout.Manager
	links    *LinkDirectory
	log      telemetry.Logger
	metrics  telemetry.Metrics

	mux *chi.Mux
}

// Deps bundles the core components a Router dispatches against. Built once
// at startup by cmd/bridge and shared with no transport-specific state. Ctx
// governs every Link's lifetime: cancelling it (on shutdown) makes every
// open duplex channel send a GoingAway close frame and return.
type Deps struct {
	Ctx      context.Context
	Config   config.BridgeConfig
	Registry *session.Registry
	Table    *link.Table
	Handler  *mcp.Handler
	Queries  *query.Engine
	Fanout   *fanout.Manager
	Links    *LinkDirectory
	Log      telemetry.Logger
	Metrics  telemetry.Metrics
}

// NewRouter builds the bridge's HTTP surface: the frontend duplex-channel
// upgrade, the MCP consumer endpoint (Streamable-HTTP and legacy-proxy
// share one handler), the query lifecycle endpoints, and health/config.
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	rt := &Router{
		ctx:      ctx,
		cfg:      d.Config,
		registry: d.Registry,
		table:    d.Table,
		handler:  d.Handler,
		queries:  d.Queries,
		fanout:   d.Fanout,
		links:    d.Links,
		log:      log,
		metrics:  metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", rt.handleLink)
	r.Post("/rpc", rt.handleMCPPost)
	r.Handle("/mcp", http.HandlerFunc(rt.handleMCP))
	r.Put("/query/{uuid}", rt.handleQueryCreate)
	r.Post("/query/{uuid}/progress", rt.handleQueryProgress)
	r.Put("/query/{uuid}/complete", rt.handleQueryComplete)
	r.Put("/query/{uuid}/fail", rt.handleQueryFail)
	r.Put("/query/{uuid}/cancel", rt.handleQueryCancel)
	r.Get("/health", rt.handleHealth)
	r.Get("/config", rt.handleConfig)

	rt.mux = r
	return r
}

// newLink constructs a Link for an already-upgraded connection, wired to
// this Router's shared Table and the Handler as Dispatcher.
func (rt *Router) newLink(conn *websocket.Conn, s *session.Session) *link.Link {
	return link.New(conn, s, rt.table, rt.handler, rt.log)
}
