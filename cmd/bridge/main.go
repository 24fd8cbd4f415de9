// Command bridge runs the MCP bridge: it terminates frontend duplex
// channels, serves the MCP JSON-RPC surface to consumers, and relays
// queries to a configured agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/openbridge/mcp-bridge/internal/auth"
	"github.com/openbridge/mcp-bridge/internal/config"
	"github.com/openbridge/mcp-bridge/internal/fanout"
	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/mcp"
	"github.com/openbridge/mcp-bridge/internal/query"
	"github.com/openbridge/mcp-bridge/internal/session"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
	"github.com/openbridge/mcp-bridge/internal/transport"
)

func main() {
	var (
		configF = flag.String("config", "", "path to a YAML config file (optional)")
		dbgF    = flag.Bool("debug", false, "log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	registry := session.NewRegistry(logger, metrics)
	table := link.NewTable(cfg.ClampDeadline)
	links := transport.NewLinkDirectory()
	fanoutMgr := fanout.NewManager(registry)

	engine := query.NewEngine(cfg.AgentURL, cfg.QueryRetention, links.Relays, logger, metrics)

	resolver := auth.New(registry, func(queryID string) (*session.Session, bool) {
		q, ok := engine.Get(queryID)
		if !ok {
			return nil, false
		}
		return registry.Get(q.OriginSessionID)
	})

	handler := mcp.New(registry, resolver, engine, links.Callers, table, cfg.ClampDeadline,
		mcp.ServerInfo{Name: cfg.Name, Version: cfg.Version}, logger, metrics)

	ctx, cancel := context.WithCancel(ctx)
	router := transport.NewRouter(transport.Deps{
		Ctx:      ctx,
		Config:   cfg,
		Registry: registry,
		Table:    table,
		Handler:  handler,
		Queries:  engine,
		Fanout:   fanoutMgr,
		Links:    links,
		Log:      logger,
		Metrics:  metrics,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "bridge listening on %q", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "error during shutdown: %v", err)
	}
	cancel()

	table.Close()
	engine.Close()
	fanoutMgr.Close()

	wg.Wait()
	log.Printf(ctx, "exited")
}
