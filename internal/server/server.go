package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docuflow/researchd/config"
	"github.com/docuflow/researchd/internal/agent/core"
	"github.com/docuflow/researchd/internal/agent/telemetry"
	"github.com/docuflow/researchd/internal/events"
	"github.com/docuflow/researchd/internal/runtime"
	"github.com/docuflow/researchd/internal/session"
	"github.com/docuflow/researchd/internal/store"
)

// Run wires the full service and blocks serving HTTP.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("[HTTP] migrations: %v", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	// Optional Redis: event mirroring and the janitor lock degrade
	// gracefully without it.
	var rdb *redis.Client
	if raddr := cfg.Storage.Redis.Addr(); raddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: raddr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", raddr, err)
		}
	}

	engine, hub, err := buildEngine(cfg, st, rdb)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	ah := &AuthHandler{Store: st, Secret: secret}
	ah.Register(api.Group("/auth"))

	sh := &SessionsHandler{Svc: engine.manager, Reader: st, Events: hub}
	sh.Register(api.Group("/sessions"), runtime.EchoAuthMiddleware(secret))

	janitor := &Janitor{Store: st, Rdb: rdb, Cfg: cfg.Retention}
	janitor.Start()
	defer janitor.Stop()

	if addr == "" {
		addr = cfg.General.Listen
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// engine bundles the orchestration pieces built from config.
type engine struct {
	manager      *session.Manager
	orchestrator *core.Orchestrator
}

// buildEngine assembles provider, gateway, guard, agents, assembler,
// orchestrator and manager from config.
func buildEngine(cfg *config.Config, st *store.Store, rdb *redis.Client) (*engine, *events.Hub, error) {
	providerName := ""
	if _, ok := cfg.LLM.Providers["openai"]; ok {
		providerName = "openai"
	} else {
		for name := range cfg.LLM.Providers {
			providerName = name
			break
		}
	}
	if providerName == "" {
		return nil, nil, fmt.Errorf("no llm provider configured")
	}
	provider, err := core.NewLLMProvider(providerName, cfg.LLM)
	if err != nil {
		return nil, nil, err
	}

	tele := telemetry.New(cfg.Telemetry, nil)

	gateway := core.NewGateway(provider, core.GatewayConfig{
		Attempts:    cfg.Engine.GatewayAttempts,
		Backoff:     cfg.Engine.GatewayBackoff,
		CallTimeout: cfg.Engine.CallTimeout,
	}, nil)
	gateway.SetObserver(tele.GatewayObserver())
	guard := core.NewGuard(gateway, nil, cfg.Engine.MaxContinuations, nil)

	router := core.NewRouter(cfg.LLM)
	agents := core.NewPipelineAgents(guard, router, nil)
	assembler := core.NewAssembler(guard, router, core.AssemblerConfig{
		SectionCharLimit:  cfg.Engine.SectionCharLimit,
		ChunkCharLimit:    cfg.Engine.ChunkCharLimit,
		ChunkOverlapLines: cfg.Engine.ChunkOverlapLines,
		FallbackLanguage:  cfg.Engine.FallbackLanguage,
	}, nil)

	hub := events.NewHub(0, nil)
	var sink core.EventSink = hub
	if rdb != nil {
		sink = events.NewStreamBridge(hub, rdb, 0, nil)
	}

	orch := core.NewOrchestrator(st, agents, assembler, sink, tele, nil)
	manager := session.NewManager(st, orch, sink, cfg.Engine.MaxConcurrentSessions, nil)
	return &engine{manager: manager, orchestrator: orch}, hub, nil
}
