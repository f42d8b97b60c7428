package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"searchdock/internal/api"
	"searchdock/internal/config"
	"searchdock/internal/engine"
	fileutil "searchdock/internal/file"
	frontui "searchdock/internal/front/ui"
	"searchdock/internal/hub"
	"searchdock/internal/orchestrator"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "searchdock",
		Short:         "Task orchestration and streaming front for a search engine CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Check that the search engine binary answers and print its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.Context(), configPath)
		},
	})
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	supervisor := buildSupervisor(cfg)
	go supervisor.Run(baseCtx)
	if !supervisor.CheckAvailability(baseCtx) {
		log.Warn().Str("binary", cfg.Engine.Binary).Msg("search engine not available at startup, tasks will be rejected until it is")
	}

	store, err := results.NewStore(filepath.Join(cfg.DataDir, "results"))
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	realtime := hub.New(hub.Options{RoomRetention: cfg.Realtime.RoomRetention, ClientBuffer: cfg.Realtime.ClientBuffer})
	orch := orchestrator.New(supervisor, store, registry, realtime, orchestrator.Options{
		BatchSize:     cfg.Search.BatchSize,
		MaxResults:    cfg.Search.MaxResults,
		MaxPageSize:   cfg.Search.MaxPageSize,
		BatchEstimate: cfg.Search.BatchEstimate,
	})
	orch.SetBaseContext(baseCtx)
	orch.Recover()

	router := setupRouter()
	wireAPI(router, cfg, orch, registry, supervisor, realtime)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, orch, shutdownTimeout)
	return nil
}

func runProbe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	supervisor := buildSupervisor(cfg)
	status, err := supervisor.Status(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status) //nolint:wrapcheck
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func buildSupervisor(cfg config.Config) *engine.Supervisor {
	return engine.NewSupervisor(engine.Options{
		Binary:          cfg.Engine.Binary,
		IndexDir:        cfg.Engine.IndexDir,
		MaxConcurrent:   cfg.Engine.MaxConcurrent,
		MaxRetries:      cfg.Engine.MaxRetries,
		BackoffBase:     cfg.Engine.BackoffBase,
		CommandTimeout:  cfg.Engine.CommandTimeout,
		ProbeTimeout:    cfg.Engine.ProbeTimeout,
		AvailabilityTTL: cfg.Engine.AvailabilityTTL,
		HealthInterval:  cfg.Engine.HealthInterval,
	})
}

func buildRegistry(cfg config.Config) (*task.Registry, error) {
	store, err := task.OpenStore(cfg.Registry.Backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	registry := task.NewRegistry(store)
	if err := registry.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("starting with an empty task registry")
	}
	return registry, nil
}

func wireAPI(router *gin.Engine, cfg config.Config, orch *orchestrator.Orchestrator, registry *task.Registry, supervisor *engine.Supervisor, realtime *hub.Hub) {
	apiHandler := api.NewAPI(orch, registry, supervisor, realtime, api.Options{
		CreateRate:     cfg.API.CreateRate,
		CreateBurst:    cfg.API.CreateBurst,
		AllowedOrigins: cfg.API.AllowedOrigins,
	})
	apiHandler.RegisterRoutes(router)

	uiHandler := frontui.NewUI(orch, registry)
	uiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, orch *orchestrator.Orchestrator, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !orch.Wait(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
