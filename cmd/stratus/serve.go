package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/stratus/internal/config"
	"github.com/michaelbrown/stratus/internal/engine"
	"github.com/michaelbrown/stratus/internal/manifest"
	"github.com/michaelbrown/stratus/internal/registry"
	"github.com/michaelbrown/stratus/internal/registry/sqlite"
	"github.com/michaelbrown/stratus/internal/sandbox"
	"github.com/michaelbrown/stratus/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Stratus server",
	Long: `Start the Stratus HTTP server: module registry, invocation API, and
websocket event stream.

Registrations live in an in-memory registry by default and do not survive a
restart; use a modules manifest (modules_manifest in stratus.yaml) to preload
them at startup.

Examples:
  stratus serve
  stratus serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Open the registry store
	store, err := sqlite.Open(cfg.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer store.Close()

	if cfg.ModulesManifest != "" {
		if err := preloadModules(cmd.Context(), store, cfg); err != nil {
			return err
		}
	}

	// Build the execution engine
	eng := engine.New(engine.Options{
		PoolSize:   cfg.Engine.PoolSize,
		CacheTTL:   cfg.CacheTTL(),
		Timeout:    cfg.ExecTimeout(),
		QueueLimit: cfg.Engine.QueueLimit,
		Order:      engine.DispatchOrder(cfg.Engine.Dispatch),
		Sandbox: sandbox.Config{
			Entry:       cfg.Sandbox.Entry,
			MemoryPages: cfg.Sandbox.MemoryPages,
		},
	})
	defer eng.Close()

	log.Printf("Engine: pool=%d timeout=%s cache_ttl=%s dispatch=%s",
		cfg.Engine.PoolSize, cfg.ExecTimeout(), cfg.CacheTTL(), cfg.Engine.Dispatch)
	if cfg.Engine.QueueLimit == 0 {
		log.Printf("Engine: task queue is unbounded (set engine.queue_limit to cap it)")
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Create and start server
	srv := server.New(cfg, store, eng)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}

func preloadModules(ctx context.Context, store registry.Store, cfg *config.Config) error {
	man, err := manifest.Load(cfg.ModulesManifest)
	if err != nil {
		return fmt.Errorf("loading modules manifest: %w", err)
	}

	for _, e := range man.Modules {
		m := &registry.Module{
			ID:       uuid.New().String(),
			Name:     e.Name,
			Location: e.Location,
		}
		if err := store.CreateModule(ctx, m); err != nil {
			return fmt.Errorf("preloading module %q: %w", e.Name, err)
		}
		log.Printf("Preloaded module %s -> %s", e.Name, e.Location)
	}
	return nil
}
