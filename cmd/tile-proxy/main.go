// -------------------------------------------------------------------------------
// Tile Proxy - Offline Map Tile Cache and Download Manager
//
// Project: Munchbox / Author: Alex Freidah
//
// Entry point for the tile proxy service. Loads configuration, opens the
// MBTiles stores behind each layer's fallback chain, and starts the HTTP
// server plus the download session manager. Paused download sessions found on
// disk are resumed when the config asks for it.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/downloader"
	"github.com/munchbox/tile-proxy/internal/server"
	"github.com/munchbox/tile-proxy/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "import" {
		runImport()
		return
	}

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// --- Initialize tracing ---
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracingConfig{
		Enabled:    cfg.Telemetry.Tracing.Enabled,
		Endpoint:   cfg.Telemetry.Tracing.Endpoint,
		SampleRate: cfg.Telemetry.Tracing.SampleRate,
		Insecure:   cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Open layer stores ---
	layers, err := server.NewLayerSet(cfg)
	if err != nil {
		log.Fatalf("Failed to open tile stores: %v", err)
	}
	for _, name := range layers.Names() {
		l := layers.Layer(name)
		log.Printf("Layer [%s]: %d source(s), format %s", name, len(l.Sources), l.Format)
	}

	// --- Create download manager ---
	manager, err := downloader.NewManager(cfg, downloader.NewLimiters(), layers.Primaries())
	if err != nil {
		log.Fatalf("Failed to create download manager: %v", err)
	}

	// --- Resume paused download sessions ---
	if cfg.Downloader.Resume {
		if err := manager.Resume(); err != nil {
			log.Printf("Warning: failed to resume sessions: %v", err)
		}
	}

	// --- Start health recovery ticker ---
	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	go layers.RunRecovery(recoveryCtx)

	// --- Create server ---
	srv := &server.Server{
		Layers:  layers,
		Manager: manager,
		Config:  cfg,
	}

	// --- Setup HTTP mux ---
	mux := http.NewServeMux()

	// Metrics endpoint
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle(cfg.Telemetry.Metrics.Path, promhttp.Handler())
		log.Printf("Metrics endpoint: %s", cfg.Telemetry.Metrics.Path)
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Tile proxy handler (all other paths)
	mux.Handle("/", srv)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Handle graceful shutdown ---
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		// Pause running sessions; final checkpoints flush here.
		stopRecovery()
		manager.Stop()

		layers.Close()

		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}()

	// --- Log startup info ---
	log.Printf("Tile proxy v%s starting on %s", telemetry.Version, cfg.Server.ListenAddr)
	log.Printf("Layers configured: %d", len(cfg.Layers))
	log.Printf("Providers configured: %d", len(cfg.Providers))

	if cfg.Telemetry.Tracing.Enabled {
		log.Printf("Tracing enabled: %s (sample rate: %.2f, insecure: %v)",
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, cfg.Telemetry.Tracing.Insecure)
	}

	// --- Start server ---
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
