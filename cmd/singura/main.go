package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/singura/singura/internal/api"
	"github.com/singura/singura/internal/audit"
	"github.com/singura/singura/internal/config"
	"github.com/singura/singura/internal/connectors"
	"github.com/singura/singura/internal/correlation"
	"github.com/singura/singura/internal/credentials"
	"github.com/singura/singura/internal/crypto"
	"github.com/singura/singura/internal/detection"
	"github.com/singura/singura/internal/discovery"
	"github.com/singura/singura/internal/logging"
	"github.com/singura/singura/internal/models"
	"github.com/singura/singura/internal/oauth"
	"github.com/singura/singura/internal/realtime"
	"github.com/singura/singura/internal/risk"
	"github.com/singura/singura/internal/storage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "singura",
	Short:   "Singura - shadow AI and automation discovery platform",
	Long:    `Singura discovers non-human actors across SaaS platforms, scores their risk, and correlates them across platform boundaries`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Singura %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or verify the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.VerifyMigrations(); err != nil {
			return err
		}
		fmt.Println("Schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "singura"})

	log.Info().
		Str("version", Version).
		Str("dataDir", cfg.DataDir).
		Msg("Starting Singura")

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	// Fail fast when the schema is incomplete; running against a partial
	// schema corrupts audit semantics.
	if err := store.VerifyMigrations(); err != nil {
		log.Fatal().Err(err).Msg("Schema verification failed")
	}

	cryptoManager, err := crypto.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize crypto")
	}
	credStore := credentials.NewStore(cryptoManager, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := realtime.NewTokenIssuer(cfg.RealtimeTokenSecret, cfg.RealtimeTokenTTL)
	hub := realtime.NewHub(issuer)
	go hub.Run(ctx)

	refreshers := map[models.PlatformType]oauth.Refresher{
		models.PlatformSlack:     oauth.NewSlackRefresher(cfg.SlackClientID, cfg.SlackClientSecret, nil),
		models.PlatformGoogle:    oauth.NewGoogleRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, nil),
		models.PlatformMicrosoft: oauth.NewMicrosoftRefresher(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant, nil),
	}
	oauthManager := oauth.NewManager(credStore, store, refreshers, hub, cfg.RefreshMaxRetries, cfg.RefreshBackoff)

	platformConnectors := map[models.PlatformType]connectors.Connector{
		models.PlatformSlack:     connectors.NewSlackConnector("", nil),
		models.PlatformGoogle:    connectors.NewGoogleConnector("", nil),
		models.PlatformMicrosoft: connectors.NewMicrosoftConnector("", nil),
	}

	engine := risk.NewEngine(store, hub)
	orchestrator := discovery.NewOrchestrator(store, oauthManager, platformConnectors,
		detection.NewPipeline(time.Local), engine, correlation.NewCorrelator(), hub,
		int64(cfg.DiscoveryWorkers), cfg.DiscoveryWindow)

	scopes, err := api.LoadScopeLibrary(cfg.ScopeLibraryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load scope library")
	}
	if err := scopes.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Scope library watch unavailable, edits require restart")
	}

	server := api.NewServer(store, scopes, engine, audit.NewLogger(store), orchestrator, hub.HandleWebSocket)

	startMetricsServer(ctx, cfg.MetricsAddr)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down API server cleanly")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("API server stopped unexpectedly")
	}
	log.Info().Msg("Shutdown complete")
}
