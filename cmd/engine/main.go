// Package main provides the entry point for the lay engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charles-ascot/lay-engine/internal/api"
	"github.com/charles-ascot/lay-engine/internal/config"
	"github.com/charles-ascot/lay-engine/internal/database"
	"github.com/charles-ascot/lay-engine/internal/engine"
	"github.com/charles-ascot/lay-engine/internal/exchange"
	applogger "github.com/charles-ascot/lay-engine/internal/logger"
	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/report"
	"github.com/charles-ascot/lay-engine/internal/repository"
	"github.com/charles-ascot/lay-engine/internal/settlement"
	"github.com/charles-ascot/lay-engine/internal/store"
)

// Build information - set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configFile string
	autoStart  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.yaml", "Path to configuration file")
	rootCmd.Flags().BoolVar(&autoStart, "start", false, "Start the scheduler immediately instead of waiting for the control surface")
	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "lay-engine",
	Short: "Autonomous lay-betting engine for horse-racing exchange markets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lay-engine %s (%s)\n", Version, GitCommit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if os.Getenv("AWS_SECRETS_ENABLED") == "true" {
		region := os.Getenv("AWS_REGION")
		secretName := os.Getenv("AWS_SECRET_NAME")
		if region == "" || secretName == "" {
			log.Fatalf("AWS_REGION and AWS_SECRET_NAME must be set when AWS_SECRETS_ENABLED is true")
		}
		if err := config.LoadSecretsFromAWS(context.Background(), cfg, region, secretName); err != nil {
			log.Fatalf("Failed to load secrets: %v", err)
		}
	}

	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLog := applogger.NewLogger(cfg.App.LogLevel)
	appLog.WithFields(logrus.Fields{
		"environment": cfg.App.Environment,
		"version":     Version,
		"dry_run":     cfg.Engine.DryRun,
	}).Info("Lay engine starting")

	metrics.InitRegistry()

	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		appLog.WithError(err).Fatalf("Invalid timezone %q", cfg.Engine.Timezone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange client.
	httpCfg := exchange.DefaultHTTPClientConfig()
	httpCfg.Timeout = time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second
	httpCfg.RateLimit = cfg.Exchange.RateLimit
	httpClient := exchange.NewRateLimitedHTTPClient(httpCfg, appLog)
	defer httpClient.Close()

	client := exchange.NewClient(&cfg.Exchange, httpClient, appLog)
	if err := client.Login(ctx); err != nil {
		appLog.WithError(err).Fatal("Failed to authenticate with exchange")
	}
	defer client.Logout()
	appLog.Info("Exchange session established")

	account := exchange.NewAccountService(client)

	// Two-tier persistence.
	fileStore := store.NewFileStore(cfg.Store.StatePath)
	var blobStore *store.BlobStore
	if cfg.Store.Bucket != "" {
		blobStore, err = store.NewBlobStore(ctx, cfg.Store.Bucket, cfg.Store.BlobKey, cfg.Store.AWSRegion, appLog)
		if err != nil {
			appLog.WithError(err).Fatal("Failed to initialize durable state store")
		}
		appLog.WithField("bucket", cfg.Store.Bucket).Info("Durable state tier enabled")
	}
	stateStore := store.New(fileStore, blobStore, appLog)

	// Optional market stream: definition changes expire trackers between
	// polls. The engine resubscribes the tracked universe on every
	// refresh.
	var stream *exchange.StreamClient
	if cfg.Exchange.StreamEnabled {
		stream = exchange.NewStreamClient(cfg.Exchange.StreamURL, cfg.Exchange.AppKey, appLog)
	}

	opts := engine.Options{
		Config:        engineConfigFromFile(&cfg.Engine),
		Location:      loc,
		Exchange:      client,
		Account:       account,
		Store:         stateStore,
		Reports:       report.NewWriter(cfg.Store.ReportsDir),
		Logger:        appLog,
		Audit:         applogger.NewAuditLogger(appLog),
		FlushInterval: time.Duration(cfg.Store.FlushSeconds) * time.Second,
	}
	if stream != nil {
		opts.Stream = stream
	}
	eng, err := engine.New(ctx, opts)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize engine")
	}

	if stream != nil {
		stream.AddHandler(eng.MarkMarketFlags)
		if err := stream.Connect(ctx, client.SessionToken()); err != nil {
			appLog.WithError(err).Warn("Market stream unavailable, relying on polling alone")
		} else {
			defer stream.Close()
		}
	}

	// Optional Postgres archive and the settlement collector.
	var archive repository.ClearedArchive
	if cfg.Archive.Enabled {
		db, err := database.NewDB(ctx, &cfg.Archive)
		if err != nil {
			appLog.WithError(err).Fatal("Failed to connect to archive database")
		}
		defer db.Close()
		archive = repository.NewRepositories(db).Cleared
		appLog.Info("Cleared-bet archive enabled")
	}

	collector := settlement.NewCollector(client, eng, archive, loc, appLog)
	if err := collector.Start(cfg.Archive.Schedule); err != nil {
		appLog.WithError(err).Fatal("Failed to start settlement collector")
	}
	defer collector.Stop()

	// Control surface.
	apiCfg := api.Config{
		Engine:      eng,
		Address:     cfg.API.Address,
		MetricsPath: cfg.Metrics.Path,
		Logger:      appLog,
	}
	if stream != nil {
		apiCfg.Stream = stream
	}
	server := api.NewServer(apiCfg)
	if err := server.Start(ctx); err != nil {
		appLog.WithError(err).Fatal("Failed to start control surface")
	}

	if autoStart {
		if res := eng.Start(ctx); res.Status != "ok" {
			appLog.WithField("message", res.Message).Fatal("Failed to start scheduler")
		}
		appLog.Info("Scheduler started")
	} else {
		appLog.WithField("address", cfg.API.Address).Info("Waiting for start via control surface")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	appLog.WithField("signal", sig).Info("Shutdown signal received")

	eng.Stop()
	cancel()
	appLog.Info("Lay engine shut down")
	return nil
}

// engineConfigFromFile converts the file-level engine section into the
// runtime config the engine owns. Persisted control-surface changes take
// precedence on load.
func engineConfigFromFile(cfg *config.EngineConfig) models.EngineConfig {
	out := models.DefaultEngineConfig()
	out.DryRun = cfg.DryRun
	out.PollIntervalSeconds = cfg.PollIntervalSeconds
	out.ProcessWindowMinutes = cfg.ProcessWindowMinutes
	out.Countries = cfg.Countries
	out.PointValue = decimal.NewFromInt(int64(cfg.PointValue))
	out.SpreadControlEnabled = cfg.SpreadControlEnabled
	out.JOFSEnabled = cfg.JOFSEnabled
	out.MinOdds = decimal.NewFromFloat(cfg.MinOdds)
	out.MaxLayOdds = decimal.NewFromFloat(cfg.MaxLayOdds)
	return out
}
