package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/npcloud/control-plane/internal/config"
	"github.com/npcloud/control-plane/internal/crypto"
	"github.com/npcloud/control-plane/internal/httpapi"
	"github.com/npcloud/control-plane/internal/maintenance"
	"github.com/npcloud/control-plane/internal/migrations"
	"github.com/npcloud/control-plane/internal/queue"
	"github.com/npcloud/control-plane/internal/registration"
	"github.com/npcloud/control-plane/internal/scheduler"
	"github.com/npcloud/control-plane/internal/store"
	"github.com/npcloud/control-plane/internal/store/postgres"
)

// tickInterval is how often the in-process scheduler loop fires. Dispatch
// quota is bucketed per minute, so the loop runs at the same granularity
// rather than waiting on an external cron.
const tickInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "server_port", cfg.Server.Port, "server_mode", cfg.Server.Mode)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Crypto (keyring + JWKS document)
	ring, jwksJSON, err := loadCrypto(cfg)
	if err != nil {
		slog.Error("Failed to initialize crypto keyring", "error", err)
		os.Exit(1)
	}
	slog.Info("[Crypto] keyring loaded", "active_kid", ring.ActiveKid())

	// 3.1. Record signing-key lifecycle state: the active kid issues tokens,
	// every other published key is in grace (still in the JWKS, no longer
	// signing).
	if err := recordSigningKeys(context.Background(), dbAdapter, ring, jwksJSON); err != nil {
		slog.Warn("[Crypto] signing key bookkeeping failed", "error", err)
	}

	// 4. Initialize AWS SQS client
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Queue.Region))
	if err != nil {
		slog.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	producer := queue.NewProducer(sqsClient, cfg.Queue.DispatchQueueURL)
	mainConsumer := queue.NewConsumer(sqsClient, cfg.Queue.DispatchQueueURL)
	dlqConsumer := queue.NewConsumer(sqsClient, cfg.Queue.DLQQueueURL)

	// 5. Initialize the dispatcher and queue processor
	dispatcher := &queue.Dispatcher{
		Repo:                dbAdapter,
		Ring:                ring,
		HTTPClient:          &http.Client{Timeout: time.Duration(cfg.Scheduler.RequestTimeoutMs) * time.Millisecond},
		InstanceTriggerPath: cfg.Scheduler.InstanceTriggerPath,
		RequestTimeout:      time.Duration(cfg.Scheduler.RequestTimeoutMs) * time.Millisecond,
		RawMaxBytes:         cfg.Scheduler.TelemetryRawMaxBytes,
	}
	processor := &queue.Processor{
		Repo:                    dbAdapter,
		Dispatcher:              dispatcher,
		Producer:                producer,
		MaxRetryAttempts:        cfg.Scheduler.MaxRetryAttempts,
		MaxDispatchPerMinute:    cfg.Scheduler.MaxDispatchPerMinute,
		MaxSlotLookaheadMinutes: cfg.Scheduler.MaxSlotLookaheadMinutes,
	}

	mainWorker := &queue.Worker{Consumer: mainConsumer, Processor: processor}
	dlqWorker := &queue.Worker{Consumer: dlqConsumer, Processor: processor}

	// 6. Initialize the maintenance runner
	maintainer := &maintenance.Runner{
		Repo:                dbAdapter,
		TelemetryRetention:  cfg.Maintenance.TelemetryRetention,
		HourlyRetention:     cfg.Maintenance.HourlyRetention,
		BuildEventRetention: cfg.Maintenance.BuildEventRetention,
		MinuteLoadRetention: cfg.Maintenance.MinuteLoadRetention,
	}

	// 7. Initialize the scheduler tick
	tick := &scheduler.Tick{
		Repo:                    dbAdapter,
		Producer:                producer,
		Maintenance:             maintainer,
		MaxDispatchPerMinute:    cfg.Scheduler.MaxDispatchPerMinute,
		MaxSlotLookaheadMinutes: cfg.Scheduler.MaxSlotLookaheadMinutes,
		MaxScheduleScanPerTick:  cfg.Scheduler.MaxScheduleScanPerTick,
		ScheduleBatchLimit:      cfg.Scheduler.ScheduleBatchLimit,
	}

	// 8. Initialize the registration API + HTTP server
	regHandler := registration.NewHandler(dbAdapter, ring, time.Duration(cfg.Crypto.SignatureWindowMs)*time.Millisecond)

	srv := httpapi.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode, jwksJSON)
	regHandler.RegisterRoutes(srv.Engine)

	// 9. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := tick.Start(ctx, tickInterval); err != nil {
			slog.Error("Scheduler stopped with error", "error", err)
		}
	}()
	go mainWorker.Run(ctx)
	go dlqWorker.Run(ctx)

	// Signal handler -> triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// loadCrypto parses the JWKS document and private key ring from
// configuration and builds the KeyRing used for both signature re-serving
// and trigger token minting.
func loadCrypto(cfg *config.Config) (*crypto.KeyRing, []byte, error) {
	jwksJSON := []byte(cfg.Crypto.JWKSJSON)
	if err := crypto.ValidateJWKSDocument(jwksJSON); err != nil {
		return nil, nil, err
	}

	keys, err := crypto.LoadPrivateKeyRing([]byte(cfg.Crypto.PrivateKeysJSON))
	if err != nil {
		return nil, nil, err
	}

	ring, err := crypto.NewKeyRing(cfg.Crypto.Issuer, cfg.Crypto.InstanceTriggerAud, keys, cfg.Crypto.ActiveKid)
	if err != nil {
		return nil, nil, err
	}
	return ring, jwksJSON, nil
}

// recordSigningKeys mirrors the published key set into cloud_signing_keys so
// operators can see which kid is signing and which are in grace. The keyring
// itself remains the authority for what actually signs.
func recordSigningKeys(ctx context.Context, repo store.Repository, ring *crypto.KeyRing, jwksJSON []byte) error {
	entries, err := crypto.ParseJWKSEntries(jwksJSON)
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := store.KeyStatusGrace
		if e.Kid == ring.ActiveKid() {
			status = store.KeyStatusActive
		}
		if err := repo.UpsertSigningKey(ctx, store.CloudSigningKey{
			Kid:      e.Kid,
			Status:   status,
			Material: string(e.Raw),
		}); err != nil {
			return err
		}
	}
	return nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
