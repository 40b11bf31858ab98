package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/envelope-ingest/pkg/admin"
	"github.com/zoff-tech/envelope-ingest/pkg/blob"
	"github.com/zoff-tech/envelope-ingest/pkg/broker"
	"github.com/zoff-tech/envelope-ingest/pkg/cleanup"
	"github.com/zoff-tech/envelope-ingest/pkg/config"
	"github.com/zoff-tech/envelope-ingest/pkg/dispatch"
	"github.com/zoff-tech/envelope-ingest/pkg/logger"
	"github.com/zoff-tech/envelope-ingest/pkg/notify"
	"github.com/zoff-tech/envelope-ingest/pkg/pipeline"
	"github.com/zoff-tech/envelope-ingest/pkg/scheduler"
	"github.com/zoff-tech/envelope-ingest/pkg/store"
	"github.com/zoff-tech/envelope-ingest/pkg/telemetry"
	"github.com/zoff-tech/envelope-ingest/pkg/verifier"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/ingest-worker")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// Initialize the envelope repository
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}

	// "ingest-worker force-reject <envelope-id>" is the operator escape hatch
	// for envelopes stuck in CREATED; it runs once and exits.
	if len(os.Args) > 2 && os.Args[1] == "force-reject" {
		if err := admin.NewRecovery(repo).ForceReject(ctx, os.Args[2]); err != nil {
			log.Fatal("Failed to force-reject envelope: ", err)
		}
		return
	}

	// The scheduler_locks table is always PostgreSQL, even when the envelope
	// store is Spanner; without a lock store no scheduled job could ever run.
	if cfg.Jobs.LockDSN == "" {
		log.Fatal("No lock database configured: set jobs.lock_dsn (or database.dsn with a postgres backend)")
	}
	lockDB, err := sql.Open("postgres", cfg.Jobs.LockDSN)
	if err != nil {
		log.Fatal("Failed to open lock database: ", err)
	}
	if err := lockDB.PingContext(ctx); err != nil {
		log.Fatal("Lock database unreachable: ", err)
	}

	// One storage client per configured account
	accounts := make(map[string]blob.Storage, len(cfg.Storage.Accounts))
	for name, settings := range cfg.Storage.Accounts {
		client, err := blob.NewS3Storage(ctx, settings)
		if err != nil {
			log.Fatalf("Failed to initialize storage account %s: %v", name, err)
		}
		accounts[name] = client
	}
	source, ok := accounts[cfg.Storage.SourceAccount]
	if !ok {
		log.Fatalf("Source account %s is not configured under storage.accounts", cfg.Storage.SourceAccount)
	}

	// Per-container verification keys from the routing table
	keys := make(map[string]*rsa.PublicKey, len(cfg.Containers))
	sourceContainers := make([]string, 0, len(cfg.Containers))
	for _, route := range cfg.Containers {
		sourceContainers = append(sourceContainers, route.Source)
		pemBytes, err := os.ReadFile(route.PublicKeyFile)
		if err != nil {
			log.Fatalf("Failed to read public key for container %s: %v", route.Source, err)
		}
		key, err := verifier.ParsePublicKey(pemBytes)
		if err != nil {
			log.Fatalf("Failed to parse public key for container %s: %v", route.Source, err)
		}
		keys[route.Source] = key
	}

	// Initialize the message broker for rejection notices
	messageBroker, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("Failed to initialize broker: ", err)
	}
	defer messageBroker.Close()

	dispatcher := dispatch.NewDispatcher(accounts, cfg.ChunkSize, cfg.ChunkThreshold)
	blobProcessor := pipeline.NewBlobProcessor(repo, source, dispatcher, keys, cfg.MaxFileSize, cfg.LeaseTTL)
	containerProcessor := pipeline.NewContainerProcessor(source, blobProcessor, cfg.Containers, cfg.WorkerPoolSize)
	duplicateHandler := pipeline.NewDuplicateHandler(source, repo, cfg.LeaseTTL)
	dispatchedCleaner := cleanup.NewDispatchedCleaner(source, repo, cfg.LeaseTTL)
	rejectedFiles := cleanup.NewRejectedFilesHandler(source, repo, cfg.LeaseTTL)
	rejectedCleaner := cleanup.NewRejectedCleaner(source, sourceContainers, cleanup.RetentionCheck(cfg.RejectedRetention))
	publisher := notify.NewPublisher(repo, messageBroker, cfg.BatchSize)

	sched := scheduler.NewScheduler(scheduler.NewClusterLock(lockDB, cfg.Jobs.LockTTL))
	sched.Register("container-scan", cfg.Jobs.ContainerScanInterval, func(ctx context.Context) error {
		containerProcessor.ProcessAll(ctx)
		return nil
	})
	sched.Register("dispatched-cleanup", cfg.Jobs.DispatchedCleanupInterval, forEachContainer(cfg.Containers, dispatchedCleaner.Clean))
	sched.Register("rejected-files", cfg.Jobs.RejectedFilesInterval, forEachContainer(cfg.Containers, rejectedFiles.Relocate))
	sched.Register("rejected-cleanup", cfg.Jobs.RejectedCleanupInterval, func(ctx context.Context) error {
		rejectedCleaner.Clean(ctx)
		return nil
	})
	sched.Register("duplicate-scan", cfg.Jobs.DuplicateScanInterval, forEachContainer(cfg.Containers, duplicateHandler.Scan))
	sched.Register("notification-send", cfg.Jobs.NotificationInterval, publisher.PublishPending)

	// Run the scheduler (blocks until the context is canceled)
	sched.Run(ctx)
}

// forEachContainer runs fn against every enabled container. A failing
// container is logged and skipped so the remaining ones still get their pass.
func forEachContainer(routes []config.ContainerRoute, fn func(ctx context.Context, container string) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, route := range routes {
			if !route.Enabled {
				continue
			}
			if err := fn(ctx, route.Source); err != nil {
				log := logger.Get()
				log.Error().Err(err).Str("container", route.Source).Msg("Container pass failed")
			}
		}
		return nil
	}
}
