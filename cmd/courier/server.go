package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/courier/internal/archive"
	"github.com/tinytelemetry/courier/internal/backup"
	"github.com/tinytelemetry/courier/internal/httpserver"
	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/pipeline"
	"github.com/tinytelemetry/courier/internal/queue"
	"github.com/tinytelemetry/courier/internal/sched"
	"github.com/tinytelemetry/courier/internal/transport"
)

// runServer starts the delivery agent: input sources feed the pipeline, the
// queue manager ships batches on the scheduler's cadence, and the HTTP API
// exposes the operator surface.
func runServer(cfg appConfig) error {
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	cleanupLogger := logger.UseFile(cfg.LogFile)
	defer cleanupLogger()

	coll := metrics.New()
	registry := prometheus.NewRegistry()
	coll.Register(registry)

	sender, err := transport.NewHTTPSender(transport.Config{
		Endpoint: cfg.Endpoint,
		Headers:  cfg.Headers,
		Timeout:  cfg.SendTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer sender.Close()

	var spill *queue.Spill
	if cfg.SpillPath != "" {
		spill, err = queue.NewSpill(cfg.SpillPath)
		if err != nil {
			logger.Warnf("spill disabled, queue is memory-only: %v", err)
			spill = nil
		}
	}

	pipe := pipeline.New(queue.Config{
		BatchSize:   cfg.BatchSize,
		MaxSize:     cfg.MaxQueueSize,
		SpillMaxAge: cfg.SpillMaxAge,
		Backoff:     transport.ParseBackoffSchedule(cfg.BackoffSchedule),
		JitterPct:   cfg.BackoffJitter,
	}, sender, spill, coll, logger)

	// Archive delivered events locally when enabled. The archive hangs off the
	// plugin chain so it sees exactly what the backend acknowledged.
	var archStore *archive.Store
	if cfg.ArchiveEnabled {
		archStore, err = archive.NewStore(cfg.ArchivePath, cfg.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		defer archStore.Close()

		insertBuffer := archive.NewInsertBuffer(archStore, logger, archive.InsertBufferConfig{
			BatchSize:      cfg.InsertBatchSize,
			FlushInterval:  cfg.InsertFlushInterval,
			FlushQueueSize: cfg.InsertFlushQueue,
		})
		defer insertBuffer.Stop()

		if err := pipe.Chain().Register(archive.NewPlugin(insertBuffer)); err != nil {
			return fmt.Errorf("failed to register archive plugin: %w", err)
		}

		retentionCleaner := archive.NewRetentionCleaner(archStore, logger, archive.RetentionConfig{
			MaxAge: cfg.ArchiveRetention,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}

		backupManager, err := backup.NewManager(archStore, backup.Config{
			Enabled:        cfg.BackupEnabled,
			Interval:       cfg.BackupInterval,
			LocalDir:       cfg.BackupLocalDir,
			KeepLast:       cfg.BackupKeepLast,
			BucketURL:      cfg.BackupBucketURL,
			S3Endpoint:     cfg.BackupS3Endpoint,
			S3Region:       cfg.BackupS3Region,
			S3AccessKey:    cfg.BackupS3AccessKey,
			S3SecretKey:    cfg.BackupS3SecretKey,
			S3SessionToken: cfg.BackupS3SessionToken,
			S3UseSSL:       cfg.BackupS3UseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
		if backupManager != nil {
			defer backupManager.Stop()
		}
	}

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, pipe, coll, logger)
		if archStore != nil {
			apiServer.AttachArchive(archStore)
		}
		apiServer.AttachRegistry(registry)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := sched.NewTimerScheduler(cfg.BatchInterval)
	defer scheduler.Stop()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				// The backgrounding analog: flush now, keep running.
				logger.Infof("received SIGUSR1, requesting flush")
				scheduler.Notify(sched.SignalSuspend)
				continue
			}

			fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
			scheduler.Notify(sched.SignalTerminate)

			// Shutdown deadline starts now — not at boot.
			deadline := time.NewTimer(10 * time.Second)
			select {
			case <-sigCh:
				fmt.Println("\nForce shutdown.")
			case <-deadline.C:
				fmt.Println("Shutdown timed out, forcing exit.")
			case <-ctx.Done():
				deadline.Stop()
				return
			}
			deadline.Stop()
			os.Exit(1)
		}
	}()

	// Build input plugins and source multiplexer
	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.TCPEnabled,
		TCPAddr:    cfg.TCPAddr,
		Log:        logger,
	})

	sources := make([]NamedEventSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Errorf("input plugin %q failed to initialize: %v", plugin.Name(), err)
			continue
		}
		sources = append(sources, src)
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()

	printStartupBanner(cfg)

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	// The queue manager owns delivery; it returns after a terminate signal
	// fires the teardown beacon. Its exit takes the rest of the group down.
	g.Go(func() error {
		defer cancel()
		pipe.Queue().Run(gctx, scheduler)
		return nil
	})

	// Unblock the ingestion loop once the group is going away.
	go func() {
		<-gctx.Done()
		mux.Stop()
	}()

	// Ingestion loop
	if mux.HasSources() {
		g.Go(func() error {
			for env := range mux.Lines() {
				recordEnvelope(pipe, coll, logger, env)
			}
			return nil
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("server: errgroup exited with error: %v", err)
	}

	cancel()
	mux.Stop()
	pipe.Queue().Destroy()

	// If we reach here, graceful shutdown succeeded within the deadline.
	signal.Stop(sigCh)

	return nil
}

// recordEnvelope decodes one raw source line into an event and admits it into
// the pipeline. Malformed lines count as filtered, same as validation rejects.
func recordEnvelope(pipe *pipeline.Pipeline, coll *metrics.Collector, logger *logging.Logger, env model.IngestEnvelope) {
	var ev model.Event
	if err := json.Unmarshal([]byte(env.Line), &ev); err != nil {
		coll.RecordFiltered()
		logger.Debugf("ingest: dropped malformed line from %s: %v", env.Source, err)
		return
	}
	if err := pipe.Record(&ev); err != nil {
		logger.Debugf("ingest: rejected event from %s: %v", env.Source, err)
	}
}

func printStartupBanner(cfg appConfig) {
	onOff := func(enabled bool, value string) string {
		if enabled {
			return value
		}
		return "disabled"
	}

	fmt.Printf("\ncourier v%s\n\n", version)
	fmt.Printf("  Endpoint       %s\n", cfg.Endpoint)
	fmt.Printf("  Batch          %d events / %s\n", cfg.BatchSize, cfg.BatchInterval)
	fmt.Printf("  HTTP API       %s\n", onOff(cfg.APIEnabled, cfg.APIAddr))
	fmt.Printf("  TCP Ingest     %s\n", onOff(cfg.TCPEnabled, cfg.TCPAddr))
	fmt.Printf("  Spill          %s\n", onOff(cfg.SpillPath != "", shortenPath(cfg.SpillPath)))
	fmt.Printf("  Archive        %s\n", onOff(cfg.ArchiveEnabled, shortenPath(cfg.ArchivePath)))
	fmt.Printf("  Snapshots      %s\n", onOff(cfg.BackupEnabled, shortenPath(cfg.BackupLocalDir)))
	if cfg.ConfigPath != "" {
		fmt.Printf("  Config File    %s\n", shortenPath(cfg.ConfigPath))
	} else {
		fmt.Printf("  Config File    default (no file)\n")
	}
	fmt.Printf("\n  Press Ctrl+C to stop\n\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
