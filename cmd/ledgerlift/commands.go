package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zabrisket/ledgerlift/pkg/api"
	"github.com/zabrisket/ledgerlift/pkg/audit"
	"github.com/zabrisket/ledgerlift/pkg/breaker"
	"github.com/zabrisket/ledgerlift/pkg/config"
	"github.com/zabrisket/ledgerlift/pkg/costs"
	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/dedup"
	"github.com/zabrisket/ledgerlift/pkg/extract"
	"github.com/zabrisket/ledgerlift/pkg/financial"
	"github.com/zabrisket/ledgerlift/pkg/health"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/objectstore"
	"github.com/zabrisket/ledgerlift/pkg/ocr"
	"github.com/zabrisket/ledgerlift/pkg/progress"
	"github.com/zabrisket/ledgerlift/pkg/queue"
	"github.com/zabrisket/ledgerlift/pkg/ratelimit"
	"github.com/zabrisket/ledgerlift/pkg/worker"
)

// Capability constructors injected by the linking build. The rasterizer,
// extraction engines, and OCR provider SDKs live outside the core. The worker
// refuses to start without a rasterizer; without engines or an OCR provider
// it runs with the extraction or OCR stage skipped.
var (
	newRenderer    func() worker.Renderer
	newEngines     func() []extract.Engine
	newOCRProvider func(name string, cfg config.Config) (ocr.Provider, error)
	newPageCounter func() ocr.PageCounter
)

// deps holds the shared dependency substrate built once per process.
type deps struct {
	cfg        config.Config
	kv         *kv.Client
	gateway    *database.Gateway
	store      *database.Store
	objects    *objectstore.Store
	publisher  *progress.Publisher
	dispatcher *queue.Dispatcher
	auditor    *audit.Batcher
	ledger     *costs.Ledger
	deleter    *worker.Deleter
	healthReg  *health.Registry
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	kvClient, err := kv.New(ctx, cfg.RedisURL, cfg.EmergencyStopKey)
	if err != nil {
		return nil, err
	}

	gateway, err := database.Open(ctx, database.Config{
		URL:         cfg.DatabaseURL,
		PoolSize:    cfg.DBPoolSize,
		MaxOverflow: cfg.DBMaxOverflow,
		PoolRecycle: cfg.DBPoolRecycle,
	})
	if err != nil {
		return nil, err
	}
	store := database.NewStore(gateway)

	objects, err := objectstore.New(ctx, objectstore.Config{
		Bucket:              cfg.S3Bucket,
		Region:              cfg.S3Region,
		Endpoint:            cfg.S3Endpoint,
		RefreshInterval:     cfg.S3RefreshInterval,
		MinSizeBytes:        cfg.MinFileSizeBytes,
		MaxSizeBytes:        cfg.MaxFileSizeBytes,
		AllowedContentTypes: cfg.AllowedContentTypes,
	})
	if err != nil {
		return nil, err
	}

	publisher := progress.NewPublisher(kvClient, cfg.ProgressTTL)
	dispatcher := queue.New(kvClient, publisher, queue.Config{
		HighQueue:    cfg.HighQueue,
		DefaultQueue: cfg.DefaultQueue,
		LowQueue:     cfg.LowQueue,
		DeadQueue:     cfg.DeadQueue,
		MaxRetries:    cfg.MaxRetries,
		P95EdgeBudget: cfg.SSEEdgeBudget,
	})

	auditor := audit.NewBatcher(audit.Config{
		BatchSize:     cfg.AuditBatchSize,
		FlushInterval: cfg.AuditFlushInterval,
		MaxQueueSize:  cfg.AuditMaxQueueSize,
		DurableMode:   cfg.AuditDurableMode,
	}, store, kvClient)
	auditor.Start()

	ledger := costs.NewLedger(store, cfg.MaxJobCostCents)

	var phash worker.PhashIndex
	if newRenderer != nil {
		phash = dedup.New(kvClient, nil, newRenderer(), cfg.CASPhashPages)
	}
	deleter := worker.NewDeleter(store, objects, auditor, phash, cfg.S3Bucket)

	healthReg := health.NewRegistry(
		&health.DatabaseChecker{Gateway: gateway},
		&health.RedisChecker{Client: kvClient},
		&health.ObjectStoreChecker{State: objects.BreakerState},
	)

	return &deps{
		cfg:        cfg,
		kv:         kvClient,
		gateway:    gateway,
		store:      store,
		objects:    objects,
		publisher:  publisher,
		dispatcher: dispatcher,
		auditor:    auditor,
		ledger:     ledger,
		deleter:    deleter,
		healthReg:  healthReg,
	}, nil
}

func (d *deps) close(ctx context.Context) {
	d.auditor.Stop(ctx)
	_ = d.gateway.Close()
	_ = d.kv.Close()
}

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			streamer := progress.NewStreamer(d.publisher, d.kv, d.cfg.SSEEdgeBudget)
			server := api.NewServer(d.store, d.dispatcher, streamer, d.deleter, d.ledger, d.kv, d.healthReg)

			go func() {
				mlog := log.WithComponent("metrics")
				mlog.Info().Str("addr", d.cfg.MetricsAddr).Msg("Metrics server listening")
				if err := metrics.Serve(d.cfg.MetricsAddr, d.cfg.MetricsAuth); err != nil && err != http.ErrServerClosed {
					mlog.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			httpServer := &http.Server{
				Addr:              d.cfg.ListenAddr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			apiLog := log.WithComponent("api")
			apiLog.Info().Str("addr", d.cfg.ListenAddr).Msg("API server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers and background sweepers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			if newRenderer == nil {
				return fmt.Errorf("no PDF renderer capability linked into this build")
			}

			var consensus *extract.Consensus
			if newEngines != nil {
				consensus = extract.NewConsensus(newEngines()...)
			}

			var runner worker.OCRRunner
			if newOCRProvider != nil {
				providerName, _, err := ocr.ResolveProvider(d.cfg.OCRProviderMode, d.cfg.OCRProvider, nil, ocr.Credentials{
					AzureEndpoint:  d.cfg.AzureEndpoint,
					AzureKey:       d.cfg.AzureKey,
					TextractRegion: d.cfg.TextractRegion,
				})
				if err != nil {
					return err
				}
				provider, err := newOCRProvider(providerName, d.cfg)
				if err != nil {
					return err
				}
				tps := d.cfg.OCRTPSAzure
				if providerName == ocr.ProviderTextract {
					tps = d.cfg.OCRTPSTextract
				}
				var counter ocr.PageCounter
				if newPageCounter != nil {
					counter = newPageCounter()
				}
				runner = ocr.NewRuntime(
					provider,
					ratelimit.New(tps, 0),
					breaker.New(breaker.Config{
						Name:             "ocr-" + providerName,
						FailureThreshold: 3,
						RecoveryTimeout:  d.cfg.OCRCircuitOpen,
					}),
					counter,
					ocr.RuntimeConfig{MaxRetries: 3, MaxPages: d.cfg.OCRMaxPages},
				)
			}

			processor := worker.NewProcessor(
				d.store,
				d.objects,
				d.ledger,
				d.auditor,
				d.publisher,
				newRenderer(),
				consensus,
				financial.NewDetector(nil),
				runner,
				worker.Config{
					ParseTimeout:     d.cfg.ParseTimeout,
					MaxFileSizeBytes: d.cfg.MaxFileSizeBytes,
					CostPerPageCents: d.cfg.CostPerPageCents,
					MaxJobCostCents:  d.cfg.MaxJobCostCents,
				},
			)

			pool := queue.NewPool(d.dispatcher, processor, queue.PoolConfig{
				Concurrency: d.cfg.WorkerConcurrency,
			})
			pool.Start(ctx)

			sweeper := worker.NewSweeper(d.deleter, d.store, d.ledger, d.cfg.DeletionSweepInterval)
			sweeper.Start(ctx)

			go func() {
				mlog := log.WithComponent("metrics")
				mlog.Info().Str("addr", d.cfg.MetricsAddr).Msg("Metrics server listening")
				if err := metrics.Serve(d.cfg.MetricsAddr, d.cfg.MetricsAuth); err != nil && err != http.ErrServerClosed {
					mlog.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			workerLog := log.WithComponent("worker")
			workerLog.Info().
				Int("concurrency", d.cfg.WorkerConcurrency).
				Msg("Worker pool started")

			<-ctx.Done()
			pool.Stop()
			sweeper.Stop()
			return nil
		},
	}
}

func newSweeperCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweeper",
		Short: "Run only the deletion and cost reconcile sweepers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			sweeper := worker.NewSweeper(d.deleter, d.store, d.ledger, d.cfg.DeletionSweepInterval)
			sweeper.Start(ctx)

			sweeperLog := log.WithComponent("sweeper")
			sweeperLog.Info().Msg("Sweeper running")
			<-ctx.Done()
			sweeper.Stop()
			return nil
		},
	}
}
