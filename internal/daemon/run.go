package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/pipeline"
	"loom/internal/services/remote"
	"loom/internal/telemetry"
	"loom/internal/worker"
)

// stageWeights drives the progress table: each stage's share of the 0-100
// range, in pipeline order.
var stageWeights = map[string]int{
	"synthesize":  30,
	"lipsync":     30,
	"compose":     25,
	"postprocess": 15,
}

// Run builds the full processing stack from configuration and blocks until
// the context or a termination signal ends it.
func Run(cmdCtx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "loomd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobs.OpenSQLite(cfg.Paths.DataDir)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	dispatcher := dispatch.NewDispatcher(store, backend, logger)

	metrics := telemetry.New(nil)
	if addr := cfg.Telemetry.Listen; addr != "" {
		metricsSrv := startMetricsServer(addr, metrics, logger)
		defer metricsSrv.Close()
	}

	executor, err := buildExecutor(cfg, store, metrics, logger)
	if err != nil {
		_ = backend.Close()
		_ = store.Close()
		return err
	}

	pool, err := worker.NewPool(worker.PoolConfig{
		Store:       store,
		Dispatcher:  dispatcher,
		Runner:      executor,
		Metrics:     metrics,
		Logger:      logger,
		Count:       cfg.Workers.Count,
		DequeueWait: time.Duration(cfg.Workers.DequeueWaitSeconds) * time.Second,
	})
	if err != nil {
		_ = backend.Close()
		_ = store.Close()
		return fmt.Errorf("build worker pool: %w", err)
	}

	d, err := New(cfg, store, dispatcher, executor, pool, metrics, logger)
	if err != nil {
		_ = backend.Close()
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("loom daemon shutting down")
	d.Stop()
	return nil
}

// BuildStages turns the configured endpoints into the ordered stage list.
func BuildStages(cfg *config.Config, logger *slog.Logger) []pipeline.Stage {
	stages := make([]pipeline.Stage, 0, len(config.StageNames))
	for _, name := range config.StageNames {
		endpoint := cfg.Stages.EndpointDefaults(cfg.Stages.Endpoints[name])
		caller := remote.NewCaller(name, endpoint, logger)
		stages = append(stages, pipeline.Stage{
			Name:   name,
			Weight: stageWeights[name],
			Policy: remote.PolicyFromConfig(cfg.Stages, endpoint),
			Run:    pipeline.RemoteStage(caller),
		})
	}
	return stages
}

func buildExecutor(cfg *config.Config, store jobs.Store, metrics *telemetry.Metrics, logger *slog.Logger) (*pipeline.Executor, error) {
	var uploader artifacts.Uploader
	s3, err := artifacts.NewS3Uploader(cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("init s3 uploader: %w", err)
	}
	if s3 != nil {
		uploader = s3
	}

	artifactStore, err := artifacts.NewStore(cfg.Paths.ArtifactDir, uploader, logger)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}

	executor, err := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Store:     store,
		Stages:    BuildStages(cfg, logger),
		Artifacts: artifactStore,
		Notifier:  notify.NewNotifier(cfg.Webhook, logger),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}
	return executor, nil
}

func newBackend(cfg *config.Config, logger *slog.Logger) (dispatch.Backend, error) {
	if cfg.Queue.Backend == "amqp" {
		backend, err := dispatch.NewAMQPBackend(cfg.Queue.AMQPURL, cfg.Queue.QueueName, logger)
		if err != nil {
			return nil, fmt.Errorf("connect queue broker: %w", err)
		}
		return backend, nil
	}
	return dispatch.NewChannelBackend(cfg.Queue.Buffer), nil
}

// startMetricsServer exposes the prometheus scrape endpoint on its own
// listener. Scrape traffic stays off the processing path entirely.
func startMetricsServer(addr string, metrics *telemetry.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", logging.Error(err))
		}
	}()
	logger.Info("metrics listener started", slog.String("addr", addr))
	return srv
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
