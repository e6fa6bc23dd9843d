package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/joblock"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"github.com/book-expert/tts-pipeline/internal/tts"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
	"github.com/book-expert/tts-pipeline/internal/tts/whisper"
	"github.com/book-expert/tts-pipeline/internal/worker"
)

const (
	startupHealthTimeout = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
)

// application holds the long-lived components and their cleanup hooks.
type application struct {
	service   *pipeline.Service
	telemetry *telemetry.Telemetry
	worker    *worker.NatsWorker
	closers   []func() error
}

func (a *application) close(log *logger.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i]()
		if err != nil {
			log.Warn("Cleanup failed: %v", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*application, error) {
	app := &application{}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    cfg.Telemetry.Environment,
		TracesExporter: cfg.Telemetry.TracesExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		StdoutWriter:   nil,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	app.telemetry = tel
	app.closers = append(app.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return tel.Shutdown(shutdownCtx)
	})

	store, err := buildArtifactStore(ctx, cfg.Storage, log)
	if err != nil {
		app.close(log)

		return nil, err
	}

	lock, err := buildJobLock(ctx, cfg.Redis, log, app)
	if err != nil {
		app.close(log)

		return nil, err
	}

	service, err := pipeline.NewService(pipeline.Dependencies{
		Segmenter:   buildSegmenter(cfg.Segmenter),
		Synthesizer: buildSynthesizer(ctx, cfg.TTSEngine, log),
		Aligner:     whisper.NewAligner(whisper.NewModelCache(whisper.NewHTTPModelLoader(cfg.Aligner.BaseURL, cfg.Aligner.APIKey, cfg.Aligner.Timeout())), log),
		Assembler:   audio.NewAssembler(cfg.TTSEngine.SilenceBetween()),
		Store:       store,
		Lock:        lock,
		Telemetry:   tel,
		Logger:      log,
	}, pipeline.Options{
		KeyPrefix:  cfg.Storage.KeyPrefix,
		PresignTTL: cfg.Storage.PresignTTL(),
		Now:        nil,
	})
	if err != nil {
		app.close(log)

		return nil, fmt.Errorf("failed to create pipeline service: %w", err)
	}

	app.service = service

	if cfg.NATS.Enabled() {
		err = buildWorker(cfg.NATS, service, log, app)
		if err != nil {
			app.close(log)

			return nil, err
		}
	}

	return app, nil
}

func buildArtifactStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*objectstore.S3Store, error) {
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:         cfg.Endpoint,
		AccessKey:        cfg.AccessKey,
		SecretKey:        cfg.SecretKey,
		Bucket:           cfg.Bucket,
		Region:           cfg.Region,
		Secure:           cfg.Secure,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	err = store.EnsureBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bucket %s: %w", cfg.Bucket, err)
	}

	log.Info("Artifact bucket %s ready at %s", store.Bucket(), objectstore.EndpointURL(cfg.Endpoint, cfg.Secure))

	return store, nil
}

func buildJobLock(ctx context.Context, cfg config.RedisConfig, log *logger.Logger, app *application) (core.JobLock, error) {
	if cfg.URL == "" {
		log.Warn("No Redis URL configured; job locks are local to this process")

		return joblock.NewMemoryLock(), nil
	}

	lock, err := joblock.NewRedisLock(ctx, cfg.URL, cfg.LockTTL(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create job lock: %w", err)
	}

	app.closers = append(app.closers, lock.Close)

	return lock, nil
}

func buildSegmenter(cfg config.SegmenterConfig) *text.Segmenter {
	return text.NewSegmenter(text.NewLinguaClassifier(), text.Options{
		MaxHanRun:      cfg.MaxHanRun,
		MaxEmbeddedRun: cfg.MaxEmbeddedRun,
		KanaPull:       cfg.KanaPull,
	})
}

func buildSynthesizer(ctx context.Context, cfg config.TTSEngineConfig, log *logger.Logger) *tts.Engine {
	client := tts.NewHTTPClient(cfg.BaseURL, cfg.Timeout())

	healthCtx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	defer cancel()

	err := client.HealthCheck(healthCtx)
	if err != nil {
		log.Warn("TTS engine at %s is not reachable yet: %v", cfg.BaseURL, err)
	} else {
		log.Info("TTS engine at %s is healthy", cfg.BaseURL)
	}

	return tts.NewEngine(client, log, cfg.SynthesisConcurrency)
}

func buildWorker(cfg config.NATSConfig, service *pipeline.Service, log *logger.Logger, app *application) error {
	natsConnection, err := nats.Connect(cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	app.closers = append(app.closers, func() error {
		natsConnection.Close()

		return nil
	})

	var textStore core.ObjectStore

	if cfg.TextBucket != "" {
		jetstreamContext, jsErr := natsConnection.JetStream()
		if jsErr != nil {
			return fmt.Errorf("failed to create JetStream context: %w", jsErr)
		}

		store, storeErr := objectstore.NewNatsObjectStore(jetstreamContext, cfg.TextBucket)
		if storeErr != nil {
			return errors.Join(fmt.Errorf("failed to open text bucket %s", cfg.TextBucket), storeErr)
		}

		textStore = store
	}

	app.worker = worker.NewNatsWorker(natsConnection, cfg.PipelineSubject, cfg.QueueGroup, textStore, service,
		cfg.JobTimeout(), log)

	log.Info("NATS worker configured on %s", cfg.URL)

	return nil
}
