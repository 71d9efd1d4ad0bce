// Package app assembles the image handler from configuration. Every binary
// builds the same component graph; only the entry point differs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/imagehandler/internal/batch"
	"github.com/dunamismax/imagehandler/internal/cache"
	"github.com/dunamismax/imagehandler/internal/config"
	"github.com/dunamismax/imagehandler/internal/delivery"
	"github.com/dunamismax/imagehandler/internal/handler"
	"github.com/dunamismax/imagehandler/internal/normalize"
	"github.com/dunamismax/imagehandler/internal/pipeline"
	"github.com/dunamismax/imagehandler/internal/processor"
	"github.com/dunamismax/imagehandler/internal/storage"
	"github.com/dunamismax/imagehandler/internal/store"
)

type App struct {
	Objects   storage.ObjectStore
	Writer    storage.ResponseWriter
	Metadata  store.MetadataStore
	Processor *processor.Orchestrator
	Batch     *batch.Controller
	Handler   *handler.Handler

	metricsEnabled bool
	closers        []func() error
}

// Build wires the object store, metadata store, pipeline, orchestrator,
// batch controller and event handler described by cfg.
func Build(ctx context.Context, logger *log.Logger, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pipeline.Startup(); err != nil {
		return nil, fmt.Errorf("start image engine: %w", err)
	}

	a := &App{
		metricsEnabled: cfg.Image.MetricsEnabled,
		closers: []func() error{func() error {
			pipeline.Shutdown()
			return nil
		}},
	}

	var awsCfg *aws.Config
	if cfg.Storage.Backend == "s3" || cfg.Metadata.Backend == "dynamodb" {
		loaded, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		awsCfg = &loaded
	}

	objects, writer, err := buildObjectStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	a.Objects = objects
	a.Writer = writer

	meta, err := a.buildMetadataStore(ctx, logger, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	a.Metadata = meta

	executor, err := pipeline.NewExecutor()
	if err != nil {
		return nil, err
	}
	logger.Printf("image engine ready engine=%s", executor.EngineName())

	var artifacts processor.ArtifactCache
	if cfg.Image.CacheEnabled {
		c, err := cache.New(objects, meta, cfg.Image.OutputBucket, cfg.Image.CachePrefix)
		if err != nil {
			return nil, err
		}
		artifacts = c
	}
	a.Processor = processor.New(logger, executor, artifacts)

	if cfg.Image.OutputBucket != "" {
		watermark := ""
		if cfg.Image.WatermarkEnabled {
			watermark = cfg.Image.WatermarkText
		}
		a.Batch = batch.NewController(
			logger,
			batch.ObjectStoreFetcher{Objects: objects},
			batch.ObjectStoreEmitter{Objects: objects, Bucket: cfg.Image.OutputBucket},
			a.Processor,
			meta,
			batch.Config{
				UploadPrefix:  cfg.Batch.UploadPrefix,
				Transforms:    cfg.Batch.Transforms,
				WatermarkText: watermark,
			},
		)
	} else {
		logger.Printf("batch ingestion disabled reason=no_output_bucket")
	}

	deps := handler.Deps{
		Requests: normalize.NewBuilder(
			logger,
			normalize.DefaultDecoder{SourceBuckets: cfg.Image.SourceBuckets},
			objects,
			normalize.WatermarkDefaults{Enabled: cfg.Image.WatermarkEnabled, Text: cfg.Image.WatermarkText},
		),
		Processor: a.Processor,
		Responses: delivery.NewBuilder(logger, objects, delivery.Options{
			CORSEnabled:     cfg.Delivery.CORSEnabled,
			CORSOrigin:      cfg.Delivery.CORSOrigin,
			FallbackEnabled: cfg.Delivery.FallbackEnabled,
			FallbackBucket:  cfg.Delivery.FallbackBucket,
			FallbackKey:     cfg.Delivery.FallbackKey,
		}),
		Margin: cfg.Delivery.TimeoutMargin,
	}
	if writer != nil {
		deps.Writer = writer
	}
	if a.Batch != nil {
		deps.Batch = a.Batch
	}
	a.Handler = handler.New(logger, deps)

	logger.Printf(
		"image handler ready objects=%s metadata=%s cache=%t watermark=%t fallback=%t",
		cfg.Storage.Backend,
		cfg.Metadata.Backend,
		cfg.Image.CacheEnabled,
		cfg.Image.WatermarkEnabled,
		cfg.Delivery.FallbackEnabled,
	)
	return a, nil
}

// Gatherers returns the pipeline registries when metrics are enabled.
func (a *App) Gatherers() []prometheus.Gatherer {
	if !a.metricsEnabled {
		return nil
	}
	gatherers := []prometheus.Gatherer{a.Processor.Gatherer()}
	if a.Batch != nil {
		gatherers = append(gatherers, a.Batch.Gatherer())
	}
	return gatherers
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAWSConfig loads the SDK defaults, switching to static keys when an
// endpoint override targets a local S3 or DynamoDB emulator.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		loaded.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return loaded, nil
}

func buildObjectStore(ctx context.Context, cfg config.Config, awsCfg *aws.Config) (storage.ObjectStore, storage.ResponseWriter, error) {
	switch cfg.Storage.Backend {
	case "s3":
		client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
			if cfg.AWS.Endpoint != "" {
				o.UsePathStyle = true
			}
		})
		s := storage.NewS3Store(client)
		return s, s, nil

	case "minio":
		s, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Image.OutputBucket != "" {
			if err := s.EnsureBucket(ctx, cfg.Image.OutputBucket); err != nil {
				return nil, nil, err
			}
		}
		return s, nil, nil

	case "memory":
		return storage.NewMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported object store backend: %s", cfg.Storage.Backend)
	}
}

func (a *App) buildMetadataStore(ctx context.Context, logger *log.Logger, cfg config.Config, awsCfg *aws.Config) (store.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case "dynamodb":
		if cfg.Metadata.TableName == "" {
			logger.Printf("metadata store disabled reason=no_table_name")
			return nil, nil
		}
		return store.NewDynamoDBMetadataStore(dynamodb.NewFromConfig(*awsCfg), cfg.Metadata.TableName)

	case "postgres":
		s, err := store.NewPostgresMetadataStore(ctx, cfg.Metadata.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case "memory":
		return store.NewMemoryMetadataStore(), nil

	default:
		return nil, fmt.Errorf("unsupported metadata backend: %s", cfg.Metadata.Backend)
	}
}
