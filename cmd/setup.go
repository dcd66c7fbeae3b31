/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/
package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/seckatie/bookshot/internal/config"
	"github.com/seckatie/bookshot/internal/core"
	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/metrics"
	"github.com/seckatie/bookshot/internal/queue"
	"github.com/seckatie/bookshot/internal/storage"
)

const redisPingTimeout = 5 * time.Second

// loadConfig layers explicitly set flags over the file and environment config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to read --config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		if cfg.Database.Path, err = flags.GetString("db"); err != nil {
			return nil, fmt.Errorf("failed to read --db: %w", err)
		}
	}
	if f := flags.Lookup("host"); f != nil && f.Changed {
		cfg.Server.Host = f.Value.String()
	}
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if cfg.Server.Port, err = flags.GetInt("port"); err != nil {
			return nil, fmt.Errorf("failed to read --port: %w", err)
		}
	}
	if f := flags.Lookup("capture-workers"); f != nil && f.Changed {
		if cfg.Capture.Workers, err = flags.GetInt("capture-workers"); err != nil {
			return nil, fmt.Errorf("failed to read --capture-workers: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func initDB(cfg *config.Config, log logger.Logger) (*db.DB, error) {
	database, err := db.NewSQLiteDB(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database migrated successfully", logger.String("path", cfg.Database.Path))
	return database, nil
}

// initStore returns the configured object store and, for the local backend,
// the directory the web server should expose under /files/.
func initStore(ctx context.Context, cfg *config.Config) (storage.Store, string, error) {
	switch cfg.Storage.Backend {
	case config.StorageS3:
		s3 := cfg.Storage.S3
		store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
			PresignTTL:      s3.PresignTTL,
		})
		if err != nil {
			return nil, "", err
		}
		return store, "", nil
	default:
		baseURL := cfg.Storage.PublicBaseURL
		if baseURL == "" {
			baseURL = "/files"
		}
		store, err := storage.NewLocalStore(cfg.Storage.LocalDir, baseURL)
		if err != nil {
			return nil, "", err
		}
		return store, store.Root(), nil
	}
}

// initQueue returns the configured job queue and a func releasing it.
func initQueue(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Queue, func(), error) {
	if cfg.Queue.Backend != config.QueueRedis {
		q := queue.NewMemoryQueue()
		return q, func() { q.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Queue.RedisAddr, err)
	}
	log.Info("connected to redis", logger.String("addr", cfg.Queue.RedisAddr))

	q := queue.NewRedisQueue(client, queue.RedisOptions{PollInterval: cfg.Queue.PollInterval})
	return q, func() {
		q.Close()
		if err := client.Close(); err != nil {
			log.Warn("failed to close redis client", logger.Error(err))
		}
	}, nil
}

func newCapturer(cfg *config.Config, headful bool) *core.ChromeCapturer {
	chromePath := cfg.Capture.ChromePath
	if chromePath == "" && runtime.GOOS == "darwin" {
		// Best-effort default for macOS.
		chromePath = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	}
	return &core.ChromeCapturer{
		ChromePath:   chromePath,
		Headful:      headful,
		AllowPrivate: cfg.Capture.AllowPrivate,
	}
}

func newService(cfg *config.Config, database *db.DB, store storage.Store, capturer core.Capturer, q core.Enqueuer, log logger.Logger, m *metrics.Metrics) *core.Service {
	return core.NewService(database, store, capturer, q, core.ServiceOptions{
		Policy: core.RetryPolicy{
			MaxRetries: cfg.Capture.MaxRetries,
			BaseDelay:  cfg.Capture.BaseDelay,
			MaxDelay:   cfg.Capture.MaxDelay,
		},
		Capture: core.CaptureOptions{
			Timeout: cfg.Capture.Timeout,
			Width:   cfg.Capture.Width,
			Height:  cfg.Capture.Height,
		},
		Logger:  log,
		Metrics: m,
	})
}
