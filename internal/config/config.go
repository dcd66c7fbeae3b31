// Package config builds the bookshot configuration from defaults, an optional
// YAML file, .env files and BOOKSHOT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/seckatie/bookshot/internal/logger"
)

const envPrefix = "BOOKSHOT_"

const (
	StorageLocal = "local"
	StorageS3    = "s3"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Capture  CaptureConfig  `yaml:"capture"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	Pretty bool   `yaml:"pretty"` // true => zap dev (color), false => zap prod (JSON)
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CaptureConfig struct {
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	ChromePath    string        `yaml:"chrome_path"` // optional, empty = chromedp default lookup
	AllowPrivate  bool          `yaml:"allow_private"` // allow loopback and private-network targets
}

type QueueConfig struct {
	Backend       string        `yaml:"backend"` // "memory" | "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type StorageConfig struct {
	Backend       string   `yaml:"backend"` // "local" | "s3"
	LocalDir      string   `yaml:"local_dir"`
	PublicBaseURL string   `yaml:"public_base_url"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // optional, for MinIO and other S3-compatible stores
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Database: DatabaseConfig{
			Path: "bookshot.db",
		},
		Capture: CaptureConfig{
			Workers:       2,
			Timeout:       20 * time.Second,
			Width:         1280,
			Height:        800,
			MaxRetries:    3,
			BaseDelay:     30 * time.Second,
			MaxDelay:      10 * time.Minute,
			SweepInterval: 5 * time.Minute,
			StaleAfter:    15 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:      QueueMemory,
			RedisAddr:    "localhost:6379",
			PollInterval: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Backend:  StorageLocal,
			LocalDir: "data",
			S3: S3Config{
				Region:     "us-east-1",
				PresignTTL: 24 * time.Hour,
			},
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFiles loads BOOKSHOT_ENV_FILE if set, otherwise .env.local then .env.
// Missing files are ignored. godotenv never overwrites variables already set.
func loadEnvFiles() error {
	if envFile := os.Getenv(envPrefix + "ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	e := &envReader{}

	e.str("HOST", &cfg.Server.Host)
	e.int("PORT", &cfg.Server.Port)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.bool("PRETTY_LOG", &cfg.Log.Pretty)

	e.str("DB_PATH", &cfg.Database.Path)

	e.int("CAPTURE_WORKERS", &cfg.Capture.Workers)
	e.duration("CAPTURE_TIMEOUT", &cfg.Capture.Timeout)
	e.int("CAPTURE_WIDTH", &cfg.Capture.Width)
	e.int("CAPTURE_HEIGHT", &cfg.Capture.Height)
	e.int("CAPTURE_MAX_RETRIES", &cfg.Capture.MaxRetries)
	e.duration("CAPTURE_BASE_DELAY", &cfg.Capture.BaseDelay)
	e.duration("CAPTURE_MAX_DELAY", &cfg.Capture.MaxDelay)
	e.duration("SWEEP_INTERVAL", &cfg.Capture.SweepInterval)
	e.duration("STALE_AFTER", &cfg.Capture.StaleAfter)
	e.str("CHROME_PATH", &cfg.Capture.ChromePath)
	e.bool("CAPTURE_ALLOW_PRIVATE", &cfg.Capture.AllowPrivate)

	e.str("QUEUE_BACKEND", &cfg.Queue.Backend)
	e.str("REDIS_ADDR", &cfg.Queue.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Queue.RedisPassword)
	e.int("REDIS_DB", &cfg.Queue.RedisDB)
	e.duration("QUEUE_POLL_INTERVAL", &cfg.Queue.PollInterval)

	e.str("STORAGE_BACKEND", &cfg.Storage.Backend)
	e.str("STORAGE_DIR", &cfg.Storage.LocalDir)
	e.str("PUBLIC_BASE_URL", &cfg.Storage.PublicBaseURL)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.str("S3_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
	e.str("S3_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
	e.bool("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
	e.duration("S3_PRESIGN_TTL", &cfg.Storage.S3.PresignTTL)

	return errors.Join(e.errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if !logger.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	cc := c.Capture
	if cc.Workers < 1 {
		errs = append(errs, errors.New("capture workers must be at least 1"))
	}
	if cc.Timeout <= 0 {
		errs = append(errs, errors.New("capture timeout must be positive"))
	}
	if cc.Width <= 0 || cc.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid viewport %dx%d", cc.Width, cc.Height))
	}
	if cc.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be at least 1"))
	}
	if cc.BaseDelay <= 0 {
		errs = append(errs, errors.New("base delay must be positive"))
	}
	if cc.MaxDelay < cc.BaseDelay {
		errs = append(errs, errors.New("max delay must not be less than base delay"))
	}
	if cc.SweepInterval <= 0 || cc.StaleAfter <= 0 {
		errs = append(errs, errors.New("sweep interval and stale threshold must be positive"))
	}
	if cc.StaleAfter <= cc.MaxDelay {
		errs = append(errs, errors.New("stale threshold must exceed max delay"))
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("redis queue requires redis_addr"))
		}
		if c.Queue.PollInterval <= 0 {
			errs = append(errs, errors.New("queue poll interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("local storage requires local_dir"))
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 storage requires a bucket"))
		}
		if c.Storage.PublicBaseURL == "" && c.Storage.S3.PresignTTL <= 0 {
			errs = append(errs, errors.New("s3 storage requires public_base_url or a positive presign_ttl"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Queue.RedisPassword != "" {
		c.Queue.RedisPassword = "***REDACTED***"
	}
	if c.Storage.S3.SecretAccessKey != "" {
		c.Storage.S3.SecretAccessKey = "***REDACTED***"
	}
	return c
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid integer for %s%s: %q", envPrefix, key, v))
		return
	}
	*dst = i
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid boolean for %s%s: %q", envPrefix, key, v))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid duration for %s%s: %q", envPrefix, key, v))
		return
	}
	*dst = d
}
