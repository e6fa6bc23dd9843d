// Package config provides the configuration structure for the pipeline service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read on startup when present.
const DefaultEnvFile = ".env"

const (
	errFmtLoad        = "failed to load configuration from configurator: %w"
	errFmtEnvFile     = "failed to read env file %s: %w"
	errFmtEnvValue    = "invalid value %q for %s: %w"
	errFmtInvalid     = "%w: %s"
	logFmtEnvFile     = "Loaded %d variables from %s"
	logFmtEnvOverride = "Configuration overridden from environment: %s"
	maxPort           = 65535
)

// ErrInvalidConfig tags every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                   string `toml:"host"`
	Port                   int    `toml:"port"`
	CorsAllowedOrigins     string `toml:"cors_allowed_origins"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// Addr is the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// TTSEngineConfig holds the speech engine settings.
type TTSEngineConfig struct {
	BaseURL               string  `toml:"base_url"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	SynthesisConcurrency  int     `toml:"synthesis_concurrency"`
	SilenceBetweenSeconds float64 `toml:"silence_between_seconds"`
}

// Timeout is the per-request engine timeout.
func (c TTSEngineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SilenceBetween is the pause inserted between segments.
func (c TTSEngineConfig) SilenceBetween() time.Duration {
	return time.Duration(c.SilenceBetweenSeconds * float64(time.Second))
}

// AlignerConfig holds the alignment service settings.
type AlignerConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout is the per-request aligner timeout.
func (c AlignerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig holds the S3-compatible artifact store settings.
type StorageConfig struct {
	Endpoint          string `toml:"endpoint"`
	AccessKey         string `toml:"access_key"`
	SecretKey         string `toml:"secret_key"`
	Bucket            string `toml:"bucket"`
	Region            string `toml:"region"`
	Secure            bool   `toml:"secure"`
	PresignTTLSeconds int    `toml:"presign_ttl_seconds"`
	KeyPrefix         string `toml:"key_prefix"`
	RetryMaxAttempts  int    `toml:"retry_max_attempts"`
}

// PresignTTL is the lifetime of presigned URLs.
func (c StorageConfig) PresignTTL() time.Duration {
	return time.Duration(c.PresignTTLSeconds) * time.Second
}

// SegmenterConfig tunes the language segmenter.
type SegmenterConfig struct {
	MaxHanRun      int  `toml:"max_han_run"`
	MaxEmbeddedRun int  `toml:"max_embedded_run"`
	KanaPull       bool `toml:"kana_pull"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	PipelineSubject   string `toml:"pipeline_subject"`
	QueueGroup        string `toml:"queue_group"`
	TextBucket        string `toml:"text_bucket"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
}

// JobTimeout bounds one worker job.
func (c NATSConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// Enabled reports whether the NATS worker should run.
func (c NATSConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// RedisConfig holds the job lock settings. An empty URL selects the in-process lock.
type RedisConfig struct {
	URL            string `toml:"url"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
}

// LockTTL is how long a job lock lives without release.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TelemetryConfig selects trace export.
type TelemetryConfig struct {
	ServiceName    string `toml:"service_name"`
	Environment    string `toml:"environment"`
	TracesExporter string `toml:"traces_exporter"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	OTLPInsecure   bool   `toml:"otlp_insecure"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	TTSEngine TTSEngineConfig `toml:"tts_engine"`
	Aligner   AlignerConfig   `toml:"aligner"`
	Storage   StorageConfig   `toml:"storage"`
	Segmenter SegmenterConfig `toml:"segmenter"`
	NATS      NATSConfig      `toml:"nats"`
	Redis     RedisConfig     `toml:"redis"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Paths     PathsConfig     `toml:"paths"`
}

// Defaults returns the configuration used for every key the file leaves out.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ShutdownTimeoutSeconds: 30,
		},
		TTSEngine: TTSEngineConfig{
			BaseURL:              "http://localhost:9880",
			TimeoutSeconds:       120,
			SynthesisConcurrency: 1,
		},
		Aligner: AlignerConfig{
			BaseURL:        "http://localhost:9881",
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			Endpoint:          "localhost:9000",
			AccessKey:         "admin",
			SecretKey:         "change_this_strong_password",
			Bucket:            "tts-pipeline",
			Region:            "us-east-1",
			PresignTTLSeconds: 3600,
			KeyPrefix:         "tts",
			RetryMaxAttempts:  3,
		},
		Segmenter: SegmenterConfig{
			MaxHanRun:      3,
			MaxEmbeddedRun: 2,
			KanaPull:       true,
		},
		NATS: NATSConfig{
			PipelineSubject:   "tts.pipeline.request",
			QueueGroup:        "tts-pipeline-workers",
			TextBucket:        "TTS_PIPELINE_TEXT",
			JobTimeoutSeconds: 600,
		},
		Redis: RedisConfig{
			LockTTLSeconds: 900,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "tts-pipeline",
			Environment:    "development",
			TracesExporter: "none",
		},
		Paths: PathsConfig{
			BaseLogsDir: "logs",
		},
	}
}

// Load reads the env file, the TOML configuration and the environment, in that
// order of increasing precedence, and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	fileEnv, err := ReadEnvFile(DefaultEnvFile)
	if err != nil {
		return nil, err
	}

	if len(fileEnv) > 0 {
		log.Info(logFmtEnvFile, len(fileEnv), DefaultEnvFile)
	}

	cfg := Defaults()

	err = configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf(errFmtLoad, err)
	}

	overridden, err := cfg.ApplyEnv(func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}

		value, ok := fileEnv[key]

		return value, ok
	})
	if err != nil {
		return nil, err
	}

	if len(overridden) > 0 {
		log.Info(logFmtEnvOverride, strings.Join(overridden, ", "))
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ReadEnvFile parses a dotenv file without touching the process environment.
// A missing file yields an empty map.
func ReadEnvFile(path string) (map[string]string, error) {
	_, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		return map[string]string{}, nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf(errFmtEnvFile, path, err)
	}

	return values, nil
}

type envBinding struct {
	key   string
	apply func(value string) error
}

func stringBinding(key string, target *string) envBinding {
	return envBinding{key: key, apply: func(value string) error {
		*target = value

		return nil
	}}
}

func intBinding(key string, target *int) envBinding {
	return envBinding{key: key, apply: func(value string) error {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf(errFmtEnvValue, value, key, err)
		}

		*target = parsed

		return nil
	}}
}

func boolBinding(key string, target *bool) envBinding {
	return envBinding{key: key, apply: func(value string) error {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf(errFmtEnvValue, value, key, err)
		}

		*target = parsed

		return nil
	}}
}

// ApplyEnv overrides endpoints and secrets from lookup and returns the keys it applied.
func (c *Config) ApplyEnv(lookup func(key string) (string, bool)) ([]string, error) {
	bindings := []envBinding{
		stringBinding("API_HOST", &c.Server.Host),
		intBinding("API_PORT", &c.Server.Port),
		stringBinding("TTS_BASE_URL", &c.TTSEngine.BaseURL),
		intBinding("TTS_TIMEOUT", &c.TTSEngine.TimeoutSeconds),
		stringBinding("ALIGNER_BASE_URL", &c.Aligner.BaseURL),
		stringBinding("ALIGNER_API_KEY", &c.Aligner.APIKey),
		stringBinding("S3_ENDPOINT", &c.Storage.Endpoint),
		stringBinding("S3_ACCESS_KEY", &c.Storage.AccessKey),
		stringBinding("S3_SECRET_KEY", &c.Storage.SecretKey),
		stringBinding("S3_BUCKET", &c.Storage.Bucket),
		stringBinding("S3_REGION", &c.Storage.Region),
		boolBinding("S3_SECURE", &c.Storage.Secure),
		intBinding("S3_PRESIGN_TTL", &c.Storage.PresignTTLSeconds),
		stringBinding("S3_KEY_PREFIX", &c.Storage.KeyPrefix),
		stringBinding("NATS_URL", &c.NATS.URL),
		stringBinding("REDIS_URL", &c.Redis.URL),
		stringBinding("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint),
	}

	applied := make([]string, 0)

	var errs []error

	for _, binding := range bindings {
		value, ok := lookup(binding.key)
		if !ok {
			continue
		}

		err := binding.apply(value)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		applied = append(applied, binding.key)
	}

	return applied, errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	checks := []struct {
		failed  bool
		message string
	}{
		{c.Server.Port < 1 || c.Server.Port > maxPort, "server.port must be between 1 and 65535"},
		{strings.TrimSpace(c.TTSEngine.BaseURL) == "", "tts_engine.base_url is required"},
		{c.TTSEngine.TimeoutSeconds < 1, "tts_engine.timeout_seconds must be >= 1"},
		{c.TTSEngine.SynthesisConcurrency < 1, "tts_engine.synthesis_concurrency must be >= 1"},
		{c.TTSEngine.SilenceBetweenSeconds < 0, "tts_engine.silence_between_seconds must be >= 0"},
		{strings.TrimSpace(c.Aligner.BaseURL) == "", "aligner.base_url is required"},
		{strings.TrimSpace(c.Storage.Endpoint) == "", "storage.endpoint is required"},
		{strings.TrimSpace(c.Storage.Bucket) == "", "storage.bucket is required"},
		{c.Storage.PresignTTLSeconds < 1, "storage.presign_ttl_seconds must be >= 1"},
		{c.Segmenter.MaxHanRun < 0, "segmenter.max_han_run must be >= 0"},
		{c.Segmenter.MaxEmbeddedRun < 0, "segmenter.max_embedded_run must be >= 0"},
		{c.NATS.Enabled() && strings.TrimSpace(c.NATS.PipelineSubject) == "", "nats.pipeline_subject is required"},
		{strings.TrimSpace(c.Paths.BaseLogsDir) == "", "paths.base_logs_dir is required"},
	}

	var errs []error

	for _, check := range checks {
		if check.failed {
			errs = append(errs, fmt.Errorf(errFmtInvalid, ErrInvalidConfig, check.message))
		}
	}

	return errors.Join(errs...)
}
