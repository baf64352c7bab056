package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
	MinLevel      string
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port         string
	MaxUploadMB  int64
	SessionTTL   time.Duration
	CleanupEvery time.Duration
}

// RedisConfig defines the optional label cache / status store backend.
// An empty URL disables both.
type RedisConfig struct {
	URL      string
	LabelTTL time.Duration
}

// OutputConfig selects where split documents are delivered.
type OutputConfig struct {
	Mode      string // "local"|"s3"|"memory"
	ResultDir string
	S3        S3Config
}

// S3Config defines the bucket used for delivery and s3:// sources.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Password        string
}

// SourceConfig allowlists where source references may be fetched from.
// Empty lists keep http(s) and s3 references disabled.
type SourceConfig struct {
	AllowedHosts   []string
	AllowedBuckets []string
}

// ExtractConfig tunes the split engine.
type ExtractConfig struct {
	Concurrency int
}

// PreviewConfig tunes page header rendering.
type PreviewConfig struct {
	DPI      int
	Fraction float64
	Quality  int
	Lines    int
}

// ConverterConfig defines LibreOffice conversion of office documents.
type ConverterConfig struct {
	Enabled bool
	Binary  string
	Timeout time.Duration
	Workers int
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Server    ServerConfig
	Redis     RedisConfig
	Output    OutputConfig
	Source    SourceConfig
	Extract   ExtractConfig
	Preview   PreviewConfig
	Converter ConverterConfig
}

// FromEnv loads configuration from environment with sensible defaults.
// A .env file in the working directory is read first when present; real
// environment variables win over it.
func FromEnv() Config {
	_ = godotenv.Load()
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/scansplit.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_scansplit",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
		MinLevel:      getEnv("AXIOM_LEVEL", "info"),
	}

	cfg.Server = ServerConfig{
		Port:         getEnv("PORT", "8080"),
		MaxUploadMB:  int64(parseInt(getEnv("MAX_UPLOAD_MB", "64"), 64)),
		SessionTTL:   parseDuration(getEnv("SESSION_TTL", "2h"), 2*time.Hour),
		CleanupEvery: parseDuration(getEnv("CLEANUP_INTERVAL", "10m"), 10*time.Minute),
	}

	cfg.Redis = RedisConfig{
		URL:      getEnv("REDIS_URL", ""),
		LabelTTL: parseDuration(getEnv("LABEL_CACHE_TTL", "720h"), 30*24*time.Hour),
	}

	cfg.Output = OutputConfig{
		Mode:      strings.ToLower(getEnv("OUTPUT_MODE", "local")),
		ResultDir: getEnv("RESULT_DIR", "results"),
		S3: S3Config{
			Bucket:          getEnv("AWS_S3_BUCKET", ""),
			Prefix:          getEnv("S3_PREFIX", "splits"),
			Region:          getEnv("AWS_REGION", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Password:        getEnv("OUTPUT_PASSWORD", ""),
		},
	}

	cfg.Source = SourceConfig{
		AllowedHosts:   parseList(getEnv("SOURCE_ALLOWED_HOSTS", "")),
		AllowedBuckets: parseList(getEnv("SOURCE_ALLOWED_BUCKETS", "")),
	}

	cfg.Extract = ExtractConfig{
		Concurrency: parseInt(getEnv("EXTRACT_CONCURRENCY", "4"), 4),
	}

	cfg.Preview = PreviewConfig{
		DPI:      parseInt(getEnv("PREVIEW_DPI", "96"), 96),
		Fraction: parseFloat(getEnv("PREVIEW_FRACTION", "0.12"), 0.12),
		Quality:  parseInt(getEnv("PREVIEW_QUALITY", "80"), 80),
		Lines:    parseInt(getEnv("SUGGEST_HEADER_LINES", "3"), 3),
	}
	if cfg.Preview.Fraction <= 0 || cfg.Preview.Fraction > 1 {
		cfg.Preview.Fraction = 0.12
	}

	cfg.Converter = ConverterConfig{
		Enabled: parseBool(getEnv("CONVERTER_ENABLED", "false")),
		Binary:  getEnv("CONVERTER_BINARY", "soffice"),
		Timeout: parseDuration(getEnv("CONVERTER_TIMEOUT", "180s"), 180*time.Second),
		Workers: parseInt(getEnv("CONVERTER_WORKERS", "2"), 2),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// parseList splits a comma-separated value, dropping blanks.
func parseList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
