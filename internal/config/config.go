package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	maxPageSize = 300
)

type Config struct {
	Environment string
	LogLevel    slog.Level
	Server      ServerConfig
	Database    DatabaseConfig
	OpenSea     OpenSeaConfig
	Ingest      IngestConfig
	ClickHouse  ClickHouseConfig
	MinIO       MinIOConfig
	CoinGecko   CoinGeckoConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Path         string
	ProjectsFile string
}

type OpenSeaConfig struct {
	BaseURL           string
	APIKeys           []string
	PageSize          int
	RequestsPerSecond float64
	RateLimitCooldown time.Duration
	ErrorPause        time.Duration
	MaxErrorPause     time.Duration
	// MaxAttempts bounds the failed, non-throttled requests per page; 0 retries until cancelled.
	MaxAttempts uint
}

type IngestConfig struct {
	ChunkSize   time.Duration
	Lookback    time.Duration
	Concurrency int
}

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type CoinGeckoConfig struct {
	BaseURL string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load()
}

func load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8080)
	v.SetDefault("sales_db_path", "data/sales.sqlite")
	v.SetDefault("sales_projects_file", "projects.json")
	v.SetDefault("opensea_base_url", "https://api.opensea.io/api/v1/events")
	v.SetDefault("opensea_api_keys", "")
	v.SetDefault("opensea_page_size", maxPageSize)
	v.SetDefault("opensea_requests_per_second", 2.0)
	v.SetDefault("opensea_rate_limit_cooldown", 30*time.Second)
	v.SetDefault("opensea_error_pause", 5*time.Second)
	v.SetDefault("opensea_max_error_pause", 2*time.Minute)
	v.SetDefault("opensea_max_attempts", 20)
	v.SetDefault("ingest_chunk_days", 3)
	v.SetDefault("ingest_lookback_days", 10)
	v.SetDefault("ingest_concurrency", 4)
	v.SetDefault("clickhouse_addr", "")
	v.SetDefault("clickhouse_database", "default")
	v.SetDefault("clickhouse_username", "")
	v.SetDefault("clickhouse_password", "")
	v.SetDefault("minio_endpoint", "")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "nft-sales")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("coingecko_base_url", "https://api.coingecko.com/api/v3")

	port := v.GetInt("http_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid HTTP_PORT: %d", port)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v.GetString("log_level")))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	pageSize := v.GetInt("opensea_page_size")
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	rps := v.GetFloat64("opensea_requests_per_second")
	if rps < 0 {
		rps = 0
	}

	maxAttempts := v.GetInt("opensea_max_attempts")
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	chunkDays := v.GetInt("ingest_chunk_days")
	if chunkDays <= 0 {
		chunkDays = 3
	}

	lookbackDays := v.GetInt("ingest_lookback_days")
	if lookbackDays <= 0 {
		lookbackDays = 10
	}

	concurrency := v.GetInt("ingest_concurrency")
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	cfg := Config{
		Environment: resolveEnvironment(v.GetString("app_env")),
		LogLevel:    level,
		Server:      ServerConfig{Port: port},
		Database: DatabaseConfig{
			Path:         strings.TrimSpace(v.GetString("sales_db_path")),
			ProjectsFile: strings.TrimSpace(v.GetString("sales_projects_file")),
		},
		OpenSea: OpenSeaConfig{
			BaseURL:           strings.TrimRight(strings.TrimSpace(v.GetString("opensea_base_url")), "/"),
			APIKeys:           splitList(v.GetString("opensea_api_keys")),
			PageSize:          pageSize,
			RequestsPerSecond: rps,
			RateLimitCooldown: positive(v.GetDuration("opensea_rate_limit_cooldown"), 30*time.Second),
			ErrorPause:        positive(v.GetDuration("opensea_error_pause"), 5*time.Second),
			MaxErrorPause:     positive(v.GetDuration("opensea_max_error_pause"), 2*time.Minute),
			MaxAttempts:       uint(maxAttempts),
		},
		Ingest: IngestConfig{
			ChunkSize:   time.Duration(chunkDays) * 24 * time.Hour,
			Lookback:    time.Duration(lookbackDays) * 24 * time.Hour,
			Concurrency: concurrency,
		},
		ClickHouse: ClickHouseConfig{
			Addr:     strings.TrimSpace(v.GetString("clickhouse_addr")),
			Database: strings.TrimSpace(v.GetString("clickhouse_database")),
			Username: strings.TrimSpace(v.GetString("clickhouse_username")),
			Password: v.GetString("clickhouse_password"),
		},
		MinIO: MinIOConfig{
			Endpoint:  strings.TrimSpace(v.GetString("minio_endpoint")),
			AccessKey: strings.TrimSpace(v.GetString("minio_access_key")),
			SecretKey: v.GetString("minio_secret_key"),
			Bucket:    strings.TrimSpace(v.GetString("minio_bucket")),
			UseSSL:    v.GetBool("minio_use_ssl"),
		},
		CoinGecko: CoinGeckoConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("coingecko_base_url")), "/"),
		},
	}

	if cfg.Database.Path == "" {
		return Config{}, errors.New("SALES_DB_PATH must not be empty")
	}
	if cfg.Database.ProjectsFile == "" {
		return Config{}, errors.New("SALES_PROJECTS_FILE must not be empty")
	}
	if cfg.OpenSea.MaxErrorPause < cfg.OpenSea.ErrorPause {
		cfg.OpenSea.MaxErrorPause = cfg.OpenSea.ErrorPause
	}

	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func resolveEnvironment(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return EnvProd
	case "dev", "development":
		return EnvDev
	default:
		return EnvLocal
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
