package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Cluster       ClusterConfig
	Storage       StorageConfig
	Output        OutputConfig
	Job           JobConfig
	Ledger        LedgerConfig
	Status        StatusConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type ClusterConfig struct {
	Workers          int
	MemoryLimit      string
	WorkDir          string
	NetworkInterface string
}

// StorageConfig holds the defaults applied to storage registrations that do
// not set their own endpoint, region or credentials.
type StorageConfig struct {
	Endpoint         string
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	AutoCreateBucket bool
}

type OutputConfig struct {
	RowsPerFile int
	Compression string
	Overwrite   bool
}

type JobConfig struct {
	File       string
	RunTimeout time.Duration
}

type LedgerConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type StatusConfig struct {
	Address string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKPIPE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKPIPE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "DUCKPIPE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKPIPE_CLUSTER_WORKERS", &cfg.Cluster.Workers); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_CLUSTER_MEMORY_LIMIT", &cfg.Cluster.MemoryLimit); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_CLUSTER_WORK_DIR", &cfg.Cluster.WorkDir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_NETWORK_INTERFACE", &cfg.Cluster.NetworkInterface); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_S3_ENDPOINT", &cfg.Storage.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_S3_REGION", &cfg.Storage.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_S3_ACCESS_KEY", &cfg.Storage.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_S3_SECRET_KEY", &cfg.Storage.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKPIPE_S3_USE_SSL", &cfg.Storage.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKPIPE_S3_AUTO_CREATE_BUCKET", &cfg.Storage.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKPIPE_OUTPUT_ROWS_PER_FILE", &cfg.Output.RowsPerFile); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_OUTPUT_COMPRESSION", &cfg.Output.Compression); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKPIPE_OUTPUT_OVERWRITE", &cfg.Output.Overwrite); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_JOB_FILE", &cfg.Job.File); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKPIPE_RUN_TIMEOUT", &cfg.Job.RunTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_LEDGER_DSN", &cfg.Ledger.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKPIPE_LEDGER_MAX_OPEN_CONNS", &cfg.Ledger.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKPIPE_LEDGER_MAX_IDLE_CONNS", &cfg.Ledger.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKPIPE_LEDGER_CONN_MAX_IDLE_TIME", &cfg.Ledger.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKPIPE_LEDGER_CONN_MAX_LIFETIME", &cfg.Ledger.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKPIPE_STATUS_ADDR", &cfg.Status.Address); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKPIPE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "DUCKPIPE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.Cluster.Workers < 0 {
		return Config{}, fmt.Errorf("cluster workers must be >= 0")
	}
	if cfg.Cluster.NetworkInterface == "" {
		return Config{}, fmt.Errorf("network interface is required")
	}
	if cfg.Output.RowsPerFile < 0 {
		return Config{}, fmt.Errorf("output rows per file must be >= 0")
	}
	cfg.Output.Compression = strings.ToLower(cfg.Output.Compression)
	if !isValidCompression(cfg.Output.Compression) {
		return Config{}, fmt.Errorf("invalid DUCKPIPE_OUTPUT_COMPRESSION: %q", cfg.Output.Compression)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckpipe"},
		Cluster: ClusterConfig{
			Workers:          0,
			MemoryLimit:      "",
			WorkDir:          "",
			NetworkInterface: "lo",
		},
		Storage: StorageConfig{
			Endpoint: "s3.amazonaws.com",
			Region:   "us-east-1",
			UseSSL:   true,
		},
		Output: OutputConfig{
			RowsPerFile: 0,
			Compression: "snappy",
			Overwrite:   true,
		},
		Ledger: LedgerConfig{
			DSN:             "",
			MaxOpenConns:    4,
			MaxIdleConns:    4,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Status: StatusConfig{
			Address: "",
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Cluster.Workers = 2
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Observability.LogJSON = true
		cfg.Output.Overwrite = false
		cfg.Job.RunTimeout = time.Hour
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func isValidCompression(codec string) bool {
	switch codec {
	case "snappy", "zstd", "gzip", "uncompressed":
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
