// Package txconfig loads the kernel's configuration from defaults, an
// optional config file, and environment variables, in that order of
// increasing precedence. It generalizes the teacher's layered config
// (internal/config/layered.go, env_expand.go, file_config.go) from
// LLM-provider settings to tx's own knobs (spec §6 Environment).
package txconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the kernel's services read at startup. Fields
// map 1:1 to spec §3's OrchestratorState row and §6's environment surface.
type Config struct {
	// StoragePath is the SQLite database file. ":memory:" is valid for
	// tests but loses durability across process restarts.
	StoragePath string

	// TranscriptDir holds per-run NDJSON transcripts consumed by the
	// tracing CLI surface (spec §6).
	TranscriptDir string

	WorkerPoolSize           int
	HeartbeatIntervalSeconds int
	LeaseDurationMinutes     int
	ReconcileIntervalSeconds int

	// Capability credentials. Empty selects the no-op capability silently
	// (spec §6: "the core never aborts for missing capability
	// credentials").
	EmbedderAPIKey   string
	EmbedderBaseURL  string
	EmbedderModel    string
	RerankerAPIKey   string
	SummarizerAPIKey string
}

// allowedEnvVars is the explicit allow-list the loader honors, mirroring
// the teacher's env_usage_guard pattern: unrelated host environment
// variables never leak into the config even though viper's AutomaticEnv is
// process-wide.
var allowedEnvVars = []string{
	"TX_STORAGE_PATH",
	"TX_TRANSCRIPT_DIR",
	"TX_WORKER_POOL_SIZE",
	"TX_HEARTBEAT_INTERVAL_SECONDS",
	"TX_LEASE_DURATION_MINUTES",
	"TX_RECONCILE_INTERVAL_SECONDS",
	"TX_EMBEDDER_API_KEY",
	"TX_EMBEDDER_BASE_URL",
	"TX_EMBEDDER_MODEL",
	"TX_RERANKER_API_KEY",
	"TX_SUMMARIZER_API_KEY",
}

// Defaults returns the configuration a fresh install boots with: a local
// SQLite file, no capability credentials (all no-op), and the lease/
// heartbeat/reconcile cadences named in spec §4.4/§4.6.
func Defaults() Config {
	return Config{
		StoragePath:              "tx.db",
		TranscriptDir:            "transcripts",
		WorkerPoolSize:           4,
		HeartbeatIntervalSeconds: 15,
		LeaseDurationMinutes:     30,
		ReconcileIntervalSeconds: 10,
	}
}

// Load merges Defaults(), an optional file at path (if non-empty and
// present), and the allow-listed environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("storage_path", cfg.StoragePath)
	v.SetDefault("transcript_dir", cfg.TranscriptDir)
	v.SetDefault("worker_pool_size", cfg.WorkerPoolSize)
	v.SetDefault("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	v.SetDefault("lease_duration_minutes", cfg.LeaseDurationMinutes)
	v.SetDefault("reconcile_interval_seconds", cfg.ReconcileIntervalSeconds)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, name := range allowedEnvVars {
		key := strings.ToLower(strings.TrimPrefix(name, "TX_"))
		_ = v.BindEnv(key, name)
	}

	cfg.StoragePath = v.GetString("storage_path")
	cfg.TranscriptDir = v.GetString("transcript_dir")
	cfg.WorkerPoolSize = v.GetInt("worker_pool_size")
	cfg.HeartbeatIntervalSeconds = v.GetInt("heartbeat_interval_seconds")
	cfg.LeaseDurationMinutes = v.GetInt("lease_duration_minutes")
	cfg.ReconcileIntervalSeconds = v.GetInt("reconcile_interval_seconds")
	cfg.EmbedderAPIKey = v.GetString("embedder_api_key")
	cfg.EmbedderBaseURL = v.GetString("embedder_base_url")
	cfg.EmbedderModel = v.GetString("embedder_model")
	cfg.RerankerAPIKey = v.GetString("reranker_api_key")
	cfg.SummarizerAPIKey = v.GetString("summarizer_api_key")

	return cfg, nil
}

// LeaseDuration is the configured lease length as a time.Duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationMinutes) * time.Minute
}

// HeartbeatInterval is the configured heartbeat cadence as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ReconcileInterval is the configured reconciliation cadence.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}
