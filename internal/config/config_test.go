package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  concurrency: 6
  queue_depth: 128
  user_agent: real-agent
  respect_robots: false
  fetch_timeout_seconds: 45
headless:
  enabled: true
  max_parallel: 2
storage:
  backend: gcs
  bucket: artifacts
  presign_ttl_minutes: 15
database:
  dsn: postgres://localhost/stagecrawl
  max_conn_lifetime: 30m
dedup:
  backend: postgres
  bloom_capacity: 100000
llm:
  default_provider: qwen
  default_model: qwen-plus
  default_temperature: 0.1
  default_max_tokens: 2048
templates:
  root: /etc/stagecrawl/templates
  default_prompt_file: "@templates/default.txt"
media:
  max_per_page: 5
cleaning:
  default_threshold: 0.4
logging:
  development: false
standard_tasks:
  bread: tasks/bread.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, 6, cfg.Crawler.Concurrency)
	require.False(t, cfg.Crawler.RespectRobots)
	require.Equal(t, 45*time.Second, cfg.FetchTimeout())
	require.Equal(t, StorageGCS, cfg.Storage.Backend)
	require.Equal(t, 15*time.Minute, cfg.PresignTTL())
	require.Equal(t, 30*time.Minute, cfg.Database.MaxConnLifetime)
	require.Equal(t, DedupPostgres, cfg.Dedup.Backend)
	require.Equal(t, uint(100000), cfg.Dedup.BloomCapacity)
	require.Equal(t, "qwen", cfg.LLM.DefaultProvider)
	require.NotNil(t, cfg.LLM.DefaultTemperature)
	require.InDelta(t, 0.1, *cfg.LLM.DefaultTemperature, 1e-9)
	require.Equal(t, 2048, *cfg.LLM.DefaultMaxTokens)
	require.Equal(t, "@templates/default.txt", cfg.Templates.DefaultPromptFile)
	require.Equal(t, 5, cfg.Media.MaxPerPage)
	require.InDelta(t, 0.4, cfg.Cleaning.DefaultThreshold, 1e-9)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, map[string]string{"bread": "tasks/bread.yaml"}, cfg.StandardTasks)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawler.Concurrency)
	require.Equal(t, 64, cfg.Crawler.QueueDepth)
	require.True(t, cfg.Crawler.RespectRobots)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
	require.Equal(t, DedupMemory, cfg.Dedup.Backend)
	require.Equal(t, "openai", cfg.LLM.DefaultProvider)
	require.Equal(t, "gpt-4", cfg.LLM.DefaultModel)
	require.Nil(t, cfg.LLM.DefaultTemperature)
	require.InDelta(t, 0.3, cfg.Cleaning.DefaultThreshold, 1e-9)
	require.Equal(t, 10, cfg.Media.DefaultMaxSizeMB)
	require.Equal(t, 60*time.Minute, cfg.PresignTTL())
	require.Equal(t, 100, cfg.Progress.Batch.MaxEvents)
	require.True(t, cfg.Logging.Development)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STAGECRAWL_SERVER_PORT", "7070")
	t.Setenv("STAGECRAWL_LLM_DEFAULT_CREDENTIAL", "sk-env")
	t.Setenv("STAGECRAWL_STORAGE_BACKEND", "local")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "sk-env", cfg.LLM.DefaultCredential)
	require.Equal(t, StorageLocal, cfg.Storage.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Auth.Enabled = true
	cfg.Storage.Backend = "s3"
	cfg.Dedup.Backend = DedupRedis
	cfg.Dedup.RedisAddr = ""
	cfg.Cleaning.DefaultThreshold = 2

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"auth.api_key",
		`storage.backend "s3"`,
		"dedup.redis_addr",
		"cleaning.default_threshold",
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Storage.Backend = StorageGCS
	require.ErrorContains(t, cfg.Validate(), "storage.bucket")

	cfg.Storage.Backend = StorageMemory
	cfg.Dedup.Backend = DedupPostgres
	require.ErrorContains(t, cfg.Validate(), "database.dsn")

	cfg.Database.DSN = "postgres://localhost/db"
	require.NoError(t, cfg.Validate())
}
