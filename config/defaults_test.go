package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, LLMConfig{}, cfg.LLM)
	assert.NotEqual(t, AgentConfig{}, cfg.Agent)
	assert.NotEqual(t, WorkflowConfig{}, cfg.Workflow)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AllowQueryAPIKey)
	assert.Empty(t, cfg.APIKeys)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
}

func TestDefaultWorkflowConfig(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	assert.Equal(t, 300*time.Second, cfg.NodeTimeout)
	assert.Equal(t, 30*time.Second, cfg.AskTimeout)
	assert.Equal(t, "simple", cfg.CommunicationMode)
	assert.Equal(t, "memory", cfg.RunStore)
	assert.Empty(t, cfg.DefinitionsDir)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenProbes)
}

func TestDefaultLLMConfig(t *testing.T) {
	cfg := DefaultLLMConfig()
	assert.Equal(t, "openrouter", cfg.Provider)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.Timeout)
	assert.Equal(t, "google/gemini-2.0-flash-exp:free", cfg.DefaultModel)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Empty(t, cfg.APIKey)
}

func TestDefaultAgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()
	assert.Equal(t, 100, cfg.MaxAgents)
	assert.Equal(t, time.Second, cfg.TaskPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.ContextTTL)
}

func TestDefaultStorageConfigs(t *testing.T) {
	db := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", db.Driver)
	assert.Equal(t, 5432, db.Port)
	assert.True(t, db.AutoMigrate)

	mongo := DefaultMongoConfig()
	assert.Equal(t, "nodeflow", mongo.Database)
	assert.Equal(t, "workflows", mongo.WorkflowsCollection)
	assert.Equal(t, "workflow_runs", mongo.RunsCollection)

	redis := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", redis.Addr)
	assert.Equal(t, 10, redis.PoolSize)
}

func TestDefaultLogAndTelemetry(t *testing.T) {
	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "json", log.Format)
	assert.Equal(t, []string{"stdout"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "nodeflow", tel.ServiceName)
	assert.InDelta(t, 0.1, tel.SampleRate, 0.0001)
}
