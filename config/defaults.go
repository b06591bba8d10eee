// =============================================================================
// 📦 NodeFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Cache:     DefaultCacheConfig(),
		LLM:       DefaultLLMConfig(),
		Agent:     DefaultAgentConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Database:  DefaultDatabaseConfig(),
		Mongo:     DefaultMongoConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		DB:                  0,
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    true,
		DefaultTTL: time.Hour,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:          "openrouter",
		BaseURL:           "https://openrouter.ai/api/v1",
		DefaultModel:      "google/gemini-2.0-flash-exp:free",
		Timeout:           120 * time.Second,
		MaxRetries:        3,
		AppTitle:          "NodeFlow",
		RequestsPerSecond: 0,
	}
}

// DefaultAgentConfig 返回默认 Agent 编排配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxAgents:        100,
		TaskTimeout:      5 * time.Minute,
		TaskPollInterval: time.Second,
		ContextTTL:       24 * time.Hour,
	}
}

// DefaultWorkflowConfig 返回默认执行器配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		NodeTimeout:       5 * time.Minute,
		AskTimeout:        30 * time.Second,
		CommunicationMode: "simple",
		RunStore:          "memory",
		WatchInterval:     2 * time.Second,
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenProbes:   3,
			RecoverAfter:     2,
		},
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "nodeflow",
		Name:            "nodeflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:                 "mongodb://localhost:27017",
		Database:            "nodeflow",
		WorkflowsCollection: "workflows",
		RunsCollection:      "workflow_runs",
		Timeout:             10 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "nodeflow",
		SampleRate:   0.1,
	}
}
