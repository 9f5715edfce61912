package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// Settings centralizes the environment-variable-driven runtime options
// enumerated in the servers-config / environment table. Env vars are the
// source; no CLI flag is bound to these viper keys. The serve command
// applies its own --transport/--host/--port flags over the loaded values.
type Settings struct {
	OpenAIAPIKey string `mapstructure:"openai_api_key"`

	QdrantStoragePath string `mapstructure:"qdrant_storage_path"`
	QdrantURL         string `mapstructure:"qdrant_url"`

	ContentStoragePath string `mapstructure:"content_storage_path"`

	EmbeddingModelName string `mapstructure:"embedding_model_name"`
	DescriptorModelName string `mapstructure:"descriptor_model_name"`
	VisionModelName     string `mapstructure:"vision_model_name"`

	MaxResultTokens int  `mapstructure:"max_result_tokens"`
	DescribeImages  bool `mapstructure:"describe_images"`
	Dimensions      int  `mapstructure:"dimensions"`

	IndexName string `mapstructure:"index_name"`

	// Supplemented from original_source/omnimcp/settings.py: indexing
	// concurrency limits and the server/tool embedding blend weight.
	ServerIndexRateLimit     int     `mapstructure:"mcp_server_index_rate_limit"`
	ServerToolIndexRateLimit int     `mapstructure:"mcp_server_tool_index_rate_limit"`
	ServerEmbeddingWeight    float64 `mapstructure:"mcp_server_embedding_weights"`

	// Supervisor eviction knobs (spec.md §9 Open Question (a)).
	IdleTTLSeconds      int `mapstructure:"idle_ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`

	TaskPoolWorkers   int `mapstructure:"task_pool_workers"`
	TaskQueueCapacity int `mapstructure:"task_queue_capacity"`

	Transport string `mapstructure:"transport"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
}

// BindDefaults registers the default value for every Settings key with v.
// Call before v.BindEnv/BindPFlag so flags and env vars override these.
func BindDefaults(v *viper.Viper) {
	v.SetDefault("embedding_model_name", "text-embedding-3-small")
	v.SetDefault("descriptor_model_name", "gpt-4.1-mini")
	v.SetDefault("vision_model_name", "gpt-4.1-mini")
	v.SetDefault("max_result_tokens", 5000)
	v.SetDefault("describe_images", true)
	v.SetDefault("dimensions", 1024)
	v.SetDefault("index_name", "pulsar_mcp_idx")
	v.SetDefault("mcp_server_index_rate_limit", 3)
	v.SetDefault("mcp_server_tool_index_rate_limit", 32)
	v.SetDefault("mcp_server_embedding_weights", 0.1)
	v.SetDefault("idle_ttl_seconds", 300)
	v.SetDefault("sweep_interval_seconds", 60)
	v.SetDefault("shutdown_grace_seconds", 10)
	v.SetDefault("task_pool_workers", 4)
	v.SetDefault("task_queue_capacity", 1024)
	v.SetDefault("transport", "stdio")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
}

// NewSettingsFromViper binds the environment-variable table to v and
// unmarshals it into a Settings, validating the required fields.
func NewSettingsFromViper(v *viper.Viper) (*Settings, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches Unmarshal for keys viper already knows; the
	// required keys have no default, so bind them to their env vars here.
	for _, key := range []string{"openai_api_key", "qdrant_storage_path", "qdrant_url", "content_storage_path"} {
		_ = v.BindEnv(key)
	}
	BindDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w: %w", err, pkgerrors.ErrConfig)
	}

	if s.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required: %w", pkgerrors.ErrConfig)
	}
	if s.QdrantStoragePath == "" && s.QdrantURL == "" {
		return nil, fmt.Errorf("QDRANT_STORAGE_PATH or QDRANT_URL is required: %w", pkgerrors.ErrConfig)
	}
	if s.ContentStoragePath == "" {
		return nil, fmt.Errorf("CONTENT_STORAGE_PATH is required: %w", pkgerrors.ErrConfig)
	}

	return &s, nil
}
