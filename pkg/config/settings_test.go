package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsFromViperDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QDRANT_URL", "http://localhost:6334")
	t.Setenv("CONTENT_STORAGE_PATH", t.TempDir())

	s, err := NewSettingsFromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "sk-test", s.OpenAIAPIKey)
	assert.Equal(t, 1024, s.Dimensions)
	assert.Equal(t, 5000, s.MaxResultTokens)
	assert.True(t, s.DescribeImages)
	assert.Equal(t, 3, s.ServerIndexRateLimit)
	assert.Equal(t, 32, s.ServerToolIndexRateLimit)
	assert.InDelta(t, 0.1, s.ServerEmbeddingWeight, 1e-9)
}

func TestNewSettingsFromViperMissingRequired(t *testing.T) {
	_, err := NewSettingsFromViper(viper.New())
	require.Error(t, err)
}
