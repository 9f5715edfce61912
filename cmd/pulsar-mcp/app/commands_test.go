package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkymap/pulsar-mcp/pkg/config"
	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

func TestBuildVectorStoreStoragePathOnlyFailsLoudly(t *testing.T) {
	t.Parallel()

	_, err := buildVectorStore(&config.Settings{QdrantStoragePath: "/var/lib/qdrant"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)
}

func TestBuildVectorStoreRequiresURLEvenWithoutStoragePath(t *testing.T) {
	t.Parallel()

	_, err := buildVectorStore(&config.Settings{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)
}
