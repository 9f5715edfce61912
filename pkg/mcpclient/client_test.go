package mcpclient

import (
	"encoding/base64"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertContentText(t *testing.T) {
	t.Parallel()

	parts, err := convertContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, PartText, parts[0].Kind)
	assert.Equal(t, "hello", parts[0].Text)
}

func TestConvertContentImage(t *testing.T) {
	t.Parallel()

	raw := []byte{0x01, 0x02, 0x03}
	encoded := base64.StdEncoding.EncodeToString(raw)

	parts, err := convertContent([]mcp.Content{
		mcp.ImageContent{Type: "image", Data: encoded, MIMEType: "image/png"},
	})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, PartImage, parts[0].Kind)
	assert.Equal(t, raw, parts[0].Data)
	assert.Equal(t, "image/png", parts[0].MimeType)
}

func TestConvertContentPreservesOrder(t *testing.T) {
	t.Parallel()

	parts, err := convertContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "first"},
		mcp.TextContent{Type: "text", Text: "second"},
	})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "first", parts[0].Text)
	assert.Equal(t, "second", parts[1].Text)
}
