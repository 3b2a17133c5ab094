// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertToolFlattensSchema(t *testing.T) {
	t.Parallel()

	out := convertTool(mcp.Tool{
		Name:        "search",
		Description: "full-text search",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"query": map[string]any{"type": "string"}},
			Required:   []string{"query"},
		},
	}, "gh")

	assert.Equal(t, "search", out.Name)
	assert.Equal(t, "gh", out.BackendName)
	assert.Equal(t, "object", out.InputSchema["type"])
	assert.Equal(t, []string{"query"}, out.InputSchema["required"])
	require.Contains(t, out.InputSchema, "properties")
}

func TestConvertContent(t *testing.T) {
	t.Parallel()

	text := convertContent(mcp.TextContent{Type: "text", Text: "hello"})
	assert.Equal(t, "text", text.Type)
	assert.Equal(t, "hello", text.Text)

	image := convertContent(mcp.ImageContent{Type: "image", Data: "aGk=", MIMEType: "image/png"})
	assert.Equal(t, "image", image.Type)
	assert.Equal(t, "image/png", image.MimeType)
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	meta := toMCPMeta(map[string]any{
		"progressToken": "p-1",
		"traceparent":   "00-abc-def-01",
	})
	require.NotNil(t, meta)
	assert.Equal(t, "p-1", meta.ProgressToken)
	assert.Equal(t, "00-abc-def-01", meta.AdditionalFields["traceparent"])

	back := fromMCPMeta(meta)
	assert.Equal(t, "p-1", back["progressToken"])
	assert.Equal(t, "00-abc-def-01", back["traceparent"])
}

func TestMetaEmptyIsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, toMCPMeta(nil))
	assert.Nil(t, toMCPMeta(map[string]any{}))
	assert.Nil(t, fromMCPMeta(nil))
	assert.Nil(t, fromMCPMeta(&mcp.Meta{}))
}
