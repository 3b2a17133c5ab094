// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"maps"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// toMCPMeta reconstructs the protocol _meta field for a forwarded request.
// Returns nil for an empty map; _meta is optional and omitted when empty.
func toMCPMeta(meta map[string]any) *mcp.Meta {
	if len(meta) == 0 {
		return nil
	}
	result := &mcp.Meta{AdditionalFields: make(map[string]any)}
	for k, v := range meta {
		if k == "progressToken" {
			result.ProgressToken = v
		} else {
			result.AdditionalFields[k] = v
		}
	}
	return result
}

// fromMCPMeta flattens a response _meta field into a plain map.
func fromMCPMeta(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}
	result := make(map[string]any)
	if meta.ProgressToken != nil {
		result["progressToken"] = meta.ProgressToken
	}
	maps.Copy(result, meta.AdditionalFields)
	if len(result) == 0 {
		return nil
	}
	return result
}

// convertContent maps one SDK content item into the gateway representation.
func convertContent(content mcp.Content) gateway.Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return gateway.Content{Type: "text", Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return gateway.Content{Type: "image", Data: image.Data, MimeType: image.MIMEType}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return gateway.Content{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType}
	}
	if embedded, ok := mcp.AsEmbeddedResource(content); ok {
		if text, ok := mcp.AsTextResourceContents(embedded.Resource); ok {
			return gateway.Content{Type: "resource", Text: text.Text, URI: text.URI, MimeType: text.MIMEType}
		}
		if blob, ok := mcp.AsBlobResourceContents(embedded.Resource); ok {
			return gateway.Content{Type: "resource", Data: blob.Blob, URI: blob.URI, MimeType: blob.MIMEType}
		}
	}
	logger.Warnf("unknown content type %T in backend response", content)
	return gateway.Content{Type: "unknown"}
}

// convertTool maps an SDK tool into the raw catalog representation. The
// input schema struct is flattened to a plain JSON Schema map.
func convertTool(tool mcp.Tool, backend string) gateway.Tool {
	schema := map[string]any{"type": tool.InputSchema.Type}
	if tool.InputSchema.Properties != nil {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		schema["required"] = tool.InputSchema.Required
	}
	if tool.InputSchema.Defs != nil {
		schema["$defs"] = tool.InputSchema.Defs
	}
	return gateway.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		BackendName: backend,
	}
}

func convertResource(resource mcp.Resource, backend string) gateway.Resource {
	return gateway.Resource{
		URI:         resource.URI,
		Name:        resource.Name,
		Description: resource.Description,
		MimeType:    resource.MIMEType,
		BackendName: backend,
	}
}

func convertPrompt(prompt mcp.Prompt, backend string) gateway.Prompt {
	args := make([]gateway.PromptArgument, len(prompt.Arguments))
	for i, arg := range prompt.Arguments {
		args[i] = gateway.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		}
	}
	return gateway.Prompt{
		Name:        prompt.Name,
		Description: prompt.Description,
		Arguments:   args,
		BackendName: backend,
	}
}
