// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpgate/pkg/gateway"
)

// toSDKTool converts an aggregated tool capability to the SDK type. The
// input schema was flattened by the capability fetch; unpack the pieces the
// SDK models as struct fields.
func toSDKTool(c gateway.Capability) mcp.Tool {
	schema := mcp.ToolInputSchema{Type: "object"}
	if t, ok := c.InputSchema["type"].(string); ok && t != "" {
		schema.Type = t
	}
	if props, ok := c.InputSchema["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	schema.Required = stringSlice(c.InputSchema["required"])

	return mcp.Tool{
		Name:        c.ExposedName,
		Description: c.Description,
		InputSchema: schema,
	}
}

func toSDKResource(c gateway.Capability) mcp.Resource {
	return mcp.Resource{
		URI:         c.ExposedName,
		Name:        c.ExposedName,
		Description: c.Description,
		MIMEType:    c.MimeType,
	}
}

func toSDKPrompt(c gateway.Capability) mcp.Prompt {
	args := make([]mcp.PromptArgument, 0, len(c.Arguments))
	for _, a := range c.Arguments {
		args = append(args, mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return mcp.Prompt{
		Name:        c.ExposedName,
		Description: c.Description,
		Arguments:   args,
	}
}

// toSDKToolResult reconstructs the SDK tool result from the backend reply,
// preserving structured content and the _meta field.
func toSDKToolResult(r *gateway.ToolCallResult) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(r.Content))
	for _, c := range r.Content {
		switch c.Type {
		case "image":
			content = append(content, mcp.NewImageContent(c.Data, c.MimeType))
		default:
			content = append(content, mcp.NewTextContent(c.Text))
		}
	}
	return &mcp.CallToolResult{
		Result:            mcp.Result{Meta: toMCPMeta(r.Meta)},
		Content:           content,
		StructuredContent: r.StructuredContent,
		IsError:           r.IsError,
	}
}

// toSDKResourceContents wraps the concatenated resource bytes. The SDK
// handler signature has no result wrapper, so the backend's _meta field
// cannot be forwarded for resources.
func toSDKResourceContents(uri string, r *gateway.ResourceReadResult) []mcp.ResourceContents {
	mimeType := r.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: mimeType,
			Text:     string(r.Contents),
		},
	}
}

func toSDKPromptResult(r *gateway.PromptGetResult) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Result:      mcp.Result{Meta: toMCPMeta(r.Meta)},
		Description: r.Description,
		Messages: []mcp.PromptMessage{
			{Role: "assistant", Content: mcp.NewTextContent(r.Messages)},
		},
	}
}

// toMCPMeta lifts a flat meta map into the SDK type, with progressToken
// split out into its dedicated field.
func toMCPMeta(meta map[string]any) *mcp.Meta {
	if len(meta) == 0 {
		return nil
	}
	result := &mcp.Meta{AdditionalFields: make(map[string]any)}
	for k, v := range meta {
		if k == "progressToken" {
			result.ProgressToken = v
			continue
		}
		result.AdditionalFields[k] = v
	}
	return result
}

// fromMCPMeta flattens the SDK meta type into the map forwarded downstream.
func fromMCPMeta(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta.AdditionalFields)+1)
	for k, v := range meta.AdditionalFields {
		out[k] = v
	}
	if meta.ProgressToken != nil {
		out["progressToken"] = meta.ProgressToken
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stringSlice coerces a decoded JSON value into a string slice. Schemas
// arrive either typed ([]string) or as raw decoded JSON ([]any).
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
