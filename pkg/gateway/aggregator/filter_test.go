// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

func toolNames(caps []gateway.Capability) []string {
	var names []string
	for _, c := range caps {
		if c.Kind == gateway.KindTool {
			names = append(names, c.ExposedName)
		}
	}
	return names
}

func TestFilterDenyOverridesAllow(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		Filters: map[string]config.FilterConfig{
			"tools": {Allow: []string{"search_*"}, Deny: []string{"search_internal"}},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{
		Tools: []gateway.Tool{
			{Name: "search_web"},
			{Name: "search_internal"},
			{Name: "foo"},
		},
	})

	assert.Equal(t, []string{"search_web"}, toolNames(out))
}

func TestFilterEmptyAllowKeepsAll(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		Filters: map[string]config.FilterConfig{
			"tools": {Deny: []string{"dangerous_*"}},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{
		Tools: []gateway.Tool{
			{Name: "search"},
			{Name: "dangerous_delete"},
		},
	})

	assert.Equal(t, []string{"search"}, toolNames(out))
}

func TestFilterNoRulesPassesEverything(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{Name: "gh"})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{
		Tools:     []gateway.Tool{{Name: "a"}},
		Resources: []gateway.Resource{{URI: "file:///x"}},
		Prompts:   []gateway.Prompt{{Name: "p"}},
	})
	assert.Len(t, out, 3)
}

func TestFilterAppliesPerKind(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		Filters: map[string]config.FilterConfig{
			"resources": {Deny: []string{"file:///secret/*"}},
			"prompts":   {Allow: []string{"code_*"}},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{
		Tools:     []gateway.Tool{{Name: "untouched"}},
		Resources: []gateway.Resource{{URI: "file:///secret/key"}, {URI: "file:///ok"}},
		Prompts:   []gateway.Prompt{{Name: "code_review"}, {Name: "haiku"}},
	})

	var resources, prompts []string
	for _, c := range out {
		switch c.Kind {
		case gateway.KindResource:
			resources = append(resources, c.ExposedName)
		case gateway.KindPrompt:
			prompts = append(prompts, c.ExposedName)
		}
	}
	assert.Equal(t, []string{"file:///ok"}, resources)
	assert.Equal(t, []string{"code_review"}, prompts)
	assert.Contains(t, toolNames(out), "untouched")
}

func TestToolOverrideRenamePreservesOriginal(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		ToolOverrides: map[string]config.ToolOverride{
			"search": {Name: "web_search", Description: "Search the web"},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{
		Tools: []gateway.Tool{{Name: "search", Description: "old"}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "web_search", out[0].ExposedName)
	assert.Equal(t, "search", out[0].OriginalName)
	assert.Equal(t, "Search the web", out[0].Description)
}

func TestToolOverrideDescriptionOnly(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		ToolOverrides: map[string]config.ToolOverride{
			"search": {Description: "Better description"},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{Tools: []gateway.Tool{{Name: "search"}}})
	require.Len(t, out, 1)
	assert.Equal(t, "search", out[0].ExposedName)
	assert.Empty(t, out[0].OriginalName)
	assert.Equal(t, "Better description", out[0].Description)
}

func TestToolOverrideIgnoredWhenToolFilteredOut(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{
		Name: "gh",
		Filters: map[string]config.FilterConfig{
			"tools": {Deny: []string{"search"}},
		},
		ToolOverrides: map[string]config.ToolOverride{
			"search": {Name: "web_search"},
		},
	})
	require.NoError(t, err)

	out := f.Apply(&gateway.CapabilityList{Tools: []gateway.Tool{{Name: "search"}}})
	assert.Empty(t, out)
}

func TestFilterDeterministicOrder(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(&config.BackendConfig{Name: "gh"})
	require.NoError(t, err)

	a := f.Apply(&gateway.CapabilityList{
		Tools: []gateway.Tool{{Name: "b"}, {Name: "a"}},
	})
	b := f.Apply(&gateway.CapabilityList{
		Tools: []gateway.Tool{{Name: "a"}, {Name: "b"}},
	})
	assert.Equal(t, toolNames(a), toolNames(b))
}
