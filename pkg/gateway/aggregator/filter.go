// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aggregator turns raw per-backend capability lists into the single
// published catalog and route map. The pipeline has two stages: a pure
// filter-and-rename pass applied per backend, and a conflict-resolution pass
// that merges the filtered catalogs under a configured strategy.
package aggregator

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// kindFilter holds compiled allow/deny globs for one capability kind.
type kindFilter struct {
	allow []glob.Glob
	deny  []glob.Glob
}

// keep applies the allow-then-deny rule: a non-empty allow list keeps only
// matching names, then any deny match drops the name. Deny always wins.
func (f *kindFilter) keep(name string) bool {
	if f == nil {
		return true
	}
	if len(f.allow) > 0 {
		allowed := false
		for _, g := range f.allow {
			if g.Match(name) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, g := range f.deny {
		if g.Match(name) {
			return false
		}
	}
	return true
}

// Filter is the compiled filter-and-rename rule set of one backend.
type Filter struct {
	backend   string
	tools     *kindFilter
	resources *kindFilter
	prompts   *kindFilter
	overrides map[string]config.ToolOverride
}

// NewFilter compiles the descriptor's rules. Glob validity is checked at
// config load time; a compile failure here is still reported.
func NewFilter(b *config.BackendConfig) (*Filter, error) {
	f := &Filter{backend: b.Name, overrides: b.ToolOverrides}
	for kind, rules := range b.Filters {
		kf, err := compileKindFilter(rules)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %s filter: %w", b.Name, kind, err)
		}
		switch kind {
		case "tools":
			f.tools = kf
		case "resources":
			f.resources = kf
		case "prompts":
			f.prompts = kf
		}
	}
	return f, nil
}

func compileKindFilter(rules config.FilterConfig) (*kindFilter, error) {
	kf := &kindFilter{}
	for _, pattern := range rules.Allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow glob %q: %w", pattern, err)
		}
		kf.allow = append(kf.allow, g)
	}
	for _, pattern := range rules.Deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny glob %q: %w", pattern, err)
		}
		kf.deny = append(kf.deny, g)
	}
	return kf, nil
}

// Apply produces the normalized capability list for one backend: filtered
// per kind, tool overrides applied, original names preserved for routing.
// The function is deterministic and does not mutate its input.
func (f *Filter) Apply(raw *gateway.CapabilityList) []gateway.Capability {
	var out []gateway.Capability

	for _, tool := range raw.Tools {
		if !f.tools.keep(tool.Name) {
			continue
		}
		entry := gateway.Capability{
			ExposedName: tool.Name,
			Kind:        gateway.KindTool,
			BackendName: f.backend,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
		if override, ok := f.overrides[tool.Name]; ok {
			if override.Name != "" {
				entry.ExposedName = override.Name
				entry.OriginalName = tool.Name
			}
			if override.Description != "" {
				entry.Description = override.Description
			}
		}
		out = append(out, entry)
	}

	for _, res := range raw.Resources {
		if !f.resources.keep(res.URI) {
			continue
		}
		out = append(out, gateway.Capability{
			ExposedName: res.URI,
			Kind:        gateway.KindResource,
			BackendName: f.backend,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}

	for _, prompt := range raw.Prompts {
		if !f.prompts.keep(prompt.Name) {
			continue
		}
		out = append(out, gateway.Capability{
			ExposedName: prompt.Name,
			Kind:        gateway.KindPrompt,
			BackendName: f.backend,
			Description: prompt.Description,
			Arguments:   prompt.Arguments,
		})
	}

	// Stable output order regardless of input order within a kind.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ExposedName < out[j].ExposedName
	})
	return out
}
