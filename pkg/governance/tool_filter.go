// Copyright 2026 © The secopilot Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance decides which MCP tools the server exposes.
package governance

import (
	"path"
	"strings"
)

// Decision captures the outcome of a filter evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// ToolFilter provides tool-level filtering based on allowlists, denylists
// and a read-only switch for tools that change remote state.
type ToolFilter struct {
	allowlist map[string]bool
	denylist  map[string]bool
	mutating  map[string]bool
	readOnly  bool
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
		mutating:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted tool names/patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.allowlist, tools)
	}
}

// WithDenylist sets the denylist of forbidden tool names/patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.denylist, tools)
	}
}

// WithReadOnly denies the given mutating tools when readOnly is set.
func WithReadOnly(readOnly bool, mutating ...string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.readOnly = readOnly
		addAll(tf.mutating, mutating)
	}
}

// IsAllowed checks if a tool name is permitted by the filter.
// Evaluation order:
// 1. read-only mode and tool is mutating → deny
// 2. denylist contains tool → deny
// 3. allowlist is non-empty and doesn't contain tool → deny
// 4. otherwise → allow
func (tf *ToolFilter) IsAllowed(toolName string) Decision {
	if tf.readOnly && tf.mutating[toolName] {
		return Decision{Allowed: false, Reason: "server is read-only"}
	}
	if matchesList(toolName, tf.denylist) {
		return Decision{Allowed: false, Reason: "tool is in denylist"}
	}
	if len(tf.allowlist) > 0 && !matchesList(toolName, tf.allowlist) {
		return Decision{Allowed: false, Reason: "tool is not in allowlist"}
	}
	return Decision{Allowed: true}
}

// FilterTools returns only the tool names that pass the filter.
func (tf *ToolFilter) FilterTools(toolNames []string) []string {
	filtered := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if tf.IsAllowed(name).Allowed {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// matchesList checks if toolName matches any name or glob pattern in the list.
func matchesList(toolName string, list map[string]bool) bool {
	if list[toolName] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

func addAll(set map[string]bool, tools []string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			set[tool] = true
		}
	}
}
