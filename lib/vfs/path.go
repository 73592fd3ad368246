// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

// Paths accept '/' and '\' as separators interchangeably and compare
// components ASCII case-insensitively, so "A/B" and "a\\b" route to
// the same node.

// splitPath decomposes a path into its components. Empty components
// from leading, trailing, or doubled separators are dropped, so every
// spelling of the same path yields the same component sequence.
func splitPath(path string) []string {
	var components []string
	start := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' || path[i] == '\\' {
			if start >= 0 {
				components = append(components, path[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		components = append(components, path[start:])
	}
	return components
}

// compareFold orders a node name against a path component with ASCII
// case folding: the ordering the child tables are sorted by.
func compareFold(name []byte, component string) int {
	limit := len(name)
	if len(component) < limit {
		limit = len(component)
	}
	for i := 0; i < limit; i++ {
		a, b := fold(name[i]), fold(component[i])
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(name) < len(component):
		return -1
	case len(name) > len(component):
		return 1
	default:
		return 0
	}
}

func fold(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
