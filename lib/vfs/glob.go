// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"strings"

	"github.com/247321453/usvfs/lib/wildcard"
)

// Glob returns every node under this one whose path matches the
// pattern. Any separator-delimited prefix before the first wildcard
// is routed as a fixed path first; the remainder is matched child by
// child from the resolved node. The pattern "*/x" descends exactly
// one directory level before matching x: the star stands for one
// directory, not any depth.
func (n *Node[T]) Glob(pattern string) []*Node[T] {
	// A wildcard in the first component (or a pattern that is all
	// wildcard) has no fixed prefix and is matched locally.
	base := n
	remainder := pattern
	if wild := strings.IndexAny(pattern, "*?"); wild > 0 {
		if sep := strings.LastIndexAny(pattern[:wild], "/\\"); sep >= 0 {
			resolved, found := n.FindNode(pattern[:sep])
			if !found {
				return nil
			}
			base = resolved
			remainder = pattern[sep+1:]
		}
	}
	var results []*Node[T]
	base.matchLocal(remainder, &results)
	return results
}

// matchLocal applies the pattern to each direct child in order.
//
// A leading "*/" recurses into every directory child with the star
// stripped: the star consumed one directory level. Otherwise the
// child's name is partially matched against the pattern; an empty or
// bare-"*" tail makes the child a result, and directories recurse
// with the unconsumed tail so nested matches continue.
func (n *Node[T]) matchLocal(pattern string, results *[]*Node[T]) {
	count := childCount(n.seg, n.off)
	for i := 0; i < count; i++ {
		child := &Node[T]{seg: n.seg, off: childAt(n.seg, n.off, i)}
		if len(pattern) > 1 && pattern[0] == '*' && (pattern[1] == '/' || pattern[1] == '\\') && child.IsDirectory() {
			child.matchLocal(pattern[1:], results)
			continue
		}
		tail, matched := wildcard.PartialMatch(child.Name(), pattern)
		if !matched {
			continue
		}
		if tail == "" || tail == "*" {
			*results = append(*results, child)
		}
		if child.IsDirectory() && tail != "" {
			child.matchLocal(tail, results)
		}
	}
}
