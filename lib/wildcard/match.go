// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package wildcard implements shell-style pattern matching for tree
// names: '*' matches any run of characters, '?' matches exactly one.
// Matching is ASCII case-insensitive, following the tree's
// case-insensitive name ordering.
//
// PartialMatch is the primitive the glob router is built on: it
// matches a single name against the leading component of a pattern
// and hands back the unconsumed pattern tail, so the router can keep
// matching the tail against the children of a directory node.
package wildcard

// Match reports whether name matches the complete pattern. A tail of
// "*" counts as complete: "sub*" matches the name "sub" itself as
// well as longer names.
func Match(name, pattern string) bool {
	tail, ok := PartialMatch(name, pattern)
	return ok && (tail == "" || tail == "*")
}

// PartialMatch matches name against the leading component of pattern
// and returns the unconsumed pattern tail. Leading separators in the
// pattern are skipped. A separator inside the pattern ends the
// component: it is never matched against name characters, so "a/b"
// partially matches the name "a" with tail "/b".
//
// A '*' at the point where the name runs out is left in the tail
// rather than consumed: "sub*" against "sub" yields tail "*", which
// callers treat both as a complete match and as a license to match
// the direct children of a directory.
func PartialMatch(name, pattern string) (string, bool) {
	for len(pattern) > 0 && isSeparator(pattern[0]) {
		pattern = pattern[1:]
	}

	i, j := 0, 0

	// Straight comparison until the first '*'.
	for i < len(name) && (j >= len(pattern) || pattern[j] != '*') {
		if j >= len(pattern) || isSeparator(pattern[j]) {
			return "", false
		}
		if pattern[j] != '?' && foldByte(pattern[j]) != foldByte(name[i]) {
			return "", false
		}
		i++
		j++
	}

	// Star matching with backtracking: star remembers the pattern
	// position after the most recent '*', mark the name position its
	// current expansion resumes from.
	star := -1
	mark := 0
	for i < len(name) {
		switch {
		case j < len(pattern) && pattern[j] == '*':
			j++
			if j == len(pattern) {
				// Trailing star consumes the rest of the name.
				return "", true
			}
			star = j
			mark = i + 1
		case j < len(pattern) && !isSeparator(pattern[j]) &&
			(pattern[j] == '?' || foldByte(pattern[j]) == foldByte(name[i])):
			i++
			j++
		default:
			if star < 0 {
				return "", false
			}
			j = star
			i = mark
			mark++
		}
	}

	return pattern[j:], true
}

func isSeparator(b byte) bool {
	return b == '/' || b == '\\'
}

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
