// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/247321453/usvfs/lib/codec"
	"github.com/247321453/usvfs/lib/shm"
)

// ErrNodeMissing is returned by the OrError lookup variants when the
// demanded node does not exist.
var ErrNodeMissing = errors.New("vfs: node missing")

// Node is a view of one tree entry inside a segment. It is valid for
// as long as the node stays linked in the current region: erasing the
// node (or an ancestor) or migrating the tree to a successor region
// leaves the view dangling. Re-resolve through the Tree after
// mutations that can do either.
type Node[T any] struct {
	seg *shm.Segment
	off uint64
}

// Name returns the node's name. The root's name is empty.
func (n *Node[T]) Name() string {
	return string(nodeName(n.seg, n.off))
}

// Flags returns the node's flag bitmask.
func (n *Node[T]) Flags() Flags {
	return nodeFlags(n.seg, n.off)
}

// HasFlag reports whether any bit in flag is set.
func (n *Node[T]) HasFlag(flag Flags) bool {
	return nodeFlags(n.seg, n.off)&flag != 0
}

// SetFlag sets or clears the given flag bits.
func (n *Node[T]) SetFlag(flag Flags, enabled bool) {
	current := nodeFlags(n.seg, n.off)
	if enabled {
		current |= flag
	} else {
		current &^= flag
	}
	n.seg.PutUint32At(n.off+nodeFlagsOff, uint32(current))
}

// IsDirectory reports whether the node is a directory.
func (n *Node[T]) IsDirectory() bool {
	return n.HasFlag(FlagDirectory)
}

// Payload decodes the node's payload. Nodes without a stored payload
// (the root and dummy directories) decode to the zero value.
func (n *Node[T]) Payload() (T, error) {
	var value T
	data := nodePayload(n.seg, n.off)
	if len(data) == 0 {
		return value, nil
	}
	if err := codec.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("vfs: decoding payload of %q: %w", n.Name(), err)
	}
	return value, nil
}

// Parent returns the parent node; ok is false at the root.
func (n *Node[T]) Parent() (*Node[T], bool) {
	parentOff := n.seg.Uint64At(n.off + nodeParentOff)
	if parentOff == 0 {
		return nil, false
	}
	return &Node[T]{seg: n.seg, off: parentOff}, true
}

// Path composes the full path of the node by walking the parent chain
// to the root. The root yields the empty path; an orphaned non-root
// node yields its own name treated as the root.
func (n *Node[T]) Path() string {
	var components []string
	for current := n.off; current != 0; current = n.seg.Uint64At(current + nodeParentOff) {
		name := nodeName(n.seg, current)
		if len(name) > 0 {
			components = append(components, string(name))
		}
	}
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}
	return strings.Join(components, "/")
}

// Child looks up a direct child by name, case-insensitively.
func (n *Node[T]) Child(name string) (*Node[T], bool) {
	off, found := findChild(n.seg, n.off, name)
	if !found {
		return nil, false
	}
	return &Node[T]{seg: n.seg, off: off}, true
}

// ChildOrError looks up a direct child by name and fails with
// ErrNodeMissing when it does not exist.
func (n *Node[T]) ChildOrError(name string) (*Node[T], error) {
	child, found := n.Child(name)
	if !found {
		return nil, fmt.Errorf("%w: %q has no child %q", ErrNodeMissing, n.Path(), name)
	}
	return child, nil
}

// HasChild reports whether a direct child with the given name exists.
func (n *Node[T]) HasChild(name string) bool {
	_, found := findChild(n.seg, n.off, name)
	return found
}

// Children returns the direct children in case-insensitive name
// order.
func (n *Node[T]) Children() []*Node[T] {
	count := childCount(n.seg, n.off)
	children := make([]*Node[T], count)
	for i := 0; i < count; i++ {
		children[i] = &Node[T]{seg: n.seg, off: childAt(n.seg, n.off, i)}
	}
	return children
}

// NumNodes returns the number of direct children.
func (n *Node[T]) NumNodes() int {
	return childCount(n.seg, n.off)
}

// NumNodesRecursive returns the subtree's node count as reported by
// the original diagnostics: each node contributes one plus its direct
// child count before the children's own recursive counts are added,
// which double-counts interior levels. Preserved as-is so counts stay
// comparable with existing tooling.
func (n *Node[T]) NumNodesRecursive() int {
	total := n.NumNodes() + 1
	for i := 0; i < childCount(n.seg, n.off); i++ {
		child := Node[T]{seg: n.seg, off: childAt(n.seg, n.off, i)}
		total += child.NumNodesRecursive()
	}
	return total
}

// FindNode walks the path components from this node down and returns
// the node at the end, or ok=false at the first missing component.
func (n *Node[T]) FindNode(path string) (*Node[T], bool) {
	current := n.off
	for _, component := range splitPath(path) {
		child, found := findChild(n.seg, current, component)
		if !found {
			return nil, false
		}
		current = child
	}
	if current == n.off {
		return n, true
	}
	return &Node[T]{seg: n.seg, off: current}, true
}

// VisitPath calls visit for each existing node along the path,
// starting with this node's matching child, in path order. The walk
// stops at the first missing component.
func (n *Node[T]) VisitPath(path string, visit func(*Node[T])) {
	current := n.off
	for _, component := range splitPath(path) {
		child, found := findChild(n.seg, current, component)
		if !found {
			return
		}
		visit(&Node[T]{seg: n.seg, off: child})
		current = child
	}
}

// Erase removes the named child and frees its subtree's storage for
// reuse. Reports whether the child existed.
func (n *Node[T]) Erase(name string) bool {
	i, found := childIndex(n.seg, n.off, name)
	if !found {
		return false
	}
	removeChildAt(n.seg, n.off, i)
	return true
}

// Clear removes all children of this node.
func (n *Node[T]) Clear() {
	clearChildren(n.seg, n.off)
}
