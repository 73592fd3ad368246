// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"fmt"

	"github.com/247321453/usvfs/lib/shm"
)

// Flags is the per-node bitmask. The low nibble is reserved; bits
// from FlagFirstUser up are free for callers.
type Flags uint8

const (
	// FlagDirectory marks a node that may have children.
	FlagDirectory Flags = 0x01
	// FlagDummy marks an intermediate directory that was created
	// implicitly while routing a path. Explicit creation of the same
	// path later ORs in the caller's flags; clearing FlagDummy at
	// that point is caller policy.
	FlagDummy Flags = 0x02
	// FlagFirstUser is the first caller-defined flag bit.
	FlagFirstUser Flags = 0x10
)

// Node record layout inside a segment, all offsets relative to the
// record. A record references its name, payload, and child table by
// segment offset; offset zero means "none" throughout (the segment
// header occupies offset zero, so no allocation ever lands there).
//
// The child table is an array of child record offsets kept sorted by
// the case-insensitive ordering of the children's names. The record's
// own offset doubles as its identity, so no self field is stored: a
// child wires its parent field to the offset of the record it is
// linked under.
const (
	nodeFlagsOff      = 0  // uint32, low 8 bits meaningful
	nodeNameLenOff    = 4  // uint32
	nodeNameOff       = 8  // uint64
	nodeParentOff     = 16 // uint64, 0 at root
	nodePayloadOff    = 24 // uint64, 0 when the payload is empty
	nodePayloadLenOff = 32 // uint32
	nodeChildCountOff = 36 // uint32
	nodeChildCapOff   = 40 // uint32
	nodeChildTableOff = 48 // uint64, 0 until the first child

	nodeRecordSize = 56

	childEntrySize    = 8
	initialChildSlots = 4
)

// newNodeRecord allocates a node record with its name and payload
// copied into the segment. The parent offset is wired before the
// caller links the record into the parent's child table, so a lookup
// that races ahead always sees a consistent back-reference.
func newNodeRecord(seg *shm.Segment, name string, flags Flags, parentOff uint64, payload []byte) (uint64, error) {
	nameOff := uint64(0)
	if len(name) > 0 {
		var err error
		nameOff, err = seg.AllocBytes([]byte(name))
		if err != nil {
			return 0, err
		}
	}
	payloadOff := uint64(0)
	if len(payload) > 0 {
		var err error
		payloadOff, err = seg.AllocBytes(payload)
		if err != nil {
			return 0, err
		}
	}
	off, err := seg.Alloc(nodeRecordSize)
	if err != nil {
		return 0, err
	}
	seg.PutUint32At(off+nodeFlagsOff, uint32(flags))
	seg.PutUint32At(off+nodeNameLenOff, uint32(len(name)))
	seg.PutUint64At(off+nodeNameOff, nameOff)
	seg.PutUint64At(off+nodeParentOff, parentOff)
	seg.PutUint64At(off+nodePayloadOff, payloadOff)
	seg.PutUint32At(off+nodePayloadLenOff, uint32(len(payload)))
	return off, nil
}

func nodeName(seg *shm.Segment, off uint64) []byte {
	length := seg.Uint32At(off + nodeNameLenOff)
	if length == 0 {
		return nil
	}
	return seg.Bytes(seg.Uint64At(off+nodeNameOff), int(length))
}

func nodeFlags(seg *shm.Segment, off uint64) Flags {
	return Flags(seg.Uint32At(off + nodeFlagsOff))
}

func nodePayload(seg *shm.Segment, off uint64) []byte {
	payloadOff := seg.Uint64At(off + nodePayloadOff)
	if payloadOff == 0 {
		return nil
	}
	return seg.Bytes(payloadOff, int(seg.Uint32At(off+nodePayloadLenOff)))
}

func childCount(seg *shm.Segment, off uint64) int {
	return int(seg.Uint32At(off + nodeChildCountOff))
}

// childAt returns the record offset of the i-th child in
// case-insensitive name order.
func childAt(seg *shm.Segment, off uint64, i int) uint64 {
	table := seg.Uint64At(off + nodeChildTableOff)
	return seg.Uint64At(table + uint64(i)*childEntrySize)
}

// childIndex locates name among the children. When the name is
// present, found is true and i is its position; otherwise i is the
// insertion point that keeps the table sorted (a lower bound).
func childIndex(seg *shm.Segment, off uint64, name string) (i int, found bool) {
	low, high := 0, childCount(seg, off)
	for low < high {
		middle := (low + high) / 2
		comparison := compareFold(nodeName(seg, childAt(seg, off, middle)), name)
		switch {
		case comparison < 0:
			low = middle + 1
		case comparison > 0:
			high = middle
		default:
			return middle, true
		}
	}
	return low, false
}

func findChild(seg *shm.Segment, off uint64, name string) (uint64, bool) {
	i, found := childIndex(seg, off, name)
	if !found {
		return 0, false
	}
	return childAt(seg, off, i), true
}

// insertChild links childOff into the parent's table in sorted
// position. The child's parent field must already point at the
// parent. Fails with the allocator's error when the table needs to
// grow and the segment is full.
func insertChild(seg *shm.Segment, parentOff, childOff uint64) error {
	name := string(nodeName(seg, childOff))
	i, found := childIndex(seg, parentOff, name)
	if found {
		return fmt.Errorf("vfs: duplicate child %q", name)
	}
	count := childCount(seg, parentOff)
	capacity := int(seg.Uint32At(parentOff + nodeChildCapOff))
	if count == capacity {
		newCapacity := initialChildSlots
		if capacity > 0 {
			newCapacity = capacity * 2
		}
		newTable, err := seg.Alloc(newCapacity * childEntrySize)
		if err != nil {
			return err
		}
		oldTable := seg.Uint64At(parentOff + nodeChildTableOff)
		if oldTable != 0 {
			copy(seg.Bytes(newTable, count*childEntrySize), seg.Bytes(oldTable, count*childEntrySize))
			seg.Free(oldTable)
		}
		seg.PutUint64At(parentOff+nodeChildTableOff, newTable)
		seg.PutUint32At(parentOff+nodeChildCapOff, uint32(newCapacity))
	}
	table := seg.Uint64At(parentOff + nodeChildTableOff)
	entries := seg.Bytes(table, (count+1)*childEntrySize)
	copy(entries[(i+1)*childEntrySize:], entries[i*childEntrySize:count*childEntrySize])
	seg.PutUint64At(table+uint64(i)*childEntrySize, childOff)
	seg.PutUint32At(parentOff+nodeChildCountOff, uint32(count+1))
	return nil
}

// replaceChildAt swaps the child at position i for childOff, keeping
// the key (the two names compare equal). The superseded subtree is
// freed.
func replaceChildAt(seg *shm.Segment, parentOff uint64, i int, childOff uint64) {
	table := seg.Uint64At(parentOff + nodeChildTableOff)
	old := seg.Uint64At(table + uint64(i)*childEntrySize)
	seg.PutUint64At(table+uint64(i)*childEntrySize, childOff)
	freeSubtree(seg, old)
}

// removeChildAt unlinks the child at position i and frees its
// subtree.
func removeChildAt(seg *shm.Segment, parentOff uint64, i int) {
	count := childCount(seg, parentOff)
	table := seg.Uint64At(parentOff + nodeChildTableOff)
	old := seg.Uint64At(table + uint64(i)*childEntrySize)
	entries := seg.Bytes(table, count*childEntrySize)
	copy(entries[i*childEntrySize:], entries[(i+1)*childEntrySize:])
	seg.PutUint32At(parentOff+nodeChildCountOff, uint32(count-1))
	freeSubtree(seg, old)
}

// freeSubtree returns a node record, its name, payload, child table,
// and all descendants to the segment's free list.
func freeSubtree(seg *shm.Segment, off uint64) {
	for i := childCount(seg, off) - 1; i >= 0; i-- {
		freeSubtree(seg, childAt(seg, off, i))
	}
	seg.Free(seg.Uint64At(off + nodeChildTableOff))
	seg.Free(seg.Uint64At(off + nodeNameOff))
	seg.Free(seg.Uint64At(off + nodePayloadOff))
	seg.Free(off)
}

// clearChildren frees every child subtree but keeps the node and its
// (now empty) table allocation for reuse.
func clearChildren(seg *shm.Segment, off uint64) {
	for i := childCount(seg, off) - 1; i >= 0; i-- {
		freeSubtree(seg, childAt(seg, off, i))
	}
	seg.PutUint32At(off+nodeChildCountOff, 0)
}
