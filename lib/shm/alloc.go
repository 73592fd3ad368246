// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package shm

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrSegmentFull is returned by Alloc when the region cannot satisfy
// the request. Callers recover by migrating the tree to a larger
// region and retrying; the error never indicates corruption.
var ErrSegmentFull = errors.New("shm: segment full")

// Block layout: an 8-byte size header followed by the payload. Free
// blocks additionally store the offset of the next free block in the
// first 8 payload bytes. The minimum payload is therefore 8 bytes,
// and everything stays 8-byte aligned.
const (
	blockHeaderSize = 8
	minPayloadSize  = 8

	// splitThreshold is the smallest leftover worth keeping as a
	// separate free block when a larger block satisfies a smaller
	// request.
	splitThreshold = blockHeaderSize + 16
)

// Alloc reserves n bytes inside the region and returns the offset of
// the zeroed payload. Returns ErrSegmentFull when neither the free
// list nor the bump area can satisfy the request.
func (s *Segment) Alloc(n int) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("shm: negative allocation size %d", n)
	}
	need := uint64((n + 7) &^ 7)
	if need < minPayloadSize {
		need = minPayloadSize
	}

	if off := s.allocFromFreeList(need); off != 0 {
		s.zero(off, need)
		return off, nil
	}

	next := s.Uint64At(offNext)
	if next+blockHeaderSize+need > uint64(len(s.data)) {
		return 0, ErrSegmentFull
	}
	s.PutUint64At(offNext, next+blockHeaderSize+need)
	s.PutUint64At(next, need)
	payload := next + blockHeaderSize
	s.zero(payload, need)
	return payload, nil
}

// AllocBytes reserves space for b and copies it in, returning the
// payload offset.
func (s *Segment) AllocBytes(b []byte) (uint64, error) {
	off, err := s.Alloc(len(b))
	if err != nil {
		return 0, err
	}
	copy(s.data[off:], b)
	return off, nil
}

// Free returns the allocation at offset off to the free list. The
// offset must have come from Alloc on the same region. Freeing offset
// zero is a no-op, matching the use of zero as the null reference.
func (s *Segment) Free(off uint64) {
	if off == 0 {
		return
	}
	block := off - blockHeaderSize
	s.PutUint64At(off, s.Uint64At(offFreeHead))
	s.PutUint64At(offFreeHead, block)
}

// allocFromFreeList unlinks and returns the payload offset of the
// first free block with capacity for need bytes, splitting off the
// tail when it is large enough to be useful. Returns 0 when no block
// fits.
//
// Free blocks store the block offset of their successor in the first
// 8 payload bytes; linkSlot is the offset of the field pointing at
// the current block (the header's freeHead field for the first one).
func (s *Segment) allocFromFreeList(need uint64) uint64 {
	linkSlot := uint64(offFreeHead)
	block := s.Uint64At(linkSlot)
	for block != 0 {
		size := s.Uint64At(block)
		payload := block + blockHeaderSize
		next := s.Uint64At(payload)
		if size >= need {
			if size-need >= splitThreshold {
				remainder := payload + need
				s.PutUint64At(block, need)
				s.PutUint64At(remainder, size-need-blockHeaderSize)
				s.PutUint64At(remainder+blockHeaderSize, next)
				next = remainder
			}
			s.PutUint64At(linkSlot, next)
			return payload
		}
		linkSlot = payload
		block = next
	}
	return 0
}

func (s *Segment) zero(off, n uint64) {
	region := s.data[off : off+n]
	for i := range region {
		region[i] = 0
	}
}

// FindNamed looks up a named object and returns its payload offset.
// The named table is the rendezvous mechanism between processes; the
// well-known "Meta" entry is constructed by the first attacher and
// found by everyone else.
func (s *Segment) FindNamed(name string) (uint64, bool) {
	for slot := 0; slot < namedSlots; slot++ {
		base := offNamed + slot*namedSlotSize
		stored := s.data[base : base+namedNameSize]
		if slotName(stored) == name {
			return s.Uint64At(uint64(base + namedNameSize)), true
		}
	}
	return 0, false
}

// ConstructNamed allocates size zeroed bytes and registers the
// allocation under name. Callers must hold the region lock so that
// two attachers racing on first construction serialize. Fails if the
// name is already registered, too long, or the table is full.
func (s *Segment) ConstructNamed(name string, size int) (uint64, error) {
	if len(name) == 0 || len(name) >= namedNameSize {
		return 0, fmt.Errorf("shm: invalid object name %q", name)
	}
	if _, exists := s.FindNamed(name); exists {
		return 0, fmt.Errorf("shm: object %q already exists in region %s", name, s.name)
	}
	for slot := 0; slot < namedSlots; slot++ {
		base := offNamed + slot*namedSlotSize
		if s.data[base] != 0 {
			continue
		}
		off, err := s.Alloc(size)
		if err != nil {
			return 0, err
		}
		copy(s.data[base:base+namedNameSize], name)
		s.PutUint64At(uint64(base+namedNameSize), off)
		return off, nil
	}
	return 0, fmt.Errorf("shm: named table full in region %s", s.name)
}

// DestroyNamed frees a named object and clears its table slot. A
// missing name is a no-op.
func (s *Segment) DestroyNamed(name string) {
	for slot := 0; slot < namedSlots; slot++ {
		base := offNamed + slot*namedSlotSize
		stored := s.data[base : base+namedNameSize]
		if slotName(stored) != name {
			continue
		}
		s.Free(s.Uint64At(uint64(base + namedNameSize)))
		for i := range stored {
			stored[i] = 0
		}
		s.PutUint64At(uint64(base+namedNameSize), 0)
		return
	}
}

func slotName(stored []byte) string {
	if end := bytes.IndexByte(stored, 0); end >= 0 {
		return string(stored[:end])
	}
	return string(stored)
}
