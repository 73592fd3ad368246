// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package shm manages named shared-memory regions and allocation
// within them.
//
// A Segment is a file in the system's shared-memory directory
// (/dev/shm on Linux), mapped MAP_SHARED into the process. Every
// address handed out by a Segment is a byte offset from the start of
// the mapping, never a process-local pointer, so the same structures
// are valid in every process that maps the region, including
// processes that map it at different virtual addresses.
//
// The first page of a region holds a fixed header: a magic number, a
// cross-process lock word, the allocator state, and a small table of
// named objects. The named table is the rendezvous point between
// processes: the first attacher constructs an object under a
// well-known name, subsequent attachers find it.
//
// Allocation is a bump pointer with a first-fit free list. When the
// region is exhausted, Alloc returns ErrSegmentFull; callers are
// expected to migrate to a larger region rather than retry.
package shm
