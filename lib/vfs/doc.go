// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs implements a virtual directory tree shared between
// processes through a named shared-memory region.
//
// Cooperating processes attach to the same region name and see one
// mutable tree of named nodes, directories and files, each carrying
// a caller-defined payload. Node records live inside the region and
// reference each other exclusively by segment offsets, so the tree is
// valid in every process regardless of where the region is mapped.
//
// A Tree is the per-process handle. Attaching increments a reference
// count stored in the region itself; the last detaching process
// unlinks the region. When an insertion exhausts the region, the tree
// is migrated into a successor region of twice the size and the old
// region is marked outdated; other attached handles follow the
// migration lazily on their next access.
//
// Mutation is single-writer by convention: one writer across all
// attached processes, enforced by the caller (readers may run
// concurrently with that writer). Within a process a Tree serializes
// its own operations; Node values are unsynchronized views and become
// stale when the node is erased or the tree migrates.
package vfs
