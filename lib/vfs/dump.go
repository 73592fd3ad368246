// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/247321453/usvfs/lib/codec"
	"github.com/247321453/usvfs/lib/shm"
)

// Dump pretty-prints the tree, one node per line, indented by depth.
// Payloads are rendered in CBOR diagnostic notation so the dump works
// without knowing the payload's Go type.
func (t *Tree[T]) Dump(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		return err
	}
	return dumpNode(w, t.seg, root.off, 0)
}

func dumpNode(w io.Writer, seg *shm.Segment, off uint64, depth int) error {
	rendered := ""
	if payload := nodePayload(seg, off); len(payload) > 0 {
		var err error
		rendered, err = codec.Diagnose(payload)
		if err != nil {
			rendered = fmt.Sprintf("<%d payload bytes>", len(payload))
		}
	}
	if _, err := fmt.Fprintf(w, "%s%s -> %s\n", strings.Repeat(" ", depth), nodeName(seg, off), rendered); err != nil {
		return err
	}
	for i := 0; i < childCount(seg, off); i++ {
		if err := dumpNode(w, seg, childAt(seg, off, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Fingerprint returns a BLAKE3 hash over the canonical tree walk:
// names, flags, and payload bytes in child-table order. Payloads use
// deterministic CBOR, so two trees holding the same logical content
// hash identically across processes and across migrations.
func (t *Tree[T]) Fingerprint() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		return nil, err
	}
	hasher := blake3.New()
	fingerprintNode(hasher, t.seg, root.off)
	return hasher.Sum(nil), nil
}

func fingerprintNode(hasher *blake3.Hasher, seg *shm.Segment, off uint64) {
	var scratch [4]byte
	name := nodeName(seg, off)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(name)))
	hasher.Write(scratch[:])
	hasher.Write(name)
	hasher.Write([]byte{byte(nodeFlags(seg, off))})
	payload := nodePayload(seg, off)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(payload)))
	hasher.Write(scratch[:])
	hasher.Write(payload)
	count := childCount(seg, off)
	binary.LittleEndian.PutUint32(scratch[:], uint32(count))
	hasher.Write(scratch[:])
	for i := 0; i < count; i++ {
		fingerprintNode(hasher, seg, childAt(seg, off, i))
	}
}
