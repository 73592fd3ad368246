// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MinSegmentSize is the smallest region size accepted by OpenOrCreate.
// The header takes the first heapStart (424) bytes; one page leaves
// room after it for the Meta record, the root node, and a first batch
// of entries (initial allocations must succeed for automatic growing
// to work at all).
const MinSegmentSize = 4096

// DefaultSegmentSize is the default initial region size. Regions grow
// by doubling, so callers should supply powers of two.
const DefaultSegmentSize = 64 * 1024

// Header layout. All multi-byte fields are little-endian. The lock
// and ready words are accessed atomically and must stay 4-byte
// aligned.
const (
	offMagic    = 0  // uint32
	offVersion  = 4  // uint32
	offLock     = 8  // uint32, cross-process spin lock
	offReady    = 12 // uint32, set to 1 once the creator finished the header
	offSize     = 16 // uint64, region size in bytes
	offNext     = 24 // uint64, bump pointer
	offFreeHead = 32 // uint64, head of the free list (0 = empty)
	offNamed    = 40 // named object table

	namedSlots    = 8
	namedSlotSize = 48 // 40 name bytes (NUL padded) + uint64 offset
	namedNameSize = 40

	heapStart = offNamed + namedSlots*namedSlotSize
)

const (
	segmentMagic   = 0x55535646 // "USVF"
	segmentVersion = 1
)

// openDeadline bounds how long an opener waits for a creator that has
// the file open but has not finished initializing the header.
const openDeadline = 5 * time.Second

// Segment is one named shared-memory region mapped into this process.
//
// Offsets returned by Alloc and stored inside the region are byte
// offsets from the start of the mapping. Offset 0 is never a valid
// allocation (it falls inside the header) and is used throughout as
// the null reference.
//
// The allocator and the named table are guarded by the region's lock
// word (Lock/Unlock) when multiple processes may mutate concurrently.
// Under the tree's single-writer convention only attach, detach, and
// migration take the lock.
type Segment struct {
	name    string
	path    string
	fd      int
	data    []byte
	created bool
}

// Dir returns the directory holding named regions: /dev/shm on Linux
// (backed by tmpfs, never touches disk), the system temp directory
// elsewhere.
func Dir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenOrCreate opens the named region if it exists, otherwise creates
// it with the given size. Region names must not contain path
// separators. Creation and opening race safely: the creator publishes
// the header with an atomic ready flag, and openers wait for it.
func OpenOrCreate(name string, size int) (*Segment, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("shm: invalid region name %q", name)
	}
	if size < MinSegmentSize {
		return nil, fmt.Errorf("shm: region size %d below minimum %d", size, MinSegmentSize)
	}
	path := filepath.Join(Dir(), name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err == nil {
		segment, err := createSegment(name, path, fd, size)
		if err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, err
		}
		return segment, nil
	}
	if err != unix.EEXIST {
		return nil, fmt.Errorf("shm: creating region %s: %w", path, err)
	}
	return openSegment(name, path)
}

func createSegment(name, path string, fd int, size int) (*Segment, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncating region %s to %d bytes: %w", path, size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: memory-mapping region %s: %w", path, err)
	}

	segment := &Segment{name: name, path: path, fd: fd, data: data, created: true}
	segment.putUint32(offMagic, segmentMagic)
	segment.putUint32(offVersion, segmentVersion)
	segment.putUint64(offSize, uint64(size))
	segment.putUint64(offNext, heapStart)
	segment.putUint64(offFreeHead, 0)
	// Publish: everything above must be visible before ready flips.
	atomic.StoreUint32(segment.word32(offReady), 1)
	return segment, nil
}

func openSegment(name, path string) (*Segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: opening region %s: %w", path, err)
	}

	// The creator truncates before initializing the header; wait out
	// the window where the file exists at size zero.
	deadline := time.Now().Add(openDeadline)
	var stat unix.Stat_t
	for {
		if err := unix.Fstat(fd, &stat); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: stating region %s: %w", path, err)
		}
		if stat.Size > 0 {
			break
		}
		if time.Now().After(deadline) {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: region %s never grew past zero bytes", path)
		}
		time.Sleep(time.Millisecond)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: memory-mapping region %s: %w", path, err)
	}
	segment := &Segment{name: name, path: path, fd: fd, data: data}

	for atomic.LoadUint32(segment.word32(offReady)) == 0 {
		if time.Now().After(deadline) {
			segment.Close()
			return nil, fmt.Errorf("shm: region %s was never initialized", path)
		}
		time.Sleep(time.Millisecond)
	}
	if segment.uint32At(offMagic) != segmentMagic {
		segment.Close()
		return nil, fmt.Errorf("shm: %s is not a tree region (bad magic)", path)
	}
	if version := segment.uint32At(offVersion); version != segmentVersion {
		segment.Close()
		return nil, fmt.Errorf("shm: region %s has layout version %d, want %d", path, version, segmentVersion)
	}
	return segment, nil
}

// Name returns the region name the segment was opened under.
func (s *Segment) Name() string { return s.name }

// Size returns the region size in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Created reports whether this process created the region (as opposed
// to opening one that already existed).
func (s *Segment) Created() bool { return s.created }

// Close unmaps the region and closes the file descriptor. The region
// itself stays in place for other attached processes; use Unlink to
// remove the name.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	var firstError error
	if err := unix.Munmap(s.data); err != nil {
		firstError = fmt.Errorf("shm: unmapping region %s: %w", s.path, err)
	}
	if err := unix.Close(s.fd); err != nil && firstError == nil {
		firstError = fmt.Errorf("shm: closing region %s: %w", s.path, err)
	}
	s.data = nil
	return firstError
}

// Unlink removes the region's name from the filesystem. Attached
// processes keep their mappings; the memory is released once the last
// mapping goes away.
func (s *Segment) Unlink() error {
	if err := unix.Unlink(s.path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("shm: unlinking region %s: %w", s.path, err)
	}
	return nil
}

// Lock acquires the region's cross-process lock word. The critical
// sections guarded by it (refcount updates, named-object
// construction) are a handful of word writes, so contention is
// resolved by spinning with cooperative yields rather than a kernel
// wait.
func (s *Segment) Lock() {
	word := s.word32(offLock)
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the region's cross-process lock word.
func (s *Segment) Unlock() {
	atomic.StoreUint32(s.word32(offLock), 0)
}

// Bytes returns the n bytes starting at offset off. The slice aliases
// the shared mapping directly.
func (s *Segment) Bytes(off uint64, n int) []byte {
	return s.data[off : off+uint64(n) : off+uint64(n)]
}

// Uint64At reads the little-endian uint64 at offset off.
func (s *Segment) Uint64At(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.data[off:])
}

// PutUint64At writes a little-endian uint64 at offset off.
func (s *Segment) PutUint64At(off uint64, value uint64) {
	binary.LittleEndian.PutUint64(s.data[off:], value)
}

// Uint32At reads the little-endian uint32 at offset off.
func (s *Segment) Uint32At(off uint64) uint32 {
	return binary.LittleEndian.Uint32(s.data[off:])
}

// PutUint32At writes a little-endian uint32 at offset off.
func (s *Segment) PutUint32At(off uint64, value uint32) {
	binary.LittleEndian.PutUint32(s.data[off:], value)
}

// LoadUint32 atomically reads the uint32 at offset off. The offset
// must be 4-byte aligned.
func (s *Segment) LoadUint32(off uint64) uint32 {
	return atomic.LoadUint32(s.word32(int(off)))
}

// StoreUint32 atomically writes the uint32 at offset off. The offset
// must be 4-byte aligned.
func (s *Segment) StoreUint32(off uint64, value uint32) {
	atomic.StoreUint32(s.word32(int(off)), value)
}

func (s *Segment) word32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *Segment) uint32At(off int) uint32 {
	return binary.LittleEndian.Uint32(s.data[off:])
}

func (s *Segment) putUint32(off int, value uint32) {
	binary.LittleEndian.PutUint32(s.data[off:], value)
}

func (s *Segment) putUint64(off int, value uint64) {
	binary.LittleEndian.PutUint64(s.data[off:], value)
}
