// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/247321453/usvfs/lib/codec"
	"github.com/247321453/usvfs/lib/shm"
)

// ErrBadRegionName is returned when a successor region name cannot be
// derived because the current name lacks the _<number> suffix.
var ErrBadRegionName = errors.New("vfs: region name lacks a _<number> suffix")

// ErrDetached is returned by operations on a tree after Detach.
var ErrDetached = errors.New("vfs: tree is detached")

// Meta is the per-region control record registered under the
// well-known name "Meta": the root node offset, the cross-process
// attachment count, and the sticky outdated flag that redirects
// attached handles to the successor region. The region lock word
// guards the reference count.
const (
	metaName        = "Meta"
	metaRootOff     = 0  // uint64, offset of the root node record
	metaRefOff      = 8  // uint64, number of attached handles across processes
	metaOutdatedOff = 16 // uint32, sticky: a successor region exists
	metaSize        = 24
)

// regionNumberPattern matches names carrying the running number the
// grow protocol increments.
var regionNumberPattern = regexp.MustCompile(`^(.*_)(\d+)$`)

// Options configures Attach.
type Options struct {
	// InitialSize is the region size in bytes when this attach
	// creates the region. Regions grow by doubling, so use a power of
	// two. Zero means shm.DefaultSegmentSize (64 KiB).
	InitialSize int

	// Logger receives attach, migration, and cleanup diagnostics. If
	// nil, logging is discarded.
	Logger *slog.Logger
}

// Tree is a per-process handle on a shared directory tree. It keeps
// the current region attached (counted in the region's Meta) and
// transparently follows migrations to successor regions.
//
// Methods are safe for concurrent use within the process; across
// processes, mutation is single-writer by convention (enforced by the
// surrounding system) while readers may be concurrent.
type Tree[T any] struct {
	mu      sync.Mutex
	seg     *shm.Segment
	metaOff uint64
	logger  *slog.Logger
}

// Attach opens or creates the named region and attaches to the tree
// inside it, creating an empty tree when this process is the first
// attacher. Names without a _<number> suffix get "_1" appended: the
// running number is what migration increments.
func Attach[T any](name string, options Options) (*Tree[T], error) {
	if options.InitialSize == 0 {
		options.InitialSize = shm.DefaultSegmentSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !regionNumberPattern.MatchString(name) {
		name += "_1"
	}

	segment, err := shm.OpenOrCreate(name, options.InitialSize)
	if err != nil {
		return nil, fmt.Errorf("vfs: attaching to region %s: %w", name, err)
	}

	tree := &Tree[T]{logger: logger}
	metaOff, err := tree.attachMeta(segment)
	if err != nil {
		if segment.Created() {
			segment.Unlink()
		}
		segment.Close()
		return nil, err
	}
	tree.seg = segment
	tree.metaOff = metaOff

	root := Node[T]{seg: segment, off: tree.rootOffset()}
	logger.Info("attached to region",
		"region", name,
		"created", segment.Created(),
		"nodes", root.NumNodesRecursive(),
		"size", segment.Size())
	return tree, nil
}

// Detach drops this handle's reference on the current region. The
// last handle to detach destroys the Meta record and unlinks the
// region. Detach is idempotent.
func (t *Tree[T]) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return nil
	}
	if t.unassign(t.seg, t.metaOff) {
		if err := t.seg.Unlink(); err != nil {
			t.logger.Warn("removing region", "region", t.seg.Name(), "error", err)
		} else {
			t.logger.Info("removed region", "region", t.seg.Name())
		}
	}
	err := t.seg.Close()
	t.seg = nil
	return err
}

// RegionName returns the name of the region this handle is currently
// attached to. Migration changes it.
func (t *Tree[T]) RegionName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return ""
	}
	return t.seg.Name()
}

// RegionSize returns the size in bytes of the current region.
func (t *Tree[T]) RegionSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return 0
	}
	return t.seg.Size()
}

// Root returns the root node, first following any pending migration.
func (t *Tree[T]) Root() (*Node[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootLocked()
}

// AddFile routes path down the tree and inserts a leaf carrying the
// payload, creating missing interior components as dummy directories.
// With overwrite, an existing node under the terminal name is
// replaced; without it, an existing node makes AddFile return
// inserted=false and leave the tree unchanged.
//
// Running out of room in the region is handled internally: the tree
// migrates to a successor region of twice the size and the insert is
// retried from the top.
func (t *Tree[T]) AddFile(path string, payload T, flags Flags, overwrite bool) (*Node[T], bool, error) {
	return t.add(path, payload, flags, overwrite)
}

// AddDirectory is AddFile with FlagDirectory OR'd into the flags.
func (t *Tree[T]) AddDirectory(path string, payload T, flags Flags, overwrite bool) (*Node[T], bool, error) {
	return t.add(path, payload, flags|FlagDirectory, overwrite)
}

// Find routes path from the root and returns the node at the end, or
// ok=false at the first missing component.
func (t *Tree[T]) Find(path string) (*Node[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		t.logger.Error("find failed", "path", path, "error", err)
		return nil, false
	}
	return root.FindNode(path)
}

// FindOrError is Find failing with ErrNodeMissing when the path does
// not resolve.
func (t *Tree[T]) FindOrError(path string) (*Node[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		return nil, err
	}
	node, found := root.FindNode(path)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNodeMissing, path)
	}
	return node, nil
}

// Glob returns all nodes matching the wildcard pattern, in
// case-insensitive tree order.
func (t *Tree[T]) Glob(pattern string) []*Node[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		t.logger.Error("glob failed", "pattern", pattern, "error", err)
		return nil
	}
	return root.Glob(pattern)
}

// VisitPath calls visit on each existing node along path, in path
// order, stopping at the first missing component.
func (t *Tree[T]) VisitPath(path string, visit func(*Node[T])) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		t.logger.Error("visit failed", "path", path, "error", err)
		return
	}
	root.VisitPath(path, visit)
}

// Clear removes all children of the root, releasing their storage to
// the region's allocator.
func (t *Tree[T]) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.rootLocked()
	if err != nil {
		return err
	}
	root.Clear()
	return nil
}

func (t *Tree[T]) add(path string, payload T, flags Flags, overwrite bool) (*Node[T], bool, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, false, fmt.Errorf("vfs: empty path")
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("vfs: encoding payload for %q: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		root, err := t.rootLocked()
		if err != nil {
			return nil, false, err
		}
		off, inserted, err := addNode(t.seg, root.off, components, encoded, flags, overwrite)
		if err == nil {
			if !inserted {
				return nil, false, nil
			}
			return &Node[T]{seg: t.seg, off: off}, true, nil
		}
		if !errors.Is(err, shm.ErrSegmentFull) {
			return nil, false, err
		}
		// Out of room. Dummy directories created before the failure
		// stay in place; the migration copies them and the retry
		// finds them already present.
		if err := t.reassignLocked(); err != nil {
			return nil, false, err
		}
	}
}

// addNode walks the components from rootOff, creating missing
// interior components as dummy directories and the terminal as a node
// carrying the payload. Every new record has its parent wired before
// it is linked into the parent's child table.
func addNode(seg *shm.Segment, rootOff uint64, components []string, payload []byte, flags Flags, overwrite bool) (uint64, bool, error) {
	current := rootOff
	for _, component := range components[:len(components)-1] {
		child, found := findChild(seg, current, component)
		if !found {
			created, err := newNodeRecord(seg, component, FlagDirectory|FlagDummy, current, nil)
			if err != nil {
				return 0, false, err
			}
			if err := insertChild(seg, current, created); err != nil {
				return 0, false, err
			}
			child = created
		}
		current = child
	}

	terminal := components[len(components)-1]
	i, exists := childIndex(seg, current, terminal)
	if exists && !overwrite {
		return 0, false, nil
	}
	created, err := newNodeRecord(seg, terminal, flags, current, payload)
	if err != nil {
		return 0, false, err
	}
	if exists {
		replaceChildAt(seg, current, i, created)
	} else if err := insertChild(seg, current, created); err != nil {
		return 0, false, err
	}
	return created, true, nil
}

func (t *Tree[T]) rootLocked() (*Node[T], error) {
	if t.seg == nil {
		return nil, ErrDetached
	}
	if t.seg.LoadUint32(t.metaOff+metaOutdatedOff) != 0 {
		if err := t.reassignLocked(); err != nil {
			return nil, err
		}
	}
	return &Node[T]{seg: t.seg, off: t.rootOffset()}, nil
}

func (t *Tree[T]) rootOffset() uint64 {
	return t.seg.Uint64At(t.metaOff + metaRootOff)
}

// attachMeta finds or constructs the Meta record in segment and takes
// a reference on it. When this handle already holds a tree (t.seg is
// set), a freshly constructed Meta receives a deep copy of that tree
// before the reference count makes it discoverable.
//
// A copy that does not fit poisons the new Meta with the outdated
// flag so that no process trusts the half-copied tree; followers
// route through it to the next successor.
func (t *Tree[T]) attachMeta(segment *shm.Segment) (uint64, error) {
	segment.Lock()
	defer segment.Unlock()

	metaOff, found := segment.FindNamed(metaName)
	if !found {
		var err error
		metaOff, err = segment.ConstructNamed(metaName, metaSize)
		if err != nil {
			return 0, fmt.Errorf("vfs: constructing meta in region %s: %w", segment.Name(), err)
		}
		rootOff, err := newNodeRecord(segment, "", FlagDirectory, 0, nil)
		if err == nil {
			segment.PutUint64At(metaOff+metaRootOff, rootOff)
			if t.seg != nil {
				err = copyTree(segment, rootOff, t.seg, t.rootOffset())
			}
		}
		if err != nil {
			segment.StoreUint32(metaOff+metaOutdatedOff, 1)
			return 0, fmt.Errorf("vfs: populating region %s: %w", segment.Name(), err)
		}
	}
	segment.PutUint64At(metaOff+metaRefOff, segment.Uint64At(metaOff+metaRefOff)+1)
	return metaOff, nil
}

// unassign drops one reference from the segment's Meta. At zero the
// Meta record is destroyed and unassign reports true: the caller must
// unlink the region.
func (t *Tree[T]) unassign(segment *shm.Segment, metaOff uint64) bool {
	segment.Lock()
	defer segment.Unlock()
	count := segment.Uint64At(metaOff + metaRefOff)
	if count == 0 {
		// Refcounts are kept nonnegative even if a caller
		// double-detaches through separate handles.
		return false
	}
	count--
	segment.PutUint64At(metaOff+metaRefOff, count)
	if count == 0 {
		segment.DestroyNamed(metaName)
		return true
	}
	return false
}

// reassignLocked moves this handle to the successor region, growing
// (copying the tree into a region of twice the size) when the
// successor does not exist yet, or following when another process
// already created it. Loops until attached to a region whose Meta is
// not outdated.
func (t *Tree[T]) reassignLocked() error {
	name := t.seg.Name()
	size := t.seg.Size()
	for {
		successor, err := successorName(name)
		if err != nil {
			return err
		}
		size *= 2
		next, err := shm.OpenOrCreate(successor, size)
		if err != nil {
			return fmt.Errorf("vfs: opening successor region %s: %w", successor, err)
		}
		metaOff, err := t.attachMeta(next)
		if err != nil {
			next.Close()
			if errors.Is(err, shm.ErrSegmentFull) {
				// This successor cannot hold the tree either; its
				// Meta is poisoned as outdated. Keep doubling along
				// the chain.
				t.logger.Info("successor region too small", "region", successor, "size", size)
				name = successor
				continue
			}
			return err
		}

		// The successor holds the tree and our reference. Redirect
		// everyone else, then drop the old region.
		t.seg.StoreUint32(t.metaOff+metaOutdatedOff, 1)
		if t.unassign(t.seg, t.metaOff) {
			if err := t.seg.Unlink(); err != nil {
				t.logger.Warn("removing outdated region", "region", t.seg.Name(), "error", err)
			}
		}
		t.seg.Close()
		t.seg = next
		t.metaOff = metaOff
		t.logger.Info("migrated to region", "region", t.seg.Name(), "size", t.seg.Size())

		// Another migration may have happened while ours ran; keep
		// following until the chain ends.
		if t.seg.LoadUint32(metaOff+metaOutdatedOff) == 0 {
			return nil
		}
		name = t.seg.Name()
		size = t.seg.Size()
	}
}

// copyTree deep-copies the children of srcOff (and srcOff's own
// flags) into dstOff in the destination segment. Each copied record
// exists, and therefore has a stable offset for its children's
// parent references, before its subtree is copied, and is linked
// into its parent's table under the same key.
func copyTree(dst *shm.Segment, dstOff uint64, src *shm.Segment, srcOff uint64) error {
	dst.PutUint32At(dstOff+nodeFlagsOff, uint32(nodeFlags(src, srcOff)))
	count := childCount(src, srcOff)
	for i := 0; i < count; i++ {
		childOff := childAt(src, srcOff, i)
		created, err := newNodeRecord(dst,
			string(nodeName(src, childOff)),
			nodeFlags(src, childOff),
			dstOff,
			nodePayload(src, childOff))
		if err != nil {
			return err
		}
		if err := insertChild(dst, dstOff, created); err != nil {
			return err
		}
		if err := copyTree(dst, created, src, childOff); err != nil {
			return err
		}
	}
	return nil
}

// successorName increments the trailing running number: "tree_3"
// becomes "tree_4". Names without the suffix cannot participate in
// migration and fail with ErrBadRegionName.
func successorName(name string) (string, error) {
	match := regionNumberPattern.FindStringSubmatch(name)
	if match == nil {
		return "", fmt.Errorf("%w: %q", ErrBadRegionName, name)
	}
	number, err := strconv.Atoi(match[2])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadRegionName, name)
	}
	return match[1] + strconv.Itoa(number+1), nil
}
