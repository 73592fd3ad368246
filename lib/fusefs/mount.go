// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/247321453/usvfs/lib/codec"
	"github.com/247321453/usvfs/lib/vfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// It is created if it does not exist.
	Mountpoint string

	// Tree is the attached tree to project. The payload type is raw
	// CBOR so the mount works against regions written by any process,
	// regardless of the payload's Go type there.
	Tree *vfs.Tree[codec.RawMessage]

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Mount mounts the tree projection at the configured mountpoint. The
// caller must Unmount the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Tree == nil {
		return nil, fmt.Errorf("tree is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options}

	// Short timeouts: the tree mutates underneath the mount, so stale
	// entries should age out quickly.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "usvfs-tree",
			Name:       "usvfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("tree projection mounted",
		"mountpoint", options.Mountpoint,
		"region", options.Tree.RegionName())
	return server, nil
}

// dirNode projects one directory of the tree. The path is resolved
// against the live tree on every operation.
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string // empty for the root
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	fullPath := joinPath(d.path, name)
	node, found := d.options.Tree.Find(fullPath)
	if !found {
		return nil, syscall.ENOENT
	}
	if node.IsDirectory() {
		child := d.NewInode(ctx, &dirNode{options: d.options, path: fullPath},
			gofuse.StableAttr{Mode: syscall.S_IFDIR})
		return child, 0
	}
	child := d.NewInode(ctx, &fileNode{options: d.options, path: fullPath},
		gofuse.StableAttr{Mode: syscall.S_IFREG})
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	node, found := d.options.Tree.Find(d.path)
	if !found {
		return nil, syscall.ENOENT
	}
	children := node.Children()
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDirectory() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: child.Name(), Mode: mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

// fileNode projects one file node; reads serve the payload's
// diagnostic rendering.
type fileNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	content, errno := f.render()
	if errno != 0 {
		return errno
	}
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(len(content))
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	// Direct IO: content size depends on the live payload, so the
	// kernel must not cache pages across mutations.
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	content, errno := f.render()
	if errno != 0 {
		return nil, errno
	}
	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(content[off:]), 0
}

func (f *fileNode) render() ([]byte, syscall.Errno) {
	node, found := f.options.Tree.Find(f.path)
	if !found {
		return nil, syscall.ENOENT
	}
	payload, err := node.Payload()
	if err != nil {
		f.options.Logger.Error("decoding payload", "path", f.path, "error", err)
		return nil, syscall.EIO
	}
	if len(payload) == 0 {
		return nil, 0
	}
	rendered, err := codec.Diagnose(payload)
	if err != nil {
		f.options.Logger.Error("rendering payload", "path", f.path, "error", err)
		return nil, syscall.EIO
	}
	return []byte(rendered + "\n"), 0
}

func joinPath(directory, name string) string {
	if directory == "" {
		return name
	}
	return directory + "/" + name
}
