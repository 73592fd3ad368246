// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/247321453/usvfs/lib/shm"
	"github.com/247321453/usvfs/lib/testutil"
)

func attachTest(t *testing.T, size int) *Tree[string] {
	t.Helper()
	name := testutil.RegionName("vfs-test")
	tree, err := Attach[string](name, Options{InitialSize: size})
	if err != nil {
		t.Fatalf("Attach(%q): %v", name, err)
	}
	t.Cleanup(func() {
		tree.Detach()
	})
	return tree
}

func mustAdd(t *testing.T, tree *Tree[string], path, payload string) *Node[string] {
	t.Helper()
	node, inserted, err := tree.AddFile(path, payload, 0, true)
	if err != nil {
		t.Fatalf("AddFile(%q): %v", path, err)
	}
	if !inserted {
		t.Fatalf("AddFile(%q): not inserted", path)
	}
	return node
}

func TestAddAndFind(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)

	mustAdd(t, tree, "a/b/c.txt", "payload-c")

	node, found := tree.Find("a/b/c.txt")
	if !found {
		t.Fatal("Find(a/b/c.txt): not found")
	}
	payload, err := node.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if payload != "payload-c" {
		t.Errorf("payload: got %q, want %q", payload, "payload-c")
	}
	if node.IsDirectory() {
		t.Error("leaf should not be a directory")
	}

	for _, interior := range []string{"a", "a/b"} {
		directory, found := tree.Find(interior)
		if !found {
			t.Fatalf("Find(%q): not found", interior)
		}
		if !directory.IsDirectory() {
			t.Errorf("%q should be a directory", interior)
		}
		if !directory.HasFlag(FlagDummy) {
			t.Errorf("%q should carry the dummy flag", interior)
		}
	}
}

func TestCaseAndSeparatorInsensitivity(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/b/c.txt", "payload")

	lower, found := tree.Find("a/b/c.txt")
	if !found {
		t.Fatal("lowercase lookup failed")
	}
	upper, found := tree.Find("A\\B\\C.TXT")
	if !found {
		t.Fatal("uppercase backslash lookup failed")
	}
	if lower.off != upper.off {
		t.Error("case/separator variants resolved to different nodes")
	}
}

func TestOverwriteSemantics(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)

	if _, inserted, err := tree.AddFile("x", "first", 0, false); err != nil || !inserted {
		t.Fatalf("initial AddFile: inserted=%v err=%v", inserted, err)
	}

	node, inserted, err := tree.AddFile("x", "second", 0, false)
	if err != nil {
		t.Fatalf("AddFile without overwrite: %v", err)
	}
	if inserted || node != nil {
		t.Error("AddFile without overwrite should not replace an existing node")
	}
	existing, _ := tree.Find("x")
	if payload, _ := existing.Payload(); payload != "first" {
		t.Errorf("payload after refused overwrite: got %q, want %q", payload, "first")
	}

	node, inserted, err = tree.AddFile("x", "second", 0, true)
	if err != nil || !inserted {
		t.Fatalf("AddFile with overwrite: inserted=%v err=%v", inserted, err)
	}
	if payload, _ := node.Payload(); payload != "second" {
		t.Errorf("payload after overwrite: got %q, want %q", payload, "second")
	}
}

func TestExplicitDirectoryIsNotDummy(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)

	if _, inserted, err := tree.AddDirectory("mods", "directory-data", 0, true); err != nil || !inserted {
		t.Fatalf("AddDirectory: inserted=%v err=%v", inserted, err)
	}
	mustAdd(t, tree, "mods/texture.dds", "texture")

	directory, found := tree.Find("mods")
	if !found {
		t.Fatal("Find(mods): not found")
	}
	if !directory.IsDirectory() || directory.HasFlag(FlagDummy) {
		t.Errorf("explicit directory flags: got %#x", directory.Flags())
	}
	if payload, _ := directory.Payload(); payload != "directory-data" {
		t.Errorf("directory payload: got %q, want %q", payload, "directory-data")
	}
}

func TestUserFlags(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)

	node, _, err := tree.AddFile("flagged", "data", FlagFirstUser, true)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if !node.HasFlag(FlagFirstUser) {
		t.Error("caller flag not stored")
	}
	node.SetFlag(FlagFirstUser<<1, true)
	if !node.HasFlag(FlagFirstUser << 1) {
		t.Error("SetFlag did not set")
	}
	node.SetFlag(FlagFirstUser, false)
	if node.HasFlag(FlagFirstUser) {
		t.Error("SetFlag did not clear")
	}
}

func TestFindOrError(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "present", "x")

	if _, err := tree.FindOrError("present"); err != nil {
		t.Errorf("FindOrError(present): %v", err)
	}
	_, err := tree.FindOrError("absent")
	if !errors.Is(err, ErrNodeMissing) {
		t.Errorf("FindOrError(absent): got %v, want ErrNodeMissing", err)
	}
}

func TestPathComposition(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/b/c.txt", "x")

	root, err := tree.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root.Path() != "" {
		t.Errorf("root path: got %q, want empty", root.Path())
	}
	node, _ := tree.Find("a/b/c.txt")
	if node.Path() != "a/b/c.txt" {
		t.Errorf("leaf path: got %q, want a/b/c.txt", node.Path())
	}
	parent, ok := node.Parent()
	if !ok || parent.Path() != "a/b" {
		t.Errorf("parent path: got %q ok=%v, want a/b", parent.Path(), ok)
	}
}

func TestChildrenOrderAndErase(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	for _, name := range []string{"b", "A", "c"} {
		mustAdd(t, tree, name, "payload-"+name)
	}

	root, err := tree.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	var names []string
	for _, child := range root.Children() {
		names = append(names, child.Name())
	}
	if got, want := strings.Join(names, ","), "A,b,c"; got != want {
		t.Errorf("children order: got %s, want %s", got, want)
	}

	if !root.Erase("B") {
		t.Fatal("Erase(B) should remove the node added as b")
	}
	if root.Erase("B") {
		t.Error("second Erase should report missing")
	}
	if _, found := tree.Find("b"); found {
		t.Error("erased node still findable")
	}
	if _, found := tree.Find("a"); !found {
		t.Error("sibling lost by erase")
	}
	if root.NumNodes() != 2 {
		t.Errorf("child count after erase: got %d, want 2", root.NumNodes())
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/b/c", "x")
	mustAdd(t, tree, "d", "y")

	if err := tree.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	root, err := tree.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root.NumNodes() != 0 {
		t.Errorf("children after clear: got %d, want 0", root.NumNodes())
	}
	for _, path := range []string{"a", "a/b/c", "d"} {
		if _, found := tree.Find(path); found {
			t.Errorf("Find(%q) after clear should miss", path)
		}
	}
}

func TestVisitPath(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/b/c.txt", "x")

	var visited []string
	tree.VisitPath("a/b/c.txt", func(node *Node[string]) {
		visited = append(visited, node.Name())
	})
	if got, want := strings.Join(visited, ","), "a,b,c.txt"; got != want {
		t.Errorf("visited: got %s, want %s", got, want)
	}

	visited = nil
	tree.VisitPath("a/missing/c.txt", func(node *Node[string]) {
		visited = append(visited, node.Name())
	})
	if got, want := strings.Join(visited, ","), "a"; got != want {
		t.Errorf("visit stops at first missing: got %s, want %s", got, want)
	}
}

func TestNumNodesRecursive(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/b/c", "x")

	root, err := tree.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	// Each node reports numNodes()+1 before summing children, so the
	// chain root->a->b->c counts 7, not 4. The off-by-one is part of
	// the diagnostic contract.
	if got := root.NumNodesRecursive(); got != 7 {
		t.Errorf("NumNodesRecursive: got %d, want 7", got)
	}
}

func TestDumpFormat(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	mustAdd(t, tree, "a/x.txt", "p")

	var buffer bytes.Buffer
	if err := tree.Dump(&buffer); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	want := " -> \n a -> \n  x.txt -> \"p\"\n"
	if buffer.String() != want {
		t.Errorf("dump output:\n%q\nwant:\n%q", buffer.String(), want)
	}
}

func TestStructPayload(t *testing.T) {
	t.Parallel()
	type linkTarget struct {
		Origin   string `cbor:"origin"`
		Priority int    `cbor:"priority,omitempty"`
	}
	name := testutil.RegionName("vfs-struct")
	tree, err := Attach[linkTarget](name, Options{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { tree.Detach() })

	want := linkTarget{Origin: "D:\\mods\\better-sky", Priority: 2}
	if _, _, err := tree.AddFile("textures/sky.dds", want, 0, true); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	node, found := tree.Find("textures/sky.dds")
	if !found {
		t.Fatal("Find: not found")
	}
	got, err := node.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if got != want {
		t.Errorf("payload: got %+v, want %+v", got, want)
	}
}

func TestForcedGrow(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.MinSegmentSize)
	firstRegion := tree.RegionName()

	type entry struct{ path, payload string }
	var added []entry
	grown := false
	for i := 0; i < 500; i++ {
		e := entry{
			path:    fmt.Sprintf("dir%02d/file%03d.txt", i/10, i),
			payload: fmt.Sprintf("payload-%03d", i),
		}
		mustAdd(t, tree, e.path, e.payload)
		added = append(added, e)
		if tree.RegionName() != firstRegion {
			grown = true
			break
		}
	}
	if !grown {
		t.Fatal("tree never outgrew the minimum-size region")
	}

	wantName := strings.TrimSuffix(firstRegion, "_1") + "_2"
	if tree.RegionName() != wantName {
		t.Errorf("successor name: got %s, want %s", tree.RegionName(), wantName)
	}
	if tree.RegionSize() != 2*shm.MinSegmentSize {
		t.Errorf("successor size: got %d, want %d", tree.RegionSize(), 2*shm.MinSegmentSize)
	}
	for _, e := range added {
		node, found := tree.Find(e.path)
		if !found {
			t.Fatalf("Find(%q) after grow: not found", e.path)
		}
		if payload, _ := node.Payload(); payload != e.payload {
			t.Errorf("payload of %q after grow: got %q, want %q", e.path, payload, e.payload)
		}
	}
}

func TestSecondHandleFollowsMigration(t *testing.T) {
	t.Parallel()
	writer := attachTest(t, shm.MinSegmentSize)
	firstRegion := writer.RegionName()

	follower, err := Attach[string](firstRegion, Options{InitialSize: shm.MinSegmentSize})
	if err != nil {
		t.Fatalf("Attach follower: %v", err)
	}
	t.Cleanup(func() { follower.Detach() })

	var lastPath string
	for i := 0; i < 500; i++ {
		lastPath = fmt.Sprintf("f%03d", i)
		mustAdd(t, writer, lastPath, "x")
		if writer.RegionName() != firstRegion {
			break
		}
	}
	if writer.RegionName() == firstRegion {
		t.Fatal("tree never migrated")
	}

	// The follower still points at the outdated region; its next
	// access follows the chain.
	if _, found := follower.Find(lastPath); !found {
		t.Fatal("follower did not see migrated data")
	}
	if follower.RegionName() != writer.RegionName() {
		t.Errorf("follower region %s, writer region %s", follower.RegionName(), writer.RegionName())
	}

	// Once the follower moved on, nothing references the old region
	// and its name must be gone.
	if _, err := os.Stat(filepath.Join(shm.Dir(), firstRegion)); !os.IsNotExist(err) {
		t.Errorf("outdated region still linked: %v", err)
	}
}

func TestFingerprintStableAcrossHandlesAndMigration(t *testing.T) {
	t.Parallel()
	writer := attachTest(t, shm.MinSegmentSize)
	firstRegion := writer.RegionName()

	for i := 0; i < 500; i++ {
		mustAdd(t, writer, fmt.Sprintf("n%03d", i), "x")
		if writer.RegionName() != firstRegion {
			break
		}
	}
	if writer.RegionName() == firstRegion {
		t.Fatal("tree never migrated")
	}

	reader, err := Attach[string](writer.RegionName(), Options{})
	if err != nil {
		t.Fatalf("Attach reader: %v", err)
	}
	t.Cleanup(func() { reader.Detach() })

	writerPrint, err := writer.Fingerprint()
	if err != nil {
		t.Fatalf("writer Fingerprint: %v", err)
	}
	readerPrint, err := reader.Fingerprint()
	if err != nil {
		t.Fatalf("reader Fingerprint: %v", err)
	}
	if !bytes.Equal(writerPrint, readerPrint) {
		t.Error("fingerprints differ between handles on the same region")
	}

	mustAdd(t, writer, "one-more", "y")
	changed, err := writer.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint after add: %v", err)
	}
	if bytes.Equal(writerPrint, changed) {
		t.Error("fingerprint did not change with the tree")
	}
}

func TestLastDetachUnlinksRegion(t *testing.T) {
	t.Parallel()
	name := testutil.RegionName("vfs-cleanup")
	first, err := Attach[string](name, Options{})
	if err != nil {
		t.Fatalf("Attach first: %v", err)
	}
	second, err := Attach[string](name, Options{})
	if err != nil {
		t.Fatalf("Attach second: %v", err)
	}
	mustAdd(t, first, "data", "x")

	path := filepath.Join(shm.Dir(), first.RegionName())
	if err := first.Detach(); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("region should survive while one handle remains: %v", err)
	}
	if err := second.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("region still linked after last detach: %v", err)
	}

	// A fresh attach starts over with an empty tree.
	fresh, err := Attach[string](name, Options{})
	if err != nil {
		t.Fatalf("Attach fresh: %v", err)
	}
	t.Cleanup(func() { fresh.Detach() })
	root, err := fresh.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root.NumNodes() != 0 {
		t.Errorf("fresh tree has %d children, want 0", root.NumNodes())
	}
}

func TestAttachAppendsRunningNumber(t *testing.T) {
	t.Parallel()
	base := testutil.RegionName("vfs-suffix")
	base = strings.TrimSuffix(base, "_1")
	tree, err := Attach[string](base, Options{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { tree.Detach() })
	if got, want := tree.RegionName(), base+"_1"; got != want {
		t.Errorf("region name: got %s, want %s", got, want)
	}
}

func TestSuccessorName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want string
	}{
		{"tree_1", "tree_2"},
		{"tree_9", "tree_10"},
		{"a_b_3", "a_b_4"},
	}
	for _, test := range tests {
		got, err := successorName(test.name)
		if err != nil {
			t.Errorf("successorName(%q): %v", test.name, err)
			continue
		}
		if got != test.want {
			t.Errorf("successorName(%q): got %s, want %s", test.name, got, test.want)
		}
	}
	if _, err := successorName("nonumber"); !errors.Is(err, ErrBadRegionName) {
		t.Errorf("successorName without suffix: got %v, want ErrBadRegionName", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()
	tree := attachTest(t, shm.DefaultSegmentSize)
	if _, _, err := tree.AddFile("", "x", 0, true); err == nil {
		t.Error("empty path should be rejected")
	}
	if _, _, err := tree.AddFile("///", "x", 0, true); err == nil {
		t.Error("separator-only path should be rejected")
	}
}
