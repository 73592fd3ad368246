// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// vfs-mount projects a shared virtual-tree region as a read-only FUSE
// filesystem.
//
// The mount tracks the live tree: mutations and region migrations by
// other attached processes become visible without remounting.
//
// Usage:
//
//	vfs-mount --region tree_1 --mountpoint /mnt/tree
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/247321453/usvfs/lib/codec"
	"github.com/247321453/usvfs/lib/fusefs"
	"github.com/247321453/usvfs/lib/vfs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var region string
	var mountpoint string
	var size int
	var allowOther bool

	flagSet := pflag.NewFlagSet("vfs-mount", pflag.ContinueOnError)
	flagSet.StringVar(&region, "region", "", "shared-memory region name (required)")
	flagSet.StringVar(&mountpoint, "mountpoint", "", "directory to mount the projection at (required)")
	flagSet.IntVar(&size, "size", 0, "initial region size in bytes if the region does not exist yet")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if region == "" || mountpoint == "" {
		return fmt.Errorf("--region and --mountpoint are required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tree, err := vfs.Attach[codec.RawMessage](region, vfs.Options{
		InitialSize: size,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer tree.Detach()

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: mountpoint,
		Tree:       tree,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Unmount cleanly on interrupt so the mountpoint does not linger
	// in a transport-endpoint-not-connected state.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		if err := server.Unmount(); err != nil {
			logger.Error("unmounting", "error", err)
		}
	}()

	server.Wait()
	return nil
}
