// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// vfs-dump attaches to a shared virtual-tree region and prints its
// contents.
//
// The default output is the tree pretty-printer (one node per line,
// indented by depth, payloads in CBOR diagnostic notation). With
// --format yaml the tree is rendered as a nested YAML mapping, and
// --fingerprint prints the canonical BLAKE3 fingerprint instead,
// useful for checking that two processes, or the regions before and
// after a migration, hold the same tree.
//
// Usage:
//
//	vfs-dump --region tree_1
//	vfs-dump --region tree_1 --format yaml
//	vfs-dump --region tree_1 --fingerprint
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/247321453/usvfs/lib/codec"
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
	var size int
	var format string
	var fingerprint bool
	var verbose bool

	flagSet := pflag.NewFlagSet("vfs-dump", pflag.ContinueOnError)
	flagSet.StringVar(&region, "region", "", "shared-memory region name (required)")
	flagSet.IntVar(&size, "size", 0, "initial region size in bytes if the region does not exist yet")
	flagSet.StringVar(&format, "format", "text", "output format: text or yaml")
	flagSet.BoolVar(&fingerprint, "fingerprint", false, "print the canonical tree fingerprint instead of the contents")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log attach and migration activity")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if region == "" {
		return fmt.Errorf("--region is required")
	}

	options := vfs.Options{InitialSize: size}
	if verbose {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	tree, err := vfs.Attach[codec.RawMessage](region, options)
	if err != nil {
		return err
	}
	defer tree.Detach()

	switch {
	case fingerprint:
		sum, err := tree.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", hex.EncodeToString(sum), tree.RegionName())
		return nil
	case format == "yaml":
		root, err := tree.Root()
		if err != nil {
			return err
		}
		document, err := yamlValue(root)
		if err != nil {
			return err
		}
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(document); err != nil {
			return fmt.Errorf("encoding tree as YAML: %w", err)
		}
		return encoder.Close()
	case format == "text":
		return tree.Dump(os.Stdout)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// yamlValue renders a directory as a mapping from child names to
// their rendered subtrees, and a file as its decoded payload.
func yamlValue(node *vfs.Node[codec.RawMessage]) (any, error) {
	if !node.IsDirectory() {
		payload, err := node.Payload()
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			return nil, nil
		}
		var value any
		if err := codec.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decoding payload of %q: %w", node.Path(), err)
		}
		return value, nil
	}
	mapping := make(map[string]any)
	for _, child := range node.Children() {
		value, err := yamlValue(child)
		if err != nil {
			return nil, err
		}
		mapping[child.Name()] = value
	}
	return mapping, nil
}
