// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fusefs projects an attached virtual tree as a read-only
// FUSE filesystem.
//
// Directory nodes appear as directories; file nodes appear as regular
// files whose content is the payload rendered in CBOR diagnostic
// notation. Lookups resolve against the live tree on every call, so
// the mount tracks mutations and region migrations made by other
// attached processes without remounting.
package fusefs
