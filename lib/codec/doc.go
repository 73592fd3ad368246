// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's standard CBOR encoding
// configuration.
//
// Node payloads are stored inside shared-memory regions as CBOR. The
// bytes are read by every process attached to the region and are
// copied verbatim during migration, so the encoding must be stable
// across processes and Go versions: the encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical payload
// always produces identical bytes, which is also what makes tree
// fingerprints comparable between processes.
//
// The diagnostic notation (RFC 8949 §8) renders payloads in dump
// output without requiring the payload's Go type.
package codec
