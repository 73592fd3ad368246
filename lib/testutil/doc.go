// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
package testutil
