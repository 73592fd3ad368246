// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// RegionName returns a shared-memory region name of the form
// "prefix-pid-N_1" that is unique within and across test processes.
// Region names are a machine-global namespace (/dev/shm), so the pid
// keeps concurrent `go test` runs from colliding; the counter keeps
// tests within one run apart. The trailing "_1" is the running number
// the tree's grow protocol increments.
func RegionName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d_1", prefix, os.Getpid(), uniqueCounter.Add(1))
}
