// SPDX-License-Identifier: Apache-2.0

// Package partition derives broker partition keys. Every event of one
// (tenant, exception) pair hashes to the same key and therefore the same
// lane, which is the unit of ordering.
package partition

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const separator = "|"

// Key returns the partition key for an exception. Tenant-scoped events
// pass an empty exceptionID and key on the tenant alone.
func Key(tenantID, exceptionID string) string {
	return strconv.FormatUint(Sum(tenantID, exceptionID), 16)
}

// Sum is the raw 64-bit hash behind Key.
func Sum(tenantID, exceptionID string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(tenantID)
	if exceptionID != "" {
		_, _ = d.WriteString(separator)
		_, _ = d.WriteString(exceptionID)
	}
	return d.Sum64()
}

// Lane maps a partition key onto one of lanes ordered lanes.
func Lane(key string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(lanes))
}
