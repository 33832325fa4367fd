package model

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// PayloadChecksum computes an order-independent FNV-1a digest over the
// payload's sorted keys. It is only ever compared to another checksum
// computed the same way; the exact bit pattern is not persisted
// cross-version.
func PayloadChecksum(data map[string]any) string {
	h := fnv.New64a()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(h, "%s=%v;", key, data[key])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
