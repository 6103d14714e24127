// Package shard spreads hash keys over a fixed number of partitions.
package shard

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Separator joins a hash key and its partition number.
const Separator = "."

// Key computes the partitioned hash key for a record.
// With n<=1, every record lands in partition "0".
// With n>1, records are distributed across partitions based on an fnv hash of
// the hash and range values, so the same record always maps to the same key.
func Key(hash, rangeValue string, n int) string {
	if n <= 1 {
		return hash + Separator + "0"
	}
	h := fnv.New32a()
	h.Write([]byte(hash))
	h.Write([]byte{0})
	h.Write([]byte(rangeValue))
	p := h.Sum32() % uint32(n)
	return hash + Separator + strconv.FormatUint(uint64(p), 10)
}

// Keys returns every partitioned key a hash value may be stored under.
func Keys(hash string, n int) []string {
	if n < 1 {
		n = 1
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = hash + Separator + strconv.Itoa(i)
	}
	return keys
}

// Strip removes the partition suffix from a stored hash key. Keys without a
// numeric suffix are returned unchanged.
func Strip(key string) string {
	i := strings.LastIndex(key, Separator)
	if i < 0 || i == len(key)-1 {
		return key
	}
	if _, err := strconv.ParseUint(key[i+1:], 10, 16); err != nil {
		return key
	}
	return key[:i]
}
