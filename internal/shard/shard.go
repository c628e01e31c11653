// Package shard spreads records of one logical partition across several
// DynamoDB partition keys.
package shard

import (
	"fmt"
	"hash/fnv"
)

// MaxShards bounds the shard count so the suffix stays two hex digits.
const MaxShards = 256

// Partition returns the partition key for a record with the given sort key.
// With numShards<=1 the base is returned unchanged, so unsharded tables keep
// their plain partition value. With numShards>1 the base is suffixed with
// the FNV-1a hash of sortKey modulo numShards.
func Partition(base, sortKey string, numShards int) string {
	if numShards <= 1 {
		return base
	}
	return Suffix(base, Of(sortKey, numShards))
}

// Of returns the shard number of sortKey.
func Of(sortKey string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	if numShards > MaxShards {
		numShards = MaxShards
	}
	h := fnv.New32a()
	h.Write([]byte(sortKey))
	return int(h.Sum32() % uint32(numShards))
}

// Suffix formats the partition key of shard n.
func Suffix(base string, n int) string {
	return fmt.Sprintf("%s#%02x", base, n)
}

// Partitions lists every partition key of a sharded base, in shard order.
func Partitions(base string, numShards int) []string {
	if numShards <= 1 {
		return []string{base}
	}
	if numShards > MaxShards {
		numShards = MaxShards
	}
	out := make([]string, numShards)
	for i := range out {
		out[i] = Suffix(base, i)
	}
	return out
}
