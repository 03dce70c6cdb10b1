package model

import (
	"hash/fnv"
	"slices"
)

const hashPrime = 251

// HashString is the per-item hash used by HashUnordered. It is stable across
// processes because the result is persisted.
func HashString(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

// HashUnordered combines item hashes independently of order. Duplicates are
// not removed.
func HashUnordered(items []string) int32 {
	switch len(items) {
	case 0:
		return 0
	case 1:
		return HashString(items[0])
	}
	hashes := make([]int32, len(items))
	for i, s := range items {
		hashes[i] = HashString(s)
	}
	slices.Sort(hashes)

	var result int32
	for _, h := range hashes {
		result = result*hashPrime + h
	}
	return result
}
