// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package shard maps string keys onto a fixed number of lock shards so
// in-memory state can take fine-grained locks under concurrent load.
package shard

// Index returns a stable shard index in [0, n) for the key, using
// FNV-1a so neighbouring keys spread across shards.
func Index(key string, n int) int {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return int(h % uint32(n))
}
