// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexIsStable(t *testing.T) {
	assert.Equal(t, Index("acme:u1", 16), Index("acme:u1", 16))
}

func TestIndexStaysInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		idx := Index(fmt.Sprintf("tenant:user-%d", i), 16)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 16)
	}
}

func TestIndexSpreadsKeys(t *testing.T) {
	hits := make(map[int]int)
	for i := 0; i < 1000; i++ {
		hits[Index(fmt.Sprintf("default:user-%d", i), 16)]++
	}
	assert.Greater(t, len(hits), 8, "sequential keys land on many shards")
}
