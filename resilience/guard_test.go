// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardPassesThroughWhileClosed(t *testing.T) {
	g := NewGuard("test", DefaultBreakerConfig(), nil)

	calls := 0
	err := g.Do(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", g.State())
}

func TestGuardOpensAfterFailures(t *testing.T) {
	g := NewGuard("test", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, nil)

	boom := errors.New("backend down")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Do(func() error { return boom }), boom)
	}
	assert.Equal(t, "open", g.State())

	calls := 0
	err := g.Do(func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, calls)
}
