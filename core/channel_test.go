// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateChannelName(t *testing.T) {
	valid := []string{
		"orders",
		"system-alerts",
		"user_notifications",
		"v1.events",
		"Channel123",
		strings.Repeat("a", 64),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateChannelName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		"channel with spaces",
		"channel/path",
		"channel@special",
		strings.Repeat("a", 65),
		"тема",
	}
	for _, name := range invalid {
		assert.Error(t, ValidateChannelName(name), "expected %q to be rejected", name)
	}
}
