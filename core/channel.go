// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
)

// MaxChannelNameLength bounds the length of a channel name.
const MaxChannelNameLength = 64

var (
	// ErrEmptyChannelName is returned for zero-length channel names.
	ErrEmptyChannelName = errors.New("channel name must not be empty")

	// ErrChannelNameTooLong is returned for names over MaxChannelNameLength.
	ErrChannelNameTooLong = fmt.Errorf("channel name must be at most %d characters", MaxChannelNameLength)
)

// ValidateChannelName checks that a channel name is 1 to 64 characters of
// letters, digits, '.', '_' and '-'.
func ValidateChannelName(name string) error {
	if len(name) == 0 {
		return ErrEmptyChannelName
	}
	if len(name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	for _, c := range []byte(name) {
		if !isChannelNameByte(c) {
			return fmt.Errorf("channel name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

func isChannelNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}
