// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pkcs7_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee/crypto/pkcs7"
)

func TestPad(t *testing.T) {
	assert.Equal(t, []byte("abc\x01"), pkcs7.Pad([]byte("abc"), 4))
	assert.Equal(t, []byte("abcd\x04\x04\x04\x04"), pkcs7.Pad([]byte("abcd"), 4))
	assert.Equal(t, []byte("ab\x06\x06\x06\x06\x06\x06"), pkcs7.Pad([]byte("ab"), 8))
	assert.Equal(t, bytes.Repeat([]byte{16}, 16), pkcs7.Pad(nil, 16))

	input := []byte("unchanged")
	_ = pkcs7.Pad(input, 16)
	assert.Equal(t, "unchanged", string(input))
}

func TestUnpad_AllLengths(t *testing.T) {
	for size := 0; size <= 64; size++ {
		input := bytes.Repeat([]byte{'x'}, size)
		padded := pkcs7.Pad(input, 16)
		require.Zero(t, len(padded)%16)
		unpadded, err := pkcs7.Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, input, unpadded)
	}
}

func TestUnpad_Invalid(t *testing.T) {
	for name, input := range map[string][]byte{
		"empty":            nil,
		"zero pad byte":    []byte("abcd\x00"),
		"longer than data": []byte("ab\x05"),
		"inconsistent":     []byte("abcd\x02\x03\x03"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := pkcs7.Unpad(input)
			assert.ErrorIs(t, err, pkcs7.ErrInvalidPadding)
		})
	}
}
