// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pkcs7

import (
	"bytes"
	"errors"
)

var ErrInvalidPadding = errors.New("invalid PKCS#7 padding")

// Pad implements PKCS#7 padding as defined in [RFC2315]. It pads the plaintext
// to the given blockSize in the range [1, 255]. This is normally used in
// AES-CBC encryption.
//
// [RFC2315]: https://www.ietf.org/rfc/rfc2315.txt
func Pad(plaintext []byte, blockSize int) []byte {
	padding := blockSize - len(plaintext)%blockSize
	padded := make([]byte, len(plaintext), len(plaintext)+padding)
	copy(padded, plaintext)
	return append(padded, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// Unpad removes PKCS#7 padding. Every padding byte is checked, so a
// ciphertext decrypted with the wrong key is almost always rejected here.
func Unpad(plaintext []byte) ([]byte, error) {
	length := len(plaintext)
	if length == 0 {
		return nil, ErrInvalidPadding
	}
	unpadding := int(plaintext[length-1])
	if unpadding == 0 || unpadding > length {
		return nil, ErrInvalidPadding
	}
	for _, b := range plaintext[length-unpadding:] {
		if int(b) != unpadding {
			return nil, ErrInvalidPadding
		}
	}
	return plaintext[:length-unpadding], nil
}
