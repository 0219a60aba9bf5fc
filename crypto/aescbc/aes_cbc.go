// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package aescbc implements AES-256-CBC with PKCS#7 padding as used by
// Megolm key backup session data.
package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"go.mau.fi/e2ee/crypto/pkcs7"
)

var (
	ErrNoKeyProvided        = errors.New("aescbc: empty key")
	ErrIVNotBlockSize       = errors.New("aescbc: IV must be exactly one block long")
	ErrNotMultipleBlockSize = errors.New("aescbc: ciphertext is not a whole number of blocks")
)

func newCipher(key, iv []byte) (cipher.Block, error) {
	switch {
	case len(key) == 0:
		return nil, ErrNoKeyProvided
	case len(iv) != aes.BlockSize:
		return nil, ErrIVNotBlockSize
	}
	return aes.NewCipher(key)
}

// Encrypt pads the plaintext and encrypts it with the given key and IV.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7.Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt decrypts the ciphertext and strips the padding.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	} else if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrNotMultipleBlockSize
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7.Unpad(plaintext)
}
