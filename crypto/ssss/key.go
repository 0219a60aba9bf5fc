// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss

import (
	"encoding/base64"
	"fmt"

	"go.mau.fi/util/random"

	"go.mau.fi/e2ee/crypto/utils"
	"go.mau.fi/e2ee/id"
)

// DefaultPassphraseIterations is the PBKDF2 iteration count used by NewKey.
var DefaultPassphraseIterations = 500000

// Key represents a SSSS private key and related metadata.
type Key struct {
	ID       string       `json:"-"`
	Key      []byte       `json:"-"`
	Metadata *KeyMetadata `json:"-"`
}

func randomB64(n int) string {
	return base64.RawStdEncoding.EncodeToString(random.Bytes(n))
}

// NewKey generates a new secret storage key. If passphrase is non-empty, the key is derived from it
// with PBKDF2, otherwise it's random and only usable through its recovery key.
func NewKey(passphrase string) (*Key, error) {
	meta := &KeyMetadata{
		id:        randomB64(24),
		Algorithm: AlgorithmAESHMACSHA2,
		IV:        randomB64(utils.AESCTRIVLength),
	}
	rawKey := random.Bytes(32)
	if passphrase != "" {
		meta.Passphrase = &PassphraseMetadata{
			Algorithm:  PassphraseAlgorithmPBKDF2,
			Iterations: DefaultPassphraseIterations,
			Salt:       base64.StdEncoding.EncodeToString(random.Bytes(24)),
			Bits:       256,
		}
		var err error
		if rawKey, err = meta.Passphrase.GetKey(passphrase); err != nil {
			return nil, fmt.Errorf("failed to derive key from passphrase: %w", err)
		}
	}
	meta.MAC = meta.keyCheck(rawKey)
	return &Key{ID: meta.id, Key: rawKey, Metadata: meta}, nil
}

// RecoveryKey formats the key as a base58 recovery key.
func (key *Key) RecoveryKey() string {
	return utils.EncodeBase58RecoveryKey(key.Key)
}

// Encrypt encrypts a secret with this key. Secrets are base64-encoded before encryption.
func (key *Key) Encrypt(secret id.Secret, data []byte) EncryptedKeyData {
	aesKey, hmacKey := utils.DeriveKeysSHA256(key.Key, string(secret))
	iv := utils.GenA256CTRIV()
	ciphertext := utils.XorA256CTR([]byte(base64.RawStdEncoding.EncodeToString(data)), aesKey, iv)
	return EncryptedKeyData{
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
		IV:         base64.RawStdEncoding.EncodeToString(iv[:]),
		MAC:        utils.HMACSHA256B64(ciphertext, hmacKey),
	}
}

// Decrypt checks the MAC of an encrypted secret and decrypts it.
func (key *Key) Decrypt(secret id.Secret, data EncryptedKeyData) ([]byte, error) {
	ciphertext, err := decodeMaybePadded(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDataMACMismatch, err)
	}
	aesKey, hmacKey := utils.DeriveKeysSHA256(key.Key, string(secret))
	if !macEqual(data.MAC, utils.HMACSHA256B64(ciphertext, hmacKey)) {
		return nil, ErrKeyDataMACMismatch
	}
	var iv [utils.AESCTRIVLength]byte
	decodedIV, _ := decodeMaybePadded(data.IV)
	copy(iv[:], decodedIV)
	return decodeMaybePadded(string(utils.XorA256CTR(ciphertext, aesKey, iv)))
}
