// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strings"

	"go.mau.fi/e2ee/crypto/utils"
)

// KeyMetadata is the m.secret_storage.key.<id> account data content. It doesn't contain
// the key itself, only enough to check whether a candidate key is the right one.
type KeyMetadata struct {
	id string

	Name      string    `json:"name,omitempty"`
	Algorithm Algorithm `json:"algorithm"`

	IV  string `json:"iv"`
	MAC string `json:"mac"`

	Passphrase *PassphraseMetadata `json:"passphrase,omitempty"`
}

// ID returns the key ID the metadata was fetched with.
func (kd *KeyMetadata) ID() string {
	return kd.id
}

// decodeMaybePadded decodes base64 that other clients may or may not have padded.
func decodeMaybePadded(val string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(val, "="))
}

func macEqual(expected, calculated string) bool {
	return hmac.Equal([]byte(strings.TrimRight(expected, "=")), []byte(calculated))
}

func (kd *KeyMetadata) accept(rawKey []byte) (*Key, error) {
	if !kd.VerifyKey(rawKey) {
		return nil, ErrWrongKey
	}
	return &Key{ID: kd.id, Key: rawKey, Metadata: kd}, nil
}

// VerifyPassphrase derives the key from the passphrase and checks it against the metadata.
func (kd *KeyMetadata) VerifyPassphrase(passphrase string) (*Key, error) {
	rawKey, err := kd.Passphrase.GetKey(passphrase)
	if err != nil {
		return nil, err
	}
	return kd.accept(rawKey)
}

// VerifyRecoveryKey decodes the recovery key and checks it against the metadata.
func (kd *KeyMetadata) VerifyRecoveryKey(recoveryKey string) (*Key, error) {
	rawKey := utils.DecodeBase58RecoveryKey(recoveryKey)
	if rawKey == nil {
		return nil, ErrInvalidRecoveryKey
	}
	return kd.accept(rawKey)
}

// VerifyKey reports whether the raw key produces the MAC stored in the metadata.
func (kd *KeyMetadata) VerifyKey(key []byte) bool {
	return macEqual(kd.MAC, kd.keyCheck(key))
}

// keyCheck is the MAC of 32 zero bytes encrypted with the key, using an empty secret name for derivation.
func (kd *KeyMetadata) keyCheck(key []byte) string {
	var iv [utils.AESCTRIVLength]byte
	decoded, _ := decodeMaybePadded(kd.IV)
	copy(iv[:], decoded)
	aesKey, hmacKey := utils.DeriveKeysSHA256(key, "")
	zeroes := make([]byte, utils.AESCTRKeyLength)
	return utils.HMACSHA256B64(utils.XorA256CTR(zeroes, aesKey, iv), hmacKey)
}

// PassphraseMetadata describes how the key is derived from a passphrase.
type PassphraseMetadata struct {
	Algorithm  PassphraseAlgorithm `json:"algorithm"`
	Iterations int                 `json:"iterations"`
	Salt       string              `json:"salt"`
	Bits       int                 `json:"bits,omitempty"`
}

// GetKey runs the passphrase through the KDF. Only PBKDF2 is supported.
func (pd *PassphraseMetadata) GetKey(passphrase string) ([]byte, error) {
	switch {
	case pd == nil:
		return nil, ErrNoPassphrase
	case pd.Algorithm != PassphraseAlgorithmPBKDF2:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPassphraseAlgorithm, pd.Algorithm)
	}
	bits := pd.Bits
	if bits == 0 {
		bits = 256
	}
	return utils.PBKDF2SHA512([]byte(passphrase), []byte(pd.Salt), pd.Iterations, bits), nil
}
