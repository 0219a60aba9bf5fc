// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.mau.fi/e2ee/crypto/utils"
	"go.mau.fi/e2ee/id"
)

// DefaultPassphraseBits is the key length used when the auth data doesn't specify private_key_bits.
const DefaultPassphraseBits = 256

const curve25519KeyLength = 32

// MegolmBackupKey is a wrapper around an ECDH X25519 private key that is used
// to decrypt a megolm key backup.
type MegolmBackupKey struct {
	*ecdh.PrivateKey
}

func NewMegolmBackupKey() (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

func MegolmBackupKeyFromBytes(bytes []byte) (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().NewPrivateKey(bytes)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

// MegolmBackupKeyFromRecoveryKey decodes a base58 recovery key.
func MegolmBackupKeyFromRecoveryKey(recoveryKey string) (*MegolmBackupKey, error) {
	keyBytes := utils.DecodeBase58RecoveryKey(recoveryKey)
	if keyBytes == nil {
		return nil, ErrInvalidRecoveryKey
	}
	return MegolmBackupKeyFromBytes(keyBytes)
}

// MegolmBackupKeyFromSecret parses the m.megolm_backup.v1 secret after it has
// been decrypted from secret storage. The secret is normally the raw 32-byte
// private key; a base64-encoded key is accepted as a fallback.
func MegolmBackupKeyFromSecret(secret []byte) (*MegolmBackupKey, error) {
	if len(secret) == curve25519KeyLength {
		return MegolmBackupKeyFromBytes(secret)
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(string(secret))
	if err != nil {
		keyBytes, err = base64.StdEncoding.DecodeString(string(secret))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSecret, err)
		}
	}
	if len(keyBytes) != curve25519KeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecret, curve25519KeyLength, len(keyBytes))
	}
	return MegolmBackupKeyFromBytes(keyBytes)
}

// KeyFromPassphrase derives the backup key from a passphrase using the
// parameters stored in the backup version's auth data.
func KeyFromPassphrase(passphrase string, authData *MegolmAuthData) (*MegolmBackupKey, error) {
	if !authData.HasPassphrase() {
		return nil, ErrNoPassphraseParams
	}
	bits := authData.PrivateKeyBits
	if bits == 0 {
		bits = DefaultPassphraseBits
	}
	derived := utils.PBKDF2SHA512([]byte(passphrase), []byte(authData.PrivateKeySalt), authData.PrivateKeyIterations, bits)
	return MegolmBackupKeyFromBytes(derived)
}

// RecoveryKey returns the base58 recovery key representation of this key.
func (mbk *MegolmBackupKey) RecoveryKey() string {
	return utils.EncodeBase58RecoveryKey(mbk.Bytes())
}

// Secret returns the key as unpadded base64, the form some older clients
// stored in secret storage.
func (mbk *MegolmBackupKey) Secret() string {
	return base64.RawStdEncoding.EncodeToString(mbk.Bytes())
}

// PublicKeyBase64 returns the public key in the format used in backup auth data.
func (mbk *MegolmBackupKey) PublicKeyBase64() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(mbk.PublicKey().Bytes()))
}

// Matches checks that the key is the private half of the backup version's public key.
func (mbk *MegolmBackupKey) Matches(authData *MegolmAuthData) bool {
	return mbk != nil && authData != nil && mbk.PublicKeyBase64() == authData.PublicKey
}
