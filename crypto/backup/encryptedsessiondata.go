// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"go.mau.fi/util/jsonbytes"
	"golang.org/x/crypto/hkdf"

	"go.mau.fi/e2ee/crypto/aescbc"
)

// EncryptedSessionData is the encrypted session_data field of a key backup
// entry for the [id.KeyBackupAlgorithmMegolmBackupV1] algorithm.
type EncryptedSessionData[T any] struct {
	Ciphertext jsonbytes.UnpaddedBytes `json:"ciphertext"`
	Ephemeral  EphemeralKey            `json:"ephemeral"`
	MAC        jsonbytes.UnpaddedBytes `json:"mac"`
}

func calculateEncryptionParameters(sharedSecret []byte) (key, macKey, iv []byte, err error) {
	params := make([]byte, 80)
	_, err = io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, nil), params)
	if err != nil {
		return nil, nil, nil, err
	}
	return params[:32], params[32:64], params[64:], nil
}

// calculateCompatMAC computes the MAC the way libolm does, which is over an
// empty message rather than the ciphertext.
//
// https://spec.matrix.org/v1.13/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
func calculateCompatMAC(macKey []byte) []byte {
	return hmac.New(sha256.New, macKey).Sum(nil)[:8]
}

// EncryptSessionData encrypts the given session data with the public half of the backup key.
func EncryptSessionData[T any](backupKey *MegolmBackupKey, sessionData T) (*EncryptedSessionData[T], error) {
	sessionJSON, err := json.Marshal(sessionData)
	if err != nil {
		return nil, err
	}
	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephemeralKey.ECDH(backupKey.PublicKey())
	if err != nil {
		return nil, err
	}
	key, macKey, iv, err := calculateEncryptionParameters(sharedSecret)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aescbc.Encrypt(key, iv, sessionJSON)
	if err != nil {
		return nil, err
	}
	return &EncryptedSessionData[T]{
		Ciphertext: ciphertext,
		Ephemeral:  EphemeralKey{ephemeralKey.PublicKey()},
		MAC:        calculateCompatMAC(macKey),
	}, nil
}

// Decrypt verifies the MAC and decrypts the session data with the backup key.
func (esd *EncryptedSessionData[T]) Decrypt(backupKey *MegolmBackupKey) (*T, error) {
	if esd.Ephemeral.PublicKey == nil {
		return nil, fmt.Errorf("%w: missing ephemeral key", ErrInvalidMAC)
	}
	sharedSecret, err := backupKey.ECDH(esd.Ephemeral.PublicKey)
	if err != nil {
		return nil, err
	}
	key, macKey, iv, err := calculateEncryptionParameters(sharedSecret)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(calculateCompatMAC(macKey), esd.MAC) {
		return nil, ErrInvalidMAC
	}
	plaintext, err := aescbc.Decrypt(key, iv, esd.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session data: %w", err)
	}
	var sessionData T
	if err = json.Unmarshal(plaintext, &sessionData); err != nil {
		return nil, fmt.Errorf("failed to parse session data: %w", err)
	}
	return &sessionData, nil
}
