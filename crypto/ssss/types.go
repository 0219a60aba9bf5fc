// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss

import (
	"fmt"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

var (
	ErrNoDefaultKeyID               = e2ee.NewError(e2ee.KindConfiguration, "could not find default secret storage key ID")
	ErrNoDefaultKeyAccountDataEvent = fmt.Errorf("%w: no %s event in account data", ErrNoDefaultKeyID, event.AccountDataSecretStorageDefaultKey.Type)
	ErrNoKeyFieldInAccountDataEvent = fmt.Errorf("%w: missing key field in account data event", ErrNoDefaultKeyID)
	ErrNoKeyMetadata                = e2ee.NewError(e2ee.KindConfiguration, "secret storage key metadata not found")
	ErrUnsupportedKeyAlgorithm      = e2ee.NewError(e2ee.KindConfiguration, "unsupported secret storage key algorithm")

	ErrSecretNotFound     = e2ee.NewError(e2ee.KindConfiguration, "secret not found in secret storage")
	ErrNotEncryptedForKey = fmt.Errorf("%w: data is not encrypted for given key ID", ErrSecretNotFound)

	ErrKeyDataMACMismatch             = e2ee.NewError(e2ee.KindIntegrity, "key data MAC mismatch")
	ErrNoPassphrase                   = e2ee.NewError(e2ee.KindConfiguration, "no passphrase data has been set for the default key")
	ErrUnsupportedPassphraseAlgorithm = e2ee.NewError(e2ee.KindConfiguration, "unsupported passphrase KDF algorithm")
	ErrWrongKey                       = e2ee.NewError(e2ee.KindAuthentication, "incorrect secret storage key")
	ErrInvalidRecoveryKey             = fmt.Errorf("%w: invalid recovery key", ErrWrongKey)
)

// Algorithm is the identifier for an SSSS encryption algorithm.
type Algorithm string

const (
	// AlgorithmAESHMACSHA2 is the current main algorithm.
	AlgorithmAESHMACSHA2 Algorithm = "m.secret_storage.v1.aes-hmac-sha2"
)

// PassphraseAlgorithm is the identifier for an algorithm used to derive a key from a passphrase for SSSS.
type PassphraseAlgorithm string

const (
	// PassphraseAlgorithmPBKDF2 is the current main algorithm
	PassphraseAlgorithmPBKDF2 PassphraseAlgorithm = "m.pbkdf2"
)

type EncryptedKeyData struct {
	// Note: as per https://spec.matrix.org/v1.13/client-server-api/#msecret_storagev1aes-hmac-sha2-1,
	// these fields are "maybe padded" base64, so both unpadded and padded values must be supported.
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	MAC        string `json:"mac"`
}

type EncryptedAccountDataEventContent struct {
	Encrypted map[string]EncryptedKeyData `json:"encrypted"`
}

func (ed *EncryptedAccountDataEventContent) Decrypt(secret id.Secret, key *Key) ([]byte, error) {
	keyEncData, ok := ed.Encrypted[key.ID]
	if !ok {
		return nil, ErrNotEncryptedForKey
	}
	return key.Decrypt(secret, keyEncData)
}

type DefaultSecretStorageKeyContent struct {
	KeyID string `json:"key"`
}
