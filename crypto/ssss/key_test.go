// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/ssss"
	"go.mau.fi/e2ee/id"
)

// Two keys created by another client: one derived from a passphrase, one random.
type fixtureKey struct {
	id          string
	meta        string
	recoveryKey string
	passphrase  string
}

var passphraseKey = fixtureKey{
	id: "gEJqbfSEMnP5JXXcukpXEX1l0aI3MDs0",
	meta: `{
		"algorithm": "m.secret_storage.v1.aes-hmac-sha2",
		"passphrase": {"algorithm": "m.pbkdf2", "iterations": 500000, "salt": "y863BOoqOadgDp8S3FtHXikDJEalsQ7d"},
		"iv": "xxkTK0L4UzxgAFkQ6XPwsw==",
		"mac": "MEhooO0ZhFJNxUhvRMSxBnJfL20wkLgle3ocY0ee/eA="
	}`,
	recoveryKey: "EsTE s92N EtaX s2h6 VQYF 9Kao tHYL mkyL GKMh isZb KJ4E tvoC",
	passphrase:  "correct horse battery staple",
}

var randomKey = fixtureKey{
	id: "NVe5vK6lZS9gEMQLJw0yqkzmE5Mr7dLv",
	meta: `{
		"algorithm": "m.secret_storage.v1.aes-hmac-sha2",
		"iv": "O0BOvTqiIAYjC+RMcyHfWw==",
		"mac": "7k6OruQlWg0UmQjxGZ0ad4Q6DdwkgnoI7G6X3IjBYtI="
	}`,
	recoveryKey: "EsUC xSxt XJgQ dz19 8WBZ rHdE GZo7 ybsn EFmG Y5HY MDAG GNWe",
}

// The cross-signing master key, encrypted with passphraseKey.
const encryptedMasterKey = `{"encrypted": {"gEJqbfSEMnP5JXXcukpXEX1l0aI3MDs0": {
	"iv": "BpKP9nQJTE9jrsAssoxPqQ==",
	"ciphertext": "fNRiiiidezjerTgV+G6pUtmeF3izzj5re/mVvY0hO2kM6kYGrxLuIu2ej80=",
	"mac": "/gWGDGMyOLmbJp+aoSLh5JxCs0AdS6nAhjzpe+9G2Q0="
}}}`

var decryptedMasterKey = []byte{
	0x68, 0xf9, 0x7f, 0xd1, 0x92, 0x2e, 0xec, 0xf6,
	0xb8, 0x2b, 0xb8, 0x90, 0xd2, 0x4d, 0x06, 0x52,
	0x98, 0x4e, 0x7a, 0x1d, 0x70, 0x3b, 0x9e, 0x86,
	0x7b, 0x7e, 0xba, 0xf7, 0xfe, 0xb9, 0x5b, 0x6f,
}

func (fk fixtureKey) metadata(t *testing.T) *ssss.KeyMetadata {
	t.Helper()
	var km ssss.KeyMetadata
	require.NoError(t, json.Unmarshal([]byte(fk.meta), &km))
	return &km
}

func (fk fixtureKey) key(t *testing.T) *ssss.Key {
	t.Helper()
	key, err := fk.metadata(t).VerifyRecoveryKey(fk.recoveryKey)
	require.NoError(t, err)
	key.ID = fk.id
	return key
}

func TestKeyMetadata_Verify(t *testing.T) {
	testCases := []struct {
		name    string
		fixture fixtureKey
		verify  func(km *ssss.KeyMetadata) (*ssss.Key, error)
		err     error
	}{
		{"recovery key", passphraseKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyRecoveryKey(passphraseKey.recoveryKey)
		}, nil},
		{"recovery key without passphrase", randomKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyRecoveryKey(randomKey.recoveryKey)
		}, nil},
		{"passphrase", passphraseKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyPassphrase(passphraseKey.passphrase)
		}, nil},
		{"malformed recovery key", passphraseKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyRecoveryKey("foo")
		}, ssss.ErrInvalidRecoveryKey},
		{"other key's recovery key", passphraseKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyRecoveryKey(randomKey.recoveryKey)
		}, ssss.ErrWrongKey},
		{"wrong passphrase", passphraseKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyPassphrase("incorrect horse battery staple")
		}, ssss.ErrWrongKey},
		{"no passphrase", randomKey, func(km *ssss.KeyMetadata) (*ssss.Key, error) {
			return km.VerifyPassphrase("hmm")
		}, ssss.ErrNoPassphrase},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := tc.verify(tc.fixture.metadata(t))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Nil(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.fixture.recoveryKey, key.RecoveryKey())
		})
	}
}

func TestKeyMetadata_UnsupportedKDF(t *testing.T) {
	meta, err := sjson.Set(passphraseKey.meta, "passphrase.algorithm", "m.argon2")
	require.NoError(t, err)
	_, err = fixtureKey{meta: meta}.metadata(t).VerifyPassphrase(passphraseKey.passphrase)
	assert.ErrorIs(t, err, ssss.ErrUnsupportedPassphraseAlgorithm)
	assert.Equal(t, e2ee.KindConfiguration, e2ee.KindOf(err))
}

func TestKey_Decrypt(t *testing.T) {
	var content ssss.EncryptedAccountDataEventContent
	require.NoError(t, json.Unmarshal([]byte(encryptedMasterKey), &content))

	decrypted, err := content.Decrypt(id.SecretXSMaster, passphraseKey.key(t))
	require.NoError(t, err)
	assert.Equal(t, decryptedMasterKey, decrypted)

	_, err = content.Decrypt(id.SecretXSMaster, randomKey.key(t))
	assert.ErrorIs(t, err, ssss.ErrNotEncryptedForKey)

	impostor := randomKey.key(t)
	impostor.ID = passphraseKey.id
	_, err = content.Decrypt(id.SecretXSMaster, impostor)
	assert.ErrorIs(t, err, ssss.ErrKeyDataMACMismatch)
	assert.Equal(t, e2ee.KindIntegrity, e2ee.KindOf(err))

	// The secret name is part of key derivation.
	_, err = content.Decrypt(id.SecretXSSelfSigning, passphraseKey.key(t))
	assert.ErrorIs(t, err, ssss.ErrKeyDataMACMismatch)
}

func TestKey_EncryptDecrypt(t *testing.T) {
	key := randomKey.key(t)
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	encrypted := key.Encrypt("net.maunium.data", data)
	assert.NotContains(t, encrypted.MAC, "=")

	decrypted, err := key.Decrypt("net.maunium.data", encrypted)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)

	encrypted.Ciphertext = "!!"
	_, err = key.Decrypt("net.maunium.data", encrypted)
	assert.ErrorIs(t, err, ssss.ErrKeyDataMACMismatch)
}

func TestNewKey(t *testing.T) {
	ssss.DefaultPassphraseIterations = 1000
	key, err := ssss.NewKey("hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.Equal(t, key.ID, key.Metadata.ID())

	fromPassphrase, err := key.Metadata.VerifyPassphrase("hunter2")
	require.NoError(t, err)
	assert.Equal(t, key.Key, fromPassphrase.Key)
	fromRecoveryKey, err := key.Metadata.VerifyRecoveryKey(key.RecoveryKey())
	require.NoError(t, err)
	assert.Equal(t, key.Key, fromRecoveryKey.Key)

	_, err = key.Metadata.VerifyPassphrase("hunter3")
	assert.ErrorIs(t, err, ssss.ErrWrongKey)
	assert.Equal(t, e2ee.KindAuthentication, e2ee.KindOf(err))

	random, err := ssss.NewKey("")
	require.NoError(t, err)
	assert.Nil(t, random.Metadata.Passphrase)
	assert.NotEqual(t, key.ID, random.ID)
}

func TestEncryptForKeys(t *testing.T) {
	first, second := passphraseKey.key(t), randomKey.key(t)
	content := ssss.EncryptForKeys(id.SecretMegolmBackupV1, []byte("backup key"), first, second)
	assert.Len(t, content.Encrypted, 2)

	for _, key := range []*ssss.Key{first, second} {
		decrypted, err := content.Decrypt(id.SecretMegolmBackupV1, key)
		require.NoError(t, err)
		assert.Equal(t, "backup key", string(decrypted))
	}
}
