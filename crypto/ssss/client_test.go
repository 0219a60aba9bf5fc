// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/ssss"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/mockserver"
)

const testUser id.UserID = "@alice:example.com"

func setupSecretStorage(t *testing.T, passphrase string) (*mockserver.MockServer, *ssss.Machine, *ssss.Key) {
	t.Helper()
	ssss.DefaultPassphraseIterations = 1000
	ms := mockserver.Create(t)
	client := ms.Login(t, testUser, "ALICE")

	key, err := ssss.NewKey(passphrase)
	require.NoError(t, err)
	ms.SetAccountData(t, testUser, event.AccountDataSecretStorageKey(key.ID).Type, key.Metadata)
	ms.SetAccountData(t, testUser, event.AccountDataSecretStorageDefaultKey.Type, &ssss.DefaultSecretStorageKeyContent{KeyID: key.ID})
	return ms, ssss.NewSSSSMachine(client), key
}

func TestMachine_Unlock(t *testing.T) {
	ms, mach, key := setupSecretStorage(t, "hunter2")
	secret := []byte("backup key goes here")
	ms.SetAccountData(t, testUser, string(id.SecretMegolmBackupV1), ssss.EncryptForKeys(id.SecretMegolmBackupV1, secret, key))

	ctx := context.Background()
	configured, err := mach.IsConfigured(ctx)
	require.NoError(t, err)
	assert.True(t, configured)

	has, err := mach.HasSecret(ctx, id.SecretMegolmBackupV1)
	require.NoError(t, err)
	assert.True(t, has)

	decrypted, err := mach.Unlock(ctx, id.SecretMegolmBackupV1, ssss.WithPassphrase("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)

	decrypted, err = mach.Unlock(ctx, id.SecretMegolmBackupV1, ssss.WithRecoveryKey(key.RecoveryKey()))
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)
}

func TestMachine_Unlock_WrongPassphrase(t *testing.T) {
	ms, mach, key := setupSecretStorage(t, "hunter2")
	ms.SetAccountData(t, testUser, string(id.SecretMegolmBackupV1), ssss.EncryptForKeys(id.SecretMegolmBackupV1, []byte("meow"), key))

	_, err := mach.Unlock(context.Background(), id.SecretMegolmBackupV1, ssss.WithPassphrase("hunter3"))
	assert.ErrorIs(t, err, ssss.ErrWrongKey)
	assert.Equal(t, e2ee.KindAuthentication, e2ee.KindOf(err))
	// The secret itself must not be fetched with an unverified key.
	assert.Equal(t, 2, ms.RequestCount(mockserver.RouteGetAccountData))
}

func TestMachine_Unlock_InvalidRecoveryKey(t *testing.T) {
	_, mach, _ := setupSecretStorage(t, "")
	_, err := mach.Unlock(context.Background(), id.SecretMegolmBackupV1, ssss.WithRecoveryKey("EsT1 not a key"))
	assert.ErrorIs(t, err, ssss.ErrInvalidRecoveryKey)
	assert.ErrorIs(t, err, ssss.ErrWrongKey)

	_, err = mach.Unlock(context.Background(), id.SecretMegolmBackupV1, ssss.WithPassphrase("no passphrase on this key"))
	assert.ErrorIs(t, err, ssss.ErrNoPassphrase)
}

func TestMachine_Unlock_SecretMissing(t *testing.T) {
	_, mach, key := setupSecretStorage(t, "hunter2")
	ctx := context.Background()

	has, err := mach.HasSecret(ctx, id.SecretMegolmBackupV1)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = mach.Unlock(ctx, id.SecretMegolmBackupV1, ssss.WithRecoveryKey(key.RecoveryKey()))
	assert.ErrorIs(t, err, ssss.ErrSecretNotFound)
	assert.Equal(t, e2ee.KindConfiguration, e2ee.KindOf(err))
}

func TestMachine_Unlock_EncryptedForOtherKey(t *testing.T) {
	ms, mach, key := setupSecretStorage(t, "")
	otherKey, err := ssss.NewKey("")
	require.NoError(t, err)
	ms.SetAccountData(t, testUser, string(id.SecretMegolmBackupV1), ssss.EncryptForKeys(id.SecretMegolmBackupV1, []byte("meow"), otherKey))

	_, err = mach.Unlock(context.Background(), id.SecretMegolmBackupV1, ssss.WithRecoveryKey(key.RecoveryKey()))
	assert.ErrorIs(t, err, ssss.ErrNotEncryptedForKey)
	assert.ErrorIs(t, err, ssss.ErrSecretNotFound)
}

func TestMachine_NotConfigured(t *testing.T) {
	ms := mockserver.Create(t)
	mach := ssss.NewSSSSMachine(ms.Login(t, testUser, "ALICE"))

	configured, err := mach.IsConfigured(context.Background())
	require.NoError(t, err)
	assert.False(t, configured)

	_, err = mach.Unlock(context.Background(), id.SecretMegolmBackupV1, ssss.WithPassphrase("meow"))
	assert.ErrorIs(t, err, ssss.ErrNoDefaultKeyID)
	assert.Equal(t, e2ee.KindConfiguration, e2ee.KindOf(err))
}
