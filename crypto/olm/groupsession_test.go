// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package olm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/olm"
)

func TestGroupSession_SendReceive(t *testing.T) {
	outbound, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	assert.EqualValues(t, 0, outbound.MessageIndex())

	inbound, err := olm.NewInboundGroupSession([]byte(outbound.Key()))
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), inbound.ID())

	for i := 0; i < 3; i++ {
		ciphertext, err := outbound.Encrypt([]byte("hello"))
		require.NoError(t, err)
		plaintext, index, err := inbound.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(plaintext))
		assert.EqualValues(t, i, index)
	}
	assert.EqualValues(t, 3, outbound.MessageIndex())
}

func TestGroupSession_ExportImport(t *testing.T) {
	outbound, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	inbound, err := olm.NewInboundGroupSession([]byte(outbound.Key()))
	require.NoError(t, err)

	first, err := outbound.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := outbound.Encrypt([]byte("second"))
	require.NoError(t, err)

	exported, err := inbound.Export(1)
	require.NoError(t, err)
	imported, err := olm.InboundGroupSessionImport(exported)
	require.NoError(t, err)
	assert.EqualValues(t, 1, imported.FirstKnownIndex())

	plaintext, _, err := imported.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(plaintext))

	_, _, err = imported.Decrypt(first)
	assert.ErrorIs(t, err, e2ee.ErrIntegrity)
}

func TestGroupSession_Pickle(t *testing.T) {
	key := []byte("pickle key")
	outbound, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	_, err = outbound.Encrypt([]byte("advance"))
	require.NoError(t, err)

	pickled, err := outbound.Pickle(key)
	require.NoError(t, err)
	restored, err := olm.OutboundGroupSessionFromPickled(pickled, key)
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), restored.ID())
	assert.Equal(t, outbound.MessageIndex(), restored.MessageIndex())

	_, err = olm.OutboundGroupSessionFromPickled(pickled, nil)
	assert.ErrorIs(t, err, olm.ErrNoKeyProvided)
}

func TestAccount_OutboundSession(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)

	signingKey, identityKey, err := alice.IdentityKeys()
	require.NoError(t, err)
	assert.NotEmpty(t, signingKey)
	assert.NotEmpty(t, identityKey)

	_, bobIdentity, err := bob.IdentityKeys()
	require.NoError(t, err)
	// Any curve25519 public key works as the one-time key for the outbound side.
	otkHolder, err := olm.NewAccount()
	require.NoError(t, err)
	_, otk, err := otkHolder.IdentityKeys()
	require.NoError(t, err)

	sess, err := alice.NewOutboundSession(bobIdentity, otk)
	require.NoError(t, err)
	msgType, ciphertext, err := sess.Encrypt([]byte("hi bob"))
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	assert.EqualValues(t, 0, msgType)

	pickled, err := sess.Pickle([]byte("k"))
	require.NoError(t, err)
	restored, err := olm.SessionFromPickled(pickled, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), restored.ID())
}
