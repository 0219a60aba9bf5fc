// Copyright (c) 2020 Nikos Filippakis
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/id"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	rawDB, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000")
	require.NoError(t, err, "Error opening raw database")
	// Every connection to :memory: gets its own database
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = rawDB.Close()
	})
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	require.NoError(t, err, "Error creating database wrapper")
	sqlStore := NewSQLStore(db, dbutil.NoopLogger, "accid", "dev", []byte("test"))
	require.NoError(t, sqlStore.Upgrade(context.Background()), "Error upgrading database")
	return sqlStore
}

func getCryptoStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sql":    newSQLStore(t),
		"memory": NewMemoryStore(),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for storeName, store := range getCryptoStores(t) {
		t.Run(storeName, func(t *testing.T) {
			fn(t, store)
		})
	}
}

func randomCurveKey(t *testing.T) id.Curve25519 {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(priv.PublicKey().Bytes()))
}

func TestStore_Account(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		acc, err := store.GetAccount(ctx)
		require.NoError(t, err)
		assert.Nil(t, acc)

		acc, err = olm.NewAccount()
		require.NoError(t, err)
		require.NoError(t, store.PutAccount(ctx, acc))
		retrieved, err := store.GetAccount(ctx)
		require.NoError(t, err)
		require.NotNil(t, retrieved)

		expectedEd, expectedCurve, err := acc.IdentityKeys()
		require.NoError(t, err)
		ed, curve, err := retrieved.IdentityKeys()
		require.NoError(t, err)
		assert.Equal(t, expectedEd, ed, "Signing key does not match")
		assert.Equal(t, expectedCurve, curve, "Identity key does not match")
	})
}

func TestStore_OlmSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		acc, err := olm.NewAccount()
		require.NoError(t, err)
		theirKey := randomCurveKey(t)

		sess, err := store.GetLatestSession(ctx, theirKey)
		require.NoError(t, err)
		assert.Nil(t, sess)

		internal, err := acc.NewOutboundSession(theirKey, randomCurveKey(t))
		require.NoError(t, err)
		olmSess := wrapSession(internal)
		require.NoError(t, store.AddSession(ctx, theirKey, olmSess))

		_, _, err = olmSess.Encrypt([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, store.UpdateSession(ctx, theirKey, olmSess))

		retrieved, err := store.GetLatestSession(ctx, theirKey)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, olmSess.ID(), retrieved.ID())
	})
}

func TestStore_GroupSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.com")
		ogs, err := NewOutboundGroupSession(roomID, RotationPolicy{})
		require.NoError(t, err)
		igs, err := NewInboundGroupSession(randomCurveKey(t), "signingkey", roomID, ogs.Internal.Key())
		require.NoError(t, err)
		igs.ForwardingChains = []string{"key1", "key2"}

		missing, err := store.GetGroupSession(ctx, roomID, igs.ID())
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, store.PutGroupSession(ctx, igs))
		retrieved, err := store.GetGroupSession(ctx, roomID, igs.ID())
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, ogs.ID(), retrieved.ID())
		assert.Equal(t, igs.SenderKey, retrieved.SenderKey)
		assert.Equal(t, igs.SigningKey, retrieved.SigningKey)
		assert.Equal(t, []string{"key1", "key2"}, retrieved.ForwardingChains)
		assert.False(t, retrieved.ReshareForbidden)

		retrieved.ReshareForbidden = true
		require.NoError(t, store.PutGroupSession(ctx, retrieved))
		retrieved, err = store.GetGroupSession(ctx, roomID, igs.ID())
		require.NoError(t, err)
		assert.True(t, retrieved.ReshareForbidden)

		otherRoom, err := store.GetGroupSession(ctx, "!other:example.com", igs.ID())
		require.NoError(t, err)
		assert.Nil(t, otherRoom)

		all, err := store.GetGroupSessionsForRoom(ctx, roomID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_ValidateMessageIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		senderKey := randomCurveKey(t)

		ok, err := store.ValidateMessageIndex(ctx, senderKey, "sess1", "event1", 0, 1000)
		require.NoError(t, err)
		assert.True(t, ok, "First message not validated successfully")

		ok, err = store.ValidateMessageIndex(ctx, senderKey, "sess1", "event1", 0, 1000)
		require.NoError(t, err)
		assert.True(t, ok, "Same message not validated successfully")

		ok, err = store.ValidateMessageIndex(ctx, senderKey, "sess1", "event1", 0, 1001)
		require.NoError(t, err)
		assert.False(t, ok, "Different timestamp validated successfully")

		ok, err = store.ValidateMessageIndex(ctx, senderKey, "sess1", "event2", 0, 1000)
		require.NoError(t, err)
		assert.False(t, ok, "Different event ID validated successfully")

		ok, err = store.ValidateMessageIndex(ctx, senderKey, "sess1", "event2", 1, 1000)
		require.NoError(t, err)
		assert.True(t, ok, "Next index not validated successfully")
	})
}

func TestStore_OutboundGroupSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.com")
		policy := RotationPolicy{MaxMessages: 50}

		sess, err := store.GetOutboundGroupSession(ctx, roomID)
		require.NoError(t, err)
		assert.Nil(t, sess)
		require.NoError(t, store.RemoveOutboundGroupSession(ctx, roomID), "Removing a missing session should be a no-op")

		ogs, err := NewOutboundGroupSession(roomID, policy)
		require.NoError(t, err)
		_, err = ogs.Encrypt([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, store.PutOutboundGroupSession(ctx, ogs))

		retrieved, err := store.GetOutboundGroupSession(ctx, roomID)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, ogs.ID(), retrieved.ID())
		assert.Equal(t, uint(1), retrieved.MessageIndex())
		assert.Equal(t, 1, retrieved.MessageCount)
		assert.Equal(t, policy, retrieved.Policy)

		discarded, err := store.IsOutboundSessionDiscarded(ctx, ogs.ID())
		require.NoError(t, err)
		assert.False(t, discarded)

		require.NoError(t, store.RemoveOutboundGroupSession(ctx, roomID))
		sess, err = store.GetOutboundGroupSession(ctx, roomID)
		require.NoError(t, err)
		assert.Nil(t, sess)
		discarded, err = store.IsOutboundSessionDiscarded(ctx, ogs.ID())
		require.NoError(t, err)
		assert.True(t, discarded)

		err = store.PutOutboundGroupSession(ctx, ogs)
		assert.ErrorIs(t, err, ErrSessionDiscarded)
	})
}

func TestStore_SharedWith(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		device := UserDevice{UserID: "@bob:example.com", DeviceID: "BOB"}
		_, shared, err := store.GetSharedIndex(ctx, "sess1", device)
		require.NoError(t, err)
		assert.False(t, shared)

		require.NoError(t, store.MarkSharedWith(ctx, "sess1", device, 4))
		index, shared, err := store.GetSharedIndex(ctx, "sess1", device)
		require.NoError(t, err)
		assert.True(t, shared)
		assert.Equal(t, uint32(4), index)

		_, shared, err = store.GetSharedIndex(ctx, "sess2", device)
		require.NoError(t, err)
		assert.False(t, shared)
	})
}

func TestStore_Devices(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		userID := id.UserID("@bob:example.com")
		devices, err := store.GetDevices(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, devices, "Untracked user should have nil device list")

		require.NoError(t, store.PutDevices(ctx, userID, map[id.DeviceID]*id.Device{}))
		devices, err = store.GetDevices(ctx, userID)
		require.NoError(t, err)
		assert.NotNil(t, devices)
		assert.Empty(t, devices)

		newDevices := map[id.DeviceID]*id.Device{
			"DEV1": {UserID: userID, DeviceID: "DEV1", IdentityKey: randomCurveKey(t), SigningKey: "sign1", Trust: id.TrustStateVerified, Name: "Phone"},
			"DEV2": {UserID: userID, DeviceID: "DEV2", IdentityKey: randomCurveKey(t), SigningKey: "sign2", Trust: id.TrustStateBlacklisted},
		}
		require.NoError(t, store.PutDevices(ctx, userID, newDevices))
		devices, err = store.GetDevices(ctx, userID)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, newDevices["DEV1"].IdentityKey, devices["DEV1"].IdentityKey)
		assert.Equal(t, id.TrustStateVerified, devices["DEV1"].Trust)
		assert.Equal(t, "Phone", devices["DEV1"].Name)
		assert.Equal(t, id.TrustStateBlacklisted, devices["DEV2"].Trust)

		delete(newDevices, "DEV2")
		require.NoError(t, store.PutDevices(ctx, userID, newDevices))
		devices, err = store.GetDevices(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, devices, 1)
		assert.Contains(t, devices, id.DeviceID("DEV1"))
	})
}
