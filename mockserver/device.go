// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/signatures"
	"go.mau.fi/e2ee/id"
)

// TestDevice is a remote device with real identity keys that can publish signed device and one-time keys.
type TestDevice struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	SigningKey  ed25519.PrivateKey
	IdentityKey *ecdh.PrivateKey

	otkCounter int
}

func NewTestDevice(t *testing.T, userID id.UserID, deviceID id.DeviceID) *TestDevice {
	t.Helper()
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	identityKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &TestDevice{
		UserID:      userID,
		DeviceID:    deviceID,
		SigningKey:  signingKey,
		IdentityKey: identityKey,
	}
}

func (td *TestDevice) Ed25519() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(td.SigningKey.Public().(ed25519.PublicKey)))
}

func (td *TestDevice) Curve25519() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(td.IdentityKey.PublicKey().Bytes()))
}

func (td *TestDevice) sign(t *testing.T, data any) signatures.Signatures {
	t.Helper()
	sig, err := signatures.SignJSON(data, td.SigningKey)
	require.NoError(t, err)
	return signatures.NewSingleSignature(td.UserID, id.KeyAlgorithmEd25519, td.DeviceID.String(), sig)
}

// DeviceKeys returns the self-signed device keys of this device.
func (td *TestDevice) DeviceKeys(t *testing.T) e2ee.DeviceKeys {
	t.Helper()
	keys := e2ee.DeviceKeys{
		UserID:     td.UserID,
		DeviceID:   td.DeviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: e2ee.KeyMap{
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, td.DeviceID):    td.Ed25519().String(),
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, td.DeviceID): td.Curve25519().String(),
		},
	}
	keys.Signatures = td.sign(t, keys)
	return keys
}

// NewOneTimeKey generates a new signed curve25519 one-time key.
func (td *TestDevice) NewOneTimeKey(t *testing.T) (id.KeyID, e2ee.OneTimeKey) {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	td.otkCounter++
	otk := e2ee.OneTimeKey{Key: id.Curve25519(base64.RawStdEncoding.EncodeToString(priv.PublicKey().Bytes()))}
	otk.Signatures = td.sign(t, otk)
	return id.NewKeyID(id.KeyAlgorithmSignedCurve25519, fmt.Sprintf("AAAA%d", td.otkCounter)), otk
}

// AddDevice publishes the device keys and the given number of one-time keys of a test device.
func (ms *MockServer) AddDevice(t *testing.T, device *TestDevice, oneTimeKeys int) {
	t.Helper()
	keys := device.DeviceKeys(t)
	otks := make(map[id.KeyID]e2ee.OneTimeKey, oneTimeKeys)
	for i := 0; i < oneTimeKeys; i++ {
		keyID, otk := device.NewOneTimeKey(t)
		otks[keyID] = otk
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if _, ok := ms.DeviceKeys[device.UserID]; !ok {
		ms.DeviceKeys[device.UserID] = map[id.DeviceID]e2ee.DeviceKeys{}
		ms.OneTimeKeys[device.UserID] = map[id.DeviceID]map[id.KeyID]e2ee.OneTimeKey{}
	}
	ms.DeviceKeys[device.UserID][device.DeviceID] = keys
	if _, ok := ms.OneTimeKeys[device.UserID][device.DeviceID]; !ok {
		ms.OneTimeKeys[device.UserID][device.DeviceID] = map[id.KeyID]e2ee.OneTimeKey{}
	}
	for keyID, otk := range otks {
		ms.OneTimeKeys[device.UserID][device.DeviceID][keyID] = otk
	}
}

// PutDeviceKeys publishes arbitrary device keys without one-time keys, e.g. to test signature validation.
func (ms *MockServer) PutDeviceKeys(keys e2ee.DeviceKeys) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if _, ok := ms.DeviceKeys[keys.UserID]; !ok {
		ms.DeviceKeys[keys.UserID] = map[id.DeviceID]e2ee.DeviceKeys{}
	}
	ms.DeviceKeys[keys.UserID][keys.DeviceID] = keys
}
