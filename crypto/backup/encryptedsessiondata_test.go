// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/jsonbytes"

	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/id"
)

// Entry produced by another client for the backup key below.
const knownEntry = `{
	"ciphertext": "hDCjEbyi2uMXt3RBWe9mRdeqhcoraPR84/cq5ll16LIIIICJ8ZLmiWG5IwmGqDFmd3Jw20cNo49b38LH3oBJUl5DG44VdjoI4nlgAzaMSLwMZ7JFGt0Enu1Csfgpvgt1qksTP6QB7YDwITD33iL7ucco1iOl7ABGzhyjCi2iZ3A6Xmx3RsAmHhmU5gJWE6/lIoI6/lh7dZFSfp4RTGfxQ8ToCCIsrgdx1weViv4I4ArXfcrdnaprPzP4cH77Ej1Wg1/bUHtB4C8nOiX+cYnOG29NbTHbtQF14zJpA+2XM2JngiLkss+NQj96PQzgPNhAMEFOLLy5ckY1WvS4sMMeCVzAyt5dwEGDcyxLTC4oJ/RrvLcHCHW0aOygPSlNoMRyDgC0f92+mPQGAmFv4GhfDFXfaauBxBdRAPjXj7Onn2B4UdfwQXGLT3RAihba8i9usOX5hLxqQqvtA3SUuV8hPrzHhpPEeRvx+PgZsXwV+gM7Aw3Mza6hwmILdngJh7NNQTINsCRqff9Ck3Kh7aSOoHsHvz7Ot+T514ObDwWYYCBMmS/6EG4XjSya6R98ggRWGrO9l21YYUvzBTv7OLtMck0Za3151Zqi/5LRKP95QIU",
	"ephemeral": "o43y/Mck1DExWdHr0+qbPJbjzO97+RH1mw6phLhYQj0",
	"mac": "Mnt8eXwFfjw"
}`

func knownBackupKey(t *testing.T) *backup.MegolmBackupKey {
	var raw jsonbytes.UnpaddedBytes
	require.NoError(t, raw.UnmarshalJSON([]byte(`"ReSMMZeRtDSdrwXzu2OvN0B73KUXkYPt3kaYfFIkw10"`)))
	key, err := backup.MegolmBackupKeyFromBytes(raw)
	require.NoError(t, err)
	return key
}

func parseEntry(t *testing.T, data string) *backup.EncryptedSessionData[backup.MegolmSessionData] {
	var esd backup.EncryptedSessionData[backup.MegolmSessionData]
	require.NoError(t, json.Unmarshal([]byte(data), &esd))
	return &esd
}

func TestEncryptedSessionData_DecryptKnownEntry(t *testing.T) {
	esd := parseEntry(t, knownEntry)
	assert.Equal(t, gjson.Get(knownEntry, "ephemeral").Str, string(must(json.Marshal(&esd.Ephemeral))[1:44]))

	session, err := esd.Decrypt(knownBackupKey(t))
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, session.Algorithm)
	assert.Equal(t, id.SenderKey("JUUfV6vErSATm3rIOU9DML+IX1SlYxnAAS824xhbhC4"), session.SenderKey)
	assert.Equal(t, id.Ed25519("R2UJWSfgGr64iPENthl/98WGqBtnNlYuP12d6TEuGo4"), session.SenderClaimedKeys.Ed25519)
	assert.Empty(t, session.ForwardingKeyChain)
	assert.Contains(t, session.SessionKey, "AQAAAABc1O9JP2")
}

func TestEncryptedSessionData_Tampered(t *testing.T) {
	key := knownBackupKey(t)
	for name, path := range map[string]string{
		"mac":       "mac",
		"ephemeral": "ephemeral",
	} {
		t.Run(name, func(t *testing.T) {
			fresh, err := backup.NewMegolmBackupKey()
			require.NoError(t, err)
			replacement := "AAAAAAAAAAA"
			if path == "ephemeral" {
				replacement = string(fresh.PublicKeyBase64())
			}
			tampered, err := sjson.Set(knownEntry, path, replacement)
			require.NoError(t, err)
			_, err = parseEntry(t, tampered).Decrypt(key)
			assert.ErrorIs(t, err, backup.ErrInvalidMAC)
		})
	}
}

func TestEncryptedSessionData_InvalidEphemeral(t *testing.T) {
	var esd backup.EncryptedSessionData[backup.MegolmSessionData]
	assert.Error(t, json.Unmarshal([]byte(`{"ephemeral": "dG9vIHNob3J0"}`), &esd))

	_, err := (&backup.EncryptedSessionData[backup.MegolmSessionData]{}).Decrypt(knownBackupKey(t))
	assert.ErrorIs(t, err, backup.ErrInvalidMAC)
}

func TestEncryptedSessionData_EncryptThroughJSON(t *testing.T) {
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	original := backup.MegolmSessionData{
		Algorithm:         id.AlgorithmMegolmV1,
		SenderKey:         "sender",
		SessionKey:        "session key",
		SenderClaimedKeys: backup.SenderClaimedKeys{Ed25519: "signing"},
	}
	encrypted, err := backup.EncryptSessionData(key, original)
	require.NoError(t, err)

	data, err := json.Marshal(encrypted)
	require.NoError(t, err)
	assert.Len(t, gjson.GetBytes(data, "ephemeral").Str, 43)
	assert.Len(t, gjson.GetBytes(data, "mac").Str, 11)

	decrypted, err := parseEntry(t, string(data)).Decrypt(key)
	require.NoError(t, err)
	assert.Equal(t, original.SessionKey, decrypted.SessionKey)
	assert.Equal(t, original.SenderClaimedKeys, decrypted.SenderClaimedKeys)
}

func TestEncryptedSessionData_MarshalInMap(t *testing.T) {
	key := knownBackupKey(t)
	sessions := map[id.SessionID]backup.EncryptedSessionData[backup.MegolmSessionData]{
		"session": *parseEntry(t, knownEntry),
	}
	data, err := json.Marshal(sessions)
	require.NoError(t, err)
	assert.Equal(t, "o43y/Mck1DExWdHr0+qbPJbjzO97+RH1mw6phLhYQj0", gjson.GetBytes(data, "session.ephemeral").Str)

	var parsed map[id.SessionID]backup.EncryptedSessionData[backup.MegolmSessionData]
	require.NoError(t, json.Unmarshal(data, &parsed))
	entry := parsed["session"]
	decrypted, err := entry.Decrypt(key)
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, decrypted.Algorithm)
}

func must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}
