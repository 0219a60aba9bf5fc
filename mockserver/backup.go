// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/id"
)

var errNoBackup = e2ee.RespError{ErrCode: e2ee.MNotFound.ErrCode, Err: "No current backup version", StatusCode: http.StatusNotFound}

// CreateBackup registers a new backup version and makes it the latest one.
func (ms *MockServer) CreateBackup(version id.KeyBackupVersion, authData backup.MegolmAuthData) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.BackupVersions[version] = &e2ee.RespRoomKeysVersion[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  authData,
		ETag:      "0",
		Version:   version,
	}
	ms.BackupKeys[version] = map[id.RoomID]map[id.SessionID]BackupEntry{}
	ms.LatestBackupVersion = version
}

// AddBackupSession encrypts the given session data with the backup key and stores it in the backup.
func (ms *MockServer) AddBackupSession(t *testing.T, version id.KeyBackupVersion, key *backup.MegolmBackupKey, roomID id.RoomID, sessionID id.SessionID, firstIndex int, data backup.MegolmSessionData) {
	t.Helper()
	encrypted, err := backup.EncryptSessionData(key, data)
	require.NoError(t, err)
	ms.PutBackupEntry(version, roomID, sessionID, BackupEntry{
		FirstMessageIndex: firstIndex,
		SessionData:       *encrypted,
	})
}

// PutBackupEntry stores a raw backup entry.
func (ms *MockServer) PutBackupEntry(version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID, entry BackupEntry) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	rooms, ok := ms.BackupKeys[version]
	if !ok {
		rooms = map[id.RoomID]map[id.SessionID]BackupEntry{}
		ms.BackupKeys[version] = rooms
	}
	if _, ok = rooms[roomID]; !ok {
		rooms[roomID] = map[id.SessionID]BackupEntry{}
	}
	rooms[roomID][sessionID] = entry
	if ver, ok := ms.BackupVersions[version]; ok {
		ver.Count = 0
		for _, sessions := range rooms {
			ver.Count += len(sessions)
		}
	}
}

func (ms *MockServer) getBackupLatestVersion(w http.ResponseWriter, r *http.Request) {
	ver, ok := ms.BackupVersions[ms.LatestBackupVersion]
	if !ok {
		writeError(w, errNoBackup)
		return
	}
	writeJSON(w, ver)
}

func (ms *MockServer) getBackupVersion(w http.ResponseWriter, r *http.Request) {
	ver, ok := ms.BackupVersions[id.KeyBackupVersion(r.PathValue("version"))]
	if !ok {
		writeError(w, errNoBackup)
		return
	}
	writeJSON(w, ver)
}

func (ms *MockServer) getBackupRooms(w http.ResponseWriter, r *http.Request) (map[id.RoomID]map[id.SessionID]BackupEntry, bool) {
	version := id.KeyBackupVersion(r.URL.Query().Get("version"))
	if version != ms.LatestBackupVersion {
		writeError(w, e2ee.MWrongRoomKeysVersion)
		return nil, false
	}
	return ms.BackupKeys[version], true
}

func (ms *MockServer) getBackupKeys(w http.ResponseWriter, r *http.Request) {
	rooms, ok := ms.getBackupRooms(w, r)
	if !ok {
		return
	}
	resp := e2ee.RespRoomKeys[backup.EncryptedSessionData[backup.MegolmSessionData]]{
		Rooms: map[id.RoomID]e2ee.RespRoomKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{},
	}
	for roomID, sessions := range rooms {
		resp.Rooms[roomID] = e2ee.RespRoomKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{Sessions: sessions}
	}
	writeJSON(w, &resp)
}

func (ms *MockServer) getBackupRoomKeys(w http.ResponseWriter, r *http.Request) {
	rooms, ok := ms.getBackupRooms(w, r)
	if !ok {
		return
	}
	sessions, ok := rooms[id.RoomID(r.PathValue("roomID"))]
	if !ok {
		sessions = map[id.SessionID]BackupEntry{}
	}
	writeJSON(w, &e2ee.RespRoomKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{Sessions: sessions})
}

func (ms *MockServer) getBackupOneKey(w http.ResponseWriter, r *http.Request) {
	rooms, ok := ms.getBackupRooms(w, r)
	if !ok {
		return
	}
	entry, ok := rooms[id.RoomID(r.PathValue("roomID"))][id.SessionID(r.PathValue("sessionID"))]
	if !ok {
		writeError(w, e2ee.RespError{ErrCode: e2ee.MNotFound.ErrCode, Err: "Key not found", StatusCode: http.StatusNotFound})
		return
	}
	writeJSON(w, &entry)
}
