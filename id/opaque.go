// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"
)

// A RoomID is a string starting with ! that references a specific room.
// https://spec.matrix.org/v1.13/appendices/#room-ids
type RoomID string

// An EventID is a string starting with $ that references a specific event.
type EventID string

// A UserID is a string starting with @ that references a specific user.
type UserID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A KeyID is a string usually formatted as <algorithm>:<device_id> that is used as the key in deviceid-key mappings.
type KeyID string

// A KeyBackupVersion is the server-assigned identifier of a key backup generation.
type KeyBackupVersion string

// A Secret is the name of an entry in secret storage.
type Secret string

const (
	SecretMegolmBackupV1 Secret = "m.megolm_backup.v1"
	SecretXSMaster       Secret = "m.cross_signing.master"
	SecretXSSelfSigning  Secret = "m.cross_signing.self_signing"
	SecretXSUserSigning  Secret = "m.cross_signing.user_signing"
)

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (userID UserID) String() string {
	return string(userID)
}

// Homeserver returns the server name part of the user ID, or an empty string if the ID is malformed.
func (userID UserID) Homeserver() string {
	_, server, err := userID.Parse()
	if err != nil {
		return ""
	}
	return server
}

// Parse splits the user ID into the localpart and server name.
func (userID UserID) Parse() (localpart, homeserver string, err error) {
	if len(userID) == 0 || userID[0] != '@' || !strings.ContainsRune(string(userID), ':') {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	localpart, homeserver, _ = strings.Cut(string(userID)[1:], ":")
	return
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (keyID KeyID) String() string {
	return string(keyID)
}

func (version KeyBackupVersion) String() string {
	return string(version)
}

func (secret Secret) String() string {
	return string(secret)
}
