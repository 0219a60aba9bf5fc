// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
)

// Errors returned by EncryptEventContent.
var (
	ErrDeviceKeyMissing   = e2ee.NewError(e2ee.KindConfiguration, "recipient has no devices with identity keys")
	ErrNoSessionAvailable = e2ee.NewError(e2ee.KindProtocol, "couldn't establish olm session with device")
	ErrSessionDiscarded   = e2ee.NewError(e2ee.KindIntegrity, "outbound group session has been discarded")
)

// Errors related to room configuration.
var (
	ErrUnsupportedAlgorithm = e2ee.WithKind(e2ee.KindConfiguration, event.ErrUnsupportedAlgorithm)
	ErrRoomNotEncrypted     = e2ee.NewError(e2ee.KindConfiguration, "room is not encrypted")
	ErrNoStateStore         = e2ee.NewError(e2ee.KindConfiguration, "machine doesn't have a state store")
)

// Errors returned when validating device keys.
var (
	ErrMismatchingDeviceID   = e2ee.NewError(e2ee.KindProtocol, "mismatching device ID in parameter and keys object")
	ErrMismatchingUserID     = e2ee.NewError(e2ee.KindProtocol, "mismatching user ID in parameter and keys object")
	ErrMismatchingSigningKey = e2ee.NewError(e2ee.KindProtocol, "received update for device with different signing key")
	ErrNoSigningKeyFound     = e2ee.NewError(e2ee.KindProtocol, "didn't find ed25519 signing key")
	ErrNoIdentityKeyFound    = e2ee.NewError(e2ee.KindProtocol, "didn't find curve25519 identity key")
	ErrInvalidKeySignature   = e2ee.NewError(e2ee.KindIntegrity, "invalid signature on device keys")
)

// Errors returned by the key sharing and decryption code.
var (
	ErrSenderKeyMismatch            = e2ee.NewError(e2ee.KindProtocol, "sender key doesn't match the recorded originator of the session")
	ErrNotSelfOriginated            = e2ee.NewError(e2ee.KindProtocol, "session was not created by this device")
	ErrReshareForbidden             = e2ee.NewError(e2ee.KindProtocol, "resharing the session is forbidden")
	ErrNotSharedWithDevice          = e2ee.NewError(e2ee.KindProtocol, "session was never shared with the device")
	ErrNoGroupSession               = e2ee.NewError(e2ee.KindIntegrity, "unknown group session")
	ErrWrongRoom                    = e2ee.NewError(e2ee.KindIntegrity, "encrypted megolm event is not intended for this room")
	ErrDuplicateMessageIndex        = e2ee.NewError(e2ee.KindIntegrity, "duplicate megolm message index")
	ErrMismatchingSessionID         = e2ee.NewError(e2ee.KindIntegrity, "mismatching session ID in imported session")
	ErrUnsupportedAlgorithmInBackup = e2ee.NewError(e2ee.KindIntegrity, "unsupported algorithm in backed up session")
)
