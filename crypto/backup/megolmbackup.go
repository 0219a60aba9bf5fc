// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"go.mau.fi/e2ee/crypto/signatures"
	"go.mau.fi/e2ee/id"
)

// MegolmAuthData is the auth_data when the key backup is created with
// the [id.KeyBackupAlgorithmMegolmBackupV1] algorithm.
//
// The private_key_* fields are only present if the backup key was derived
// from a passphrase.
//
// https://spec.matrix.org/v1.13/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
type MegolmAuthData struct {
	PublicKey  id.Curve25519         `json:"public_key"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`

	PrivateKeySalt       string `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int    `json:"private_key_iterations,omitempty"`
	PrivateKeyBits       int    `json:"private_key_bits,omitempty"`
}

// HasPassphrase returns true if the auth data contains the parameters needed to derive the key from a passphrase.
func (ad *MegolmAuthData) HasPassphrase() bool {
	return ad.PrivateKeySalt != "" && ad.PrivateKeyIterations > 0
}

type SenderClaimedKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// MegolmSessionData is the decrypted session_data when the key backup is created
// with the [id.KeyBackupAlgorithmMegolmBackupV1] algorithm.
type MegolmSessionData struct {
	Algorithm          id.Algorithm      `json:"algorithm"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
	SenderClaimedKeys  SenderClaimedKeys `json:"sender_claimed_keys"`
	SenderKey          id.SenderKey      `json:"sender_key"`
	SessionKey         string            `json:"session_key"`
}
