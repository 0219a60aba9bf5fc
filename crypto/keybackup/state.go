// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"go.mau.fi/e2ee/id"
)

// State is a step of the key backup restore flow.
type State int

const (
	StateIdle State = iota
	StateFetchingVersion
	StateHaveVersion
	StateNoBackup
	StateAwaitingPassphrase
	StateAwaitingRecoveryKey
	StateAwaitingSecureStorageUnlock
	StateDecrypting
	StateImporting
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingVersion:
		return "fetching_version"
	case StateHaveVersion:
		return "have_version"
	case StateNoBackup:
		return "no_backup"
	case StateAwaitingPassphrase:
		return "awaiting_passphrase"
	case StateAwaitingRecoveryKey:
		return "awaiting_recovery_key"
	case StateAwaitingSecureStorageUnlock:
		return "awaiting_secure_storage_unlock"
	case StateDecrypting:
		return "decrypting"
	case StateImporting:
		return "importing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// busy states are driven by the engine itself rather than by caller input.
func (s State) busy() bool {
	return s == StateFetchingVersion || s == StateDecrypting || s == StateImporting
}

// ErrorKind tells why a restore ended up in StateError.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorWrongPassphrase
	ErrorWrongRecoveryKey
	ErrorSecretUnavailable
	ErrorDecryptionFailed
	ErrorNetwork
	ErrorUnsupportedVersion
	ErrorCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return ""
	case ErrorWrongPassphrase:
		return "wrong_passphrase"
	case ErrorWrongRecoveryKey:
		return "wrong_recovery_key"
	case ErrorSecretUnavailable:
		return "secret_unavailable"
	case ErrorDecryptionFailed:
		return "decryption_failed"
	case ErrorNetwork:
		return "network"
	case ErrorUnsupportedVersion:
		return "unsupported_version"
	case ErrorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Path is a way of obtaining the backup decryption key.
type Path int

const (
	PathPassphrase Path = iota
	PathRecoveryKey
	PathSecureStorage
)

func (p Path) String() string {
	switch p {
	case PathPassphrase:
		return "passphrase"
	case PathRecoveryKey:
		return "recovery_key"
	case PathSecureStorage:
		return "secure_storage"
	default:
		return "unknown"
	}
}

// Navigation is a one-shot hint for the UI that accompanies an update.
type Navigation int

const (
	NavigateNone Navigation = iota
	NavigateToRecoverWithKey
	NavigateToSuccess
	NavigateToSecureStorage
	NavigateFailedToLoadSecureStorage
)

func (n Navigation) String() string {
	switch n {
	case NavigateNone:
		return ""
	case NavigateToRecoverWithKey:
		return "recover_with_key"
	case NavigateToSuccess:
		return "success"
	case NavigateToSecureStorage:
		return "secure_storage"
	case NavigateFailedToLoadSecureStorage:
		return "failed_to_load_secure_storage"
	default:
		return "unknown"
	}
}

// Update is a snapshot of the restore state delivered to listeners.
type Update struct {
	State     State
	Error     error
	ErrorKind ErrorKind
	Version   id.KeyBackupVersion

	// Total is the number of sessions in the backup, known once the keys have been downloaded.
	Total    int
	Imported int
	// Skipped counts sessions that were already stored locally with at least as much history.
	Skipped int
	Failed  int

	Navigation Navigation
	// Loading is a progress message, empty when nothing is in flight.
	Loading string
}
