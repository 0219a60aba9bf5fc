// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"context"
	"fmt"

	"go.mau.fi/e2ee"
)

var (
	ErrWrongPassphrase   = e2ee.NewError(e2ee.KindAuthentication, "passphrase doesn't match the key backup")
	ErrWrongRecoveryKey  = e2ee.NewError(e2ee.KindAuthentication, "recovery key doesn't match the key backup")
	ErrSecretUnavailable = e2ee.NewError(e2ee.KindAuthentication, "backup key is not available from secure storage")
	ErrDecryptionFailed  = e2ee.NewError(e2ee.KindIntegrity, "some backed up sessions could not be restored")
	ErrCancelled         = fmt.Errorf("restore was cancelled: %w", context.Canceled)

	ErrUnsupportedBackupAlgorithm = e2ee.NewError(e2ee.KindConfiguration, "unsupported key backup algorithm")
	ErrNoPassphraseSalt           = e2ee.NewError(e2ee.KindConfiguration, "key backup was not created from a passphrase")
	ErrSecureStorageNotConfigured = e2ee.NewError(e2ee.KindConfiguration, "secure storage doesn't contain the backup key")
	ErrRestoreInProgress          = e2ee.NewError(e2ee.KindConfiguration, "a restore of this backup version is already in progress")
	ErrInvalidTransition          = e2ee.NewError(e2ee.KindProtocol, "input is not allowed in the current restore state")
)
