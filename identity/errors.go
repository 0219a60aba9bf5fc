// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package identity

import (
	"go.mau.fi/e2ee"
)

var (
	ErrNoIdentityServerConfigured = e2ee.NewError(e2ee.KindConfiguration, "no identity server configured")
	ErrInvalidServerURL           = e2ee.NewError(e2ee.KindConfiguration, "invalid identity server URL")
	ErrServerChanged              = e2ee.NewError(e2ee.KindConfiguration, "identity server was changed during registration")
	ErrEmptyToken                 = e2ee.NewError(e2ee.KindProtocol, "identity server didn't return a token")
)
