// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package olm is a thin adapter over the goolm implementation of the Olm and
// Megolm ratchets. It converts between identifier types and classifies every
// primitive failure as an integrity error before it leaves the package.
package olm

import (
	mid "maunium.net/go/mautrix/id"

	"go.mau.fi/e2ee/id"
)

func toCurve(key id.Curve25519) mid.Curve25519 {
	return mid.Curve25519(key)
}
