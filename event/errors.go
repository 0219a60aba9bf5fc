// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import "errors"

// ErrUnsupportedAlgorithm is returned when an encrypted payload uses an algorithm other than Olm or Megolm v1.
var ErrUnsupportedAlgorithm = errors.New("event: unsupported encryption algorithm")
