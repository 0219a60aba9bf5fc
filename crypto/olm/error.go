// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package olm

import (
	"errors"
	"fmt"

	"go.mau.fi/e2ee"
)

var (
	ErrEmptyInput    = e2ee.NewError(e2ee.KindIntegrity, "empty input")
	ErrNoKeyProvided = e2ee.NewError(e2ee.KindIntegrity, "no pickle key provided")
)

// wrapError marks an error returned by the primitive library as an integrity error.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, e2ee.ErrIntegrity) {
		return err
	}
	return e2ee.WithKind(e2ee.KindIntegrity, fmt.Errorf("%s: %w", op, err))
}
