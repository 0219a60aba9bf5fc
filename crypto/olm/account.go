// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package olm

import (
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/crypto/goolm/account"

	"go.mau.fi/e2ee/id"
)

// Account holds the long-term identity keys of this device.
type Account struct {
	internal *account.Account
}

// NewAccount generates a new account with fresh identity keys.
func NewAccount() (*Account, error) {
	acc, err := account.NewAccount()
	if err != nil {
		return nil, wrapError("failed to create account", err)
	}
	return &Account{internal: acc}, nil
}

// AccountFromPickled loads an account pickled with Pickle using the same key.
func AccountFromPickled(pickled, key []byte) (*Account, error) {
	if len(pickled) == 0 {
		return nil, ErrEmptyInput
	} else if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	acc, err := account.AccountFromPickled(pickled, key)
	if err != nil {
		return nil, wrapError("failed to unpickle account", err)
	}
	return &Account{internal: acc}, nil
}

func (a *Account) Pickle(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	pickled, err := a.internal.Pickle(key)
	return pickled, wrapError("failed to pickle account", err)
}

// IdentityKeys returns the public ed25519 signing key and curve25519 identity key of the account.
func (a *Account) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	keysJSON, err := a.internal.IdentityKeysJSON()
	if err != nil {
		return "", "", wrapError("failed to get identity keys", err)
	}
	parsed := gjson.ParseBytes(keysJSON)
	return id.Ed25519(parsed.Get("ed25519").Str), id.Curve25519(parsed.Get("curve25519").Str), nil
}

// NewOutboundSession starts a new Olm session with another device using one of its one-time keys.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (*Session, error) {
	if theirIdentityKey == "" || theirOneTimeKey == "" {
		return nil, ErrEmptyInput
	}
	sess, err := a.internal.NewOutboundSession(toCurve(theirIdentityKey), toCurve(theirOneTimeKey))
	if err != nil {
		return nil, wrapError("failed to create outbound session", err)
	}
	return &Session{internal: sess}, nil
}
