// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package olm

import (
	"maunium.net/go/mautrix/crypto/goolm/session"
	mid "maunium.net/go/mautrix/id"

	"go.mau.fi/e2ee/id"
)

type primitiveSession interface {
	ID() mid.SessionID
	Encrypt(plaintext []byte) (mid.OlmMsgType, []byte, error)
	Pickle(key []byte) ([]byte, error)
}

// Session is a one-to-one Olm session with another device.
type Session struct {
	internal primitiveSession
}

// SessionFromPickled loads a session pickled with Pickle using the same key.
func SessionFromPickled(pickled, key []byte) (*Session, error) {
	if len(pickled) == 0 {
		return nil, ErrEmptyInput
	} else if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	sess, err := session.OlmSessionFromPickled(pickled, key)
	if err != nil {
		return nil, wrapError("failed to unpickle olm session", err)
	}
	return &Session{internal: sess}, nil
}

func (s *Session) ID() id.SessionID {
	return id.SessionID(s.internal.ID())
}

// Encrypt encrypts a message for the other device. The returned ciphertext is base64.
func (s *Session) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	if len(plaintext) == 0 {
		return 0, nil, ErrEmptyInput
	}
	msgType, ciphertext, err := s.internal.Encrypt(plaintext)
	if err != nil {
		return 0, nil, wrapError("failed to encrypt olm message", err)
	}
	return id.OlmMsgType(msgType), ciphertext, nil
}

func (s *Session) Pickle(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	pickled, err := s.internal.Pickle(key)
	return pickled, wrapError("failed to pickle olm session", err)
}
