// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package olm

import (
	"maunium.net/go/mautrix/crypto/goolm/session"

	"go.mau.fi/e2ee/id"
)

// OutboundGroupSession is the sending half of a Megolm ratchet.
type OutboundGroupSession struct {
	internal *session.MegolmOutboundSession
}

// NewOutboundGroupSession creates a new outbound group session with a fresh ratchet and signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	sess, err := session.NewMegolmOutboundSession()
	if err != nil {
		return nil, wrapError("failed to create outbound group session", err)
	}
	return &OutboundGroupSession{internal: sess}, nil
}

// OutboundGroupSessionFromPickled loads a session pickled with Pickle using the same key.
func OutboundGroupSessionFromPickled(pickled, key []byte) (*OutboundGroupSession, error) {
	if len(pickled) == 0 {
		return nil, ErrEmptyInput
	} else if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	sess, err := session.MegolmOutboundSessionFromPickled(pickled, key)
	if err != nil {
		return nil, wrapError("failed to unpickle outbound group session", err)
	}
	return &OutboundGroupSession{internal: sess}, nil
}

// Encrypt encrypts a message with the current ratchet key and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyInput
	}
	ciphertext, err := s.internal.Encrypt(plaintext)
	return ciphertext, wrapError("failed to encrypt group message", err)
}

func (s *OutboundGroupSession) ID() id.SessionID {
	return id.SessionID(s.internal.ID())
}

// MessageIndex returns the index that the next encrypted message will have.
func (s *OutboundGroupSession) MessageIndex() uint {
	return s.internal.MessageIndex()
}

// Key returns the base64 session key at the current ratchet index, which is sent to other devices in m.room_key.
func (s *OutboundGroupSession) Key() string {
	return s.internal.Key()
}

func (s *OutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	pickled, err := s.internal.Pickle(key)
	return pickled, wrapError("failed to pickle outbound group session", err)
}
