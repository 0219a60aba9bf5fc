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

// InboundGroupSession is the receiving half of a Megolm ratchet.
type InboundGroupSession struct {
	internal *session.MegolmInboundSession
}

// NewInboundGroupSession creates an inbound session from the base64 session key in an m.room_key event.
func NewInboundGroupSession(sessionKey []byte) (*InboundGroupSession, error) {
	if len(sessionKey) == 0 {
		return nil, ErrEmptyInput
	}
	sess, err := session.NewMegolmInboundSession(sessionKey)
	if err != nil {
		return nil, wrapError("failed to create inbound group session", err)
	}
	return &InboundGroupSession{internal: sess}, nil
}

// InboundGroupSessionImport creates an inbound session from an exported session key,
// such as the one in m.forwarded_room_key events or key backup entries.
func InboundGroupSessionImport(exported []byte) (*InboundGroupSession, error) {
	if len(exported) == 0 {
		return nil, ErrEmptyInput
	}
	sess, err := session.NewMegolmInboundSessionFromExport(exported)
	if err != nil {
		return nil, wrapError("failed to import inbound group session", err)
	}
	return &InboundGroupSession{internal: sess}, nil
}

// InboundGroupSessionFromPickled loads a session pickled with Pickle using the same key.
func InboundGroupSessionFromPickled(pickled, key []byte) (*InboundGroupSession, error) {
	if len(pickled) == 0 {
		return nil, ErrEmptyInput
	} else if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	sess, err := session.MegolmInboundSessionFromPickled(pickled, key)
	if err != nil {
		return nil, wrapError("failed to unpickle inbound group session", err)
	}
	return &InboundGroupSession{internal: sess}, nil
}

func (s *InboundGroupSession) ID() id.SessionID {
	return id.SessionID(s.internal.ID())
}

// Decrypt decrypts a base64 group message and returns the plaintext and the message index.
func (s *InboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	if len(ciphertext) == 0 {
		return nil, 0, ErrEmptyInput
	}
	plaintext, index, err := s.internal.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, wrapError("failed to decrypt group message", err)
	}
	return plaintext, index, nil
}

// Export returns the session key at the given index in the export format.
// Messages before the index can't be decrypted with the exported key.
func (s *InboundGroupSession) Export(messageIndex uint32) ([]byte, error) {
	exported, err := s.internal.Export(messageIndex)
	return exported, wrapError("failed to export group session", err)
}

// FirstKnownIndex returns the first message index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.internal.FirstKnownIndex()
}

func (s *InboundGroupSession) Pickle(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	}
	pickled, err := s.internal.Pickle(key)
	return pickled, wrapError("failed to pickle inbound group session", err)
}
