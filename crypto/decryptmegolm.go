// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// DecryptedEvent is a room event decrypted with an inbound group session.
type DecryptedEvent struct {
	RoomID  id.RoomID
	EventID id.EventID
	Type    event.Type
	Content json.RawMessage

	SenderKey       id.SenderKey
	SigningKey      id.Ed25519
	SessionID       id.SessionID
	MessageIndex    uint
	ForwardingChain []string
}

type decryptedMegolmPayload struct {
	RoomID  id.RoomID       `json:"room_id"`
	Type    event.Type      `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecryptMegolmEvent decrypts a m.room.encrypted room event with a stored inbound group session.
//
// The message index is recorded per event, so a different event reusing an index of the same session is rejected.
func (mach *Machine) DecryptMegolmEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, timestamp int64, content *event.EncryptedEventContent) (*DecryptedEvent, error) {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	log := mach.machOrContextLog(ctx).With().
		Str("action", "decrypt megolm event").
		Stringer("room_id", roomID).
		Stringer("event_id", eventID).
		Stringer("session_id", content.SessionID).
		Logger()
	sess, err := mach.Store.GetGroupSession(ctx, roomID, content.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group session: %w", err)
	} else if sess == nil {
		return nil, fmt.Errorf("%w %s", ErrNoGroupSession, content.SessionID)
	} else if content.SenderKey != "" && content.SenderKey != sess.SenderKey {
		return nil, fmt.Errorf("%w: event has %s, session has %s", ErrSenderKeyMismatch, content.SenderKey, sess.SenderKey)
	}
	plaintext, messageIndex, err := sess.Internal.Decrypt(content.MegolmCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt megolm event: %w", err)
	}
	ok, err := mach.Store.ValidateMessageIndex(ctx, sess.SenderKey, content.SessionID, eventID, messageIndex, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to check if message index is duplicate: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w %d", ErrDuplicateMessageIndex, messageIndex)
	}
	var payload decryptedMegolmPayload
	err = json.Unmarshal(plaintext, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse megolm payload: %w", err)
	} else if payload.RoomID != roomID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongRoom, roomID, payload.RoomID)
	}
	log.Trace().Uint("message_index", messageIndex).Msg("Decrypted megolm event")
	return &DecryptedEvent{
		RoomID:          roomID,
		EventID:         eventID,
		Type:            payload.Type,
		Content:         payload.Content,
		SenderKey:       sess.SenderKey,
		SigningKey:      sess.SigningKey,
		SessionID:       sess.ID(),
		MessageIndex:    messageIndex,
		ForwardingChain: sess.ForwardingChains,
	}, nil
}
