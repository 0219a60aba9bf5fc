// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// MegolmEvent is the plaintext payload of a Megolm-encrypted room event.
type MegolmEvent struct {
	RoomID  id.RoomID  `json:"room_id"`
	Type    event.Type `json:"type"`
	Content any        `json:"content"`
}

// MegolmEncryptor encrypts room events with an outbound group session that is
// shared with recipient devices over Olm.
type MegolmEncryptor struct {
	mach   *Machine
	roomID id.RoomID
}

func (me *MegolmEncryptor) sealed() {}

func (me *MegolmEncryptor) Algorithm() id.Algorithm {
	return id.AlgorithmMegolmV1
}

// Policy returns the rotation policy of the room, based on its current m.room.encryption event.
func (me *MegolmEncryptor) Policy(ctx context.Context) (RotationPolicy, error) {
	content, err := me.mach.getEncryptionEvent(ctx, me.roomID)
	if err != nil {
		return RotationPolicy{}, err
	}
	return RotationPolicyFromContent(content, me.mach.DefaultRotationPolicy), nil
}

func (me *MegolmEncryptor) EncryptEventContent(ctx context.Context, evtType event.Type, content any, recipients []id.UserID) (*event.EncryptedEventContent, error) {
	log := me.mach.machOrContextLog(ctx).With().
		Str("action", "encrypt megolm event").
		Stringer("room_id", me.roomID).
		Stringer("event_type", evtType).
		Logger()
	ctx = log.WithContext(ctx)
	unlock, err := me.mach.roomLocks.Lock(ctx, me.roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := me.getOrCreateSession(ctx)
	if err != nil {
		return nil, err
	}
	log = log.With().Stringer("session_id", session.ID()).Logger()
	ctx = log.WithContext(ctx)
	err = me.shareSession(ctx, session, recipients)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(&MegolmEvent{
		RoomID:  me.roomID,
		Type:    evtType,
		Content: content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal megolm payload: %w", err)
	}
	index := session.MessageIndex()
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	err = me.mach.Store.PutOutboundGroupSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to save outbound group session after encrypting: %w", err)
	}
	log.Debug().Uint("message_index", index).Msg("Encrypted event successfully")
	return &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        me.mach.ownIdentity.IdentityKey,
		DeviceID:         me.mach.Client.DeviceID,
		SessionID:        session.ID(),
		MegolmCiphertext: ciphertext,
	}, nil
}

func (me *MegolmEncryptor) getOrCreateSession(ctx context.Context) (*OutboundGroupSession, error) {
	log := zerolog.Ctx(ctx)
	policy, err := me.Policy(ctx)
	if err != nil {
		return nil, err
	}
	session, err := me.mach.Store.GetOutboundGroupSession(ctx, me.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound group session: %w", err)
	}
	if session != nil {
		// Changed rotation settings apply to the current session too
		session.Policy = policy
	}
	if session != nil && !session.Expired() {
		return session, nil
	} else if session != nil {
		log.Debug().
			Stringer("session_id", session.ID()).
			Int("message_count", session.MessageCount).
			Time("created_at", session.CreationTime).
			Msg("Outbound group session expired, rotating")
		err = me.mach.Store.RemoveOutboundGroupSession(ctx, me.roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to remove expired outbound group session: %w", err)
		}
	}
	return me.newSession(ctx, policy)
}

func (me *MegolmEncryptor) newSession(ctx context.Context, policy RotationPolicy) (*OutboundGroupSession, error) {
	session, err := NewOutboundGroupSession(me.roomID, policy)
	if err != nil {
		return nil, err
	}
	own := me.mach.ownIdentity
	inbound, err := NewInboundGroupSession(own.IdentityKey, own.SigningKey, me.roomID, session.Internal.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound copy of outbound group session: %w", err)
	}
	err = me.mach.Store.PutGroupSession(ctx, inbound)
	if err != nil {
		return nil, fmt.Errorf("failed to store inbound copy of outbound group session: %w", err)
	}
	err = me.mach.Store.PutOutboundGroupSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to store new outbound group session: %w", err)
	}
	me.mach.Metrics.sessionCreated()
	zerolog.Ctx(ctx).Debug().
		Stringer("session_id", session.ID()).
		Int("max_messages", policy.MaxMessages).
		Dur("max_age", policy.MaxAge).
		Msg("Created new outbound group session")
	return session, nil
}

// shareSession sends the session key to every recipient device it hasn't been shared with yet.
// Either all pending devices get the key in a single to-device request, or none of them do.
func (me *MegolmEncryptor) shareSession(ctx context.Context, session *OutboundGroupSession, recipients []id.UserID) error {
	log := zerolog.Ctx(ctx)
	devices, err := me.mach.getRecipientDevices(ctx, recipients)
	if err != nil {
		return err
	}
	pending := make(map[id.UserID]map[id.DeviceID]*id.Device)
	for userID, userDevices := range me.mach.filterKeyRecipients(ctx, devices) {
		for deviceID, device := range userDevices {
			_, shared, err := me.mach.Store.GetSharedIndex(ctx, session.ID(), UserDevice{UserID: userID, DeviceID: deviceID})
			if err != nil {
				return fmt.Errorf("failed to check if session was shared with %s/%s: %w", userID, deviceID, err)
			} else if shared {
				continue
			}
			if _, ok := pending[userID]; !ok {
				pending[userID] = make(map[id.DeviceID]*id.Device)
			}
			pending[userID][deviceID] = device
		}
	}
	if len(pending) == 0 {
		log.Trace().Msg("Session already shared with all recipient devices")
		return nil
	}

	index := uint32(session.MessageIndex())
	perDevice, err := me.mach.encryptOlmForDevices(ctx, pending, "", event.ToDeviceRoomKey, session.ShareContent())
	if err != nil {
		return err
	}
	req := &e2ee.ReqSendToDevice{Messages: make(map[id.UserID]map[id.DeviceID]any, len(perDevice))}
	var shared []UserDevice
	for _, userID := range sortedKeys(perDevice) {
		req.Messages[userID] = make(map[id.DeviceID]any, len(perDevice[userID]))
		for _, deviceID := range sortedKeys(perDevice[userID]) {
			req.Messages[userID][deviceID] = perDevice[userID][deviceID]
			shared = append(shared, UserDevice{UserID: userID, DeviceID: deviceID})
		}
	}
	log.Debug().
		Int("device_count", len(shared)).
		Uint32("message_index", index).
		Msg("Sending room key to devices")
	_, err = me.mach.Client.SendToDevice(ctx, event.ToDeviceEncrypted, req)
	if err != nil {
		return fmt.Errorf("failed to send room key: %w", err)
	}
	for _, device := range shared {
		err = me.mach.Store.MarkSharedWith(ctx, session.ID(), device, index)
		if err != nil {
			return fmt.Errorf("failed to mark session as shared with %s/%s: %w", device.UserID, device.DeviceID, err)
		}
	}
	me.mach.Metrics.keysShared(len(shared))
	return nil
}

// DiscardSessionKey removes the current outbound group session of the room.
// Calling it when there is no session does nothing.
func (me *MegolmEncryptor) DiscardSessionKey(ctx context.Context) error {
	return me.discard(ctx, false)
}

func (me *MegolmEncryptor) discard(ctx context.Context, forbidReshare bool) error {
	unlock, err := me.mach.roomLocks.Lock(ctx, me.roomID)
	if err != nil {
		return err
	}
	defer unlock()
	session, err := me.mach.Store.GetOutboundGroupSession(ctx, me.roomID)
	if err != nil {
		return fmt.Errorf("failed to get outbound group session: %w", err)
	} else if session == nil {
		return nil
	}
	if forbidReshare {
		inbound, err := me.mach.Store.GetGroupSession(ctx, me.roomID, session.ID())
		if err != nil {
			return fmt.Errorf("failed to get inbound copy of discarded session: %w", err)
		} else if inbound != nil {
			inbound.ReshareForbidden = true
			err = me.mach.Store.PutGroupSession(ctx, inbound)
			if err != nil {
				return fmt.Errorf("failed to forbid resharing discarded session: %w", err)
			}
		}
	}
	err = me.mach.Store.RemoveOutboundGroupSession(ctx, me.roomID)
	if err != nil {
		return fmt.Errorf("failed to remove outbound group session: %w", err)
	}
	me.mach.machOrContextLog(ctx).Debug().
		Stringer("room_id", me.roomID).
		Stringer("session_id", session.ID()).
		Bool("reshare_forbidden", forbidReshare).
		Msg("Discarded outbound group session")
	return nil
}
