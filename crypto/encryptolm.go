// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/signatures"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// OlmEvent is the plaintext payload of an Olm-encrypted event.
type OlmEvent struct {
	Sender        id.UserID    `json:"sender"`
	SenderDevice  id.DeviceID  `json:"sender_device"`
	Keys          OlmEventKeys `json:"keys"`
	Recipient     id.UserID    `json:"recipient"`
	RecipientKeys OlmEventKeys `json:"recipient_keys"`
	RoomID        id.RoomID    `json:"room_id,omitempty"`

	Type    event.Type `json:"type"`
	Content any        `json:"content"`
}

func (mach *Machine) encryptOlmEvent(ctx context.Context, session *OlmSession, recipient *id.Device, roomID id.RoomID, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	evt := &OlmEvent{
		Sender:        mach.Client.UserID,
		SenderDevice:  mach.Client.DeviceID,
		Keys:          OlmEventKeys{Ed25519: mach.ownIdentity.SigningKey},
		Recipient:     recipient.UserID,
		RecipientKeys: OlmEventKeys{Ed25519: recipient.SigningKey},
		RoomID:        roomID,
		Type:          evtType,
		Content:       content,
	}
	plaintext, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal olm payload: %w", err)
	}
	msgType, ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	err = mach.Store.UpdateSession(ctx, recipient.IdentityKey, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update olm session in store after encrypting: %w", err)
	}
	mach.machOrContextLog(ctx).Trace().
		Stringer("recipient_user_id", recipient.UserID).
		Stringer("recipient_device_id", recipient.DeviceID).
		Stringer("olm_session_id", session.ID()).
		Stringer("event_type", evtType).
		Msg("Encrypted olm event")
	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: mach.ownIdentity.IdentityKey,
		OlmCiphertext: event.OlmCiphertexts{
			recipient.IdentityKey: {Body: string(ciphertext), Type: msgType},
		},
	}, nil
}

// ensureOlmSessions returns an Olm session for every given device, claiming one-time keys
// and creating new outbound sessions for devices that don't have one yet.
//
// If any device can't get a session, no sessions are returned and the error wraps ErrNoSessionAvailable.
func (mach *Machine) ensureOlmSessions(ctx context.Context, devices map[id.UserID]map[id.DeviceID]*id.Device) (map[id.IdentityKey]*OlmSession, error) {
	log := mach.machOrContextLog(ctx)
	sessions := make(map[id.IdentityKey]*OlmSession)
	missing := make(e2ee.OneTimeKeysRequest)
	for userID, userDevices := range devices {
		for deviceID, device := range userDevices {
			session, err := mach.Store.GetLatestSession(ctx, device.IdentityKey)
			if err != nil {
				return nil, fmt.Errorf("failed to get olm session for %s/%s: %w", userID, deviceID, err)
			} else if session != nil {
				sessions[device.IdentityKey] = session
				continue
			}
			if _, ok := missing[userID]; !ok {
				missing[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
			}
			missing[userID][deviceID] = id.KeyAlgorithmSignedCurve25519
		}
	}
	if len(missing) == 0 {
		return sessions, nil
	}

	log.Debug().Int("user_count", len(missing)).Msg("Claiming one-time keys to create missing olm sessions")
	resp, err := mach.Client.ClaimKeys(ctx, &e2ee.ReqClaimKeys{OneTimeKeys: missing})
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time keys: %w", err)
	}
	for _, userID := range sortedKeys(missing) {
		for _, deviceID := range sortedKeys(missing[userID]) {
			device := devices[userID][deviceID]
			session, err := mach.createOutboundSession(ctx, device, resp.OneTimeKeys[userID][deviceID])
			if err != nil {
				log.Warn().Err(err).
					Stringer("target_user_id", userID).
					Stringer("target_device_id", deviceID).
					Msg("Failed to create olm session")
				return nil, fmt.Errorf("%w with %s/%s: %w", ErrNoSessionAvailable, userID, deviceID, err)
			}
			sessions[device.IdentityKey] = session
		}
	}
	return sessions, nil
}

// encryptOlmForDevices encrypts the content separately for every given device.
// Olm sessions are shared between rooms, so the whole claim-and-encrypt step runs under olmLock.
func (mach *Machine) encryptOlmForDevices(ctx context.Context, devices map[id.UserID]map[id.DeviceID]*id.Device, roomID id.RoomID, evtType event.Type, content any) (map[id.UserID]map[id.DeviceID]*event.EncryptedEventContent, error) {
	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()
	sessions, err := mach.ensureOlmSessions(ctx, devices)
	if err != nil {
		return nil, err
	}
	output := make(map[id.UserID]map[id.DeviceID]*event.EncryptedEventContent, len(devices))
	for _, userID := range sortedKeys(devices) {
		output[userID] = make(map[id.DeviceID]*event.EncryptedEventContent, len(devices[userID]))
		for _, deviceID := range sortedKeys(devices[userID]) {
			device := devices[userID][deviceID]
			encrypted, err := mach.encryptOlmEvent(ctx, sessions[device.IdentityKey], device, roomID, evtType, content)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt %s for %s/%s: %w", evtType.Type, userID, deviceID, err)
			}
			output[userID][deviceID] = encrypted
		}
	}
	return output, nil
}

var errNoOneTimeKey = errors.New("no one-time key returned by server")

func (mach *Machine) createOutboundSession(ctx context.Context, device *id.Device, oneTimeKeys map[id.KeyID]e2ee.OneTimeKey) (*OlmSession, error) {
	for keyID, otk := range oneTimeKeys {
		algorithm, _ := keyID.Parse()
		if algorithm != id.KeyAlgorithmSignedCurve25519 {
			continue
		}
		err := signatures.VerifySignatureJSON(otk, device.UserID, device.DeviceID.String(), device.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signature on one-time key %s: %w", keyID, err)
		}
		internal, err := mach.account.NewOutboundSession(device.IdentityKey, otk.Key)
		if err != nil {
			return nil, err
		}
		session := wrapSession(internal)
		err = mach.Store.AddSession(ctx, device.IdentityKey, session)
		if err != nil {
			return nil, fmt.Errorf("failed to store created olm session: %w", err)
		}
		mach.machOrContextLog(ctx).Debug().
			Stringer("target_user_id", device.UserID).
			Stringer("target_device_id", device.DeviceID).
			Stringer("olm_session_id", session.ID()).
			Msg("Created new olm session")
		return session, nil
	}
	return nil, errNoOneTimeKey
}
