// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"

	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// RoomEncryptor encrypts events in a single room. The only implementations are
// *OlmEncryptor and *MegolmEncryptor, which are returned by Machine.EncryptorForRoom.
type RoomEncryptor interface {
	Algorithm() id.Algorithm
	// EncryptEventContent encrypts the given content so that all devices of the recipients can decrypt it.
	EncryptEventContent(ctx context.Context, evtType event.Type, content any, recipients []id.UserID) (*event.EncryptedEventContent, error)
	// DiscardSessionKey makes sure the next encrypted event uses a new session.
	DiscardSessionKey(ctx context.Context) error
	// ReshareKey sends the key of a previously shared session to the given device again.
	ReshareKey(ctx context.Context, req ReshareKeyRequest) bool

	sealed()
}

var (
	_ RoomEncryptor = (*OlmEncryptor)(nil)
	_ RoomEncryptor = (*MegolmEncryptor)(nil)
)

// ReshareKeyRequest identifies a session key that another device asked to receive again.
type ReshareKeyRequest struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	UserID    id.UserID
	DeviceID  id.DeviceID
	SenderKey id.SenderKey
}

// OlmEncryptor encrypts room events directly to each recipient device with Olm.
type OlmEncryptor struct {
	mach   *Machine
	roomID id.RoomID
}

func (oe *OlmEncryptor) sealed() {}

func (oe *OlmEncryptor) Algorithm() id.Algorithm {
	return id.AlgorithmOlmV1
}

func (oe *OlmEncryptor) EncryptEventContent(ctx context.Context, evtType event.Type, content any, recipients []id.UserID) (*event.EncryptedEventContent, error) {
	log := oe.mach.machOrContextLog(ctx).With().
		Str("action", "encrypt olm room event").
		Stringer("room_id", oe.roomID).
		Stringer("event_type", evtType).
		Logger()
	ctx = log.WithContext(ctx)
	unlock, err := oe.mach.roomLocks.Lock(ctx, oe.roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	devices, err := oe.mach.getRecipientDevices(ctx, recipients)
	if err != nil {
		return nil, err
	}
	targets := oe.mach.filterKeyRecipients(ctx, devices)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no devices to encrypt for in %s", ErrDeviceKeyMissing, oe.roomID)
	}
	perDevice, err := oe.mach.encryptOlmForDevices(ctx, targets, oe.roomID, evtType, content)
	if err != nil {
		return nil, err
	}
	merged := &event.EncryptedEventContent{
		Algorithm:     id.AlgorithmOlmV1,
		SenderKey:     oe.mach.ownIdentity.IdentityKey,
		OlmCiphertext: make(event.OlmCiphertexts),
	}
	for _, userDevices := range perDevice {
		for _, encrypted := range userDevices {
			for key, ciphertext := range encrypted.OlmCiphertext {
				merged.OlmCiphertext[key] = ciphertext
			}
		}
	}
	log.Debug().Int("device_count", len(merged.OlmCiphertext)).Msg("Encrypted room event with olm")
	return merged, nil
}

// DiscardSessionKey does nothing, Olm rooms don't have a shared session.
func (oe *OlmEncryptor) DiscardSessionKey(_ context.Context) error {
	return nil
}

// ReshareKey always returns false, there's no group session to reshare in Olm rooms.
func (oe *OlmEncryptor) ReshareKey(_ context.Context, _ ReshareKeyRequest) bool {
	return false
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
