// Copyright (c) 2020 Nikos Filippakis
// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

const (
	reshareResultSuccess  = "success"
	reshareResultRejected = "rejected"
	reshareResultFailed   = "failed"
)

// ReshareKey sends the given session to the requesting device as m.forwarded_room_key,
// exported at the index the session was originally shared with that device.
//
// Sessions are only reshared if they were created by this device and have been shared
// with the requesting device before. Rejected requests don't make any network requests.
func (me *MegolmEncryptor) ReshareKey(ctx context.Context, req ReshareKeyRequest) bool {
	log := me.mach.machOrContextLog(ctx).With().
		Str("action", "reshare key").
		Stringer("room_id", req.RoomID).
		Stringer("session_id", req.SessionID).
		Stringer("target_user_id", req.UserID).
		Stringer("target_device_id", req.DeviceID).
		Logger()
	ctx = log.WithContext(ctx)
	if req.RoomID != me.roomID {
		log.Warn().Stringer("encryptor_room_id", me.roomID).Msg("Reshare request is for a different room")
		me.mach.Metrics.reshare(reshareResultRejected)
		return false
	}
	unlock, err := me.mach.roomLocks.Lock(ctx, me.roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to lock room for key reshare")
		return false
	}
	defer unlock()

	igs, index, err := me.checkReshare(ctx, req)
	if err != nil {
		log.Warn().Err(err).
			Stringer("error_kind", e2ee.KindOf(err)).
			Msg("Rejecting key reshare request")
		me.mach.Metrics.reshare(reshareResultRejected)
		return false
	}
	err = me.reshare(ctx, igs, index, req)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reshare key")
		me.mach.Metrics.reshare(reshareResultFailed)
		return false
	}
	log.Debug().Uint32("message_index", index).Msg("Reshared key")
	me.mach.Metrics.reshare(reshareResultSuccess)
	return true
}

func (me *MegolmEncryptor) checkReshare(ctx context.Context, req ReshareKeyRequest) (*InboundGroupSession, uint32, error) {
	igs, err := me.mach.Store.GetGroupSession(ctx, req.RoomID, req.SessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get group session: %w", err)
	} else if igs == nil {
		return nil, 0, ErrNoGroupSession
	} else if igs.SenderKey != req.SenderKey {
		return nil, 0, fmt.Errorf("%w: expected %s, got %s", ErrSenderKeyMismatch, igs.SenderKey, req.SenderKey)
	} else if igs.SenderKey != me.mach.ownIdentity.IdentityKey {
		return nil, 0, ErrNotSelfOriginated
	} else if igs.ReshareForbidden {
		return nil, 0, ErrReshareForbidden
	}
	index, shared, err := me.mach.Store.GetSharedIndex(ctx, req.SessionID, UserDevice{UserID: req.UserID, DeviceID: req.DeviceID})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get shared index: %w", err)
	} else if !shared {
		return nil, 0, ErrNotSharedWithDevice
	}
	if firstKnown := igs.FirstKnownIndex(); index < firstKnown {
		index = firstKnown
	}
	return igs, index, nil
}

func (me *MegolmEncryptor) reshare(ctx context.Context, igs *InboundGroupSession, index uint32, req ReshareKeyRequest) error {
	device, err := me.mach.GetOrFetchDevice(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	exported, err := igs.Internal.Export(index)
	if err != nil {
		return fmt.Errorf("failed to export session at index %d: %w", index, err)
	}
	forwardingChain := make([]string, len(igs.ForwardingChains))
	copy(forwardingChain, igs.ForwardingChains)
	content := &event.ForwardedRoomKeyEventContent{
		RoomKeyEventContent: event.RoomKeyEventContent{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     igs.RoomID,
			SessionID:  igs.ID(),
			SessionKey: string(exported),
		},
		SenderKey:          igs.SenderKey,
		SenderClaimedKey:   igs.SigningKey,
		ForwardingKeyChain: forwardingChain,
	}
	perDevice, err := me.mach.encryptOlmForDevices(ctx, map[id.UserID]map[id.DeviceID]*id.Device{
		req.UserID: {req.DeviceID: device},
	}, "", event.ToDeviceForwardedRoomKey, content)
	if err != nil {
		return err
	}
	encrypted := perDevice[req.UserID][req.DeviceID]
	zerolog.Ctx(ctx).Trace().Msg("Sending forwarded room key")
	_, err = me.mach.Client.SendToDevice(ctx, event.ToDeviceEncrypted, &e2ee.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]any{
			req.UserID: {req.DeviceID: encrypted},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send forwarded room key: %w", err)
	}
	return nil
}
