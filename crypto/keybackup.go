// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"fmt"

	"go.mau.fi/util/jsontime"

	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/id"
)

// ImportBackupSession stores a Megolm session that was decrypted from server-side key backup.
//
// A session that already exists locally is only replaced if the backed up copy has a lower
// first known index, so importing never loses history. The returned bool is false if the
// local copy was kept.
func (mach *Machine) ImportBackupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, data *backup.MegolmSessionData) (bool, error) {
	log := mach.machOrContextLog(ctx).With().
		Stringer("room_id", roomID).
		Stringer("session_id", sessionID).
		Logger()
	if data.Algorithm != id.AlgorithmMegolmV1 {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithmInBackup, data.Algorithm)
	}
	internal, err := olm.InboundGroupSessionImport([]byte(data.SessionKey))
	if err != nil {
		return false, fmt.Errorf("failed to import inbound group session: %w", err)
	} else if internal.ID() != sessionID {
		return false, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingSessionID, sessionID, internal.ID())
	}

	existing, err := mach.Store.GetGroupSession(ctx, roomID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing session: %w", err)
	} else if existing != nil && existing.FirstKnownIndex() <= internal.FirstKnownIndex() {
		log.Debug().
			Uint32("existing_first_index", existing.FirstKnownIndex()).
			Uint32("imported_first_index", internal.FirstKnownIndex()).
			Msg("Keeping existing session instead of backed up copy")
		return false, nil
	}

	igs := &InboundGroupSession{
		Internal:         internal,
		SigningKey:       data.SenderClaimedKeys.Ed25519,
		SenderKey:        data.SenderKey,
		RoomID:           roomID,
		ForwardingChains: data.ForwardingKeyChain,
		ReceivedAt:       jsontime.UnixMilliNow(),
		id:               sessionID,
	}
	if existing != nil {
		igs.ReshareForbidden = existing.ReshareForbidden
	}
	err = mach.Store.PutGroupSession(ctx, igs)
	if err != nil {
		return false, fmt.Errorf("failed to store imported session: %w", err)
	}
	mach.Metrics.sessionImported()
	log.Debug().Uint32("first_known_index", igs.FirstKnownIndex()).Msg("Imported session from backup")
	return true, nil
}
