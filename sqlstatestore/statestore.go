// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlstatestore stores the room state that encryption depends on:
// the m.room.encryption event and the member list used for key distribution.
package sqlstatestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/e2ee/crypto"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

//go:embed *.sql
var rawUpgrades embed.FS

var UpgradeTable = func() (table dbutil.UpgradeTable) {
	table.RegisterFS(rawUpgrades)
	return
}()

const VersionTableName = "e2ee_state_version"

type SQLStateStore struct {
	*dbutil.Database
}

var _ crypto.StateStore = (*SQLStateStore)(nil)

func NewSQLStateStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStateStore {
	return &SQLStateStore{
		Database: db.Child(VersionTableName, UpgradeTable, log),
	}
}

const (
	upsertEncryptionQuery = `
		INSERT INTO e2ee_room_state (room_id, encryption) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET encryption=excluded.encryption
	`
	getEncryptionQuery = `SELECT encryption FROM e2ee_room_state WHERE room_id=$1`
)

// SetEncryptionEvent stores the content of the room's m.room.encryption state event.
func (store *SQLStateStore) SetEncryptionEvent(ctx context.Context, roomID id.RoomID, content *event.EncryptionEventContent) error {
	_, err := store.Exec(ctx, upsertEncryptionQuery, roomID, dbutil.JSON{Data: content})
	return err
}

// GetEncryptionEvent returns the stored m.room.encryption content, or nil if the room isn't known to be encrypted.
func (store *SQLStateStore) GetEncryptionEvent(ctx context.Context, roomID id.RoomID) (content *event.EncryptionEventContent, err error) {
	err = store.QueryRow(ctx, getEncryptionQuery, roomID).Scan(dbutil.JSON{Data: &content})
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("failed to get encryption event of %s: %w", roomID, err)
	}
	return
}

func (store *SQLStateStore) IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error) {
	cfg, err := store.GetEncryptionEvent(ctx, roomID)
	return cfg != nil && cfg.Algorithm != "", err
}

func (store *SQLStateStore) SetMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	_, err := store.Exec(ctx, `
		INSERT INTO e2ee_room_member (room_id, user_id, membership) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET membership=excluded.membership
	`, roomID, userID, membership)
	return err
}

func (store *SQLStateStore) GetMembership(ctx context.Context, roomID id.RoomID, userID id.UserID) (membership event.Membership, err error) {
	err = store.
		QueryRow(ctx, "SELECT membership FROM e2ee_room_member WHERE room_id=$1 AND user_id=$2", roomID, userID).
		Scan(&membership)
	if errors.Is(err, sql.ErrNoRows) {
		membership = event.MembershipLeave
		err = nil
	}
	return
}

// GetRoomJoinedOrInvitedMembers returns the users who should receive the room's keys, sorted by user ID.
func (store *SQLStateStore) GetRoomJoinedOrInvitedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	rows, err := store.Query(ctx, `
		SELECT user_id FROM e2ee_room_member
		WHERE room_id=$1 AND membership IN ($2, $3)
		ORDER BY user_id
	`, roomID, event.MembershipJoin, event.MembershipInvite)
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, func(row dbutil.Scannable) (userID id.UserID, err error) {
		err = row.Scan(&userID)
		return
	}).AsList()
}

// ReplaceCachedMembers replaces the whole member list of the room and marks it as fetched.
func (store *SQLStateStore) ReplaceCachedMembers(ctx context.Context, roomID id.RoomID, members map[id.UserID]event.Membership) error {
	return store.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := store.Exec(ctx, "DELETE FROM e2ee_room_member WHERE room_id=$1", roomID)
		if err != nil {
			return fmt.Errorf("failed to clear cached members: %w", err)
		}
		for userID, membership := range members {
			err = store.SetMembership(ctx, roomID, userID, membership)
			if err != nil {
				return fmt.Errorf("failed to insert member %s: %w", userID, err)
			}
		}
		_, err = store.Exec(ctx, `
			INSERT INTO e2ee_room_state (room_id, members_fetched) VALUES ($1, true)
			ON CONFLICT (room_id) DO UPDATE SET members_fetched=true
		`, roomID)
		if err != nil {
			return fmt.Errorf("failed to mark members as fetched: %w", err)
		}
		return nil
	})
}

func (store *SQLStateStore) HasFetchedMembers(ctx context.Context, roomID id.RoomID) (fetched bool, err error) {
	err = store.QueryRow(ctx, "SELECT members_fetched FROM e2ee_room_state WHERE room_id=$1", roomID).Scan(&fetched)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

// HandleMembership records a membership change and discards the room's outbound session when a member leaves.
func (store *SQLStateStore) HandleMembership(ctx context.Context, mach *crypto.Machine, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	prev, err := store.GetMembership(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to get previous membership: %w", err)
	}
	err = store.SetMembership(ctx, roomID, userID, membership)
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	if prev.IsInviteOrJoin() && !membership.IsInviteOrJoin() {
		return mach.HandleMemberLeave(ctx, roomID, userID)
	}
	return nil
}
