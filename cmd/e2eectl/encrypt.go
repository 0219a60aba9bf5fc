// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

type testMessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// cmdEncryptTest encrypts a test message in a room and prints the resulting m.room.encrypted content.
// Room keys are shared with the recipients' devices as a side effect, but the event itself isn't sent.
func cmdEncryptTest(ctx context.Context, app *App) error {
	roomID := id.RoomID(*roomFlag)
	if roomID == "" {
		return e2ee.WithKind(e2ee.KindConfiguration, errors.New("--room is required for encrypt-test"))
	}
	encrypted, err := app.StateStore.IsEncrypted(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to check room encryption state: %w", err)
	} else if !encrypted {
		app.Log.Info().Stringer("room_id", roomID).Msg("Room encryption state not stored, assuming Megolm with default settings")
		err = app.StateStore.SetEncryptionEvent(ctx, roomID, &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1})
		if err != nil {
			return fmt.Errorf("failed to store encryption event: %w", err)
		}
	}

	if *recipientsFlag != "" {
		members := make(map[id.UserID]event.Membership)
		for _, userID := range strings.Split(*recipientsFlag, ",") {
			members[id.UserID(strings.TrimSpace(userID))] = event.MembershipJoin
		}
		members[app.Client.UserID] = event.MembershipJoin
		err = app.StateStore.ReplaceCachedMembers(ctx, roomID, members)
		if err != nil {
			return fmt.Errorf("failed to store members: %w", err)
		}
	}
	recipients, err := app.StateStore.GetRoomJoinedOrInvitedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get room members: %w", err)
	} else if len(recipients) == 0 {
		recipients = []id.UserID{app.Client.UserID}
	}

	content, err := app.Crypto.EncryptEventContent(ctx, roomID, event.EventMessage, &testMessageContent{
		MsgType: "m.text",
		Body:    *messageFlag,
	}, recipients)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(content)
}
