// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/crypto/sql_store_upgrade"
	"go.mau.fi/e2ee/id"
)

// SQLStore is an implementation of a crypto Store for a database backend.
type SQLStore struct {
	DB *dbutil.Database

	AccountID string
	DeviceID  id.DeviceID
	PickleKey []byte
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes a new crypto Store using the given database, for a device's crypto material.
// The stored material will be encrypted with the given key.
//
// The caller must call Upgrade before using the store.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger, accountID string, deviceID id.DeviceID, pickleKey []byte) *SQLStore {
	return &SQLStore{
		DB:        db.Child(sql_store_upgrade.VersionTableName, sql_store_upgrade.Table, log),
		AccountID: accountID,
		DeviceID:  deviceID,
		PickleKey: pickleKey,
	}
}

// Upgrade creates or upgrades the crypto tables.
func (store *SQLStore) Upgrade(ctx context.Context) error {
	return store.DB.Upgrade(ctx)
}

// PutAccount stores an Olm account in the database.
func (store *SQLStore) PutAccount(ctx context.Context, account *olm.Account) error {
	pickled, err := account.Pickle(store.PickleKey)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, `
		INSERT INTO crypto_account (account_id, device_id, account) VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET device_id=excluded.device_id, account=excluded.account
	`, store.AccountID, store.DeviceID, pickled)
	return err
}

// GetAccount retrieves an Olm account from the database.
func (store *SQLStore) GetAccount(ctx context.Context) (*olm.Account, error) {
	var pickled []byte
	err := store.DB.QueryRow(ctx, "SELECT account FROM crypto_account WHERE account_id=$1", store.AccountID).Scan(&pickled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return olm.AccountFromPickled(pickled, store.PickleKey)
}

// AddSession persists an Olm session for a sender in the database.
func (store *SQLStore) AddSession(ctx context.Context, key id.SenderKey, session *OlmSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, `
		INSERT INTO crypto_olm_session (account_id, session_id, sender_key, session, created_at, last_used)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, store.AccountID, session.ID(), key, pickled, session.CreationTime.UnixMilli(), session.LastUsed.UnixMilli())
	return err
}

// UpdateSession replaces the Olm session for a sender in the database.
func (store *SQLStore) UpdateSession(ctx context.Context, _ id.SenderKey, session *OlmSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, "UPDATE crypto_olm_session SET session=$1, last_used=$2 WHERE account_id=$3 AND session_id=$4",
		pickled, session.LastUsed.UnixMilli(), store.AccountID, session.ID())
	return err
}

// GetLatestSession retrieves the Olm session for a given sender key from the database that was created last.
func (store *SQLStore) GetLatestSession(ctx context.Context, key id.SenderKey) (*OlmSession, error) {
	var pickled []byte
	var createdAt, lastUsed int64
	err := store.DB.QueryRow(ctx, `
		SELECT session, created_at, last_used FROM crypto_olm_session
		WHERE account_id=$1 AND sender_key=$2
		ORDER BY created_at DESC LIMIT 1
	`, store.AccountID, key).Scan(&pickled, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	internal, err := olm.SessionFromPickled(pickled, store.PickleKey)
	if err != nil {
		return nil, err
	}
	return &OlmSession{
		Internal:     internal,
		CreationTime: time.UnixMilli(createdAt),
		LastUsed:     time.UnixMilli(lastUsed),
	}, nil
}

// PutGroupSession stores an inbound Megolm group session.
func (store *SQLStore) PutGroupSession(ctx context.Context, session *InboundGroupSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, `
		INSERT INTO crypto_megolm_inbound_session (
			account_id, session_id, sender_key, signing_key, room_id, session,
			forwarding_chains, reshare_forbidden, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, session_id) DO UPDATE
			SET sender_key=excluded.sender_key, signing_key=excluded.signing_key, room_id=excluded.room_id,
				session=excluded.session, forwarding_chains=excluded.forwarding_chains,
				reshare_forbidden=excluded.reshare_forbidden, received_at=excluded.received_at
	`,
		store.AccountID, session.ID(), session.SenderKey, session.SigningKey, session.RoomID, pickled,
		strings.Join(session.ForwardingChains, ","), session.ReshareForbidden, session.ReceivedAt.UnixMilli(),
	)
	return err
}

const inboundGroupSessionColumns = "session_id, sender_key, signing_key, room_id, session, forwarding_chains, reshare_forbidden, received_at"

func (store *SQLStore) scanInboundGroupSession(row dbutil.Scannable) (*InboundGroupSession, error) {
	var sessionID id.SessionID
	var roomID id.RoomID
	var senderKey id.SenderKey
	var signingKey id.Ed25519
	var pickled []byte
	var forwardingChains string
	var reshareForbidden bool
	var receivedAt int64
	err := row.Scan(&sessionID, &senderKey, &signingKey, &roomID, &pickled, &forwardingChains, &reshareForbidden, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	internal, err := olm.InboundGroupSessionFromPickled(pickled, store.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", sessionID, err)
	}
	var chains []string
	if forwardingChains != "" {
		chains = strings.Split(forwardingChains, ",")
	}
	return &InboundGroupSession{
		Internal:         internal,
		SigningKey:       signingKey,
		SenderKey:        senderKey,
		RoomID:           roomID,
		ForwardingChains: chains,
		ReshareForbidden: reshareForbidden,
		ReceivedAt:       jsontime.UMInt(receivedAt),
		id:               sessionID,
	}, nil
}

// GetGroupSession retrieves an inbound Megolm group session for a room and session ID.
func (store *SQLStore) GetGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	return store.scanInboundGroupSession(store.DB.QueryRow(ctx,
		"SELECT "+inboundGroupSessionColumns+" FROM crypto_megolm_inbound_session WHERE account_id=$1 AND room_id=$2 AND session_id=$3",
		store.AccountID, roomID, sessionID,
	))
}

// GetGroupSessionsForRoom retrieves all inbound Megolm group sessions of a room.
func (store *SQLStore) GetGroupSessionsForRoom(ctx context.Context, roomID id.RoomID) ([]*InboundGroupSession, error) {
	rows, err := store.DB.Query(ctx,
		"SELECT "+inboundGroupSessionColumns+" FROM crypto_megolm_inbound_session WHERE account_id=$1 AND room_id=$2 ORDER BY session_id",
		store.AccountID, roomID,
	)
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, store.scanInboundGroupSession).AsList()
}

// ValidateMessageIndex checks that the given message index hasn't been used with a different event before.
func (store *SQLStore) ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error) {
	const validateQuery = `
	INSERT INTO crypto_message_index (account_id, sender_key, session_id, "index", event_id, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6)
	-- have to update something so that RETURNING * always returns the row
	ON CONFLICT (account_id, sender_key, session_id, "index") DO UPDATE SET sender_key=excluded.sender_key
	RETURNING event_id, timestamp
	`
	var expectedEventID id.EventID
	var expectedTimestamp int64
	err := store.DB.QueryRow(ctx, validateQuery, store.AccountID, senderKey, sessionID, index, eventID, timestamp).
		Scan(&expectedEventID, &expectedTimestamp)
	if err != nil {
		return false, err
	} else if expectedEventID != eventID || expectedTimestamp != timestamp {
		zerolog.Ctx(ctx).Debug().
			Uint("message_index", index).
			Stringer("expected_event_id", expectedEventID).
			Int64("expected_timestamp", expectedTimestamp).
			Int64("actual_timestamp", timestamp).
			Msg("Failed to validate that message index wasn't duplicated")
		return false, nil
	}
	return true, nil
}

// PutOutboundGroupSession stores an outbound Megolm session, replacing the previous session of the room.
func (store *SQLStore) PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error {
	if discarded, err := store.IsOutboundSessionDiscarded(ctx, session.ID()); err != nil {
		return err
	} else if discarded {
		return fmt.Errorf("%w: %s", ErrSessionDiscarded, session.ID())
	}
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, `
		INSERT INTO crypto_megolm_outbound_session
			(account_id, room_id, session_id, session, max_messages, max_age, message_count, created_at, last_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, room_id) DO UPDATE
			SET session_id=excluded.session_id, session=excluded.session, max_messages=excluded.max_messages,
				max_age=excluded.max_age, message_count=excluded.message_count, created_at=excluded.created_at,
				last_used=excluded.last_used
	`, store.AccountID, session.RoomID, session.ID(), pickled, session.Policy.MaxMessages,
		session.Policy.MaxAge.Milliseconds(), session.MessageCount, session.CreationTime.UnixMilli(),
		session.LastEncryptedTime.UnixMilli())
	return err
}

// GetOutboundGroupSession retrieves the outbound Megolm session for the given room ID.
func (store *SQLStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	var pickled []byte
	var maxAge, createdAt, lastUsed int64
	session := &OutboundGroupSession{RoomID: roomID}
	err := store.DB.QueryRow(ctx, `
		SELECT session, max_messages, max_age, message_count, created_at, last_used
		FROM crypto_megolm_outbound_session WHERE account_id=$1 AND room_id=$2
	`, store.AccountID, roomID).Scan(&pickled, &session.Policy.MaxMessages, &maxAge, &session.MessageCount, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	session.Internal, err = olm.OutboundGroupSessionFromPickled(pickled, store.PickleKey)
	if err != nil {
		return nil, err
	}
	session.Policy.MaxAge = time.Duration(maxAge) * time.Millisecond
	session.CreationTime = time.UnixMilli(createdAt)
	if lastUsed > 0 {
		session.LastEncryptedTime = time.UnixMilli(lastUsed)
	}
	return session, nil
}

// RemoveOutboundGroupSession removes the outbound Megolm session for the given room ID and marks it as discarded.
func (store *SQLStore) RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := store.DB.Exec(ctx, `
			INSERT INTO crypto_megolm_discarded_session (account_id, session_id, room_id, discarded_at)
			SELECT account_id, session_id, room_id, $3 FROM crypto_megolm_outbound_session
			WHERE account_id=$1 AND room_id=$2
			ON CONFLICT (account_id, session_id) DO NOTHING
		`, store.AccountID, roomID, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to mark session as discarded: %w", err)
		}
		_, err = store.DB.Exec(ctx, "DELETE FROM crypto_megolm_outbound_session WHERE account_id=$1 AND room_id=$2", store.AccountID, roomID)
		return err
	})
}

// IsOutboundSessionDiscarded checks whether the given outbound session was removed earlier.
func (store *SQLStore) IsOutboundSessionDiscarded(ctx context.Context, sessionID id.SessionID) (discarded bool, err error) {
	err = store.DB.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM crypto_megolm_discarded_session WHERE account_id=$1 AND session_id=$2)",
		store.AccountID, sessionID,
	).Scan(&discarded)
	return
}

// MarkSharedWith records the message index that a group session was shared with a device at.
func (store *SQLStore) MarkSharedWith(ctx context.Context, sessionID id.SessionID, device UserDevice, index uint32) error {
	_, err := store.DB.Exec(ctx, `
		INSERT INTO crypto_megolm_shared_with (account_id, session_id, user_id, device_id, message_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, session_id, user_id, device_id) DO UPDATE SET message_index=excluded.message_index
	`, store.AccountID, sessionID, device.UserID, device.DeviceID, int64(index))
	return err
}

// GetSharedIndex returns the message index that a group session was shared with a device at.
func (store *SQLStore) GetSharedIndex(ctx context.Context, sessionID id.SessionID, device UserDevice) (uint32, bool, error) {
	var index int64
	err := store.DB.QueryRow(ctx, `
		SELECT message_index FROM crypto_megolm_shared_with
		WHERE account_id=$1 AND session_id=$2 AND user_id=$3 AND device_id=$4
	`, store.AccountID, sessionID, device.UserID, device.DeviceID).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return uint32(index), true, nil
}

func scanDevice(rows dbutil.Scannable) (*id.Device, error) {
	var device id.Device
	err := rows.Scan(&device.UserID, &device.DeviceID, &device.IdentityKey, &device.SigningKey, &device.Trust, &device.Deleted, &device.Name)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// GetDevices returns a map of device IDs to device identities, including the identity and signing keys, for a given user ID.
func (store *SQLStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	var ignore id.UserID
	err := store.DB.QueryRow(ctx, "SELECT user_id FROM crypto_tracked_user WHERE account_id=$1 AND user_id=$2", store.AccountID, userID).Scan(&ignore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	rows, err := store.DB.Query(ctx, `
		SELECT user_id, device_id, identity_key, signing_key, trust, deleted, name
		FROM crypto_device WHERE account_id=$1 AND user_id=$2 AND deleted=false
	`, store.AccountID, userID)
	if err != nil {
		return nil, err
	}
	data := make(map[id.DeviceID]*id.Device)
	err = dbutil.NewRowIter(rows, scanDevice).Iter(func(device *id.Device) (bool, error) {
		data[device.DeviceID] = device
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

const deviceInsertQuery = `
INSERT INTO crypto_device (account_id, user_id, device_id, identity_key, signing_key, trust, deleted, name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (account_id, user_id, device_id) DO UPDATE
	SET identity_key=excluded.identity_key, signing_key=excluded.signing_key, deleted=excluded.deleted,
		trust=excluded.trust, name=excluded.name
`

// PutDevices stores the device identity information for the given user ID.
func (store *SQLStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := store.DB.Exec(ctx, `
			INSERT INTO crypto_tracked_user (account_id, user_id) VALUES ($1, $2)
			ON CONFLICT (account_id, user_id) DO NOTHING
		`, store.AccountID, userID)
		if err != nil {
			return fmt.Errorf("failed to upsert user to tracked users list: %w", err)
		}
		_, err = store.DB.Exec(ctx, "UPDATE crypto_device SET deleted=true WHERE account_id=$1 AND user_id=$2", store.AccountID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete old devices: %w", err)
		}
		for _, device := range devices {
			_, err = store.DB.Exec(ctx, deviceInsertQuery,
				store.AccountID, userID, device.DeviceID, device.IdentityKey, device.SigningKey, device.Trust, false, device.Name)
			if err != nil {
				return fmt.Errorf("failed to insert device %s: %w", device.DeviceID, err)
			}
		}
		return nil
	})
}
