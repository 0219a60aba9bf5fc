// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// StateStore is used by Machine to find the encryption settings of rooms.
type StateStore interface {
	// GetEncryptionEvent returns the content of the m.room.encryption state event of the room,
	// or nil if the room is not encrypted.
	GetEncryptionEvent(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error)
}

// MemoryStateStore is a StateStore backed by a map.
type MemoryStateStore struct {
	lock       sync.RWMutex
	Encryption map[id.RoomID]*event.EncryptionEventContent
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{Encryption: make(map[id.RoomID]*event.EncryptionEventContent)}
}

func (mss *MemoryStateStore) SetEncryptionEvent(roomID id.RoomID, content *event.EncryptionEventContent) {
	mss.lock.Lock()
	mss.Encryption[roomID] = content
	mss.lock.Unlock()
}

func (mss *MemoryStateStore) GetEncryptionEvent(_ context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	mss.lock.RLock()
	defer mss.lock.RUnlock()
	return mss.Encryption[roomID], nil
}

// Machine is the entry point for encrypting room events, managing group sessions
// and importing keys from backup.
type Machine struct {
	Client *e2ee.Client
	Log    *zerolog.Logger

	Store      Store
	StateStore StateStore
	Metrics    *Metrics

	// DefaultRotationPolicy is used for rooms whose m.room.encryption event doesn't specify rotation settings.
	DefaultRotationPolicy RotationPolicy

	account     *olm.Account
	ownIdentity *id.Device

	roomLocks      *roomLocks
	olmLock        sync.Mutex
	encryptors     map[id.RoomID]RoomEncryptor
	encryptorsLock sync.Mutex
}

// NewMachine creates a new Machine. Load must be called before the machine is used.
func NewMachine(client *e2ee.Client, log *zerolog.Logger, store Store, stateStore StateStore) *Machine {
	if log == nil {
		logPtr := zerolog.Nop()
		log = &logPtr
	}
	return &Machine{
		Client:     client,
		Log:        log,
		Store:      store,
		StateStore: stateStore,

		roomLocks:  newRoomLocks(),
		encryptors: make(map[id.RoomID]RoomEncryptor),
	}
}

func (mach *Machine) machOrContextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return mach.Log
	}
	return log
}

// Load loads the Olm account from the store, or creates and stores a new one if there isn't one yet.
func (mach *Machine) Load(ctx context.Context) (err error) {
	mach.account, err = mach.Store.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if mach.account == nil {
		mach.account, err = olm.NewAccount()
		if err != nil {
			return err
		}
		err = mach.Store.PutAccount(ctx, mach.account)
		if err != nil {
			return fmt.Errorf("failed to save new account: %w", err)
		}
		mach.machOrContextLog(ctx).Debug().Msg("Created new Olm account")
	}
	signingKey, identityKey, err := mach.account.IdentityKeys()
	if err != nil {
		return err
	}
	mach.ownIdentity = &id.Device{
		UserID:      mach.Client.UserID,
		DeviceID:    mach.Client.DeviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       id.TrustStateVerified,
	}
	return nil
}

// OwnIdentity returns the identity keys of this device.
func (mach *Machine) OwnIdentity() *id.Device {
	return mach.ownIdentity
}

func (mach *Machine) isOwnDevice(userID id.UserID, deviceID id.DeviceID) bool {
	return userID == mach.Client.UserID && deviceID == mach.Client.DeviceID
}

// EncryptorForRoom returns the encryptor for the algorithm configured in the given room.
//
// The room's m.room.encryption event is read on every call. The cached encryptor is
// reused as long as the algorithm stays the same.
func (mach *Machine) EncryptorForRoom(ctx context.Context, roomID id.RoomID) (RoomEncryptor, error) {
	content, err := mach.getEncryptionEvent(ctx, roomID)
	if err != nil {
		return nil, err
	} else if content == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotEncrypted, roomID)
	}
	mach.encryptorsLock.Lock()
	defer mach.encryptorsLock.Unlock()
	if enc, ok := mach.encryptors[roomID]; ok && enc.Algorithm() == content.Algorithm {
		return enc, nil
	}
	var enc RoomEncryptor
	switch content.Algorithm {
	case id.AlgorithmMegolmV1:
		enc = &MegolmEncryptor{mach: mach, roomID: roomID}
	case id.AlgorithmOlmV1:
		enc = &OlmEncryptor{mach: mach, roomID: roomID}
	default:
		return nil, fmt.Errorf("%w %q in %s", ErrUnsupportedAlgorithm, content.Algorithm, roomID)
	}
	mach.encryptors[roomID] = enc
	return enc, nil
}

func (mach *Machine) getEncryptionEvent(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	if mach.StateStore == nil {
		return nil, ErrNoStateStore
	}
	content, err := mach.StateStore.GetEncryptionEvent(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption event of %s: %w", roomID, err)
	}
	return content, nil
}

// EncryptEventContent encrypts the given event content for the given recipients
// using the encryption algorithm of the room.
func (mach *Machine) EncryptEventContent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, recipients []id.UserID) (*event.EncryptedEventContent, error) {
	enc, err := mach.EncryptorForRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return enc.EncryptEventContent(ctx, evtType, content, recipients)
}

// ReshareKey forwards one of our own group sessions to a device that it was previously shared with.
func (mach *Machine) ReshareKey(ctx context.Context, req ReshareKeyRequest) bool {
	enc, err := mach.EncryptorForRoom(ctx, req.RoomID)
	if err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).
			Stringer("room_id", req.RoomID).
			Msg("Failed to get encryptor for key reshare")
		return false
	}
	return enc.ReshareKey(ctx, req)
}

// HandleMemberLeave discards the outbound group session of the room when a member leaves,
// and forbids resharing the discarded session so the member can't get it again.
func (mach *Machine) HandleMemberLeave(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	enc, err := mach.EncryptorForRoom(ctx, roomID)
	if err != nil {
		return err
	}
	megolm, ok := enc.(*MegolmEncryptor)
	if !ok {
		return nil
	}
	mach.machOrContextLog(ctx).Debug().
		Stringer("room_id", roomID).
		Stringer("user_id", userID).
		Msg("Member left room, discarding outbound group session")
	return megolm.discard(ctx, true)
}
