// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/id"
)

// Store is used by Machine to persist its account, sessions and device lists.
//
// Getters return nil without an error when the requested item doesn't exist.
type Store interface {
	// PutAccount stores the Olm account of this device.
	PutAccount(ctx context.Context, account *olm.Account) error
	// GetAccount returns the stored Olm account, or nil if one hasn't been stored yet.
	GetAccount(ctx context.Context) (*olm.Account, error)

	// AddSession stores a new Olm session with the device that has the given identity key.
	AddSession(ctx context.Context, key id.SenderKey, session *OlmSession) error
	// UpdateSession updates an existing Olm session after it has been used.
	UpdateSession(ctx context.Context, key id.SenderKey, session *OlmSession) error
	// GetLatestSession returns the most recently created Olm session with the given device.
	GetLatestSession(ctx context.Context, key id.SenderKey) (*OlmSession, error)

	// PutGroupSession inserts or replaces an inbound group session.
	PutGroupSession(ctx context.Context, session *InboundGroupSession) error
	// GetGroupSession returns the inbound group session with the given ID in the given room.
	GetGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error)
	// GetGroupSessionsForRoom returns all inbound group sessions in the given room.
	GetGroupSessionsForRoom(ctx context.Context, roomID id.RoomID) ([]*InboundGroupSession, error)
	// ValidateMessageIndex returns false if the given message index has already been used with a different event.
	ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error)

	// PutOutboundGroupSession inserts or replaces the outbound group session of a room.
	// Sessions that have been removed with RemoveOutboundGroupSession can't be stored again.
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	// GetOutboundGroupSession returns the current outbound group session of the given room.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	// RemoveOutboundGroupSession removes the outbound group session of the given room and records its ID as discarded.
	RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error
	// IsOutboundSessionDiscarded checks whether the given outbound session ID has been removed.
	IsOutboundSessionDiscarded(ctx context.Context, sessionID id.SessionID) (bool, error)

	// MarkSharedWith records that the given group session was shared with a device at the given message index.
	MarkSharedWith(ctx context.Context, sessionID id.SessionID, device UserDevice, index uint32) error
	// GetSharedIndex returns the message index the given group session was shared with a device at.
	GetSharedIndex(ctx context.Context, sessionID id.SessionID, device UserDevice) (index uint32, shared bool, err error)

	// GetDevices returns the known devices of the given user, or nil if the user's device list hasn't been fetched.
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	// PutDevices replaces the device list of the given user.
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error
}

type messageIndexKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
	Index     uint
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

type sharedWithKey struct {
	SessionID id.SessionID
	UserDevice
}

// MemoryStore is a simple in-memory Store implementation.
type MemoryStore struct {
	lock sync.RWMutex

	Account           *olm.Account
	Sessions          map[id.SenderKey][]*OlmSession
	GroupSessions     map[id.RoomID]map[id.SessionID]*InboundGroupSession
	OutGroupSessions  map[id.RoomID]*OutboundGroupSession
	DiscardedSessions map[id.SessionID]struct{}
	SharedWith        map[sharedWithKey]uint32
	MessageIndices    map[messageIndexKey]messageIndexValue
	Devices           map[id.UserID]map[id.DeviceID]*id.Device
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Sessions:          make(map[id.SenderKey][]*OlmSession),
		GroupSessions:     make(map[id.RoomID]map[id.SessionID]*InboundGroupSession),
		OutGroupSessions:  make(map[id.RoomID]*OutboundGroupSession),
		DiscardedSessions: make(map[id.SessionID]struct{}),
		SharedWith:        make(map[sharedWithKey]uint32),
		MessageIndices:    make(map[messageIndexKey]messageIndexValue),
		Devices:           make(map[id.UserID]map[id.DeviceID]*id.Device),
	}
}

func (ms *MemoryStore) PutAccount(_ context.Context, account *olm.Account) error {
	ms.lock.Lock()
	ms.Account = account
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) GetAccount(_ context.Context) (*olm.Account, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.Account, nil
}

func (ms *MemoryStore) AddSession(_ context.Context, key id.SenderKey, session *OlmSession) error {
	ms.lock.Lock()
	ms.Sessions[key] = append(ms.Sessions[key], session)
	sort.SliceStable(ms.Sessions[key], func(i, j int) bool {
		return ms.Sessions[key][i].CreationTime.After(ms.Sessions[key][j].CreationTime)
	})
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) UpdateSession(_ context.Context, _ id.SenderKey, _ *OlmSession) error {
	// Sessions are stored by pointer, so there's nothing to update.
	return nil
}

func (ms *MemoryStore) GetLatestSession(_ context.Context, key id.SenderKey) (*OlmSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	sessions := ms.Sessions[key]
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (ms *MemoryStore) PutGroupSession(_ context.Context, session *InboundGroupSession) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	room, ok := ms.GroupSessions[session.RoomID]
	if !ok {
		room = make(map[id.SessionID]*InboundGroupSession)
		ms.GroupSessions[session.RoomID] = room
	}
	room[session.ID()] = session
	return nil
}

func (ms *MemoryStore) GetGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.GroupSessions[roomID][sessionID], nil
}

func (ms *MemoryStore) GetGroupSessionsForRoom(_ context.Context, roomID id.RoomID) ([]*InboundGroupSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	sessions := make([]*InboundGroupSession, 0, len(ms.GroupSessions[roomID]))
	for _, session := range ms.GroupSessions[roomID] {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})
	return sessions, nil
}

func (ms *MemoryStore) ValidateMessageIndex(_ context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	key := messageIndexKey{SenderKey: senderKey, SessionID: sessionID, Index: index}
	val, ok := ms.MessageIndices[key]
	if !ok {
		ms.MessageIndices[key] = messageIndexValue{EventID: eventID, Timestamp: timestamp}
		return true, nil
	}
	return val.EventID == eventID && val.Timestamp == timestamp, nil
}

func (ms *MemoryStore) PutOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if _, discarded := ms.DiscardedSessions[session.ID()]; discarded {
		return fmt.Errorf("%w: %s", ErrSessionDiscarded, session.ID())
	}
	ms.OutGroupSessions[session.RoomID] = session
	return nil
}

func (ms *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.OutGroupSessions[roomID], nil
}

func (ms *MemoryStore) RemoveOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	session, ok := ms.OutGroupSessions[roomID]
	if !ok {
		return nil
	}
	ms.DiscardedSessions[session.ID()] = struct{}{}
	delete(ms.OutGroupSessions, roomID)
	return nil
}

func (ms *MemoryStore) IsOutboundSessionDiscarded(_ context.Context, sessionID id.SessionID) (bool, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	_, discarded := ms.DiscardedSessions[sessionID]
	return discarded, nil
}

func (ms *MemoryStore) MarkSharedWith(_ context.Context, sessionID id.SessionID, device UserDevice, index uint32) error {
	ms.lock.Lock()
	ms.SharedWith[sharedWithKey{SessionID: sessionID, UserDevice: device}] = index
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) GetSharedIndex(_ context.Context, sessionID id.SessionID, device UserDevice) (uint32, bool, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	index, ok := ms.SharedWith[sharedWithKey{SessionID: sessionID, UserDevice: device}]
	return index, ok, nil
}

func (ms *MemoryStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	devices, ok := ms.Devices[userID]
	if !ok {
		return nil, nil
	}
	copied := make(map[id.DeviceID]*id.Device, len(devices))
	for deviceID, device := range devices {
		copied[deviceID] = device
	}
	return copied, nil
}

func (ms *MemoryStore) PutDevices(_ context.Context, userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	copied := make(map[id.DeviceID]*id.Device, len(devices))
	for deviceID, device := range devices {
		copied[deviceID] = device
	}
	ms.lock.Lock()
	ms.Devices[userID] = copied
	ms.lock.Unlock()
	return nil
}
