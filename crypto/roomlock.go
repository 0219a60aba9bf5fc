// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"sync"

	"go.mau.fi/e2ee/id"
)

type roomLock struct {
	ch   chan struct{}
	refs int
}

// roomLocks is a keyed mutex that serializes session operations per room.
// Entries are removed once nobody holds or waits for them.
type roomLocks struct {
	lock  sync.Mutex
	rooms map[id.RoomID]*roomLock
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[id.RoomID]*roomLock)}
}

// Lock waits until the given room is free or the context is canceled.
// The returned function must be called exactly once to release the lock.
func (rl *roomLocks) Lock(ctx context.Context, roomID id.RoomID) (func(), error) {
	rl.lock.Lock()
	entry, ok := rl.rooms[roomID]
	if !ok {
		entry = &roomLock{ch: make(chan struct{}, 1)}
		rl.rooms[roomID] = entry
	}
	entry.refs++
	rl.lock.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		rl.release(roomID, entry)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			rl.release(roomID, entry)
		})
	}, nil
}

func (rl *roomLocks) release(roomID id.RoomID, entry *roomLock) {
	rl.lock.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(rl.rooms, roomID)
	}
	rl.lock.Unlock()
}

func (rl *roomLocks) size() int {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	return len(rl.rooms)
}
