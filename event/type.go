// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"strings"
)

// TypeClass is the kind of payload an event type is used for.
type TypeClass int

const (
	UnknownEventType TypeClass = iota
	MessageEventType
	StateEventType
	AccountDataEventType
	ToDeviceEventType
)

// Type is an event type along with its class. Only the name is serialized.
type Type struct {
	Type  string
	Class TypeClass
}

var (
	StateMember     = Type{"m.room.member", StateEventType}
	StateEncryption = Type{"m.room.encryption", StateEventType}

	EventMessage   = Type{"m.room.message", MessageEventType}
	EventEncrypted = Type{"m.room.encrypted", MessageEventType}

	AccountDataSecretStorageDefaultKey = Type{"m.secret_storage.default_key", AccountDataEventType}
	AccountDataMegolmBackupKey         = Type{"m.megolm_backup.v1", AccountDataEventType}

	ToDeviceRoomKey          = Type{"m.room_key", ToDeviceEventType}
	ToDeviceRoomKeyRequest   = Type{"m.room_key_request", ToDeviceEventType}
	ToDeviceForwardedRoomKey = Type{"m.forwarded_room_key", ToDeviceEventType}
	ToDeviceRoomKeyWithheld  = Type{"m.room_key.withheld", ToDeviceEventType}
	ToDeviceEncrypted        = Type{"m.room.encrypted", ToDeviceEventType}
)

const AccountDataSecretStorageKeyPrefix = "m.secret_storage.key."

// AccountDataSecretStorageKey returns the account data type for the metadata of the given secret storage key.
func AccountDataSecretStorageKey(keyID string) Type {
	return Type{AccountDataSecretStorageKeyPrefix + keyID, AccountDataEventType}
}

// knownClasses maps type names to classes. m.room.encrypted is used both in rooms and
// to-device, the room class wins here.
var knownClasses = func() map[string]TypeClass {
	classes := make(map[string]TypeClass)
	for _, known := range []Type{
		ToDeviceRoomKey, ToDeviceRoomKeyRequest, ToDeviceForwardedRoomKey, ToDeviceRoomKeyWithheld, ToDeviceEncrypted,
		AccountDataSecretStorageDefaultKey, AccountDataMegolmBackupKey,
		StateMember, StateEncryption,
		EventMessage, EventEncrypted,
	} {
		classes[known.Type] = known.Class
	}
	return classes
}()

func NewEventType(name string) Type {
	return Type{Type: name, Class: guessClass(name)}
}

func guessClass(name string) TypeClass {
	if class, ok := knownClasses[name]; ok {
		return class
	} else if strings.HasPrefix(name, AccountDataSecretStorageKeyPrefix) {
		return AccountDataEventType
	}
	return UnknownEventType
}

func (et *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*et = NewEventType(name)
	return nil
}

func (et Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(et.Type)
}

func (et Type) String() string {
	return et.Type
}
