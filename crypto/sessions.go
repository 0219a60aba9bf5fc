// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"time"

	"go.mau.fi/util/jsontime"

	"go.mau.fi/e2ee/crypto/olm"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

type UserDevice struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// OlmSession is a one-to-one Olm session with another device.
type OlmSession struct {
	Internal *olm.Session

	CreationTime time.Time
	LastUsed     time.Time
}

func wrapSession(session *olm.Session) *OlmSession {
	now := time.Now()
	return &OlmSession{
		Internal:     session,
		CreationTime: now,
		LastUsed:     now,
	}
}

func (session *OlmSession) ID() id.SessionID {
	return session.Internal.ID()
}

func (session *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	session.LastUsed = time.Now()
	return session.Internal.Encrypt(plaintext)
}

// RotationPolicy decides when an outbound group session must be replaced.
// A zero value in either field means there is no limit for that dimension.
type RotationPolicy struct {
	MaxMessages int           `yaml:"max_messages"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// RotationPolicyFromContent returns the rotation settings in the given m.room.encryption content,
// using the fallback for any dimension the room doesn't specify.
func RotationPolicyFromContent(content *event.EncryptionEventContent, fallback RotationPolicy) RotationPolicy {
	policy := fallback
	if content == nil {
		return policy
	}
	if content.RotationPeriodMessages > 0 {
		policy.MaxMessages = content.RotationPeriodMessages
	}
	if content.RotationPeriodMillis > 0 {
		policy.MaxAge = time.Duration(content.RotationPeriodMillis) * time.Millisecond
	}
	return policy
}

// InboundGroupSession is a Megolm session that can decrypt messages, either received
// from another device, imported from backup or created locally alongside an outbound session.
type InboundGroupSession struct {
	Internal *olm.InboundGroupSession

	SigningKey id.Ed25519
	SenderKey  id.SenderKey
	RoomID     id.RoomID

	ForwardingChains []string
	// ReshareForbidden is set when the session must never be exported to other devices again.
	ReshareForbidden bool
	ReceivedAt       jsontime.UnixMilli

	id id.SessionID
}

func NewInboundGroupSession(senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionKey string) (*InboundGroupSession, error) {
	igs, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		Internal:   igs,
		SigningKey: signingKey,
		SenderKey:  senderKey,
		RoomID:     roomID,
		ReceivedAt: jsontime.UnixMilliNow(),
	}, nil
}

func (igs *InboundGroupSession) ID() id.SessionID {
	if igs.id == "" {
		igs.id = igs.Internal.ID()
	}
	return igs.id
}

func (igs *InboundGroupSession) FirstKnownIndex() uint32 {
	return igs.Internal.FirstKnownIndex()
}

// OutboundGroupSession is the sending half of the Megolm session currently used in a room.
type OutboundGroupSession struct {
	Internal *olm.OutboundGroupSession

	RoomID id.RoomID
	Policy RotationPolicy

	CreationTime      time.Time
	LastEncryptedTime time.Time
	MessageCount      int
}

func NewOutboundGroupSession(roomID id.RoomID, policy RotationPolicy) (*OutboundGroupSession, error) {
	internal, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		Internal:     internal,
		RoomID:       roomID,
		Policy:       policy,
		CreationTime: time.Now(),
	}, nil
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

// MessageIndex returns the current ratchet index, i.e. the index the next message will be encrypted with.
func (ogs *OutboundGroupSession) MessageIndex() uint {
	return ogs.Internal.MessageIndex()
}

// ShareContent returns the m.room_key content that is sent to new recipients of this session.
// The key is exported at the current ratchet index, so recipients can't decrypt earlier messages.
func (ogs *OutboundGroupSession) ShareContent() *event.RoomKeyEventContent {
	return &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     ogs.RoomID,
		SessionID:  ogs.ID(),
		SessionKey: ogs.Internal.Key(),
	}
}

// Expired checks whether the session has reached either limit of its rotation policy.
func (ogs *OutboundGroupSession) Expired() bool {
	if ogs.Policy.MaxMessages > 0 && ogs.MessageCount >= ogs.Policy.MaxMessages {
		return true
	}
	return ogs.Policy.MaxAge > 0 && time.Since(ogs.CreationTime) >= ogs.Policy.MaxAge
}

func (ogs *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, err := ogs.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	ogs.MessageCount++
	ogs.LastEncryptedTime = time.Now()
	return ciphertext, nil
}
