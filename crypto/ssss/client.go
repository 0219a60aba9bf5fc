// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ssss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exgjson"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// AccountDataClient is the subset of the homeserver API that secret storage needs.
type AccountDataClient interface {
	GetAccountData(ctx context.Context, name string, output any) error
}

// Machine contains utility methods for interacting with SSSS data on the server.
type Machine struct {
	Client AccountDataClient
}

func NewSSSSMachine(client AccountDataClient) *Machine {
	return &Machine{
		Client: client,
	}
}

// UnlockFactor is the user-provided input that secret storage is unlocked with.
// Exactly one of the fields should be set.
type UnlockFactor struct {
	Passphrase  string
	RecoveryKey string
}

func WithPassphrase(passphrase string) UnlockFactor {
	return UnlockFactor{Passphrase: passphrase}
}

func WithRecoveryKey(recoveryKey string) UnlockFactor {
	return UnlockFactor{RecoveryKey: recoveryKey}
}

// GetDefaultKeyID retrieves the default key ID for this account from SSSS.
func (mach *Machine) GetDefaultKeyID(ctx context.Context) (string, error) {
	var data DefaultSecretStorageKeyContent
	err := mach.Client.GetAccountData(ctx, event.AccountDataSecretStorageDefaultKey.Type, &data)
	if errors.Is(err, e2ee.MNotFound) {
		return "", ErrNoDefaultKeyAccountDataEvent
	} else if err != nil {
		return "", fmt.Errorf("failed to get default key account data from server: %w", err)
	} else if len(data.KeyID) == 0 {
		return "", ErrNoKeyFieldInAccountDataEvent
	}
	return data.KeyID, nil
}

// GetKeyData gets the details about the given key ID.
func (mach *Machine) GetKeyData(ctx context.Context, keyID string) (*KeyMetadata, error) {
	keyData := &KeyMetadata{id: keyID}
	err := mach.Client.GetAccountData(ctx, event.AccountDataSecretStorageKey(keyID).Type, keyData)
	if errors.Is(err, e2ee.MNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyMetadata, keyID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get key metadata from server: %w", err)
	} else if keyData.Algorithm != AlgorithmAESHMACSHA2 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlgorithm, keyData.Algorithm)
	}
	return keyData, nil
}

// GetDefaultKeyData gets the details about the default key ID (see GetDefaultKeyID).
func (mach *Machine) GetDefaultKeyData(ctx context.Context) (keyID string, keyData *KeyMetadata, err error) {
	keyID, err = mach.GetDefaultKeyID(ctx)
	if err != nil {
		return
	}
	keyData, err = mach.GetKeyData(ctx, keyID)
	return
}

// IsConfigured checks whether the account has a default secret storage key.
func (mach *Machine) IsConfigured(ctx context.Context) (bool, error) {
	_, _, err := mach.GetDefaultKeyData(ctx)
	if errors.Is(err, ErrNoDefaultKeyID) || errors.Is(err, ErrNoKeyMetadata) || errors.Is(err, ErrUnsupportedKeyAlgorithm) {
		return false, nil
	}
	return err == nil, err
}

func (mach *Machine) getRawSecret(ctx context.Context, secret id.Secret) (json.RawMessage, error) {
	var raw json.RawMessage
	err := mach.Client.GetAccountData(ctx, string(secret), &raw)
	if errors.Is(err, e2ee.MNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, secret)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s from server: %w", secret, err)
	}
	return raw, nil
}

// HasSecret checks whether the given secret is stored encrypted for the default key.
func (mach *Machine) HasSecret(ctx context.Context, secret id.Secret) (bool, error) {
	keyID, err := mach.GetDefaultKeyID(ctx)
	if errors.Is(err, ErrNoDefaultKeyID) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	raw, err := mach.getRawSecret(ctx, secret)
	if errors.Is(err, ErrSecretNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return gjson.GetBytes(raw, exgjson.Path("encrypted", keyID)).IsObject(), nil
}

// UnlockKey resolves the default key and derives it from the given factor.
// The derived key is checked against the metadata before it is returned.
func (mach *Machine) UnlockKey(ctx context.Context, factor UnlockFactor) (*Key, error) {
	keyID, keyData, err := mach.GetDefaultKeyData(ctx)
	if err != nil {
		return nil, err
	}
	log := zerolog.Ctx(ctx).With().Str("ssss_key_id", keyID).Logger()
	var key *Key
	switch {
	case factor.RecoveryKey != "":
		key, err = keyData.VerifyRecoveryKey(factor.RecoveryKey)
	case factor.Passphrase != "":
		key, err = keyData.VerifyPassphrase(factor.Passphrase)
	default:
		err = fmt.Errorf("%w: no passphrase or recovery key given", ErrWrongKey)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Failed to unlock secret storage key")
		return nil, err
	}
	log.Debug().Msg("Unlocked secret storage key")
	return key, nil
}

// GetDecryptedAccountData gets the given secret from account data and decrypts it using the given key.
func (mach *Machine) GetDecryptedAccountData(ctx context.Context, secret id.Secret, key *Key) ([]byte, error) {
	raw, err := mach.getRawSecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	encData := gjson.GetBytes(raw, exgjson.Path("encrypted", key.ID))
	if !encData.IsObject() {
		return nil, fmt.Errorf("%w (%s)", ErrNotEncryptedForKey, secret)
	}
	var keyEncData EncryptedKeyData
	if err = json.Unmarshal([]byte(encData.Raw), &keyEncData); err != nil {
		return nil, fmt.Errorf("%w: failed to parse encrypted data: %w", ErrKeyDataMACMismatch, err)
	}
	return key.Decrypt(secret, keyEncData)
}

// Unlock derives the default secret storage key from the factor, verifies it
// and then fetches and decrypts the named secret. Nothing is retried.
func (mach *Machine) Unlock(ctx context.Context, secret id.Secret, factor UnlockFactor) ([]byte, error) {
	key, err := mach.UnlockKey(ctx, factor)
	if err != nil {
		return nil, err
	}
	return mach.GetDecryptedAccountData(ctx, secret, key)
}

// EncryptForKeys encrypts the given secret with each of the keys, producing
// the account data content that would be stored under the secret's name.
func EncryptForKeys(secret id.Secret, data []byte, keys ...*Key) *EncryptedAccountDataEventContent {
	encrypted := make(map[string]EncryptedKeyData, len(keys))
	for _, key := range keys {
		encrypted[key.ID] = key.Encrypt(secret, data)
	}
	return &EncryptedAccountDataEventContent{Encrypted: encrypted}
}
