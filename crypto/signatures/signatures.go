// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"

	"go.mau.fi/e2ee/id"
)

var (
	ErrSignatureNotFound = errors.New("signature not found")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Signatures represents a set of signatures for some data from multiple users
// and keys.
type Signatures map[id.UserID]map[id.KeyID]string

// NewSingleSignature creates a new [Signatures] object with a single
// signature.
func NewSingleSignature(userID id.UserID, algorithm id.KeyAlgorithm, keyID string, signature string) Signatures {
	return Signatures{
		userID: {
			id.NewKeyID(algorithm, keyID): signature,
		},
	}
}

func toRawJSON(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return raw, nil
}

// canonicalMessage returns the bytes that are actually signed: the canonical JSON form of the
// object without its signatures and unsigned fields.
func canonicalMessage(data any) ([]byte, error) {
	message, err := toRawJSON(data)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"signatures", "unsigned"} {
		if message, err = sjson.DeleteBytes(message, field); err != nil {
			return nil, fmt.Errorf("failed to strip %s: %w", field, err)
		}
	}
	return canonicaljson.CanonicalJSONAssumeValid(message), nil
}

// VerifySignatureJSON checks the ed25519 signature made by the given user and key ID on a JSON object.
func VerifySignatureJSON(data any, userID id.UserID, keyName string, key id.Ed25519) error {
	message, err := toRawJSON(data)
	if err != nil {
		return err
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, keyName)
	sigVal := gjson.GetBytes(message, exgjson.Path("signatures", userID.String(), keyID.String()))
	if sigVal.Type != gjson.String {
		return ErrSignatureNotFound
	}
	var sig, pubKey []byte
	if sig, err = base64.RawStdEncoding.DecodeString(sigVal.Str); err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	} else if pubKey, err = base64.RawStdEncoding.DecodeString(string(key)); err != nil {
		return fmt.Errorf("malformed signing key: %w", err)
	} else if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing key is %d bytes, expected %d", len(pubKey), ed25519.PublicKeySize)
	}
	canonical, err := canonicalMessage(message)
	if err != nil {
		return err
	} else if !ed25519.Verify(pubKey, canonical, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignJSON signs a JSON object with the given ed25519 key and returns the unpadded base64 signature.
func SignJSON(data any, key ed25519.PrivateKey) (string, error) {
	canonical, err := canonicalMessage(data)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, canonical)), nil
}
