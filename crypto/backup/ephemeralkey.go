// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"

	"go.mau.fi/util/jsonbytes"
)

// EphemeralKey is the X25519 public key an entry was encrypted for, serialized as unpadded base64.
type EphemeralKey struct {
	*ecdh.PublicKey
}

func (k EphemeralKey) MarshalJSON() ([]byte, error) {
	if k.PublicKey == nil {
		return []byte("null"), nil
	}
	return jsonbytes.UnpaddedBytes(k.Bytes()).MarshalJSON()
}

func (k *EphemeralKey) UnmarshalJSON(data []byte) error {
	var raw jsonbytes.UnpaddedBytes
	if err := raw.UnmarshalJSON(data); err != nil {
		return err
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return err
	}
	k.PublicKey = pub
	return nil
}
