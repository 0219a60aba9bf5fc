// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"context"
	"errors"

	"go.mau.fi/util/exerrors"
)

// Kind is the coarse classification of errors that cross component boundaries.
// Every error returned by the crypto, secret storage, key backup and identity
// packages can be matched against one of the Err* kind values with errors.Is.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration means something (like an identity server) is not configured. Not retried automatically.
	KindConfiguration
	// KindAuthentication means a passphrase, recovery key or secret storage key was wrong.
	KindAuthentication
	// KindNetwork means the request failed in transport or returned a non-2xx response.
	KindNetwork
	// KindIntegrity means data failed to decrypt or verify with an otherwise accepted key.
	KindIntegrity
	// KindProtocol means a peer sent a request that violates local invariants.
	KindProtocol
)

var (
	ErrConfiguration  error = KindConfiguration
	ErrAuthentication error = KindAuthentication
	ErrNetwork        error = KindNetwork
	ErrIntegrity      error = KindIntegrity
	ErrProtocol       error = KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindNetwork:
		return "network"
	case KindIntegrity:
		return "integrity"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

func (k Kind) Error() string {
	return k.String() + " error"
}

// WithKind classifies the given error. The returned error matches both the kind and the original error with errors.Is.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return exerrors.NewDualError(kind, err)
}

// NewError creates a new classified sentinel error.
func NewError(kind Kind, message string) error {
	return WithKind(kind, errors.New(message))
}

// KindOf returns the classification of the given error.
//
// Errors that were not explicitly classified are still recognized if they're HTTP errors
// (KindNetwork) or context cancellations (KindUnknown).
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var dual exerrors.DualError
	for cur := err; errors.As(cur, &dual); cur = dual.Low {
		if kind, ok := dual.High.(Kind); ok {
			return kind
		}
	}
	var httpErr HTTPError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	} else if errors.As(err, &httpErr) {
		return KindNetwork
	}
	return KindUnknown
}
