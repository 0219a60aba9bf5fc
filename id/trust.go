// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"
)

// TrustState determines whether room keys may be shared with a device.
// Unverified devices still receive keys, blacklisted ones never do.
type TrustState int

const (
	TrustStateBlacklisted TrustState = -100
	TrustStateUnset       TrustState = 0
	TrustStateVerified    TrustState = 300
	TrustStateInvalid     TrustState = (2 << 31) - 1
)

var trustStateNames = map[TrustState]string{
	TrustStateBlacklisted: "blacklisted",
	TrustStateUnset:       "unverified",
	TrustStateVerified:    "verified",
}

// ParseTrustState parses the text form of a trust state. An empty string means unverified.
func ParseTrustState(val string) TrustState {
	val = strings.ToLower(val)
	if val == "" {
		return TrustStateUnset
	}
	for state, name := range trustStateNames {
		if name == val {
			return state
		}
	}
	return TrustStateInvalid
}

// CanReceiveKeys returns false for devices that must never be sent room keys.
func (ts TrustState) CanReceiveKeys() bool {
	_, known := trustStateNames[ts]
	return known && ts != TrustStateBlacklisted
}

func (ts TrustState) String() string {
	if name, ok := trustStateNames[ts]; ok {
		return name
	}
	return "invalid"
}

func (ts TrustState) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

func (ts *TrustState) UnmarshalText(data []byte) error {
	if *ts = ParseTrustState(string(data)); *ts == TrustStateInvalid {
		return fmt.Errorf("invalid trust state %q", data)
	}
	return nil
}
