// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/signatures"
	"go.mau.fi/e2ee/id"
)

type userIDList []id.UserID

func (list userIDList) MarshalZerologArray(arr *zerolog.Array) {
	for _, userID := range list {
		arr.Str(userID.String())
	}
}

// LoadDevices fetches the device list of the given user from the server and stores it,
// even if a device list had already been fetched before.
func (mach *Machine) LoadDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	devices, err := mach.fetchKeys(ctx, []id.UserID{userID})
	if err != nil {
		return nil, err
	}
	return devices[userID], nil
}

// GetOrFetchDevice returns a device from the store, fetching the user's device list if the device isn't known.
func (mach *Machine) GetOrFetchDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	devices, err := mach.Store.GetDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices of %s: %w", userID, err)
	} else if device, ok := devices[deviceID]; ok {
		return device, nil
	}
	devices, err = mach.LoadDevices(ctx, userID)
	if err != nil {
		return nil, err
	} else if device, ok := devices[deviceID]; ok {
		return device, nil
	}
	return nil, fmt.Errorf("%w: device %s of %s not found", ErrDeviceKeyMissing, deviceID, userID)
}

// getRecipientDevices returns the non-deleted devices of each user, fetching device lists that aren't stored yet.
//
// Every user other than ourselves must have at least one device, otherwise the error wraps ErrDeviceKeyMissing.
func (mach *Machine) getRecipientDevices(ctx context.Context, users []id.UserID) (map[id.UserID]map[id.DeviceID]*id.Device, error) {
	result := make(map[id.UserID]map[id.DeviceID]*id.Device, len(users))
	var fetch []id.UserID
	for _, userID := range users {
		if _, alreadyFound := result[userID]; alreadyFound {
			continue
		}
		devices, err := mach.Store.GetDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get devices of %s: %w", userID, err)
		} else if devices == nil {
			fetch = append(fetch, userID)
		} else {
			result[userID] = devices
		}
	}
	if len(fetch) > 0 {
		fetched, err := mach.fetchKeys(ctx, fetch)
		if err != nil {
			return nil, err
		}
		for userID, devices := range fetched {
			result[userID] = devices
		}
	}
	for userID, devices := range result {
		for deviceID, device := range devices {
			if device.Deleted || device.IdentityKey == "" {
				delete(devices, deviceID)
			}
		}
		if len(devices) == 0 && userID != mach.Client.UserID {
			return nil, fmt.Errorf("%w: %s", ErrDeviceKeyMissing, userID)
		}
	}
	return result, nil
}

// filterKeyRecipients drops our own device and devices that must not receive keys.
func (mach *Machine) filterKeyRecipients(ctx context.Context, devices map[id.UserID]map[id.DeviceID]*id.Device) map[id.UserID]map[id.DeviceID]*id.Device {
	log := mach.machOrContextLog(ctx)
	filtered := make(map[id.UserID]map[id.DeviceID]*id.Device, len(devices))
	for userID, userDevices := range devices {
		for deviceID, device := range userDevices {
			if mach.isOwnDevice(userID, deviceID) {
				continue
			} else if !device.Trust.CanReceiveKeys() {
				log.Debug().
					Stringer("target_user_id", userID).
					Stringer("target_device_id", deviceID).
					Stringer("trust", device.Trust).
					Msg("Not sharing keys with device")
				continue
			}
			if _, ok := filtered[userID]; !ok {
				filtered[userID] = make(map[id.DeviceID]*id.Device)
			}
			filtered[userID][deviceID] = device
		}
	}
	return filtered
}

func (mach *Machine) fetchKeys(ctx context.Context, users []id.UserID) (map[id.UserID]map[id.DeviceID]*id.Device, error) {
	log := mach.machOrContextLog(ctx)
	req := &e2ee.ReqQueryKeys{DeviceKeys: make(e2ee.DeviceKeysRequest, len(users))}
	for _, userID := range users {
		req.DeviceKeys[userID] = e2ee.DeviceIDList{}
	}
	log.Debug().Array("users", userIDList(users)).Msg("Querying keys for users")
	resp, err := mach.Client.QueryKeys(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	for server, info := range resp.Failures {
		log.Warn().Str("server", server).Interface("info", info).Msg("Key query failed for server")
	}
	data := make(map[id.UserID]map[id.DeviceID]*id.Device, len(users))
	for _, userID := range users {
		existing, err := mach.Store.GetDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get existing devices of %s: %w", userID, err)
		}
		newDevices := make(map[id.DeviceID]*id.Device)
		for deviceID, deviceKeys := range resp.DeviceKeys[userID] {
			device, err := validateDevice(userID, deviceID, deviceKeys, existing[deviceID])
			if err != nil {
				log.Warn().Err(err).
					Stringer("user_id", userID).
					Stringer("device_id", deviceID).
					Msg("Failed to validate device")
				if existing[deviceID] != nil {
					newDevices[deviceID] = existing[deviceID]
				}
				continue
			}
			newDevices[deviceID] = device
		}
		err = mach.Store.PutDevices(ctx, userID, newDevices)
		if err != nil {
			return nil, fmt.Errorf("failed to store devices of %s: %w", userID, err)
		}
		log.Trace().Stringer("user_id", userID).Int("device_count", len(newDevices)).Msg("Stored device list")
		data[userID] = newDevices
	}
	return data, nil
}

func validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys e2ee.DeviceKeys, existing *id.Device) (*id.Device, error) {
	if deviceID != deviceKeys.DeviceID {
		return nil, ErrMismatchingDeviceID
	} else if userID != deviceKeys.UserID {
		return nil, ErrMismatchingUserID
	}

	signingKey := deviceKeys.Keys.GetEd25519(deviceID)
	identityKey := deviceKeys.Keys.GetCurve25519(deviceID)
	if signingKey == "" {
		return nil, ErrNoSigningKeyFound
	} else if identityKey == "" {
		return nil, ErrNoIdentityKeyFound
	}

	if existing != nil && existing.SigningKey != signingKey {
		return existing, ErrMismatchingSigningKey
	}

	err := signatures.VerifySignatureJSON(deviceKeys, userID, deviceID.String(), signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeySignature, err)
	}

	name, ok := deviceKeys.Unsigned["device_display_name"].(string)
	if !ok {
		name = string(deviceID)
	}
	trust := id.TrustStateUnset
	if existing != nil {
		trust = existing.Trust
	}
	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       trust,
		Deleted:     false,
		Name:        name,
	}, nil
}
