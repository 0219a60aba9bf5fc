// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"go.mau.fi/e2ee/crypto"
	"go.mau.fi/e2ee/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Address     string      `yaml:"address"`
	UserID      id.UserID   `yaml:"user_id"`
	DeviceID    id.DeviceID `yaml:"device_id"`
	AccessToken string      `yaml:"access_token"`
}

type IdentityServerConfig struct {
	URL string `yaml:"url"`
}

type EncryptionConfig struct {
	Rotation crypto.RotationPolicy `yaml:"rotation"`
}

type Config struct {
	Homeserver     HomeserverConfig     `yaml:"homeserver"`
	IdentityServer IdentityServerConfig `yaml:"identity_server"`
	Database       dbutil.Config        `yaml:"database"`
	PickleKey      string               `yaml:"pickle_key"`
	Encryption     EncryptionConfig     `yaml:"encryption"`
	Logging        zeroconfig.Config    `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Homeserver.Address == "https://matrix.example.com":
		return errors.New("homeserver.address not configured")
	case cfg.Homeserver.UserID == "@user:example.com" || cfg.Homeserver.UserID == "":
		return errors.New("homeserver.user_id not configured")
	case cfg.Homeserver.AccessToken == "syt_your_access_token" || cfg.Homeserver.AccessToken == "":
		return errors.New("homeserver.access_token not configured")
	case cfg.Homeserver.DeviceID == "":
		return errors.New("homeserver.device_id not configured")
	case cfg.PickleKey == "generate" || cfg.PickleKey == "":
		return errors.New("pickle_key not configured")
	case cfg.Encryption.Rotation.MaxMessages < 0 || cfg.Encryption.Rotation.MaxAge < 0:
		return errors.New("encryption.rotation values can't be negative")
	default:
		return nil
	}
}
