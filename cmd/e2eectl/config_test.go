// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExampleConfig(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(ExampleConfig), &cfg))
	assert.Equal(t, 100, cfg.Encryption.Rotation.MaxMessages)
	assert.Equal(t, 7*24*time.Hour, cfg.Encryption.Rotation.MaxAge)
	assert.Equal(t, "sqlite3-fk-wal", cfg.Database.Type)
	assert.Equal(t, "https://vector.im", cfg.IdentityServer.URL)
	assert.EqualError(t, cfg.validate(), "homeserver.address not configured")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
homeserver:
    address: https://matrix.example.org
    user_id: "@alice:example.org"
    device_id: ALICE
    access_token: secret
pickle_key: meow
encryption:
    rotation:
        max_messages: 0
        max_age: 1h
`), 0600))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.validate())
	assert.Zero(t, cfg.Encryption.Rotation.MaxMessages)
	assert.Equal(t, time.Hour, cfg.Encryption.Rotation.MaxAge)

	cfg.PickleKey = "generate"
	assert.EqualError(t, cfg.validate(), "pickle_key not configured")
	cfg.PickleKey = "meow"
	cfg.Encryption.Rotation.MaxMessages = -1
	assert.Error(t, cfg.validate())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
