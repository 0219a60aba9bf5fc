// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sql_store_upgrade contains the schema of the crypto SQL store.
package sql_store_upgrade

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// VersionTableName is where the crypto store keeps its schema version, separate from other
// stores sharing the same database.
const VersionTableName = "e2ee_crypto_version"

//go:embed *.sql
var upgrades embed.FS

// Table holds the upgrades in the order they're applied.
var Table = func() (table dbutil.UpgradeTable) {
	table.RegisterFS(upgrades)
	return
}()
