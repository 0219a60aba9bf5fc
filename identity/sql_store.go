// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
)

//go:embed *.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}

const VersionTableName = "identity_version"

// SQLStore stores the identity server registration in a database.
type SQLStore struct {
	DB        *dbutil.Database
	AccountID string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store for the given account. The caller must call Upgrade before using it.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger, accountID string) *SQLStore {
	return &SQLStore{
		DB:        db.Child(VersionTableName, UpgradeTable, log),
		AccountID: accountID,
	}
}

func (store *SQLStore) Upgrade(ctx context.Context) error {
	return store.DB.Upgrade(ctx)
}

func (store *SQLStore) GetRegistration(ctx context.Context) (*Registration, error) {
	var reg Registration
	var token sql.NullString
	var registeredAt sql.NullInt64
	err := store.DB.QueryRow(ctx,
		"SELECT server_url, token, registered_at FROM identity_registration WHERE account_id=$1",
		store.AccountID,
	).Scan(&reg.ServerURL, &token, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	reg.Token = token.String
	if registeredAt.Valid {
		reg.RegisteredAt = jsontime.UMInt(registeredAt.Int64)
	}
	return &reg, nil
}

func (store *SQLStore) PutRegistration(ctx context.Context, reg *Registration) error {
	token := sql.NullString{String: reg.Token, Valid: reg.Token != ""}
	var registeredAt sql.NullInt64
	if !reg.RegisteredAt.IsZero() {
		registeredAt = sql.NullInt64{Int64: reg.RegisteredAt.UnixMilli(), Valid: true}
	}
	_, err := store.DB.Exec(ctx, `
		INSERT INTO identity_registration (account_id, server_url, token, registered_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
			SET server_url=excluded.server_url, token=excluded.token, registered_at=excluded.registered_at
	`, store.AccountID, reg.ServerURL, token, registeredAt)
	return err
}

func (store *SQLStore) DeleteRegistration(ctx context.Context) error {
	_, err := store.DB.Exec(ctx, "DELETE FROM identity_registration WHERE account_id=$1", store.AccountID)
	return err
}
