// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/e2ee/identity"
)

func cmdIdentityToken(ctx context.Context, app *App) error {
	store := identity.NewSQLStore(app.DB, dbutil.ZeroLogger(app.Log.With().Str("db_section", "identity").Logger()), app.Client.UserID.String())
	err := store.Upgrade(ctx)
	if err != nil {
		return fmt.Errorf("failed to upgrade identity store: %w", err)
	}
	prov := identity.NewProvisioner(app.Client, store)

	reg, err := prov.Registration(ctx)
	if err != nil {
		return err
	}
	if app.Config.IdentityServer.URL == "" {
		if reg != nil {
			app.Log.Info().Str("identity_server", reg.ServerURL).Msg("Identity server removed from config, disconnecting")
			return prov.Disconnect(ctx)
		}
		return identity.ErrNoIdentityServerConfigured
	}
	configured, err := identity.NormalizeServerURL(app.Config.IdentityServer.URL)
	if err != nil {
		return err
	} else if reg == nil || reg.ServerURL != configured {
		err = prov.SetServer(ctx, configured)
		if err != nil {
			return err
		}
	}

	token, err := prov.EnsureToken(ctx)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
