// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/crypto/keybackup"
	"go.mau.fi/e2ee/crypto/ssss"
	"go.mau.fi/e2ee/id"
)

const maxRestoreAttempts = 3

type logRecorder struct {
	log *zerolog.Logger
}

func (lr logRecorder) MarkRecovered(version id.KeyBackupVersion) {
	lr.log.Info().Stringer("key_backup_version", version).Msg("Key backup recovered")
}

func cmdRestore(ctx context.Context, app *App) error {
	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()
	stdout := rl.Stdout()

	engine := keybackup.NewEngine(app.Client, app.Crypto, nil)
	engine.SecretStorage = ssss.NewSSSSMachine(app.Client)
	engine.Recorder = logRecorder{log: app.Log}
	engine.Metrics = app.Metrics
	engine.Log = app.Log.With().Str("component", "key backup restore").Logger()
	var lastLoading string
	engine.OnUpdate(func(upd keybackup.Update) {
		if upd.Loading != "" && upd.Loading != lastLoading {
			_, _ = fmt.Fprintln(stdout, upd.Loading+"...")
		}
		lastLoading = upd.Loading
	})
	// Ctrl+C cancels the restore through the engine so the coordinator claim is released.
	stop := context.AfterFunc(ctx, func() {
		_ = engine.Cancel()
	})
	defer stop()

	err = engine.Start(ctx)
	if err != nil {
		return err
	} else if engine.Current().State == keybackup.StateNoBackup {
		_, _ = fmt.Fprintln(stdout, "The account doesn't have a key backup")
		return nil
	}
	path, err := engine.Recommend(ctx)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		err = restoreWithPath(ctx, rl, engine, path)
		if err == nil {
			break
		}
		upd := engine.Current()
		if upd.State != keybackup.StateError {
			// Input was aborted while the engine was waiting for it
			_ = engine.Cancel()
			return err
		} else if upd.ErrorKind == keybackup.ErrorCancelled || attempt >= maxRestoreAttempts {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "Restore failed (%s): %v\n", upd.ErrorKind, err)
		if retryErr := engine.Retry(ctx); retryErr != nil {
			return retryErr
		}
		if upd.ErrorKind == keybackup.ErrorSecretUnavailable {
			path, err = askPath(rl)
			if err != nil {
				return err
			}
		}
	}
	final := engine.Current()
	_, _ = fmt.Fprintf(stdout, "Restored backup version %s: %d new sessions, %d already known, %d total\n",
		final.Version, final.Imported, final.Skipped, final.Total)
	return nil
}

func askPath(rl *readline.Instance) (keybackup.Path, error) {
	rl.SetPrompt("Use (p)assphrase or (r)ecovery key? ")
	line, err := rl.Readline()
	if err != nil {
		return keybackup.PathRecoveryKey, readlineErr(err)
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "p") {
		return keybackup.PathPassphrase, nil
	}
	return keybackup.PathRecoveryKey, nil
}

func restoreWithPath(ctx context.Context, rl *readline.Instance, engine *keybackup.Engine, path keybackup.Path) error {
	err := engine.Choose(ctx, path)
	if err != nil {
		return err
	}
	switch path {
	case keybackup.PathPassphrase:
		passphrase, err := rl.ReadPassword("Backup passphrase: ")
		if err != nil {
			return readlineErr(err)
		}
		return engine.SubmitPassphrase(ctx, string(passphrase))
	case keybackup.PathRecoveryKey:
		recoveryKey, err := rl.ReadPassword("Backup recovery key: ")
		if err != nil {
			return readlineErr(err)
		}
		return engine.SubmitRecoveryKey(ctx, string(recoveryKey))
	case keybackup.PathSecureStorage:
		rl.SetPrompt("Unlock secure storage with (p)assphrase or (r)ecovery key? ")
		line, err := rl.Readline()
		if err != nil {
			return readlineErr(err)
		}
		var factor ssss.UnlockFactor
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "p") {
			passphrase, err := rl.ReadPassword("Secure storage passphrase: ")
			if err != nil {
				return readlineErr(err)
			}
			factor = ssss.WithPassphrase(string(passphrase))
		} else {
			recoveryKey, err := rl.ReadPassword("Secure storage recovery key: ")
			if err != nil {
				return readlineErr(err)
			}
			factor = ssss.WithRecoveryKey(string(recoveryKey))
		}
		return engine.LoadFromSecureStorage(ctx, factor)
	default:
		return fmt.Errorf("unknown restore path %s", path)
	}
}

func readlineErr(err error) error {
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return fmt.Errorf("input aborted: %w", context.Canceled)
	}
	return err
}
