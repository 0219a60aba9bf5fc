// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keybackup implements restoring Megolm sessions from server-side key backup
// as an explicit state machine driven by caller input.
package keybackup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto"
	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/crypto/ssss"
	"go.mau.fi/e2ee/id"
)

// BackupClient is the subset of the homeserver API used for restoring.
type BackupClient interface {
	GetKeyBackupLatestVersion(ctx context.Context) (*e2ee.RespRoomKeysVersion[backup.MegolmAuthData], error)
	GetKeyBackup(ctx context.Context, version id.KeyBackupVersion) (*e2ee.RespRoomKeys[backup.EncryptedSessionData[backup.MegolmSessionData]], error)
}

// Importer stores decrypted sessions. It's implemented by [crypto.Machine].
type Importer interface {
	ImportBackupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, data *backup.MegolmSessionData) (bool, error)
}

// SecretStorage can provide the backup key from secure secret storage. It's implemented by [ssss.Machine].
type SecretStorage interface {
	HasSecret(ctx context.Context, secret id.Secret) (bool, error)
	Unlock(ctx context.Context, secret id.Secret, factor ssss.UnlockFactor) ([]byte, error)
}

// RecoveryRecorder remembers which backup versions have been restored, e.g. to hide a "restore your keys" banner.
type RecoveryRecorder interface {
	MarkRecovered(version id.KeyBackupVersion)
}

type restoreProgress struct {
	total    int
	imported int
	skipped  int
	failed   int
}

// Engine restores one key backup version. Each input method blocks until the
// resulting transition is done and returns the error that moved the engine into
// StateError, if any. Updates are delivered synchronously to listeners.
type Engine struct {
	Client        BackupClient
	Importer      Importer
	Coordinator   *Coordinator
	SecretStorage SecretStorage
	Recorder      RecoveryRecorder
	Metrics       *crypto.Metrics
	Log           zerolog.Logger

	lock       sync.Mutex
	state      State
	version    *e2ee.RespRoomKeysVersion[backup.MegolmAuthData]
	held       bool
	secret     *backup.MegolmBackupKey
	lastErr    error
	errKind    ErrorKind
	retryTo    State
	progress   restoreProgress
	generation uint64
	cancelOp   context.CancelFunc
	pending    []Update

	listenersLock sync.RWMutex
	listeners     []func(Update)
}

func NewEngine(client BackupClient, importer Importer, coordinator *Coordinator) *Engine {
	if coordinator == nil {
		coordinator = NewCoordinator()
	}
	return &Engine{
		Client:      client,
		Importer:    importer,
		Coordinator: coordinator,
		Log:         zerolog.Nop(),
	}
}

// OnUpdate registers a listener that receives every state change.
func (e *Engine) OnUpdate(fn func(Update)) {
	e.listenersLock.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenersLock.Unlock()
}

// Current returns a snapshot of the current state.
func (e *Engine) Current() Update {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.snapshotLocked(NavigateNone, "")
}

func (e *Engine) snapshotLocked(nav Navigation, loading string) Update {
	upd := Update{
		State:      e.state,
		Total:      e.progress.total,
		Imported:   e.progress.imported,
		Skipped:    e.progress.skipped,
		Failed:     e.progress.failed,
		Navigation: nav,
		Loading:    loading,
	}
	if e.version != nil {
		upd.Version = e.version.Version
	}
	if e.state == StateError {
		upd.Error = e.lastErr
		upd.ErrorKind = e.errKind
	}
	return upd
}

func (e *Engine) setLocked(state State, nav Navigation, loading string) {
	if state != e.state {
		e.Log.Debug().
			Stringer("prev_state", e.state).
			Stringer("state", state).
			Msg("Key backup restore state changed")
	}
	e.state = state
	e.pending = append(e.pending, e.snapshotLocked(nav, loading))
}

func (e *Engine) unlockAndNotify() {
	pending := e.pending
	e.pending = nil
	e.lock.Unlock()
	if len(pending) == 0 {
		return
	}
	e.listenersLock.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenersLock.RUnlock()
	for _, upd := range pending {
		for _, fn := range listeners {
			fn(upd)
		}
	}
}

func (e *Engine) failLocked(kind ErrorKind, retryTo State, nav Navigation, err error) error {
	e.Log.Warn().Err(err).Stringer("error_kind", kind).Msg("Key backup restore failed")
	e.secret = nil
	e.lastErr = err
	e.errKind = kind
	e.retryTo = retryTo
	e.setLocked(StateError, nav, "")
	e.Metrics.RestoreFinished(kind.String())
	return err
}

func (e *Engine) releaseLocked() {
	if e.held {
		e.Coordinator.release(e.version.Version)
		e.held = false
	}
}

func (e *Engine) checkInputLocked(allowed ...State) error {
	if e.cancelOp != nil || !slices.Contains(allowed, e.state) {
		return fmt.Errorf("%w (state: %s)", ErrInvalidTransition, e.state)
	}
	return nil
}

// begin starts a blocking operation. The returned context is canceled by Cancel.
func (e *Engine) begin(ctx context.Context, next State, loading string, allowed ...State) (context.Context, uint64, State, error) {
	e.lock.Lock()
	defer e.unlockAndNotify()
	if err := e.checkInputLocked(allowed...); err != nil {
		return nil, 0, e.state, err
	}
	prev := e.state
	opCtx, cancel := context.WithCancel(ctx)
	e.cancelOp = cancel
	e.setLocked(next, NavigateNone, loading)
	return opCtx, e.generation, prev, nil
}

// checkpoint applies fn if the operation that started at the given generation is still current.
func (e *Engine) checkpoint(opCtx context.Context, gen uint64, fn func()) error {
	e.lock.Lock()
	defer e.unlockAndNotify()
	if e.generation != gen {
		return ErrCancelled
	} else if opCtx.Err() != nil {
		e.cancelLocked()
		return ErrCancelled
	}
	fn()
	return nil
}

// complete ends an operation started with begin and applies its result.
func (e *Engine) complete(opCtx context.Context, gen uint64, fn func() error) error {
	e.lock.Lock()
	defer e.unlockAndNotify()
	if e.generation != gen {
		return ErrCancelled
	} else if opCtx.Err() != nil {
		e.cancelLocked()
		return ErrCancelled
	}
	e.cancelOp()
	e.cancelOp = nil
	return fn()
}

// Start fetches the latest backup version.
func (e *Engine) Start(ctx context.Context) error {
	opCtx, gen, _, err := e.begin(ctx, StateFetchingVersion, "Fetching backup version", StateIdle)
	if err != nil {
		return err
	}
	versionInfo, err := e.Client.GetKeyBackupLatestVersion(opCtx)
	return e.complete(opCtx, gen, func() error {
		switch {
		case errors.Is(err, e2ee.MNotFound):
			e.setLocked(StateNoBackup, NavigateNone, "")
			e.Metrics.RestoreFinished(StateNoBackup.String())
			return nil
		case err != nil:
			return e.failLocked(ErrorNetwork, StateIdle, NavigateNone, fmt.Errorf("failed to get latest key backup version: %w", err))
		case versionInfo.Algorithm != id.KeyBackupAlgorithmMegolmBackupV1:
			return e.failLocked(ErrorUnsupportedVersion, StateIdle, NavigateNone, fmt.Errorf("%w %s", ErrUnsupportedBackupAlgorithm, versionInfo.Algorithm))
		case !e.Coordinator.acquire(versionInfo.Version):
			e.Log.Warn().Stringer("key_backup_version", versionInfo.Version).Msg("Another restore of the backup version is in progress")
			e.setLocked(StateIdle, NavigateNone, "")
			return ErrRestoreInProgress
		}
		e.version = versionInfo
		e.held = true
		e.Log.Debug().
			Stringer("key_backup_version", versionInfo.Version).
			Int("count", versionInfo.Count).
			Str("etag", versionInfo.ETag).
			Bool("has_passphrase", versionInfo.AuthData.HasPassphrase()).
			Msg("Found key backup version")
		e.setLocked(StateHaveVersion, NavigateNone, "")
		return nil
	})
}

// Recommend suggests which path to choose: secure storage if it holds the backup key,
// the passphrase if the backup was created from one, the recovery key otherwise.
func (e *Engine) Recommend(ctx context.Context) (Path, error) {
	e.lock.Lock()
	version := e.version
	e.lock.Unlock()
	if version == nil {
		return PathRecoveryKey, fmt.Errorf("%w: backup version hasn't been fetched", ErrInvalidTransition)
	}
	if e.SecretStorage != nil {
		has, err := e.SecretStorage.HasSecret(ctx, id.SecretMegolmBackupV1)
		if err != nil {
			e.Log.Debug().Err(err).Msg("Failed to check secure storage for backup key")
		} else if has {
			return PathSecureStorage, nil
		}
	}
	if version.AuthData.HasPassphrase() {
		return PathPassphrase, nil
	}
	return PathRecoveryKey, nil
}

var chooseAllowed = []State{StateHaveVersion, StateAwaitingPassphrase, StateAwaitingRecoveryKey, StateAwaitingSecureStorageUnlock}

// Choose selects the way the backup key will be provided.
func (e *Engine) Choose(ctx context.Context, path Path) error {
	if path == PathSecureStorage {
		return e.chooseSecureStorage(ctx)
	}
	e.lock.Lock()
	defer e.unlockAndNotify()
	if err := e.checkInputLocked(chooseAllowed...); err != nil {
		return err
	}
	switch path {
	case PathPassphrase:
		if !e.version.AuthData.HasPassphrase() {
			return ErrNoPassphraseSalt
		}
		e.setLocked(StateAwaitingPassphrase, NavigateNone, "")
	case PathRecoveryKey:
		e.setLocked(StateAwaitingRecoveryKey, NavigateToRecoverWithKey, "")
	default:
		return fmt.Errorf("%w: unknown path %d", ErrInvalidTransition, path)
	}
	return nil
}

func (e *Engine) chooseSecureStorage(ctx context.Context) error {
	e.lock.Lock()
	err := e.checkInputLocked(chooseAllowed...)
	gen := e.generation
	e.lock.Unlock()
	if err != nil {
		return err
	} else if e.SecretStorage == nil {
		return ErrSecureStorageNotConfigured
	}
	has, err := e.SecretStorage.HasSecret(ctx, id.SecretMegolmBackupV1)
	if err != nil {
		return fmt.Errorf("failed to check secure storage for backup key: %w", err)
	} else if !has {
		return ErrSecureStorageNotConfigured
	}
	e.lock.Lock()
	defer e.unlockAndNotify()
	if e.generation != gen {
		return ErrCancelled
	} else if err = e.checkInputLocked(chooseAllowed...); err != nil {
		return err
	}
	e.setLocked(StateAwaitingSecureStorageUnlock, NavigateToSecureStorage, "")
	return nil
}

// SubmitPassphrase derives the backup key from the passphrase and restores the backup with it.
func (e *Engine) SubmitPassphrase(ctx context.Context, passphrase string) error {
	opCtx, gen, prev, err := e.begin(ctx, StateDecrypting, "Deriving backup key", StateAwaitingPassphrase)
	if err != nil {
		return err
	}
	key, err := backup.KeyFromPassphrase(passphrase, &e.version.AuthData)
	if err != nil || !key.Matches(&e.version.AuthData) {
		return e.complete(opCtx, gen, func() error {
			if err != nil {
				return e.failLocked(ErrorWrongPassphrase, prev, NavigateNone, fmt.Errorf("%w: %w", ErrWrongPassphrase, err))
			}
			return e.failLocked(ErrorWrongPassphrase, prev, NavigateNone, ErrWrongPassphrase)
		})
	}
	return e.restore(opCtx, gen, prev, key)
}

// SubmitRecoveryKey parses the base58 recovery key and restores the backup with it.
func (e *Engine) SubmitRecoveryKey(ctx context.Context, recoveryKey string) error {
	opCtx, gen, prev, err := e.begin(ctx, StateDecrypting, "Checking recovery key", StateAwaitingRecoveryKey)
	if err != nil {
		return err
	}
	key, err := backup.MegolmBackupKeyFromRecoveryKey(recoveryKey)
	if err != nil || !key.Matches(&e.version.AuthData) {
		return e.complete(opCtx, gen, func() error {
			if err != nil {
				return e.failLocked(ErrorWrongRecoveryKey, prev, NavigateNone, fmt.Errorf("%w: %w", ErrWrongRecoveryKey, err))
			}
			return e.failLocked(ErrorWrongRecoveryKey, prev, NavigateNone, ErrWrongRecoveryKey)
		})
	}
	return e.restore(opCtx, gen, prev, key)
}

// SecretObtained restores the backup with the m.megolm_backup.v1 secret, which is
// the unpadded base64 private key as stored in secure storage.
func (e *Engine) SecretObtained(ctx context.Context, secret []byte) error {
	opCtx, gen, prev, err := e.begin(ctx, StateDecrypting, "Checking backup key", StateHaveVersion, StateAwaitingSecureStorageUnlock)
	if err != nil {
		return err
	}
	key, err := backup.MegolmBackupKeyFromSecret(secret)
	if err != nil || !key.Matches(&e.version.AuthData) {
		return e.complete(opCtx, gen, func() error {
			if err != nil {
				return e.failLocked(ErrorSecretUnavailable, prev, NavigateNone, fmt.Errorf("%w: %w", ErrSecretUnavailable, err))
			}
			return e.failLocked(ErrorSecretUnavailable, prev, NavigateNone, fmt.Errorf("%w: key doesn't match backup", ErrSecretUnavailable))
		})
	}
	return e.restore(opCtx, gen, prev, key)
}

// LoadFromSecureStorage unlocks secure storage with the given factor and continues
// the restore with the backup key stored there.
func (e *Engine) LoadFromSecureStorage(ctx context.Context, factor ssss.UnlockFactor) error {
	if e.SecretStorage == nil {
		return ErrSecureStorageNotConfigured
	}
	opCtx, gen, _, err := e.begin(ctx, StateAwaitingSecureStorageUnlock, "Unlocking secure storage", StateHaveVersion, StateAwaitingSecureStorageUnlock)
	if err != nil {
		return err
	}
	secret, err := e.SecretStorage.Unlock(opCtx, id.SecretMegolmBackupV1, factor)
	err = e.complete(opCtx, gen, func() error {
		if err != nil {
			return e.failLocked(ErrorSecretUnavailable, StateAwaitingSecureStorageUnlock, NavigateFailedToLoadSecureStorage, fmt.Errorf("%w: %w", ErrSecretUnavailable, err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.SecretObtained(ctx, secret)
}

type decryptedSession struct {
	roomID    id.RoomID
	sessionID id.SessionID
	data      *backup.MegolmSessionData
}

func (e *Engine) restore(opCtx context.Context, gen uint64, from State, key *backup.MegolmBackupKey) error {
	version := e.version.Version
	err := e.checkpoint(opCtx, gen, func() {
		e.secret = key
		e.progress = restoreProgress{}
		e.setLocked(StateDecrypting, NavigateNone, "Downloading backed up keys")
	})
	if err != nil {
		return err
	}
	keys, err := e.Client.GetKeyBackup(opCtx, version)
	if err != nil {
		return e.complete(opCtx, gen, func() error {
			return e.failLocked(ErrorNetwork, from, NavigateNone, fmt.Errorf("failed to download key backup: %w", err))
		})
	}

	var sessions []decryptedSession
	var total, failed int
	roomIDs := maps.Keys(keys.Rooms)
	slices.Sort(roomIDs)
	for _, roomID := range roomIDs {
		roomSessions := keys.Rooms[roomID].Sessions
		sessionIDs := maps.Keys(roomSessions)
		slices.Sort(sessionIDs)
		for _, sessionID := range sessionIDs {
			// Nothing from an unfinished batch is imported
			err = e.checkpoint(opCtx, gen, func() {
				e.progress.total = total
				e.progress.failed = failed
				e.setLocked(StateDecrypting, NavigateNone, "Decrypting keys")
			})
			if err != nil {
				return err
			}
			total++
			encrypted := roomSessions[sessionID].SessionData
			data, err := encrypted.Decrypt(key)
			if err != nil {
				e.Log.Warn().Err(err).
					Stringer("room_id", roomID).
					Stringer("session_id", sessionID).
					Msg("Failed to decrypt backed up session")
				failed++
				continue
			}
			sessions = append(sessions, decryptedSession{roomID: roomID, sessionID: sessionID, data: data})
		}
	}

	err = e.checkpoint(opCtx, gen, func() {
		e.secret = nil
		e.progress = restoreProgress{total: total, failed: failed}
		e.setLocked(StateImporting, NavigateNone, fmt.Sprintf("Importing %d keys", len(sessions)))
	})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if opCtx.Err() != nil {
			break
		}
		imported, err := e.Importer.ImportBackupSession(opCtx, sess.roomID, sess.sessionID, sess.data)
		err = e.checkpoint(opCtx, gen, func() {
			if err != nil {
				e.Log.Warn().Err(err).
					Stringer("room_id", sess.roomID).
					Stringer("session_id", sess.sessionID).
					Msg("Failed to import backed up session")
				e.progress.failed++
			} else if imported {
				e.progress.imported++
			} else {
				e.progress.skipped++
			}
			e.setLocked(StateImporting, NavigateNone, "Importing keys")
		})
		if err != nil {
			return err
		}
	}

	return e.complete(opCtx, gen, func() error {
		e.Log.Info().
			Int("total", e.progress.total).
			Int("imported", e.progress.imported).
			Int("skipped", e.progress.skipped).
			Int("failed", e.progress.failed).
			Msg("Finished restoring key backup")
		if e.progress.failed > 0 {
			return e.failLocked(ErrorDecryptionFailed, StateHaveVersion, NavigateNone,
				fmt.Errorf("%w (%d of %d failed)", ErrDecryptionFailed, e.progress.failed, e.progress.total))
		}
		e.setLocked(StateSuccess, NavigateToSuccess, "")
		e.Metrics.RestoreFinished(StateSuccess.String())
		if e.Recorder != nil {
			e.Recorder.MarkRecovered(version)
		}
		e.releaseLocked()
		return nil
	})
}

// Retry leaves StateError and returns to the state the failed input was given in.
// After a failed Start that's StateIdle, so Start has to be called again.
func (e *Engine) Retry(ctx context.Context) error {
	e.lock.Lock()
	defer e.unlockAndNotify()
	if err := e.checkInputLocked(StateError); err != nil {
		return err
	} else if e.errKind == ErrorCancelled {
		return fmt.Errorf("%w: restore was cancelled", ErrInvalidTransition)
	}
	e.lastErr = nil
	e.errKind = ErrorNone
	e.setLocked(e.retryTo, NavigateNone, "")
	return nil
}

// Cancel aborts any in-flight work and drops the backup key.
// While waiting for secure storage it ends in ErrorSecretUnavailable, otherwise in the terminal ErrorCancelled.
func (e *Engine) Cancel() error {
	e.lock.Lock()
	defer e.unlockAndNotify()
	switch {
	case e.state == StateSuccess, e.state == StateNoBackup, e.state == StateError && e.errKind == ErrorCancelled:
		return fmt.Errorf("%w (state: %s)", ErrInvalidTransition, e.state)
	}
	e.cancelLocked()
	return nil
}

func (e *Engine) cancelLocked() {
	e.generation++
	if e.cancelOp != nil {
		e.cancelOp()
		e.cancelOp = nil
	}
	e.secret = nil
	if e.state == StateAwaitingSecureStorageUnlock {
		_ = e.failLocked(ErrorSecretUnavailable, StateAwaitingSecureStorageUnlock, NavigateNone, fmt.Errorf("%w: %w", ErrSecretUnavailable, ErrCancelled))
	} else {
		_ = e.failLocked(ErrorCancelled, StateError, NavigateNone, ErrCancelled)
		e.releaseLocked()
	}
}
