// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto"
	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/crypto/keybackup"
	"go.mau.fi/e2ee/crypto/ssss"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
	"go.mau.fi/e2ee/mockserver"
)

const (
	testUserID   id.UserID           = "@alice:example.com"
	testVersion  id.KeyBackupVersion = "7"
	testSalt                         = "s4lt"
	testPassword                     = "correct horse"
	testRoomID   id.RoomID           = "!room:example.com"
)

type recorder struct {
	lock      sync.Mutex
	recovered []id.KeyBackupVersion
}

func (r *recorder) MarkRecovered(version id.KeyBackupVersion) {
	r.lock.Lock()
	r.recovered = append(r.recovered, version)
	r.lock.Unlock()
}

type restoreEnv struct {
	server    *mockserver.MockServer
	client    *e2ee.Client
	mach      *crypto.Machine
	store     *crypto.MemoryStore
	key       *backup.MegolmBackupKey
	sessions  []id.SessionID
	coord     *keybackup.Coordinator
	recorder  *recorder
	metrics   *crypto.Metrics
	updates   []keybackup.Update
	updatesMu sync.Mutex
}

func backupSessionData(t *testing.T) (id.SessionID, backup.MegolmSessionData) {
	t.Helper()
	ogs, err := crypto.NewOutboundGroupSession(testRoomID, crypto.RotationPolicy{})
	require.NoError(t, err)
	igs, err := crypto.NewInboundGroupSession("senderkey", "signingkey", testRoomID, ogs.Internal.Key())
	require.NoError(t, err)
	exported, err := igs.Internal.Export(0)
	require.NoError(t, err)
	return igs.ID(), backup.MegolmSessionData{
		Algorithm:          id.AlgorithmMegolmV1,
		ForwardingKeyChain: []string{},
		SenderClaimedKeys:  backup.SenderClaimedKeys{Ed25519: "signingkey"},
		SenderKey:          "senderkey",
		SessionKey:         string(exported),
	}
}

// newRestoreEnv creates backup version "7" from the passphrase "correct horse" with the given number of sessions.
func newRestoreEnv(t *testing.T, sessionCount int) *restoreEnv {
	t.Helper()
	server := mockserver.Create(t)
	client := server.Login(t, testUserID, "ALICE")
	log := zerolog.New(zerolog.NewTestWriter(t))
	store := crypto.NewMemoryStore()
	mach := crypto.NewMachine(client, &log, store, crypto.NewMemoryStateStore())
	require.NoError(t, mach.Load(context.Background()))

	authData := backup.MegolmAuthData{
		PrivateKeySalt:       testSalt,
		PrivateKeyIterations: 1000,
	}
	key, err := backup.KeyFromPassphrase(testPassword, &authData)
	require.NoError(t, err)
	authData.PublicKey = key.PublicKeyBase64()
	server.CreateBackup(testVersion, authData)

	env := &restoreEnv{
		server:   server,
		client:   client,
		mach:     mach,
		store:    store,
		key:      key,
		coord:    keybackup.NewCoordinator(),
		recorder: &recorder{},
		metrics:  crypto.NewMetrics(prometheus.NewRegistry()),
	}
	mach.Metrics = env.metrics
	for i := 0; i < sessionCount; i++ {
		sessionID, data := backupSessionData(t)
		server.AddBackupSession(t, testVersion, key, testRoomID, sessionID, 0, data)
		env.sessions = append(env.sessions, sessionID)
	}
	return env
}

func (env *restoreEnv) newEngine(t *testing.T) *keybackup.Engine {
	engine := keybackup.NewEngine(env.client, env.mach, env.coord)
	engine.Recorder = env.recorder
	engine.Metrics = env.metrics
	engine.Log = zerolog.New(zerolog.NewTestWriter(t))
	engine.OnUpdate(func(upd keybackup.Update) {
		env.updatesMu.Lock()
		env.updates = append(env.updates, upd)
		env.updatesMu.Unlock()
	})
	return engine
}

func (env *restoreEnv) navigations() []keybackup.Navigation {
	env.updatesMu.Lock()
	defer env.updatesMu.Unlock()
	var navs []keybackup.Navigation
	for _, upd := range env.updates {
		if upd.Navigation != keybackup.NavigateNone {
			navs = append(navs, upd.Navigation)
		}
	}
	return navs
}

func (env *restoreEnv) storedSessions(t *testing.T) int {
	t.Helper()
	sessions, err := env.store.GetGroupSessionsForRoom(context.Background(), testRoomID)
	require.NoError(t, err)
	return len(sessions)
}

func startWithPassphrase(t *testing.T, engine *keybackup.Engine) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	require.Equal(t, keybackup.StateHaveVersion, engine.Current().State)
	path, err := engine.Recommend(ctx)
	require.NoError(t, err)
	require.Equal(t, keybackup.PathPassphrase, path)
	require.NoError(t, engine.Choose(ctx, keybackup.PathPassphrase))
	require.Equal(t, keybackup.StateAwaitingPassphrase, engine.Current().State)
}

func TestRestore_CorrectPassphrase(t *testing.T) {
	env := newRestoreEnv(t, 3)
	engine := env.newEngine(t)
	startWithPassphrase(t, engine)

	require.NoError(t, engine.SubmitPassphrase(context.Background(), testPassword))
	result := engine.Current()
	assert.Equal(t, keybackup.StateSuccess, result.State)
	assert.Equal(t, testVersion, result.Version)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Imported)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, env.storedSessions(t))
	for _, sessionID := range env.sessions {
		igs, err := env.store.GetGroupSession(context.Background(), testRoomID, sessionID)
		require.NoError(t, err)
		assert.NotNil(t, igs)
	}

	assert.Equal(t, []keybackup.Navigation{keybackup.NavigateToSuccess}, env.navigations())
	assert.Equal(t, []id.KeyBackupVersion{testVersion}, env.recorder.recovered)
	assert.False(t, env.coord.InProgress(testVersion))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.RestoreOutcomes.WithLabelValues("success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(env.metrics.SessionsImported))

	var states []keybackup.State
	for _, upd := range env.updates {
		if len(states) == 0 || states[len(states)-1] != upd.State {
			states = append(states, upd.State)
		}
	}
	assert.Equal(t, []keybackup.State{
		keybackup.StateFetchingVersion,
		keybackup.StateHaveVersion,
		keybackup.StateAwaitingPassphrase,
		keybackup.StateDecrypting,
		keybackup.StateImporting,
		keybackup.StateSuccess,
	}, states)
}

func TestRestore_WrongPassphrase(t *testing.T) {
	env := newRestoreEnv(t, 3)
	engine := env.newEngine(t)
	startWithPassphrase(t, engine)

	err := engine.SubmitPassphrase(context.Background(), "wrong")
	assert.ErrorIs(t, err, keybackup.ErrWrongPassphrase)
	assert.Equal(t, e2ee.KindAuthentication, e2ee.KindOf(err))
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorWrongPassphrase, result.ErrorKind)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 0, env.storedSessions(t), "Store must not change")
	assert.Equal(t, 0, env.server.RequestCount(mockserver.RouteBackupKeys), "Keys must not be downloaded with a wrong key")
	assert.True(t, env.coord.InProgress(testVersion))

	require.NoError(t, engine.Retry(context.Background()))
	assert.Equal(t, keybackup.StateAwaitingPassphrase, engine.Current().State)
	require.NoError(t, engine.SubmitPassphrase(context.Background(), testPassword))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
	assert.Equal(t, 3, env.storedSessions(t))
}

func TestRestore_RerunDoesNotRollBack(t *testing.T) {
	env := newRestoreEnv(t, 3)
	ctx := context.Background()
	first := env.newEngine(t)
	startWithPassphrase(t, first)
	require.NoError(t, first.SubmitPassphrase(ctx, testPassword))
	require.Equal(t, keybackup.StateSuccess, first.Current().State)
	before := make(map[id.SessionID]*crypto.InboundGroupSession)
	for _, sessionID := range env.sessions {
		igs, err := env.store.GetGroupSession(ctx, testRoomID, sessionID)
		require.NoError(t, err)
		before[sessionID] = igs
	}

	second := env.newEngine(t)
	startWithPassphrase(t, second)
	require.NoError(t, second.SubmitPassphrase(ctx, testPassword))
	result := second.Current()
	assert.Equal(t, keybackup.StateSuccess, result.State)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 3, result.Skipped)
	assert.Equal(t, 3, env.storedSessions(t))
	for _, sessionID := range env.sessions {
		igs, err := env.store.GetGroupSession(ctx, testRoomID, sessionID)
		require.NoError(t, err)
		assert.Same(t, before[sessionID], igs, "Existing session should be kept as-is")
	}
}

func TestRestore_PartialFailure(t *testing.T) {
	env := newRestoreEnv(t, 2)
	otherKey, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	badSessionID, data := backupSessionData(t)
	env.server.AddBackupSession(t, testVersion, otherKey, testRoomID, badSessionID, 0, data)

	engine := env.newEngine(t)
	startWithPassphrase(t, engine)
	err = engine.SubmitPassphrase(context.Background(), testPassword)
	assert.ErrorIs(t, err, keybackup.ErrDecryptionFailed)
	assert.Equal(t, e2ee.KindIntegrity, e2ee.KindOf(err))
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorDecryptionFailed, result.ErrorKind)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, env.storedSessions(t), "Successful entries should still be imported")

	require.NoError(t, engine.Retry(context.Background()))
	assert.Equal(t, keybackup.StateHaveVersion, engine.Current().State)
}

func TestRestore_RecoveryKey(t *testing.T) {
	env := newRestoreEnv(t, 1)
	engine := env.newEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Choose(ctx, keybackup.PathRecoveryKey))
	assert.Equal(t, keybackup.StateAwaitingRecoveryKey, engine.Current().State)
	assert.Equal(t, []keybackup.Navigation{keybackup.NavigateToRecoverWithKey}, env.navigations())

	otherKey, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	err = engine.SubmitRecoveryKey(ctx, otherKey.RecoveryKey())
	assert.ErrorIs(t, err, keybackup.ErrWrongRecoveryKey)
	assert.Equal(t, keybackup.ErrorWrongRecoveryKey, engine.Current().ErrorKind)

	require.NoError(t, engine.Retry(ctx))
	err = engine.SubmitRecoveryKey(ctx, "not a recovery key")
	assert.ErrorIs(t, err, keybackup.ErrWrongRecoveryKey)

	require.NoError(t, engine.Retry(ctx))
	require.NoError(t, engine.SubmitRecoveryKey(ctx, env.key.RecoveryKey()))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
	assert.Equal(t, 1, engine.Current().Imported)
}

func TestRestore_NoBackup(t *testing.T) {
	server := mockserver.Create(t)
	client := server.Login(t, testUserID, "ALICE")
	mach := crypto.NewMachine(client, nil, crypto.NewMemoryStore(), nil)
	engine := keybackup.NewEngine(client, mach, nil)
	require.NoError(t, engine.Start(context.Background()))
	assert.Equal(t, keybackup.StateNoBackup, engine.Current().State)
	assert.ErrorIs(t, engine.Cancel(), keybackup.ErrInvalidTransition)
}

func TestRestore_NoPassphraseSalt(t *testing.T) {
	server := mockserver.Create(t)
	client := server.Login(t, testUserID, "ALICE")
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	server.CreateBackup(testVersion, backup.MegolmAuthData{PublicKey: key.PublicKeyBase64()})
	engine := keybackup.NewEngine(client, crypto.NewMachine(client, nil, crypto.NewMemoryStore(), nil), nil)

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	path, err := engine.Recommend(ctx)
	require.NoError(t, err)
	assert.Equal(t, keybackup.PathRecoveryKey, path)
	assert.ErrorIs(t, engine.Choose(ctx, keybackup.PathPassphrase), keybackup.ErrNoPassphraseSalt)
	assert.Equal(t, keybackup.StateHaveVersion, engine.Current().State)
	assert.ErrorIs(t, engine.Choose(ctx, keybackup.PathSecureStorage), keybackup.ErrSecureStorageNotConfigured)
}

func TestRestore_NetworkFailure(t *testing.T) {
	env := newRestoreEnv(t, 1)
	engine := env.newEngine(t)
	startWithPassphrase(t, engine)

	env.server.FailRoute(mockserver.RouteBackupKeys, e2ee.MLimitExceeded)
	err := engine.SubmitPassphrase(context.Background(), testPassword)
	assert.ErrorIs(t, err, e2ee.ErrNetwork)
	assert.Equal(t, keybackup.ErrorNetwork, engine.Current().ErrorKind)
	assert.Equal(t, 1, env.server.RequestCount(mockserver.RouteBackupKeys), "Network errors must not be retried automatically")

	env.server.ClearFailure(mockserver.RouteBackupKeys)
	require.NoError(t, engine.Retry(context.Background()))
	assert.Equal(t, keybackup.StateAwaitingPassphrase, engine.Current().State)
	require.NoError(t, engine.SubmitPassphrase(context.Background(), testPassword))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
}

func TestRestore_ConcurrentStart(t *testing.T) {
	env := newRestoreEnv(t, 1)
	ctx := context.Background()
	first := env.newEngine(t)
	second := env.newEngine(t)

	require.NoError(t, first.Start(ctx))
	assert.ErrorIs(t, second.Start(ctx), keybackup.ErrRestoreInProgress)
	assert.Equal(t, keybackup.StateIdle, second.Current().State)

	require.NoError(t, first.Cancel())
	assert.Equal(t, keybackup.ErrorCancelled, first.Current().ErrorKind)
	assert.ErrorIs(t, first.Retry(ctx), keybackup.ErrInvalidTransition)
	assert.ErrorIs(t, first.Cancel(), keybackup.ErrInvalidTransition)

	require.NoError(t, second.Start(ctx))
	assert.Equal(t, keybackup.StateHaveVersion, second.Current().State)
}

func TestRestore_InvalidInput(t *testing.T) {
	env := newRestoreEnv(t, 1)
	engine := env.newEngine(t)
	ctx := context.Background()
	assert.ErrorIs(t, engine.SubmitPassphrase(ctx, testPassword), keybackup.ErrInvalidTransition)
	assert.ErrorIs(t, engine.Choose(ctx, keybackup.PathRecoveryKey), keybackup.ErrInvalidTransition)
	_, err := engine.Recommend(ctx)
	assert.ErrorIs(t, err, keybackup.ErrInvalidTransition)
	require.NoError(t, engine.Start(ctx))
	assert.ErrorIs(t, engine.Start(ctx), keybackup.ErrInvalidTransition)
	assert.ErrorIs(t, engine.SubmitRecoveryKey(ctx, env.key.RecoveryKey()), keybackup.ErrInvalidTransition)
}

func TestRestore_CancelDuringDownload(t *testing.T) {
	env := newRestoreEnv(t, 3)
	engine := env.newEngine(t)
	startWithPassphrase(t, engine)
	env.server.BeforeRequest = func(pattern string, r *http.Request) {
		if pattern == mockserver.RouteBackupKeys {
			assert.NoError(t, engine.Cancel())
		}
	}

	err := engine.SubmitPassphrase(context.Background(), testPassword)
	assert.ErrorIs(t, err, keybackup.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorCancelled, result.ErrorKind)
	assert.Equal(t, 0, env.storedSessions(t))
	assert.False(t, env.coord.InProgress(testVersion))
}

func TestRestore_CancelDuringDecrypting(t *testing.T) {
	env := newRestoreEnv(t, 3)
	engine := env.newEngine(t)
	startWithPassphrase(t, engine)
	engine.OnUpdate(func(upd keybackup.Update) {
		if upd.State == keybackup.StateDecrypting && upd.Total == 1 {
			assert.NoError(t, engine.Cancel())
		}
	})

	err := engine.SubmitPassphrase(context.Background(), testPassword)
	assert.ErrorIs(t, err, keybackup.ErrCancelled)
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorCancelled, result.ErrorKind)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 0, env.storedSessions(t), "Nothing from the unfinished batch should be imported")
	assert.False(t, env.coord.InProgress(testVersion))
}

// countingImporter runs a callback after every import.
type countingImporter struct {
	keybackup.Importer
	lock    sync.Mutex
	calls   int
	onCalls func(int)
}

func (ci *countingImporter) ImportBackupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, data *backup.MegolmSessionData) (bool, error) {
	imported, err := ci.Importer.ImportBackupSession(ctx, roomID, sessionID, data)
	ci.lock.Lock()
	ci.calls++
	calls := ci.calls
	ci.lock.Unlock()
	ci.onCalls(calls)
	return imported, err
}

func TestRestore_CancelDuringImporting(t *testing.T) {
	env := newRestoreEnv(t, 3)
	engine := env.newEngine(t)
	importer := &countingImporter{Importer: env.mach}
	importer.onCalls = func(calls int) {
		if calls == 1 {
			assert.Equal(t, keybackup.StateImporting, engine.Current().State)
			assert.NoError(t, engine.Cancel())
		}
	}
	engine.Importer = importer
	startWithPassphrase(t, engine)

	err := engine.SubmitPassphrase(context.Background(), testPassword)
	assert.ErrorIs(t, err, keybackup.ErrCancelled)
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorCancelled, result.ErrorKind)
	assert.Equal(t, 1, importer.calls, "No imports should be started after cancelling")
	assert.Equal(t, 1, env.storedSessions(t))
	assert.Empty(t, env.recorder.recovered)
	assert.False(t, env.coord.InProgress(testVersion))

	// The cancelled attempt doesn't block a new one, which imports the rest.
	retry := env.newEngine(t)
	startWithPassphrase(t, retry)
	require.NoError(t, retry.SubmitPassphrase(context.Background(), testPassword))
	assert.Equal(t, 2, retry.Current().Imported)
	assert.Equal(t, 1, retry.Current().Skipped)
	assert.Equal(t, 3, env.storedSessions(t))
}

func setupSecureStorage(t *testing.T, env *restoreEnv, secret []byte) *ssss.Machine {
	t.Helper()
	ssss.DefaultPassphraseIterations = 1000
	key, err := ssss.NewKey("ssss passphrase")
	require.NoError(t, err)
	env.server.SetAccountData(t, testUserID, event.AccountDataSecretStorageKey(key.ID).Type, key.Metadata)
	env.server.SetAccountData(t, testUserID, event.AccountDataSecretStorageDefaultKey.Type, &ssss.DefaultSecretStorageKeyContent{KeyID: key.ID})
	env.server.SetAccountData(t, testUserID, string(id.SecretMegolmBackupV1), ssss.EncryptForKeys(id.SecretMegolmBackupV1, secret, key))
	return ssss.NewSSSSMachine(env.client)
}

func TestRestore_SecureStorage(t *testing.T) {
	env := newRestoreEnv(t, 2)
	engine := env.newEngine(t)
	engine.SecretStorage = setupSecureStorage(t, env, env.key.Bytes())
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))
	path, err := engine.Recommend(ctx)
	require.NoError(t, err)
	assert.Equal(t, keybackup.PathSecureStorage, path)
	require.NoError(t, engine.Choose(ctx, keybackup.PathSecureStorage))
	assert.Equal(t, keybackup.StateAwaitingSecureStorageUnlock, engine.Current().State)

	err = engine.LoadFromSecureStorage(ctx, ssss.WithPassphrase("wrong"))
	assert.ErrorIs(t, err, keybackup.ErrSecretUnavailable)
	assert.ErrorIs(t, err, ssss.ErrWrongKey)
	assert.Equal(t, keybackup.ErrorSecretUnavailable, engine.Current().ErrorKind)
	assert.Equal(t, []keybackup.Navigation{
		keybackup.NavigateToSecureStorage,
		keybackup.NavigateFailedToLoadSecureStorage,
	}, env.navigations())

	require.NoError(t, engine.Retry(ctx))
	assert.Equal(t, keybackup.StateAwaitingSecureStorageUnlock, engine.Current().State)
	require.NoError(t, engine.LoadFromSecureStorage(ctx, ssss.WithPassphrase("ssss passphrase")))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
	assert.Equal(t, 2, env.storedSessions(t))
}

func TestRestore_CancelSecureStorageUnlock(t *testing.T) {
	env := newRestoreEnv(t, 1)
	engine := env.newEngine(t)
	engine.SecretStorage = setupSecureStorage(t, env, env.key.Bytes())
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Choose(ctx, keybackup.PathSecureStorage))

	require.NoError(t, engine.Cancel())
	result := engine.Current()
	assert.Equal(t, keybackup.StateError, result.State)
	assert.Equal(t, keybackup.ErrorSecretUnavailable, result.ErrorKind)
	assert.ErrorIs(t, result.Error, keybackup.ErrSecretUnavailable)

	// The user can still fall back to another path
	require.NoError(t, engine.Retry(ctx))
	require.NoError(t, engine.Choose(ctx, keybackup.PathPassphrase))
	require.NoError(t, engine.SubmitPassphrase(ctx, testPassword))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
}

func TestRestore_SecretObtainedMismatch(t *testing.T) {
	env := newRestoreEnv(t, 1)
	engine := env.newEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))

	otherKey, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	err = engine.SecretObtained(ctx, otherKey.Bytes())
	assert.ErrorIs(t, err, keybackup.ErrSecretUnavailable)
	require.NoError(t, engine.Retry(ctx))
	assert.Equal(t, keybackup.StateHaveVersion, engine.Current().State)

	require.NoError(t, engine.SecretObtained(ctx, env.key.Bytes()))
	assert.Equal(t, keybackup.StateSuccess, engine.Current().State)
	assert.Equal(t, 0, env.server.RequestCount(mockserver.RouteGetAccountData))
}

func TestStateStrings(t *testing.T) {
	for state := keybackup.StateIdle; state <= keybackup.StateError; state++ {
		assert.NotEqual(t, "unknown", state.String(), fmt.Sprintf("state %d", state))
	}
	assert.Equal(t, "wrong_passphrase", keybackup.ErrorWrongPassphrase.String())
}
