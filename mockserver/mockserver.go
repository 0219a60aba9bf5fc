// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver contains an in-memory homeserver and identity server for tests.
package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/id"
)

// ToDeviceMessage is a to-device event delivered to a device inbox.
type ToDeviceMessage struct {
	Sender  id.UserID
	Type    string
	Content json.RawMessage
}

type BackupEntry = e2ee.RespKeyBackupData[backup.EncryptedSessionData[backup.MegolmSessionData]]

type MockServer struct {
	Router *http.ServeMux
	Server *httptest.Server

	// BeforeRequest is called with the route pattern before each request is handled.
	// Tests can block in it to force requests to overlap.
	BeforeRequest func(pattern string, r *http.Request)

	lock                sync.Mutex
	requestCounts       map[string]int
	failures            map[string]e2ee.RespError
	AccessTokenToUserID map[string]id.UserID
	DeviceInbox         map[id.UserID]map[id.DeviceID][]ToDeviceMessage
	AccountData         map[id.UserID]map[string]json.RawMessage
	DeviceKeys          map[id.UserID]map[id.DeviceID]e2ee.DeviceKeys
	OneTimeKeys         map[id.UserID]map[id.DeviceID]map[id.KeyID]e2ee.OneTimeKey
	BackupVersions      map[id.KeyBackupVersion]*e2ee.RespRoomKeysVersion[backup.MegolmAuthData]
	BackupKeys          map[id.KeyBackupVersion]map[id.RoomID]map[id.SessionID]BackupEntry
	LatestBackupVersion id.KeyBackupVersion
	IdentityTokens      map[string]string
}

const (
	RouteKeysQuery        = "POST /_matrix/client/v3/keys/query"
	RouteKeysClaim        = "POST /_matrix/client/v3/keys/claim"
	RouteSendToDevice     = "PUT /_matrix/client/v3/sendToDevice/{type}/{txn}"
	RouteGetAccountData   = "GET /_matrix/client/v3/user/{userID}/account_data/{type}"
	RoutePutAccountData   = "PUT /_matrix/client/v3/user/{userID}/account_data/{type}"
	RouteOpenID           = "POST /_matrix/client/v3/user/{userID}/openid/request_token"
	RouteBackupLatest     = "GET /_matrix/client/v3/room_keys/version"
	RouteBackupVersion    = "GET /_matrix/client/v3/room_keys/version/{version}"
	RouteBackupKeys       = "GET /_matrix/client/v3/room_keys/keys"
	RouteBackupRoomKeys   = "GET /_matrix/client/v3/room_keys/keys/{roomID}"
	RouteBackupOneKey     = "GET /_matrix/client/v3/room_keys/keys/{roomID}/{sessionID}"
	RouteIdentityRegister = "POST /_matrix/identity/v2/account/register"
)

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := MockServer{
		requestCounts:       map[string]int{},
		failures:            map[string]e2ee.RespError{},
		AccessTokenToUserID: map[string]id.UserID{},
		DeviceInbox:         map[id.UserID]map[id.DeviceID][]ToDeviceMessage{},
		AccountData:         map[id.UserID]map[string]json.RawMessage{},
		DeviceKeys:          map[id.UserID]map[id.DeviceID]e2ee.DeviceKeys{},
		OneTimeKeys:         map[id.UserID]map[id.DeviceID]map[id.KeyID]e2ee.OneTimeKey{},
		BackupVersions:      map[id.KeyBackupVersion]*e2ee.RespRoomKeysVersion[backup.MegolmAuthData]{},
		BackupKeys:          map[id.KeyBackupVersion]map[id.RoomID]map[id.SessionID]BackupEntry{},
		IdentityTokens:      map[string]string{},
	}

	router := http.NewServeMux()
	server.handle(router, RouteKeysQuery, server.postKeysQuery)
	server.handle(router, RouteKeysClaim, server.postKeysClaim)
	server.handle(router, RouteSendToDevice, server.putSendToDevice)
	server.handle(router, RouteGetAccountData, server.getAccountData)
	server.handle(router, RoutePutAccountData, server.putAccountData)
	server.handle(router, RouteOpenID, server.postOpenID)
	server.handle(router, RouteBackupLatest, server.getBackupLatestVersion)
	server.handle(router, RouteBackupVersion, server.getBackupVersion)
	server.handle(router, RouteBackupKeys, server.getBackupKeys)
	server.handle(router, RouteBackupRoomKeys, server.getBackupRoomKeys)
	server.handle(router, RouteBackupOneKey, server.getBackupOneKey)
	server.handle(router, RouteIdentityRegister, server.postIdentityRegister)
	server.Router = router
	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Server.Close)
	return &server
}

func (ms *MockServer) handle(router *http.ServeMux, pattern string, handler http.HandlerFunc) {
	router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if ms.BeforeRequest != nil {
			ms.BeforeRequest(pattern, r)
		}
		ms.lock.Lock()
		defer ms.lock.Unlock()
		ms.requestCounts[pattern]++
		if failure, ok := ms.failures[pattern]; ok {
			writeError(w, failure)
			return
		}
		handler(w, r)
	})
}

// RequestCount returns the number of requests made to the given route.
func (ms *MockServer) RequestCount(pattern string) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return ms.requestCounts[pattern]
}

// TotalRequests returns the number of requests made to any route.
func (ms *MockServer) TotalRequests() (total int) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, count := range ms.requestCounts {
		total += count
	}
	return
}

// FailRoute makes all requests to the given route return the given error until ClearFailure is called.
func (ms *MockServer) FailRoute(pattern string, err e2ee.RespError) {
	ms.lock.Lock()
	ms.failures[pattern] = err
	ms.lock.Unlock()
}

func (ms *MockServer) ClearFailure(pattern string) {
	ms.lock.Lock()
	delete(ms.failures, pattern)
	ms.lock.Unlock()
}

func writeError(w http.ResponseWriter, err e2ee.RespError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(&err)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (ms *MockServer) getUserID(r *http.Request) id.UserID {
	authHeader := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, ok := ms.AccessTokenToUserID[authHeader]
	if !ok {
		panic("no user ID found for access token " + authHeader)
	}
	return userID
}

func (ms *MockServer) emptyResp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct{}{})
}

// Login registers a new access token for the given user and returns a client using it.
func (ms *MockServer) Login(t *testing.T, userID id.UserID, deviceID id.DeviceID) *e2ee.Client {
	t.Helper()
	accessToken := random.String(30)
	ms.lock.Lock()
	ms.AccessTokenToUserID[accessToken] = userID
	ms.lock.Unlock()
	client, err := e2ee.NewClient(ms.Server.URL, userID, accessToken)
	require.NoError(t, err)
	client.DeviceID = deviceID
	return client
}

func (ms *MockServer) putSendToDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, e2ee.MNotJSON)
		return
	}
	sender := ms.getUserID(r)
	for user, devices := range req.Messages {
		for device, content := range devices {
			if _, ok := ms.DeviceInbox[user]; !ok {
				ms.DeviceInbox[user] = map[id.DeviceID][]ToDeviceMessage{}
			}
			ms.DeviceInbox[user][device] = append(ms.DeviceInbox[user][device], ToDeviceMessage{
				Sender:  sender,
				Type:    r.PathValue("type"),
				Content: content,
			})
		}
	}
	ms.emptyResp(w, r)
}

// Inbox returns a copy of the to-device messages delivered to the given device.
func (ms *MockServer) Inbox(userID id.UserID, deviceID id.DeviceID) []ToDeviceMessage {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return append([]ToDeviceMessage(nil), ms.DeviceInbox[userID][deviceID]...)
}

func (ms *MockServer) getAccountData(w http.ResponseWriter, r *http.Request) {
	data, ok := ms.AccountData[id.UserID(r.PathValue("userID"))][r.PathValue("type")]
	if !ok {
		writeError(w, e2ee.RespError{ErrCode: e2ee.MNotFound.ErrCode, Err: "Account data not found", StatusCode: http.StatusNotFound})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (ms *MockServer) putAccountData(w http.ResponseWriter, r *http.Request) {
	jsonData, _ := io.ReadAll(r.Body)
	ms.setAccountData(id.UserID(r.PathValue("userID")), r.PathValue("type"), jsonData)
	ms.emptyResp(w, r)
}

func (ms *MockServer) setAccountData(userID id.UserID, eventType string, data json.RawMessage) {
	if _, ok := ms.AccountData[userID]; !ok {
		ms.AccountData[userID] = map[string]json.RawMessage{}
	}
	ms.AccountData[userID][eventType] = data
}

// SetAccountData stores an account data event for the given user.
func (ms *MockServer) SetAccountData(t *testing.T, userID id.UserID, eventType string, content any) {
	t.Helper()
	data, err := json.Marshal(content)
	require.NoError(t, err)
	ms.lock.Lock()
	ms.setAccountData(userID, eventType, data)
	ms.lock.Unlock()
}

func (ms *MockServer) postKeysQuery(w http.ResponseWriter, r *http.Request) {
	var req e2ee.ReqQueryKeys
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, e2ee.MNotJSON)
		return
	}
	resp := e2ee.RespQueryKeys{
		DeviceKeys: map[id.UserID]map[id.DeviceID]e2ee.DeviceKeys{},
	}
	for user, devices := range req.DeviceKeys {
		resp.DeviceKeys[user] = map[id.DeviceID]e2ee.DeviceKeys{}
		for deviceID, keys := range ms.DeviceKeys[user] {
			if len(devices) == 0 || containsDevice(devices, deviceID) {
				resp.DeviceKeys[user][deviceID] = keys
			}
		}
	}
	writeJSON(w, &resp)
}

func containsDevice(list e2ee.DeviceIDList, deviceID id.DeviceID) bool {
	for _, item := range list {
		if item == deviceID {
			return true
		}
	}
	return false
}

func (ms *MockServer) postKeysClaim(w http.ResponseWriter, r *http.Request) {
	var req e2ee.ReqClaimKeys
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, e2ee.MNotJSON)
		return
	}
	resp := e2ee.RespClaimKeys{
		OneTimeKeys: map[id.UserID]map[id.DeviceID]map[id.KeyID]e2ee.OneTimeKey{},
	}
	for user, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			for keyID, key := range ms.OneTimeKeys[user][deviceID] {
				if _, ok := resp.OneTimeKeys[user]; !ok {
					resp.OneTimeKeys[user] = map[id.DeviceID]map[id.KeyID]e2ee.OneTimeKey{}
				}
				resp.OneTimeKeys[user][deviceID] = map[id.KeyID]e2ee.OneTimeKey{keyID: key}
				if !key.Fallback {
					delete(ms.OneTimeKeys[user][deviceID], keyID)
				}
				break
			}
		}
	}
	writeJSON(w, &resp)
}

func (ms *MockServer) postOpenID(w http.ResponseWriter, r *http.Request) {
	if ms.getUserID(r) != id.UserID(r.PathValue("userID")) {
		writeError(w, e2ee.MForbidden)
		return
	}
	writeJSON(w, &e2ee.RespOpenIDToken{
		AccessToken:      random.String(24),
		ExpiresIn:        3600,
		MatrixServerName: id.UserID(r.PathValue("userID")).Homeserver(),
		TokenType:        "Bearer",
	})
}

func (ms *MockServer) postIdentityRegister(w http.ResponseWriter, r *http.Request) {
	var req e2ee.RespOpenIDToken
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeError(w, e2ee.MUnknownToken)
		return
	}
	token := random.String(32)
	ms.IdentityTokens[req.AccessToken] = token
	writeJSON(w, map[string]string{"token": token})
}
