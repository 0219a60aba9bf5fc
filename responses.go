package e2ee

import (
	"go.mau.fi/e2ee/id"
)

type RespQueryKeys struct {
	Failures   map[string]any                           `json:"failures,omitempty"`
	DeviceKeys map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
}

type RespClaimKeys struct {
	Failures    map[string]any                                        `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey `json:"one_time_keys"`
}

type RespSendToDevice struct{}

// RespOpenIDToken is the JSON response for https://spec.matrix.org/v1.13/client-server-api/#post_matrixclientv3useruseridopenidrequest_token
type RespOpenIDToken struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	MatrixServerName string `json:"matrix_server_name"`
	TokenType        string `json:"token_type"`
}

// RespRoomKeysVersion is the JSON response for https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keysversion
type RespRoomKeysVersion[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
	Count     int                   `json:"count"`
	ETag      string                `json:"etag"`
	Version   id.KeyBackupVersion   `json:"version"`
}

// RespRoomKeys is the JSON response for https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keyskeys
type RespRoomKeys[S any] struct {
	Rooms map[id.RoomID]RespRoomKeyBackup[S] `json:"rooms"`
}

type RespRoomKeyBackup[S any] struct {
	Sessions map[id.SessionID]RespKeyBackupData[S] `json:"sessions"`
}

type RespKeyBackupData[S any] struct {
	FirstMessageIndex int  `json:"first_message_index"`
	ForwardedCount    int  `json:"forwarded_count"`
	IsVerified        bool `json:"is_verified"`
	SessionData       S    `json:"session_data"`
}
