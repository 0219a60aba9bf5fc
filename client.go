// Package e2ee implements the parts of the Matrix Client-Server API needed by
// the end-to-end encryption core: device key queries and claims, to-device
// messages, account data, OpenID tokens and server-side key backup.
//
// Specification can be found at https://spec.matrix.org/v1.13/client-server-api/
package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"go.mau.fi/e2ee/crypto/backup"
	"go.mau.fi/e2ee/event"
	"go.mau.fi/e2ee/id"
)

// Client represents a Matrix client.
//
// Requests are never retried automatically: every call sends exactly one
// HTTP request and any failure is returned to the caller as an HTTPError.
type Client struct {
	HomeserverURL *url.URL
	UserID        id.UserID
	DeviceID      id.DeviceID
	AccessToken   string
	UserAgent     string
	// Client is the HTTP client requests are sent with. Its timeout bounds every request.
	Client *http.Client

	Log zerolog.Logger

	// RequestHook is called right before each request is sent.
	RequestHook func(req *http.Request)
	// ResponseHook is called when response headers have been received, before the body is read.
	ResponseHook func(req *http.Request, resp *http.Response, duration time.Duration)
}

// ResponseHandler reads the body of a 2xx response. The default handler unmarshals it into ResponseJSON.
type ResponseHandler = func(req *http.Request, res *http.Response, responseJSON any) ([]byte, error)

// FullRequest describes a single JSON request made with MakeFullRequest.
type FullRequest struct {
	Method       string
	URL          string
	Headers      http.Header
	RequestJSON  any
	ResponseJSON any
	// SensitiveContent hides the request body from logs. Used for anything carrying keys or tokens.
	SensitiveContent bool
	// OmitAuth skips the Authorization header, e.g. for requests to other servers.
	OmitAuth bool
	Handler  ResponseHandler
	Logger   *zerolog.Logger
}

// LogSensitiveContent makes request logs include bodies marked as sensitive.
var LogSensitiveContent = os.Getenv("E2EE_LOG_SENSITIVE_CONTENT") == "yes"

var requestCounter atomic.Int32

type loggedRequest struct {
	log  zerolog.Logger
	body any
}

func (params *FullRequest) encodeBody() (io.Reader, any, error) {
	if params.RequestJSON == nil {
		if params.Method == http.MethodGet || params.Method == http.MethodHead {
			return nil, nil, nil
		}
		params.RequestJSON = struct{}{}
	}
	data, err := json.Marshal(params.RequestJSON)
	if err != nil {
		return nil, nil, HTTPError{Message: "failed to marshal JSON", WrappedError: err}
	}
	logBody := params.RequestJSON
	if params.SensitiveContent && !LogSensitiveContent {
		logBody = "<sensitive content omitted>"
	}
	return bytes.NewReader(data), logBody, nil
}

func (cli *Client) newRequest(ctx context.Context, params *FullRequest) (*http.Request, *loggedRequest, error) {
	body, logBody, err := params.encodeBody()
	if err != nil {
		return nil, nil, err
	}
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		log = params.Logger
		if log == nil {
			log = &cli.Log
		}
	}
	lr := &loggedRequest{
		log:  log.With().Int32("req_id", requestCounter.Add(1)).Logger(),
		body: logBody,
	}
	req, err := http.NewRequestWithContext(lr.log.WithContext(ctx), params.Method, params.URL, body)
	if err != nil {
		return nil, nil, HTTPError{Message: "failed to create request", WrappedError: err}
	}
	if params.Headers != nil {
		req.Header = params.Headers.Clone()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cli.UserAgent != "" {
		req.Header.Set("User-Agent", cli.UserAgent)
	}
	if cli.AccessToken != "" && !params.OmitAuth {
		req.Header.Set("Authorization", "Bearer "+cli.AccessToken)
	}
	return req, lr, nil
}

func (lr *loggedRequest) done(req *http.Request, res *http.Response, bodyLen int, duration time.Duration, err error) {
	var evt *zerolog.Event
	var msg string
	var httpErr HTTPError
	switch {
	case err == nil:
		evt, msg = lr.log.Debug(), "Request completed"
	case errors.As(err, &httpErr) && httpErr.Response != nil && httpErr.ResponseBody != "" && httpErr.RespError == nil && res != nil && res.StatusCode < 300:
		evt, msg = lr.log.Warn().AnErr("body_parse_err", err), "Request parsing failed"
	case res != nil:
		evt, msg = lr.log.Debug().Err(err), "Request completed"
	default:
		evt, msg = lr.log.Err(err), "Request failed"
	}
	evt = evt.
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Dur("duration", duration)
	if res != nil {
		length := res.ContentLength
		if length == -1 {
			length = int64(bodyLen)
		}
		evt = evt.
			Int("status_code", res.StatusCode).
			Int64("response_length", length).
			Str("response_mime", res.Header.Get("Content-Type"))
	}
	if lr.body != nil {
		evt = evt.Interface("req_body", lr.body)
	}
	evt.Msg(msg)
}

// MakeRequest makes a JSON request with the given body, unmarshaling the response into resBody.
func (cli *Client) MakeRequest(ctx context.Context, method string, httpURL string, reqBody any, resBody any) ([]byte, error) {
	return cli.MakeFullRequest(ctx, FullRequest{Method: method, URL: httpURL, RequestJSON: reqBody, ResponseJSON: resBody})
}

// MakeFullRequest makes a JSON HTTP request to the given URL.
//
// On a 2xx response, the body is passed to the handler (which unmarshals it into ResponseJSON by default)
// and returned. Any other status or transport failure is returned as an HTTPError, which includes the parsed
// RespError if the body was a standard Matrix error.
func (cli *Client) MakeFullRequest(ctx context.Context, params FullRequest) ([]byte, error) {
	req, lr, err := cli.newRequest(ctx, &params)
	if err != nil {
		return nil, err
	}
	handler := params.Handler
	if handler == nil {
		handler = handleNormalResponse
	}
	if cli.RequestHook != nil {
		cli.RequestHook(req)
	}
	httpClient := cli.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()
	res, err := httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		err = HTTPError{Request: req, Response: res, Message: "request error", WrappedError: err}
		lr.done(req, res, 0, duration, err)
		return nil, err
	}
	defer res.Body.Close()
	if cli.ResponseHook != nil {
		cli.ResponseHook(req, res, duration)
	}
	var body []byte
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err = ParseErrorResponse(req, res)
	} else {
		body, err = handler(req, res, params.ResponseJSON)
	}
	lr.done(req, res, len(body), duration, err)
	return body, err
}

func readResponseBody(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, HTTPError{Request: req, Response: res, Message: "failed to read response body", WrappedError: err}
	}
	return contents, nil
}

func handleNormalResponse(req *http.Request, res *http.Response, responseJSON any) ([]byte, error) {
	contents, err := readResponseBody(req, res)
	if err != nil || responseJSON == nil {
		return contents, err
	}
	err = json.Unmarshal(contents, responseJSON)
	if err != nil {
		return nil, HTTPError{
			Request:      req,
			Response:     res,
			Message:      "failed to unmarshal response body",
			ResponseBody: string(contents),
			WrappedError: err,
		}
	}
	return contents, nil
}

// ParseErrorResponse reads a non-2xx response into an HTTPError.
func ParseErrorResponse(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := readResponseBody(req, res)
	if err != nil {
		return contents, err
	}
	respErr := &RespError{StatusCode: res.StatusCode}
	if json.Unmarshal(contents, respErr) != nil || respErr.ErrCode == "" {
		respErr = nil
	}
	return contents, HTTPError{
		Request:      req,
		Response:     res,
		RespError:    respErr,
		ResponseBody: string(contents),
	}
}

// QueryKeys fetches the device keys of the given users. See https://spec.matrix.org/v1.13/client-server-api/#post_matrixclientv3keysquery
func (cli *Client) QueryKeys(ctx context.Context, req *ReqQueryKeys) (resp *RespQueryKeys, err error) {
	urlPath := cli.BuildClientURL("v3", "keys", "query")
	_, err = cli.MakeRequest(ctx, http.MethodPost, urlPath, req, &resp)
	return
}

// ClaimKeys claims one-time keys for establishing Olm sessions. See https://spec.matrix.org/v1.13/client-server-api/#post_matrixclientv3keysclaim
func (cli *Client) ClaimKeys(ctx context.Context, req *ReqClaimKeys) (resp *RespClaimKeys, err error) {
	urlPath := cli.BuildClientURL("v3", "keys", "claim")
	_, err = cli.MakeRequest(ctx, http.MethodPost, urlPath, req, &resp)
	return
}

// SendToDevice sends a to-device event to the given devices. See https://spec.matrix.org/v1.13/client-server-api/#put_matrixclientv3sendtodeviceeventtypetxnid
func (cli *Client) SendToDevice(ctx context.Context, eventType event.Type, req *ReqSendToDevice) (resp *RespSendToDevice, err error) {
	urlPath := cli.BuildClientURL("v3", "sendToDevice", eventType.String(), cli.TxnID())
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPut,
		URL:              urlPath,
		RequestJSON:      req,
		ResponseJSON:     &resp,
		SensitiveContent: true,
	})
	return
}

// GetAccountData gets the user's account data of this type. See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3useruseridaccount_datatype
func (cli *Client) GetAccountData(ctx context.Context, name string, output any) (err error) {
	urlPath := cli.BuildClientURL("v3", "user", cli.UserID, "account_data", name)
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, output)
	return
}

// RequestOpenIDToken gets an OpenID token that can be used to prove the user's identity to other servers.
// See https://spec.matrix.org/v1.13/client-server-api/#post_matrixclientv3useruseridopenidrequest_token
func (cli *Client) RequestOpenIDToken(ctx context.Context) (resp *RespOpenIDToken, err error) {
	urlPath := cli.BuildClientURL("v3", "user", cli.UserID, "openid", "request_token")
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPost,
		URL:              urlPath,
		ResponseJSON:     &resp,
		SensitiveContent: true,
	})
	return
}

// GetKeyBackupLatestVersion returns information about the latest backup version.
// See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keysversion
func (cli *Client) GetKeyBackupLatestVersion(ctx context.Context) (resp *RespRoomKeysVersion[backup.MegolmAuthData], err error) {
	urlPath := cli.BuildClientURL("v3", "room_keys", "version")
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// GetKeyBackupVersion returns information about an existing key backup.
// See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keysversionversion
func (cli *Client) GetKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) (resp *RespRoomKeysVersion[backup.MegolmAuthData], err error) {
	urlPath := cli.BuildClientURL("v3", "room_keys", "version", version)
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// GetKeyBackup retrieves all keys from the given backup version.
// See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keyskeys
func (cli *Client) GetKeyBackup(ctx context.Context, version id.KeyBackupVersion) (resp *RespRoomKeys[backup.EncryptedSessionData[backup.MegolmSessionData]], err error) {
	urlPath := cli.BuildURLWithQuery(ClientURLPath{"v3", "room_keys", "keys"}, map[string]string{
		"version": string(version),
	})
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// GetKeyBackupForRoom retrieves the backed up keys of a single room.
// See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keyskeysroomid
func (cli *Client) GetKeyBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (resp *RespRoomKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]], err error) {
	urlPath := cli.BuildURLWithQuery(ClientURLPath{"v3", "room_keys", "keys", roomID.String()}, map[string]string{
		"version": string(version),
	})
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// GetKeyBackupForRoomAndSession retrieves a single backed up key.
// See https://spec.matrix.org/v1.13/client-server-api/#get_matrixclientv3room_keyskeysroomidsessionid
func (cli *Client) GetKeyBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (resp *RespKeyBackupData[backup.EncryptedSessionData[backup.MegolmSessionData]], err error) {
	urlPath := cli.BuildURLWithQuery(ClientURLPath{"v3", "room_keys", "keys", roomID.String(), sessionID.String()}, map[string]string{
		"version": string(version),
	})
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// TxnID returns a new unique transaction ID.
func (cli *Client) TxnID() string {
	return "e2ee_" + xid.New().String()
}

// NewClient creates a new Matrix Client.
func NewClient(homeserverURL string, userID id.UserID, accessToken string) (*Client, error) {
	hsURL, err := ParseAndNormalizeBaseURL(homeserverURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		AccessToken:   accessToken,
		UserAgent:     DefaultUserAgent,
		HomeserverURL: hsURL,
		UserID:        userID,
		Client:        &http.Client{Timeout: 180 * time.Second},
		Log:           zerolog.Nop(),
	}, nil
}

func (cli *Client) String() string {
	return fmt.Sprintf("%s (%s) @ %s", cli.UserID, cli.DeviceID, cli.HomeserverURL)
}
