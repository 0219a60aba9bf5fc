// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package identity obtains identity server access tokens by exchanging homeserver OpenID tokens.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/sync/singleflight"

	"go.mau.fi/e2ee"
)

type respRegister struct {
	Token string `json:"token"`
}

// Provisioner manages the identity server registration of a single account.
type Provisioner struct {
	Client *e2ee.Client
	Store  Store
	Log    zerolog.Logger

	// commitLock serializes changes to the stored registration.
	commitLock sync.Mutex
	exchanges  singleflight.Group
}

func NewProvisioner(client *e2ee.Client, store Store) *Provisioner {
	return &Provisioner{
		Client: client,
		Store:  store,
		Log:    client.Log.With().Str("component", "identity").Logger(),
	}
}

// Registration returns the stored registration, or nil if no identity server is configured.
func (p *Provisioner) Registration(ctx context.Context) (*Registration, error) {
	return p.Store.GetRegistration(ctx)
}

// NormalizeServerURL validates an identity server base URL and returns it in the form it's stored in.
func NormalizeServerURL(serverURL string) (string, error) {
	parsed, err := e2ee.ParseAndNormalizeBaseURL(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidServerURL, err)
	} else if parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", fmt.Errorf("%w: %q", ErrInvalidServerURL, serverURL)
	}
	return strings.TrimSuffix(parsed.String(), "/"), nil
}

// SetServer configures the identity server to use. Any existing token is dropped.
func (p *Provisioner) SetServer(ctx context.Context, serverURL string) error {
	normalized, err := NormalizeServerURL(serverURL)
	if err != nil {
		return err
	}
	p.commitLock.Lock()
	defer p.commitLock.Unlock()
	return p.Store.PutRegistration(ctx, &Registration{ServerURL: normalized})
}

// Disconnect forgets the identity server and its token.
func (p *Provisioner) Disconnect(ctx context.Context) error {
	p.commitLock.Lock()
	defer p.commitLock.Unlock()
	return p.Store.DeleteRegistration(ctx)
}

// EnsureToken returns the identity server token, registering with the identity server if there isn't one yet.
//
// Concurrent calls for the same identity server share a single exchange. The exchange
// keeps running if the caller that started it goes away, so the other callers still get the result.
func (p *Provisioner) EnsureToken(ctx context.Context) (string, error) {
	reg, err := p.Store.GetRegistration(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get identity server registration: %w", err)
	} else if reg == nil || reg.ServerURL == "" {
		return "", ErrNoIdentityServerConfigured
	} else if reg.Token != "" {
		return reg.Token, nil
	}
	serverURL := reg.ServerURL
	resultChan := p.exchanges.DoChan(serverURL, func() (any, error) {
		return p.register(context.WithoutCancel(ctx), serverURL)
	})
	select {
	case res := <-resultChan:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// storedToken returns the token already saved for serverURL, if any.
func (p *Provisioner) storedToken(ctx context.Context, serverURL string) (string, error) {
	p.commitLock.Lock()
	defer p.commitLock.Unlock()
	current, err := p.Store.GetRegistration(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get identity server registration: %w", err)
	} else if current == nil || current.ServerURL != serverURL {
		return "", ErrServerChanged
	}
	return current.Token, nil
}

func (p *Provisioner) register(ctx context.Context, serverURL string) (string, error) {
	log := p.Log.With().Str("identity_server", serverURL).Logger()
	ctx = log.WithContext(ctx)
	// An earlier flight may have finished between the caller's check and this one starting.
	if token, err := p.storedToken(ctx, serverURL); err != nil || token != "" {
		return token, err
	}
	openID, err := p.Client.RequestOpenIDToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get OpenID token: %w", err)
	}
	parsedURL, err := e2ee.ParseAndNormalizeBaseURL(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidServerURL, err)
	}
	var resp respRegister
	_, err = p.Client.MakeFullRequest(ctx, e2ee.FullRequest{
		Method:           http.MethodPost,
		URL:              e2ee.BuildURL(parsedURL, "_matrix", "identity", "v2", "account", "register").String(),
		RequestJSON:      openID,
		ResponseJSON:     &resp,
		SensitiveContent: true,
		OmitAuth:         true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register with identity server: %w", err)
	} else if resp.Token == "" {
		return "", ErrEmptyToken
	}

	p.commitLock.Lock()
	defer p.commitLock.Unlock()
	current, err := p.Store.GetRegistration(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get identity server registration: %w", err)
	} else if current == nil || current.ServerURL != serverURL {
		log.Warn().Msg("Identity server changed during registration, discarding token")
		return "", ErrServerChanged
	}
	err = p.Store.PutRegistration(ctx, &Registration{
		ServerURL:    serverURL,
		Token:        resp.Token,
		RegisteredAt: jsontime.UnixMilliNow(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save identity server token: %w", err)
	}
	log.Debug().Msg("Registered with identity server")
	return resp.Token, nil
}
