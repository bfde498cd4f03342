// Package session renews the client session: ordinary refresh-token renewal
// and the device-certificate fallback.
//
// Both operations are single-flight. Concurrent callers share one in-flight
// renewal and all observe its outcome; the shared slot is released the moment
// the renewal settles, so a later 401 starts a fresh attempt. At most one
// renewal request (of either kind) is on the wire at any time.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
)

// RefreshPath is the token renewal endpoint relative to the API base.
const RefreshPath = "/auth/refresh"

const (
	flightRefresh = "refresh"
	flightDevice  = "device-certificate"
)

// Credentials is the subset of the credential store the coordinator needs.
type Credentials interface {
	RefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, t model.Tokens) error
	DeviceCertificate(ctx context.Context) (*model.DeviceCertificate, error)
	Reissue(ctx context.Context, t model.Tokens, c model.DeviceCertificate) error
}

// Coordinator performs session renewal.
type Coordinator struct {
	creds       Credentials
	client      *http.Client
	appIDHeader string
	appID       string
	log         *zap.Logger
	now         func() time.Time

	group singleflight.Group
	// wire serializes the two renewal kinds against each other.
	wire sync.Mutex
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithAppIdentity sets the app identity header sent with renewal calls.
func WithAppIdentity(header, value string) Option {
	return func(c *Coordinator) { c.appIDHeader, c.appID = header, value }
}

// WithClock overrides the time source used for certificate issuance.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New constructs a Coordinator. Renewal calls use client directly, never the request executor.
func New(creds Credentials, client *http.Client, opts ...Option) *Coordinator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Coordinator{creds: creds, client: client, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Refresh renews the access token with the stored refresh token.
// It returns ("", false) on any failure and never raises.
func (c *Coordinator) Refresh(ctx context.Context, apiBase string) (string, bool) {
	return c.share(ctx, flightRefresh, func(fctx context.Context) (string, error) {
		return c.refresh(fctx, apiBase)
	})
}

// RecoverViaDeviceCertificate renews the session with the refresh token embedded
// in the device certificate. On failure the stored credentials are left untouched.
func (c *Coordinator) RecoverViaDeviceCertificate(ctx context.Context, apiBase string) (string, bool) {
	return c.share(ctx, flightDevice, func(fctx context.Context) (string, error) {
		return c.recoverDevice(fctx, apiBase)
	})
}

func (c *Coordinator) share(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, bool) {
	// the flight outlives any single caller's cancellation
	fctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.wire.Lock()
		defer c.wire.Unlock()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.Info("session renewal failed", zap.String("kind", key), zap.Bool("shared", res.Shared), zap.Error(res.Err))
			return "", false
		}
		return res.Val.(string), true
	case <-ctx.Done():
		return "", false
	}
}

func (c *Coordinator) refresh(ctx context.Context, apiBase string) (string, error) {
	rt, err := c.creds.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if rt == "" {
		return "", errs.ErrNoRefreshToken
	}
	resp, err := c.post(ctx, apiBase, rt)
	if err != nil {
		return "", err
	}
	tokens := model.Tokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	// a rotated refresh token supersedes the one embedded in the certificate
	cert, err := c.creds.DeviceCertificate(ctx)
	if err != nil {
		c.log.Warn("load device certificate", zap.Error(err))
		cert = nil
	}
	if resp.RefreshToken != "" && cert != nil {
		cert.RefreshToken = resp.RefreshToken
		err = c.creds.Reissue(ctx, tokens, *cert)
	} else {
		err = c.creds.SetTokens(ctx, tokens)
	}
	if err != nil {
		return "", fmt.Errorf("persist tokens: %w", err)
	}
	c.log.Debug("session refreshed", zap.Bool("rotated", resp.RefreshToken != ""))
	return resp.AccessToken, nil
}

func (c *Coordinator) recoverDevice(ctx context.Context, apiBase string) (string, error) {
	cert, err := c.creds.DeviceCertificate(ctx)
	if err != nil {
		return "", fmt.Errorf("load device certificate: %w", err)
	}
	if cert == nil || cert.RefreshToken == "" {
		return "", errs.ErrNoRefreshToken
	}
	resp, err := c.post(ctx, apiBase, cert.RefreshToken)
	if err != nil {
		return "", err
	}
	next := resp.RefreshToken
	if next == "" {
		next = cert.RefreshToken
	}
	reissued := *cert
	reissued.RefreshToken = next
	reissued.IssuedAt = c.now().UTC()
	if err := c.creds.Reissue(ctx, model.Tokens{AccessToken: resp.AccessToken, RefreshToken: next}, reissued); err != nil {
		return "", fmt.Errorf("persist reissued certificate: %w", err)
	}
	c.log.Info("session recovered via device certificate", zap.String("user_id", cert.UserID))
	return resp.AccessToken, nil
}

func (c *Coordinator) post(ctx context.Context, apiBase, refreshToken string) (model.RefreshResponse, error) {
	body, err := json.Marshal(model.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return model.RefreshResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiBase, "/")+RefreshPath, bytes.NewReader(body))
	if err != nil {
		return model.RefreshResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.appIDHeader != "" {
		req.Header.Set(c.appIDHeader, c.appID)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return model.RefreshResponse{}, &errs.TransportError{Attempts: 1, Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return model.RefreshResponse{}, &errs.TransportError{Attempts: 1, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return model.RefreshResponse{}, &errs.APIError{Status: res.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	var out model.RefreshResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.RefreshResponse{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return model.RefreshResponse{}, fmt.Errorf("refresh response without access token")
	}
	return out, nil
}
