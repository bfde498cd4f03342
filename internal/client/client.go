// Package client assembles the network core: durable storage, credentials,
// session renewal, the request executor, the offline queue and the sync
// scheduler. It is the surface screens (and the CLI) talk to.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/config"
	"github.com/and161185/schoolsync/internal/credstore"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/offline"
	"github.com/and161185/schoolsync/internal/session"
	"github.com/and161185/schoolsync/internal/storage"
	"github.com/and161185/schoolsync/internal/syncer"
	"github.com/and161185/schoolsync/internal/transport"
)

// Endpoint paths relative to the API base.
const (
	LoginPath    = "/auth/login"
	RegisterPath = "/auth/register"
	EntitiesPath = "/api/entities"
)

// Options wires a Client. Only Config is required.
type Options struct {
	Config config.Client
	Logger *zap.Logger
	// Store overrides backend selection (tests, embedding).
	Store      storage.Store
	HTTPClient *http.Client
	// Legacy defaults to the token.json file in the data directory.
	Legacy credstore.LegacySource
	// OnSessionExpired is called after total session loss, once credentials are cleared.
	OnSessionExpired func(ctx context.Context)
	Sleep            transport.SleepFunc
	Now              func() time.Time
}

// Client is the assembled network core.
type Client struct {
	cfg   config.Client
	log   *zap.Logger
	now   func() time.Time
	kind  storage.Kind
	creds *credstore.Store
	renew *session.Coordinator
	api   *transport.Executor
	queue *offline.Queue
	sched *syncer.Scheduler

	onExpired func(context.Context)
	offline   atomic.Bool
}

// New selects the storage backend, runs the one-time legacy migration and
// wires every component. Migration problems are logged, never returned.
func New(ctx context.Context, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Config.HTTPTimeout}
	}

	kv, kind := opts.Store, storage.Kind("injected")
	if kv == nil {
		var err error
		kv, kind, err = storage.Select(ctx, storage.Options{
			Dir:           opts.Config.DataDir,
			DeviceSecret:  []byte(opts.Config.DeviceSecret),
			AllowInsecure: opts.Config.AllowInsecure,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("select storage: %w", err)
		}
	}

	c := &Client{
		cfg:       opts.Config,
		log:       log,
		now:       now,
		kind:      kind,
		sched:     syncer.NewScheduler(log.Named("sync")),
		onExpired: opts.OnSessionExpired,
	}
	c.creds = credstore.New(kv, log.Named("credstore"))

	legacy := opts.Legacy
	if legacy == nil {
		legacy = credstore.LegacyFile{Path: filepath.Join(opts.Config.DataDir, "token.json")}
	}
	credstore.MigrateLegacy(ctx, legacy, c.creds, log)

	c.renew = session.New(c.creds, hc,
		session.WithLogger(log.Named("session")),
		session.WithAppIdentity(transport.DefaultAppIdentityHeader, opts.Config.AppID),
		session.WithClock(now),
	)
	c.api = transport.New(transport.Config{
		BaseURL:          opts.Config.APIBase,
		AppID:            opts.Config.AppID,
		HTTPClient:       hc,
		Logger:           log.Named("http"),
		OnSessionExpired: c.sessionExpired,
		Sleep:            opts.Sleep,
		Now:              now,
	}, c.creds, c.renew)
	c.queue = offline.New(kv, c.api, offline.WithLogger(log.Named("offline")), offline.WithClock(now))

	log.Info("client ready", zap.String("storage", string(kind)), zap.String("api", c.api.BaseURL()))
	return c, nil
}

func (c *Client) sessionExpired(ctx context.Context) {
	c.sched.Stop()
	c.log.Warn("session expired, login required")
	if c.onExpired != nil {
		c.onExpired(ctx)
	}
}

// Credentials exposes the credential store.
func (c *Client) Credentials() *credstore.Store { return c.creds }

// Queue exposes the offline queue.
func (c *Client) Queue() *offline.Queue { return c.queue }

// StorageKind reports the backend picked at startup.
func (c *Client) StorageKind() storage.Kind { return c.kind }

// SetOffline forces every mutation into the queue until cleared.
func (c *Client) SetOffline(v bool) { c.offline.Store(v) }

// Offline reports whether offline mode is forced.
func (c *Client) Offline() bool { return c.offline.Load() }

// NewRequest builds a request with the configured retry budgets.
func (c *Client) NewRequest(method, path string, body any) transport.Request {
	r := transport.NewRequest(method, path, body)
	r.MaxNetworkRetries = c.cfg.NetRetries
	r.Max429Retries = c.cfg.RateRetries
	return r
}

// Do passes req through the executor.
func (c *Client) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return c.api.Do(ctx, req)
}

// Call performs an authenticated domain request and decodes the answer into out (may be nil).
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	res, err := c.api.Do(ctx, c.NewRequest(method, path, body))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, email, password string) error {
	req := c.NewRequest(http.MethodPost, RegisterPath, model.LoginRequest{Email: email, Password: password})
	req.SkipAuth = true
	_, err := c.api.Do(ctx, req)
	return err
}

// Login authenticates with email and password, replaces the session tokens
// and (re)issues the device certificate around the new refresh token.
func (c *Client) Login(ctx context.Context, email, password string) (model.LoginResponse, error) {
	req := c.NewRequest(http.MethodPost, LoginPath, model.LoginRequest{Email: email, Password: password})
	req.SkipAuth = true
	res, err := c.api.Do(ctx, req)
	if err != nil {
		return model.LoginResponse{}, err
	}
	var out model.LoginResponse
	if err := res.Decode(&out); err != nil {
		return model.LoginResponse{}, fmt.Errorf("decode login response: %w", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return model.LoginResponse{}, errors.New("login response without tokens")
	}
	if out.Email == "" {
		out.Email = email
	}

	prev, err := c.creds.DeviceCertificate(ctx)
	if err != nil {
		c.log.Warn("read device certificate", zap.Error(err))
	}
	if err := c.creds.ClearAll(ctx); err != nil {
		return model.LoginResponse{}, fmt.Errorf("clear previous session: %w", err)
	}
	cert := model.DeviceCertificate{
		RefreshToken: out.RefreshToken,
		Email:        out.Email,
		UserID:       out.UserID,
		IssuedAt:     c.now().UTC(),
	}
	tokens := model.Tokens{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, SessionToken: out.SessionToken}
	if err := c.creds.Reissue(ctx, tokens, cert); err != nil {
		return model.LoginResponse{}, fmt.Errorf("persist credentials: %w", err)
	}
	c.log.Info("logged in",
		zap.String("user_id", out.UserID),
		zap.Bool("certificate_rotated", prev != nil),
	)
	return out, nil
}

// Logout drops the session tokens. A full logout also forgets the device
// certificate and the pending offline writes of this install.
func (c *Client) Logout(ctx context.Context, full bool) error {
	c.sched.Stop()
	err := c.creds.ClearAll(ctx)
	if full {
		err = errors.Join(err, c.creds.ClearDevice(ctx), c.queue.Clear(ctx))
	}
	c.log.Info("logged out", zap.Bool("full", full))
	return err
}

// Mutate sends op right away. When offline mode is forced or the server
// cannot be reached it is queued instead and queued reports true.
func (c *Client) Mutate(ctx context.Context, op model.QueuedOperation) (queued bool, res *transport.Response, err error) {
	if err := op.Validate(); err != nil {
		return false, nil, err
	}
	if c.Offline() {
		return true, nil, c.queue.Enqueue(ctx, op)
	}
	res, err = c.api.Do(ctx, c.mutationRequest(op))
	if transport.IsOffline(err) {
		c.log.Info("server unreachable, queueing", zap.String("op", string(op.Operation)), zap.String("entity", op.EntityType))
		if qerr := c.queue.Enqueue(ctx, op); qerr != nil {
			return false, nil, errors.Join(err, qerr)
		}
		return true, nil, nil
	}
	return false, res, err
}

func (c *Client) mutationRequest(op model.QueuedOperation) transport.Request {
	path := EntitiesPath + "/" + url.PathEscape(op.EntityType)
	if op.EntityID != "" {
		path += "/" + url.PathEscape(op.EntityID)
	}
	var body any
	if len(op.Payload) > 0 {
		body = op.Payload
	}
	method := http.MethodPost
	switch op.Operation {
	case model.OpUpdate:
		method = http.MethodPut
	case model.OpDelete:
		method, body = http.MethodDelete, nil
	}
	return c.NewRequest(method, path, body)
}

// Sync drains the offline queue once.
func (c *Client) Sync(ctx context.Context) (offline.Result, error) {
	return c.queue.Drain(ctx, "")
}

// StartSync starts periodic draining, replacing any running timer.
// interval <= 0 uses the configured interval.
func (c *Client) StartSync(interval time.Duration, listener syncer.Listener) *syncer.Handle {
	if interval <= 0 {
		interval = c.cfg.SyncInterval
	}
	return c.sched.Start(interval, syncer.DrainTick(c.queue, "", c.log.Named("sync"), listener))
}

// StopSync stops periodic draining. Safe to call when not running.
func (c *Client) StopSync() { c.sched.Stop() }

// Close releases background work.
func (c *Client) Close() { c.sched.Stop() }

// Status is a diagnostic snapshot of the core.
type Status struct {
	model.SyncState
	LoggedIn        bool
	AccessExpiresAt *time.Time
	UserID          string
	Email           string
	CertIssuedAt    *time.Time
	Storage         storage.Kind
	Offline         bool
	Syncing         bool
}

// Status reports the session, certificate and sync state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	st, err := syncer.State(ctx, c.queue)
	if err != nil {
		return Status{}, err
	}
	snap, err := c.creds.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{
		SyncState: st,
		LoggedIn:  snap.AccessToken != "" || snap.RefreshToken != "",
		Storage:   c.kind,
		Offline:   c.Offline(),
		Syncing:   c.sched.Running(),
	}
	out.AccessExpiresAt = tokenExpiry(snap.AccessToken)
	if d := snap.Device; d != nil {
		out.UserID, out.Email = d.UserID, d.Email
		issued := d.IssuedAt
		out.CertIssuedAt = &issued
	}
	return out, nil
}

// tokenExpiry reads exp from a JWT without verifying it; nil for opaque tokens.
func tokenExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	t := claims.ExpiresAt.Time
	return &t
}
