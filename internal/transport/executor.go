package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
)

// DefaultAppIdentityHeader carries the app-wide identity, independent of the user session.
const DefaultAppIdentityHeader = "X-App-Identity"

const maxBody = 10 << 20

// Credentials is the subset of the credential store the executor needs.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
	ClearAll(ctx context.Context) error
	ClearDevice(ctx context.Context) error
}

// Renewer renews the session; implemented by session.Coordinator.
type Renewer interface {
	Refresh(ctx context.Context, apiBase string) (string, bool)
	RecoverViaDeviceCertificate(ctx context.Context, apiBase string) (string, bool)
}

// Config configures an Executor.
type Config struct {
	BaseURL     string
	AppIDHeader string
	AppID       string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	// OnSessionExpired runs after every recovery path failed and the credentials were cleared.
	// The UI uses it to navigate to the login entry point.
	OnSessionExpired func(ctx context.Context)
	// Sleep replaces the backoff wait (tests).
	Sleep SleepFunc
	// Now replaces the clock used for HTTP-date Retry-After values.
	Now func() time.Time
}

// Executor performs logical requests.
type Executor struct {
	cfg     Config
	creds   Credentials
	renewer Renewer
	log     *zap.Logger

	// epoch advances on every forced logout; a request only expires the epoch it started in.
	epoch atomic.Uint64
}

// New constructs an Executor.
func New(cfg Config, creds Credentials, renewer Renewer) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.AppIDHeader == "" {
		cfg.AppIDHeader = DefaultAppIdentityHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Executor{cfg: cfg, creds: creds, renewer: renewer, log: cfg.Logger}
}

// BaseURL returns the API base the executor resolves relative URLs against.
func (e *Executor) BaseURL() string { return e.cfg.BaseURL }

// Do executes req. Recoverable conditions (401, 429, transient network failure)
// are resolved here; only the terminal state of each recovery chain is returned.
//
// Errors: *errs.TransportError when no response arrived, *errs.BodyError when
// a response arrived but its body could not be read, errs.ErrSessionExpired
// when every renewal path failed, *errs.APIError for any other non-2xx status.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	epoch := e.epoch.Load()
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	token := ""
	if !req.SkipAuth {
		if token, err = e.creds.AccessToken(ctx); err != nil {
			return nil, fmt.Errorf("load access token: %w", err)
		}
	}

	res, err := e.attempt(ctx, req, body, token)
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusUnauthorized && !req.SkipAuth {
		if res, err = e.recover(ctx, req, body, epoch); err != nil {
			return nil, err
		}
	}
	return finish(res)
}

// recover runs the renewal chain: refresh, then device certificate, then forced logout.
func (e *Executor) recover(ctx context.Context, req Request, body []byte, epoch uint64) (*Response, error) {
	steps := []struct {
		name  string
		renew func(context.Context, string) (string, bool)
	}{
		{"refresh", e.renewer.Refresh},
		{"device-certificate", e.renewer.RecoverViaDeviceCertificate},
	}
	for _, s := range steps {
		tok, ok := s.renew(ctx, e.cfg.BaseURL)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		res, err := e.attempt(ctx, req, body, tok)
		if err != nil {
			return nil, err
		}
		if res.Status != http.StatusUnauthorized {
			return res, nil
		}
		e.log.Info("request still unauthorized after renewal", zap.String("step", s.name), zap.String("path", pathOf(req.URL)))
	}
	e.expire(ctx, epoch)
	return nil, errs.ErrSessionExpired
}

// expire clears the credentials and notifies once per epoch, however many
// requests exhausted recovery concurrently.
func (e *Executor) expire(ctx context.Context, epoch uint64) {
	if !e.epoch.CompareAndSwap(epoch, epoch+1) {
		e.log.Debug("session already expired by a concurrent request")
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.creds.ClearAll(ctx); err != nil {
		e.log.Error("clear credentials", zap.Error(err))
	}
	if err := e.creds.ClearDevice(ctx); err != nil {
		e.log.Error("clear device certificate", zap.Error(err))
	}
	e.log.Warn("session expired, forcing login")
	if e.cfg.OnSessionExpired != nil {
		e.cfg.OnSessionExpired(ctx)
	}
}

// attempt sends req with token, applying network retries and 429 backoff.
// A 429 that exhausts its budget is returned as a response for finish to convert.
func (e *Executor) attempt(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	netRetries, rlRetries := 0, 0
	for {
		res, err := e.roundTrip(ctx, req, body, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var be *errs.BodyError
			if errors.As(err, &be) {
				return nil, err
			}
			if netRetries >= req.MaxNetworkRetries {
				return nil, &errs.TransportError{Attempts: netRetries + 1, Err: err}
			}
			netRetries++
			delay := NetworkRetryDelay(netRetries)
			e.log.Warn("network failure, retrying",
				zap.String("path", pathOf(req.URL)),
				zap.Int("attempt", netRetries),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := e.cfg.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if res.Status == http.StatusTooManyRequests {
			if rlRetries >= req.Max429Retries {
				return res, nil
			}
			rlRetries++
			delay := RateLimitDelay(rlRetries, res.Header.Get("Retry-After"), e.cfg.Now())
			e.log.Warn("rate limited, backing off",
				zap.String("path", pathOf(req.URL)),
				zap.Int("attempt", rlRetries),
				zap.Duration("delay", delay),
			)
			if err := e.cfg.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return res, nil
	}
}

func (e *Executor) roundTrip(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, e.resolve(req.URL), rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	setDefault(hr.Header, "Content-Type", "application/json")
	setDefault(hr.Header, "Accept", "application/json")
	if !req.SkipAppIdentity && e.cfg.AppID != "" {
		hr.Header.Set(e.cfg.AppIDHeader, e.cfg.AppID)
	}
	if !req.SkipAuth && token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := e.cfg.HTTPClient.Do(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBody+1))
	if err != nil {
		return nil, &errs.BodyError{Status: res.StatusCode, Err: err}
	}
	if len(raw) > maxBody {
		return nil, &errs.BodyError{Status: res.StatusCode, Err: errs.ErrResponseTooLarge}
	}
	e.log.Debug("http",
		zap.String("method", hr.Method),
		zap.String("path", hr.URL.Path),
		zap.Int("status", res.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)
	return &Response{Status: res.StatusCode, Header: res.Header, Body: raw}, nil
}

func (e *Executor) resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return e.cfg.BaseURL + url
}

// finish converts the final response into a result or an *errs.APIError.
func finish(res *Response) (*Response, error) {
	if res.Status >= 200 && res.Status <= 299 {
		if res.Status == http.StatusNoContent {
			res.Body = nil
		}
		return res, nil
	}
	return nil, parseAPIError(res.Status, res.Body)
}

func parseAPIError(status int, raw []byte) *errs.APIError {
	ae := &errs.APIError{Status: status}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if s, ok := payload["error"].(string); ok && s != "" {
			ae.Message = s
		}
		if s, ok := payload["message"].(string); ok && s != "" && ae.Message == "" {
			ae.Message = s
		}
		switch c := payload["errorCode"].(type) {
		case string:
			ae.ErrorCode = c
		case float64:
			ae.ErrorCode = fmt.Sprint(c)
		}
	}
	if ae.Message == "" {
		ae.Message = strings.TrimSpace(string(raw))
	}
	if ae.Message == "" {
		ae.Message = http.StatusText(status)
	}
	return ae
}

func encodeBody(b any) ([]byte, error) {
	switch v := b.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

func setDefault(h http.Header, k, v string) {
	if h.Get(k) == "" {
		h.Set(k, v)
	}
}

func pathOf(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

// IsOffline reports whether err means the server was not reached at all.
func IsOffline(err error) bool {
	return errors.Is(err, errs.ErrTransport)
}
