package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/schoolsync/internal/errs"
)

type fakeCreds struct {
	mu          sync.Mutex
	access      string
	cleared     bool
	deviceClear bool
}

func (f *fakeCreds) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access, nil
}
func (f *fakeCreds) ClearAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.cleared = "", true
	return nil
}
func (f *fakeCreds) ClearDevice(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceClear = true
	return nil
}

type fakeRenewer struct {
	refreshTok, deviceTok string
	refreshOK, deviceOK   bool
	refreshN, deviceN     atomic.Int32
}

func (f *fakeRenewer) Refresh(context.Context, string) (string, bool) {
	f.refreshN.Add(1)
	return f.refreshTok, f.refreshOK
}
func (f *fakeRenewer) RecoverViaDeviceCertificate(context.Context, string) (string, bool) {
	f.deviceN.Add(1)
	return f.deviceTok, f.deviceOK
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

func newExec(t *testing.T, url string, creds Credentials, r Renewer, sl *sleepRecorder) *Executor {
	t.Helper()
	cfg := Config{BaseURL: url, AppID: "school-42", Logger: zaptest.NewLogger(t)}
	if sl != nil {
		cfg.Sleep = sl.sleep
	}
	return New(cfg, creds, r)
}

func TestDo_StandardHeaders(t *testing.T) {
	t.Parallel()
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ex := newExec(t, srv.URL, &fakeCreds{access: "tok-1"}, &fakeRenewer{}, nil)
	res, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/api/lessons", nil))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.Equal(t, "application/json", got.Get("Accept"))
	require.Equal(t, "school-42", got.Get(DefaultAppIdentityHeader))
	require.Equal(t, "Bearer tok-1", got.Get("Authorization"))

	req := NewRequest(http.MethodGet, "api/lessons", nil)
	req.SkipAuth, req.SkipAppIdentity = true, true
	req.Header = http.Header{"X-Tenant": {"t1"}}
	_, err = ex.Do(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, got.Get("Authorization"))
	require.Empty(t, got.Get(DefaultAppIdentityHeader))
	require.Equal(t, "t1", got.Get("X-Tenant"))
	require.Len(t, req.Header, 1, "request header map must not be mutated")
}

func TestDo_NoTokenNoAuthorization(t *testing.T) {
	t.Parallel()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ex := newExec(t, srv.URL, &fakeCreds{}, &fakeRenewer{}, nil)
	res, err := ex.Do(context.Background(), NewRequest(http.MethodDelete, "/api/bookings/1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.Status)
	require.Empty(t, res.Body)
	require.Empty(t, auth)

	var v map[string]any
	require.NoError(t, res.Decode(&v))
	require.Nil(t, v)
}

func TestDo_JSONBodyAndDecode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["slot"], "method": r.Method})
	}))
	defer srv.Close()

	ex := newExec(t, srv.URL, &fakeCreds{access: "a"}, &fakeRenewer{}, nil)
	res, err := ex.Do(context.Background(), NewRequest(http.MethodPost, srv.URL+"/api/bookings", map[string]string{"slot": "mon-9"}))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, res.Decode(&out))
	require.Equal(t, "mon-9", out["echo"])
	require.Equal(t, "POST", out["method"])
}

func TestDo_ErrorPayloads(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantCode string
	}{
		{"error field", 422, `{"error":"slot taken","errorCode":"SLOT_TAKEN"}`, "slot taken", "SLOT_TAKEN"},
		{"message field", 400, `{"message":"bad date"}`, "bad date", ""},
		{"numeric code", 409, `{"message":"dup","errorCode":1042}`, "dup", "1042"},
		{"raw text", 502, `upstream exploded`, "upstream exploded", ""},
		{"empty", 503, ``, "Service Unavailable", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				_, _ = io.WriteString(w, c.body)
			}))
			defer srv.Close()

			ex := newExec(t, srv.URL, &fakeCreds{access: "a"}, &fakeRenewer{}, nil)
			_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
			var ae *errs.APIError
			require.True(t, errors.As(err, &ae), "got %v", err)
			require.Equal(t, c.status, ae.Status)
			require.Equal(t, c.wantMsg, ae.Message)
			require.Equal(t, c.wantCode, ae.ErrorCode)
		})
	}
}

type flakyTransport struct {
	failures atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.next.RoundTrip(r)
}

func TestDo_NetworkRetryLinear(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ft := &flakyTransport{next: http.DefaultTransport}
	ft.failures.Store(2)
	sl := &sleepRecorder{}
	ex := New(Config{BaseURL: srv.URL, HTTPClient: &http.Client{Transport: ft}, Sleep: sl.sleep, Logger: zaptest.NewLogger(t)},
		&fakeCreds{}, &fakeRenewer{})

	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.delays)
}

func TestDo_NetworkRetryExhausted(t *testing.T) {
	t.Parallel()
	ft := &flakyTransport{next: http.DefaultTransport}
	ft.failures.Store(100)
	sl := &sleepRecorder{}
	ex := New(Config{BaseURL: "http://school.invalid", HTTPClient: &http.Client{Transport: ft}, Sleep: sl.sleep},
		&fakeCreds{}, &fakeRenewer{})

	req := NewRequest(http.MethodGet, "/x", nil)
	req.MaxNetworkRetries = 2
	_, err := ex.Do(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrTransport)
	require.True(t, IsOffline(err))
	var te *errs.TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, 3, te.Attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.delays)

	var ae *errs.APIError
	require.False(t, errors.As(err, &ae), "transport failure must not look like an HTTP status")
}

func TestDo_429StormBackoff(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sl := &sleepRecorder{}
	ex := newExec(t, srv.URL, &fakeCreds{access: "a"}, &fakeRenewer{}, sl)
	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sl.delays)
	require.Equal(t, 7*time.Second, sl.total())
}

func TestDo_429RetryAfterAndExhaustion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	sl := &sleepRecorder{}
	ex := newExec(t, srv.URL, &fakeCreds{access: "a"}, &fakeRenewer{}, sl)
	req := NewRequest(http.MethodGet, "/x", nil)
	req.Max429Retries = 4
	_, err := ex.Do(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	var ae *errs.APIError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, "slow down", ae.Message)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, sl.delays)
}

func TestDo_401RefreshThenRetryOnce(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"lessons":[]}`))
	}))
	defer srv.Close()

	rn := &fakeRenewer{refreshTok: "fresh", refreshOK: true}
	creds := &fakeCreds{access: "stale"}
	ex := newExec(t, srv.URL, creds, rn, nil)
	res, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/api/lessons", nil))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.EqualValues(t, 1, rn.refreshN.Load())
	require.EqualValues(t, 0, rn.deviceN.Load())
	require.EqualValues(t, 2, hits.Load())
	require.False(t, creds.cleared)
}

func TestDo_401FallsBackToDeviceCertificate(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer from-device" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// refresh "succeeds" but the server still rejects the token
	rn := &fakeRenewer{refreshTok: "useless", refreshOK: true, deviceTok: "from-device", deviceOK: true}
	ex := newExec(t, srv.URL, &fakeCreds{access: "stale"}, rn, nil)
	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	require.EqualValues(t, 1, rn.refreshN.Load())
	require.EqualValues(t, 1, rn.deviceN.Load())

	// refresh fails outright
	rn2 := &fakeRenewer{deviceTok: "from-device", deviceOK: true}
	ex = newExec(t, srv.URL, &fakeCreds{access: "stale"}, rn2, nil)
	_, err = ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	require.EqualValues(t, 1, rn2.deviceN.Load())
}

func TestDo_401AllRecoveryFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var navigated atomic.Int32
	creds := &fakeCreds{access: "stale"}
	rn := &fakeRenewer{}
	ex := New(Config{
		BaseURL:          srv.URL,
		Logger:           zaptest.NewLogger(t),
		OnSessionExpired: func(context.Context) { navigated.Add(1) },
	}, creds, rn)

	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.True(t, creds.cleared)
	require.True(t, creds.deviceClear)
	require.EqualValues(t, 1, navigated.Load())
	require.EqualValues(t, 1, rn.refreshN.Load())
	require.EqualValues(t, 1, rn.deviceN.Load())
}

// barrierRenewer holds every caller in Refresh until n of them arrived.
type barrierRenewer struct {
	arrived sync.WaitGroup
}

func (b *barrierRenewer) Refresh(context.Context, string) (string, bool) {
	b.arrived.Done()
	b.arrived.Wait()
	return "", false
}
func (b *barrierRenewer) RecoverViaDeviceCertificate(context.Context, string) (string, bool) {
	return "", false
}

func TestDo_ConcurrentExhaustionExpiresOnce(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	const n = 8
	var navigated atomic.Int32
	rn := &barrierRenewer{}
	rn.arrived.Add(n)
	ex := New(Config{
		BaseURL:          srv.URL,
		Logger:           zaptest.NewLogger(t),
		OnSessionExpired: func(context.Context) { navigated.Add(1) },
	}, &fakeCreds{access: "stale"}, rn)

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.ErrorIs(t, err, errs.ErrSessionExpired)
	}
	require.EqualValues(t, 1, navigated.Load())

	// a request issued after the logout expires its own session again
	rn.arrived.Add(1)
	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/x", nil))
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.EqualValues(t, 2, navigated.Load())
}

func TestDo_OversizedBodyIsAnError(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("x", maxBody+1)))
	}))
	defer srv.Close()

	sl := &sleepRecorder{}
	ex := newExec(t, srv.URL, &fakeCreds{}, &fakeRenewer{}, sl)
	_, err := ex.Do(context.Background(), NewRequest(http.MethodGet, "/big", nil))
	require.ErrorIs(t, err, errs.ErrResponseTooLarge)
	var be *errs.BodyError
	require.ErrorAs(t, err, &be)
	require.Equal(t, http.StatusOK, be.Status)
	require.False(t, IsOffline(err))
	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, sl.delays)

	// exactly at the limit is fine
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxBody)))
	}))
	defer srv2.Close()
	res, err := newExec(t, srv2.URL, &fakeCreds{}, &fakeRenewer{}, nil).Do(context.Background(), NewRequest(http.MethodGet, "/big", nil))
	require.NoError(t, err)
	require.Len(t, res.Body, maxBody)
}

func TestDo_TruncatedBodyIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 201 Created\r\nContent-Type: application/json\r\nContent-Length: 100\r\n\r\n{\"id\":")
		_ = buf.Flush()
	}))
	defer srv.Close()

	sl := &sleepRecorder{}
	ex := newExec(t, srv.URL, &fakeCreds{}, &fakeRenewer{}, sl)
	req := NewRequest(http.MethodPost, "/api/bookings", map[string]string{"slot": "mon-9"})
	req.MaxNetworkRetries = 3
	_, err := ex.Do(context.Background(), req)
	require.Error(t, err)
	var be *errs.BodyError
	require.ErrorAs(t, err, &be)
	require.Equal(t, http.StatusCreated, be.Status)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.False(t, IsOffline(err))
	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, sl.delays)
}

func TestDo_401WithSkipAuthIsPlainError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad credentials"}`))
	}))
	defer srv.Close()

	rn := &fakeRenewer{}
	creds := &fakeCreds{access: "a"}
	ex := newExec(t, srv.URL, creds, rn, nil)
	req := NewRequest(http.MethodPost, "/auth/login", map[string]string{"email": "x"})
	req.SkipAuth = true
	_, err := ex.Do(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.EqualValues(t, 0, rn.refreshN.Load())
	require.False(t, creds.cleared)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ex := New(Config{BaseURL: srv.URL, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}, &fakeCreds{}, &fakeRenewer{})
	_, err := ex.Do(ctx, NewRequest(http.MethodGet, "/x", nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveAndPath(t *testing.T) {
	t.Parallel()
	ex := New(Config{BaseURL: "https://api.school.test/v1/"}, &fakeCreds{}, &fakeRenewer{})
	require.Equal(t, "https://api.school.test/v1", ex.BaseURL())
	require.Equal(t, "https://api.school.test/v1/api/x", ex.resolve("/api/x"))
	require.Equal(t, "https://api.school.test/v1/api/x", ex.resolve("api/x"))
	require.Equal(t, "http://other/x", ex.resolve("http://other/x"))
	require.Equal(t, "/api/x", pathOf("/api/x?token=secret"))
	require.True(t, strings.HasPrefix(pathOf("/a#frag"), "/a"))
}
