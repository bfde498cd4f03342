// Package offline implements the durable, ordered log of client writes that
// could not be (or were deliberately not) sent immediately, and its replay
// against the batch-sync endpoint.
//
// The queue is stored as one JSON array and every mutation rewrites it as a
// whole. A drain either removes a confirmed prefix or leaves the queue as it
// was; entries are never reordered or deduplicated.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/storage"
	"github.com/and161185/schoolsync/internal/transport"
)

// Durable keys and the batch endpoint.
const (
	KeyQueue    = "offline_queue"
	KeyLastSync = "last_sync_at"
	KeyDeviceID = "device_id"

	SyncPath = "/sync"
)

// Doer executes logical requests; implemented by transport.Executor.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Result reports the outcome of one drain.
type Result struct {
	Processed int
	Failed    int
	// ServerChanges is advisory data for the caller; the queue never merges it.
	ServerChanges []model.ServerChange
}

// Queue is the offline mutation queue.
type Queue struct {
	kv  storage.Store
	api Doer
	log *zap.Logger
	now func() time.Time

	// mu guards read-modify-write of the stored list.
	mu sync.Mutex
	// drainMu keeps drains from overlapping.
	drainMu sync.Mutex
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.log = l } }

// WithClock overrides the time source for enqueue timestamps and the sync marker.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New constructs a queue persisted in kv and drained through api.
func New(kv storage.Store, api Doer, opts ...Option) *Queue {
	q := &Queue{kv: kv, api: api, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends op. The timestamp is taken from the client clock when unset.
func (q *Queue) Enqueue(ctx context.Context, op model.QueuedOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	ops = append(ops, op)
	if err := q.save(ctx, ops); err != nil {
		return err
	}
	q.log.Debug("operation queued",
		zap.String("op", string(op.Operation)),
		zap.String("entity", op.EntityType),
		zap.Int("pending", len(ops)),
	)
	return nil
}

// ListPending returns the queued operations in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]model.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.ListPending(ctx)
	return len(ops), err
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, nil)
}

// LastSyncAt returns the last successful sync time, or nil if none happened yet.
func (q *Queue) LastSyncAt(ctx context.Context) (*time.Time, error) {
	b, err := q.kv.Get(ctx, KeyLastSync)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyLastSync, err)
	}
	return &t, nil
}

// Drain sends the pending list to the batch-sync endpoint and drops what the
// server confirmed. apiBase may be empty to use the executor's base URL.
//
// On any failure the queue is left untouched and the error is returned with a
// Result reporting zero processed; callers treat it as non-fatal.
func (q *Queue) Drain(ctx context.Context, apiBase string) (Result, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	snapshot, err := q.ListPending(ctx)
	if err != nil {
		return Result{}, err
	}
	last, err := q.LastSyncAt(ctx)
	if err != nil {
		q.log.Warn("ignoring unreadable sync marker", zap.Error(err))
		last = nil
	}
	deviceID, err := q.DeviceID(ctx)
	if err != nil {
		return Result{Failed: len(snapshot)}, err
	}

	body := model.SyncRequest{DeviceID: deviceID, Operations: snapshot, LastSyncAt: last}
	if body.Operations == nil {
		body.Operations = []model.QueuedOperation{}
	}
	res, err := q.api.Do(ctx, transport.NewRequest(http.MethodPost, syncURL(apiBase), body))
	if err != nil {
		q.log.Warn("sync failed, queue kept", zap.Int("pending", len(snapshot)), zap.Error(err))
		return Result{Failed: len(snapshot)}, fmt.Errorf("sync: %w", err)
	}
	var out model.SyncResponse
	if err := res.Decode(&out); err != nil {
		q.log.Warn("sync response unreadable, queue kept", zap.Error(err))
		return Result{Failed: len(snapshot)}, fmt.Errorf("sync: decode response: %w", err)
	}

	processed := clamp(out.Processed, 0, len(snapshot))
	drop := processed
	if out.Failed == 0 {
		drop = len(snapshot)
	}
	if err := q.dropPrefix(ctx, drop); err != nil {
		return Result{Failed: len(snapshot)}, err
	}
	if err := q.kv.Set(ctx, KeyLastSync, []byte(q.now().UTC().Format(time.RFC3339Nano))); err != nil {
		q.log.Warn("write sync marker", zap.Error(err))
	}

	q.log.Info("sync complete",
		zap.Int("sent", len(snapshot)),
		zap.Int("processed", processed),
		zap.Int("failed", out.Failed),
		zap.Int("server_changes", len(out.ServerChanges)),
	)
	return Result{Processed: processed, Failed: out.Failed, ServerChanges: out.ServerChanges}, nil
}

// dropPrefix removes the first n entries. Entries appended after the drain
// snapshot sit behind them and are kept.
func (q *Queue) dropPrefix(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.load(ctx)
	if err != nil {
		return err
	}
	n = clamp(n, 0, len(cur))
	rest := make([]model.QueuedOperation, len(cur)-n)
	copy(rest, cur[n:])
	return q.save(ctx, rest)
}

// DeviceID returns the install-wide device id, creating it on first use.
func (q *Queue) DeviceID(ctx context.Context) (string, error) {
	b, err := q.kv.Get(ctx, KeyDeviceID)
	if err == nil && len(b) > 0 {
		return string(b), nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if err := q.kv.Set(ctx, KeyDeviceID, []byte(id.String())); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (q *Queue) load(ctx context.Context) ([]model.QueuedOperation, error) {
	b, err := q.kv.Get(ctx, KeyQueue)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ops []model.QueuedOperation
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyQueue, err)
	}
	return ops, nil
}

func (q *Queue) save(ctx context.Context, ops []model.QueuedOperation) error {
	if ops == nil {
		ops = []model.QueuedOperation{}
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, KeyQueue, b)
}

func syncURL(apiBase string) string {
	if apiBase == "" {
		return SyncPath
	}
	return strings.TrimRight(apiBase, "/") + SyncPath
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
