package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/offline"
)

// Source is the queue as seen by the sync layer; implemented by *offline.Queue.
type Source interface {
	Len(ctx context.Context) (int, error)
	LastSyncAt(ctx context.Context) (*time.Time, error)
	Drain(ctx context.Context, apiBase string) (offline.Result, error)
}

// State derives the sync state from the queue and the last-sync marker.
func State(ctx context.Context, src Source) (model.SyncState, error) {
	n, err := src.Len(ctx)
	if err != nil {
		return model.SyncState{}, err
	}
	last, err := src.LastSyncAt(ctx)
	if err != nil {
		return model.SyncState{PendingCount: n}, err
	}
	return model.SyncState{LastSyncAt: last, PendingCount: n}, nil
}

// Listener receives the state after every drain attempt (UI reporting).
type Listener func(state model.SyncState, res offline.Result, err error)

// DrainTick returns a TickFunc that drains src and reports to listener.
func DrainTick(src Source, apiBase string, log *zap.Logger, listener Listener) TickFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context) error {
		res, derr := src.Drain(ctx, apiBase)
		if listener != nil {
			st, serr := State(ctx, src)
			if serr != nil {
				log.Warn("read sync state", zap.Error(serr))
			}
			listener(st, res, derr)
		}
		return derr
	}
}
