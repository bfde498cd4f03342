package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/repository"
)

// SyncService applies client writes, one at a time or as an ordered batch.
type SyncService interface {
	// ApplyBatch applies operations in order and stops at the first failure.
	ApplyBatch(ctx context.Context, userID uuid.UUID, req model.SyncRequest) (model.SyncResponse, error)
	// Apply applies one operation.
	Apply(ctx context.Context, userID uuid.UUID, op model.QueuedOperation) (model.Entity, error)
	// Get returns a live entity.
	Get(ctx context.Context, userID uuid.UUID, typ, id string) (*model.Entity, error)
}

type SyncServiceImpl struct {
	repo     repository.EntityRepository
	maxBatch int
	log      *zap.Logger
}

// NewSyncService constructs SyncService with a batch limit.
func NewSyncService(repo repository.EntityRepository, maxBatch int, log *zap.Logger) *SyncServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncServiceImpl{repo: repo, maxBatch: maxBatch, log: log}
}

// ApplyBatch reports how many leading operations were applied. Failures of a
// single operation are reported through Failed, not as an error, so the
// client can drop the confirmed prefix.
func (s *SyncServiceImpl) ApplyBatch(ctx context.Context, userID uuid.UUID, req model.SyncRequest) (model.SyncResponse, error) {
	if userID == uuid.Nil {
		return model.SyncResponse{}, fmt.Errorf("%w: empty userID", errs.ErrValidation)
	}
	if len(req.Operations) > s.maxBatch {
		return model.SyncResponse{}, fmt.Errorf("%w: batch too large (%d > %d)", errs.ErrValidation, len(req.Operations), s.maxBatch)
	}

	var res model.SyncResponse
	for i, op := range req.Operations {
		if _, err := s.Apply(ctx, userID, op); err != nil {
			res.Failed = len(req.Operations) - i
			s.log.Info("sync batch stopped",
				zap.String("device_id", req.DeviceID),
				zap.Int("index", i),
				zap.String("op", string(op.Operation)),
				zap.String("entity", op.EntityType),
				zap.Error(err),
			)
			break
		}
		res.Processed++
	}

	if req.LastSyncAt != nil {
		changes, err := s.repo.ChangesSince(ctx, userID, *req.LastSyncAt, s.maxBatch)
		if err != nil {
			// advisory data; the applied prefix must still be reported
			s.log.Warn("load server changes", zap.Error(err))
		}
		for _, e := range changes {
			res.ServerChanges = append(res.ServerChanges, toChange(e))
		}
	}
	return res, nil
}

// Apply validates op, assigns an id to creates that lack one, and stores it.
func (s *SyncServiceImpl) Apply(ctx context.Context, userID uuid.UUID, op model.QueuedOperation) (model.Entity, error) {
	if err := op.Validate(); err != nil {
		return model.Entity{}, err
	}
	if op.Operation == model.OpCreate && op.EntityID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return model.Entity{}, err
		}
		op.EntityID = id.String()
	}
	return s.repo.Apply(ctx, userID, op)
}

// Get returns a live entity.
func (s *SyncServiceImpl) Get(ctx context.Context, userID uuid.UUID, typ, id string) (*model.Entity, error) {
	if typ == "" || id == "" {
		return nil, fmt.Errorf("%w: empty type/id", errs.ErrValidation)
	}
	return s.repo.Get(ctx, userID, typ, id)
}

func toChange(e model.Entity) model.ServerChange {
	op := model.OpUpdate
	if e.Deleted {
		op = model.OpDelete
	}
	return model.ServerChange{
		Operation:  op,
		EntityType: e.Type,
		EntityID:   e.ID,
		Payload:    e.Payload,
		Timestamp:  e.UpdatedAt,
	}
}

// IsClientError reports whether err is caused by the request rather than the server.
func IsClientError(err error) bool {
	return errors.Is(err, errs.ErrValidation) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrAlreadyExists) ||
		errors.Is(err, errs.ErrVersionConflict)
}
