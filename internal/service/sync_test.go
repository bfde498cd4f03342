package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/repository"
)

type entKey struct{ typ, id string }

type fakeEntities struct {
	rows       map[entKey]*model.Entity
	applied    []model.QueuedOperation
	changes    []model.Entity
	changesErr error
	since      time.Time
}

var _ repository.EntityRepository = (*fakeEntities)(nil)

func newFakeEntities() *fakeEntities { return &fakeEntities{rows: map[entKey]*model.Entity{}} }

func (f *fakeEntities) Apply(_ context.Context, userID uuid.UUID, op model.QueuedOperation) (model.Entity, error) {
	k := entKey{op.EntityType, op.EntityID}
	cur, ok := f.rows[k]
	live := ok && !cur.Deleted
	switch op.Operation {
	case model.OpCreate:
		if live && bytes.Equal(cur.Payload, op.Payload) {
			return *cur, nil
		}
		if live {
			return model.Entity{}, errs.ErrAlreadyExists
		}
	case model.OpDelete:
		if ok && cur.Deleted {
			return *cur, nil
		}
		if !live {
			return model.Entity{}, errs.ErrNotFound
		}
	case model.OpUpdate:
		if !live {
			return model.Entity{}, errs.ErrNotFound
		}
	}
	e := model.Entity{UserID: userID, Type: op.EntityType, ID: op.EntityID, Payload: op.Payload, Deleted: op.Operation == model.OpDelete}
	f.rows[k] = &e
	f.applied = append(f.applied, op)
	return e, nil
}

func (f *fakeEntities) Get(_ context.Context, _ uuid.UUID, typ, id string) (*model.Entity, error) {
	e, ok := f.rows[entKey{typ, id}]
	if !ok || e.Deleted {
		return nil, errs.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (f *fakeEntities) ChangesSince(_ context.Context, _ uuid.UUID, since time.Time, _ int) ([]model.Entity, error) {
	f.since = since
	return f.changes, f.changesErr
}

func TestSync_ApplyBatch_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	repo := newFakeEntities()
	s := NewSyncService(repo, 10, zaptest.NewLogger(t))
	uid := uuid.Must(uuid.NewV4())

	res, err := s.ApplyBatch(context.Background(), uid, model.SyncRequest{
		DeviceID: "dev-1",
		Operations: []model.QueuedOperation{
			{Operation: model.OpCreate, EntityType: "booking", EntityID: "b1", Payload: json.RawMessage(`{}`)},
			{Operation: model.OpUpdate, EntityType: "booking", EntityID: "b1", Payload: json.RawMessage(`{"slot":"x"}`)},
			{Operation: model.OpDelete, EntityType: "booking", EntityID: "missing"},
			{Operation: model.OpCreate, EntityType: "booking", EntityID: "b2"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 2, res.Failed)
	require.Len(t, repo.applied, 2)
	require.Nil(t, res.ServerChanges)
}

func TestSync_ApplyBatch_ReplayedBatchIsApplied(t *testing.T) {
	t.Parallel()
	repo := newFakeEntities()
	s := NewSyncService(repo, 10, zaptest.NewLogger(t))
	uid := uuid.Must(uuid.NewV4())
	repo.rows[entKey{"profile", "me"}] = &model.Entity{UserID: uid, Type: "profile", ID: "me", Payload: json.RawMessage(`{}`)}
	req := model.SyncRequest{
		DeviceID: "dev-1",
		Operations: []model.QueuedOperation{
			{Operation: model.OpCreate, EntityType: "booking", EntityID: "b1", Payload: json.RawMessage(`{"slot":"mon-9"}`)},
			{Operation: model.OpCreate, EntityType: "booking", EntityID: "b2", Payload: json.RawMessage(`{}`)},
			{Operation: model.OpDelete, EntityType: "booking", EntityID: "b2"},
			{Operation: model.OpUpdate, EntityType: "profile", EntityID: "me", Payload: json.RawMessage(`{"name":"Ann"}`)},
		},
	}

	// the response to the first attempt was lost; the client sends the same batch again
	for i := 0; i < 2; i++ {
		res, err := s.ApplyBatch(context.Background(), uid, req)
		require.NoError(t, err)
		require.Equal(t, len(req.Operations), res.Processed)
		require.Zero(t, res.Failed)
	}
	require.True(t, repo.rows[entKey{"booking", "b2"}].Deleted)
}

func TestSync_ApplyBatch_InvalidOperationCountsAsFailure(t *testing.T) {
	t.Parallel()
	s := NewSyncService(newFakeEntities(), 10, nil)
	res, err := s.ApplyBatch(context.Background(), uuid.Must(uuid.NewV4()), model.SyncRequest{
		Operations: []model.QueuedOperation{{Operation: "upsert", EntityType: "x"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.SyncResponse{Processed: 0, Failed: 1}, res)
}

func TestSync_ApplyBatch_Limits(t *testing.T) {
	t.Parallel()
	s := NewSyncService(newFakeEntities(), 1, nil)
	ops := make([]model.QueuedOperation, 2)
	_, err := s.ApplyBatch(context.Background(), uuid.Must(uuid.NewV4()), model.SyncRequest{Operations: ops})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.ApplyBatch(context.Background(), uuid.Nil, model.SyncRequest{})
	require.ErrorIs(t, err, errs.ErrValidation)

	res, err := s.ApplyBatch(context.Background(), uuid.Must(uuid.NewV4()), model.SyncRequest{})
	require.NoError(t, err)
	require.Equal(t, model.SyncResponse{}, res)
}

func TestSync_ApplyBatch_ServerChanges(t *testing.T) {
	t.Parallel()
	repo := newFakeEntities()
	ts := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	repo.changes = []model.Entity{
		{Type: "lesson", ID: "l1", Payload: json.RawMessage(`{"at":"mon"}`), UpdatedAt: ts},
		{Type: "lesson", ID: "l2", Deleted: true, UpdatedAt: ts.Add(time.Minute)},
	}
	s := NewSyncService(repo, 10, zaptest.NewLogger(t))
	last := ts.Add(-time.Hour)

	res, err := s.ApplyBatch(context.Background(), uuid.Must(uuid.NewV4()), model.SyncRequest{LastSyncAt: &last})
	require.NoError(t, err)
	require.Equal(t, last, repo.since)
	require.Len(t, res.ServerChanges, 2)
	require.Equal(t, model.OpUpdate, res.ServerChanges[0].Operation)
	require.Equal(t, model.OpDelete, res.ServerChanges[1].Operation)
	require.Equal(t, ts, res.ServerChanges[0].Timestamp)

	repo.changesErr = errors.New("db")
	res, err = s.ApplyBatch(context.Background(), uuid.Must(uuid.NewV4()), model.SyncRequest{LastSyncAt: &last})
	require.NoError(t, err, "server changes are advisory")
	require.Empty(t, res.ServerChanges)
}

func TestSync_Apply_AssignsIDToCreate(t *testing.T) {
	t.Parallel()
	repo := newFakeEntities()
	s := NewSyncService(repo, 10, nil)
	uid := uuid.Must(uuid.NewV4())

	e, err := s.Apply(context.Background(), uid, model.QueuedOperation{Operation: model.OpCreate, EntityType: "booking"})
	require.NoError(t, err)
	_, err = uuid.FromString(e.ID)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), uid, "booking", e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)

	_, err = s.Get(context.Background(), uid, "", "")
	require.ErrorIs(t, err, errs.ErrValidation)
	require.True(t, IsClientError(err))
	require.False(t, IsClientError(errors.New("db")))
}
