package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionalStoreSetCreatesAndUpdates(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	rec, err := st.Set(ctx, "room", "lobby", SetOptions{Items: map[string]string{"topic": "v1"}, MajorRevision: NoRevisionCheck})
	require.NoError(t, err)
	m1 := rec.MajorRevision

	rec, err = st.Update(ctx, "room", "lobby", UpdateOptions{
		Items:         []UpdateItem{{Key: "topic", Value: "v2", Revision: NoRevisionCheck}},
		MajorRevision: NoRevisionCheck,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Metadata["topic"].Revision)
	assert.Greater(t, rec.MajorRevision, m1)
}

func TestTransactionalStoreMajorRevisionCASConflict(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	rec, err := st.Set(ctx, "room", "lobby", SetOptions{Items: map[string]string{"topic": "v1"}, MajorRevision: NoRevisionCheck})
	require.NoError(t, err)
	m1 := rec.MajorRevision

	_, err = st.Update(ctx, "room", "lobby", UpdateOptions{
		Items:         []UpdateItem{{Key: "topic", Value: "v2", Revision: NoRevisionCheck}},
		MajorRevision: m1,
	})
	require.NoError(t, err)

	_, err = st.Update(ctx, "room", "lobby", UpdateOptions{
		Items:         []UpdateItem{{Key: "topic", Value: "v3-stale", Revision: NoRevisionCheck}},
		MajorRevision: m1,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "majorRevision", ce.Scope)
}

func TestTransactionalStoreUpdateRejectsStalePerItemRevision(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	_, err := st.Set(ctx, "room", "lobby", SetOptions{Items: map[string]string{"topic": "v1"}, MajorRevision: NoRevisionCheck})
	require.NoError(t, err)

	_, err = st.Update(ctx, "room", "lobby", UpdateOptions{
		Items:         []UpdateItem{{Key: "topic", Value: "v2", Revision: 99}},
		MajorRevision: NoRevisionCheck,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "topic", ce.Scope)
}

func TestTransactionalStoreRemove(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	_, err := st.Set(ctx, "room", "lobby", SetOptions{Items: map[string]string{"topic": "v1"}, MajorRevision: NoRevisionCheck})
	require.NoError(t, err)

	rec, err := st.Remove(ctx, "room", "lobby", RemoveOptions{Keys: []string{"topic"}, MajorRevision: NoRevisionCheck})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TotalCount)

	_, err = st.GetItem(ctx, "room", "lobby", "topic")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTransactionalStoreRemoveWithoutKeysClearsRecord(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	_, err := st.Set(ctx, "room", "lobby", SetOptions{
		Items: map[string]string{"topic": "v1", "pinned": "true"}, MajorRevision: NoRevisionCheck,
	})
	require.NoError(t, err)

	rec, err := st.Remove(ctx, "room", "lobby", RemoveOptions{MajorRevision: NoRevisionCheck})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TotalCount)
}

func TestTransactionalStoreHonorsLock(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)
	ctx := context.Background()

	ok, err := st.Lock(ctx, "room", "lobby", "editors", "owner", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.Set(ctx, "room", "lobby", SetOptions{
		Items: map[string]string{"topic": "v1"}, MajorRevision: NoRevisionCheck,
		LockName: "editors", LockToken: "not-owner",
	})
	var lh *LockHeldError
	assert.ErrorAs(t, err, &lh)
}

func TestTransactionalStoreUpdateRejectsMissingRecord(t *testing.T) {
	s, bus := newTestStoreAndBus(t)
	st := NewTransactionalStore(s, bus, nil, 5, 10*time.Millisecond)

	_, err := st.Update(context.Background(), "room", "ghost", UpdateOptions{
		Items:         []UpdateItem{{Key: "topic", Value: "v2", Revision: NoRevisionCheck}},
		MajorRevision: NoRevisionCheck,
	})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}
