package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/presencecore/internal/eventbus"
	"github.com/adred-codev/presencecore/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, _ := newTestStore(t)
	pubsub := newPubSubClient(t, s)
	bus := eventbus.New(pubsub, nil)
	t.Cleanup(func() { bus.Close() })
	return NewService(s, bus, nil, 30*time.Second)
}

func TestServiceJoinAssignsIncreasingEpochsPerConnID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Epoch)

	// A reconnect reusing the same connId supersedes the first: its epoch
	// must be strictly greater so stale writes under the old epoch can be
	// detected and ignored by callers that check it.
	second, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)
}

func TestServiceJoinPublishesReplacedLeaveForSupersededConnID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	events := make(chan Event, 8)
	dispose, err := svc.Subscribe(ctx, "room-1", func(e Event) { events <- e })
	require.NoError(t, err)
	defer dispose()

	_, err = svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	var sawReplaced, sawJoin bool
	deadline := time.After(2 * time.Second)
	for !sawReplaced || !sawJoin {
		select {
		case e := <-events:
			switch {
			case e.Type == EventLeave && e.Reason == ReasonReplaced:
				sawReplaced = true
			case e.Type == EventJoin:
				sawJoin = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for both the replaced-leave and join events")
		}
	}
}

func TestServiceJoinRejectsEmptyIDs(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Join(context.Background(), "", "u1", "c1", nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestServiceHeartbeatReturnsCurrentEpoch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conn, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	changed, epoch, err := svc.Heartbeat(ctx, "room-1", "c1", nil, 0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, conn.Epoch, epoch)
}

func TestServiceHeartbeatOnMissingConnectionIsSilentNoOp(t *testing.T) {
	svc := newTestService(t)

	changed, epoch, err := svc.Heartbeat(context.Background(), "room-1", "ghost", nil, 0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(0), epoch)
}

// TestServiceHeartbeatRejectsStaleRequestedEpoch covers spec scenario §8.4:
// a reconnect under the same connId supersedes the earlier epoch, and a
// heartbeat carrying the superseded epoch must be rejected as a no-op.
func TestServiceHeartbeatRejectsStaleRequestedEpoch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)

	second, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)
	require.Greater(t, second.Epoch, first.Epoch)

	changed, epoch, err := svc.Heartbeat(ctx, "room-1", "c1", json.RawMessage(`{"status":"away"}`), first.Epoch)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, second.Epoch, epoch)

	entries, err := svc.FetchRoomSnapshot(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"status":"online"}`, string(entries[0].State))
}

// TestServiceHeartbeatIdempotentPatchState covers spec scenario §8.2: a
// repeated heartbeat carrying the same patchState must not report a change
// or publish a second update event.
func TestServiceHeartbeatIdempotentPatchState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)

	events := make(chan Event, 8)
	dispose, err := svc.Subscribe(ctx, "room-1", func(e Event) { events <- e })
	require.NoError(t, err)
	defer dispose()

	changed, _, err := svc.Heartbeat(ctx, "room-1", "c1", json.RawMessage(`{"status":"away"}`), 0)
	require.NoError(t, err)
	assert.True(t, changed)

	select {
	case e := <-events:
		assert.Equal(t, EventUpdate, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}

	changed, _, err = svc.Heartbeat(ctx, "room-1", "c1", json.RawMessage(`{"status":"away"}`), 0)
	require.NoError(t, err)
	assert.False(t, changed)

	select {
	case e := <-events:
		t.Fatalf("unexpected second update event: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestServiceHeartbeatAdvancesEpochAndRoomConnMeta covers the §3 "requested
// epoch strictly greater advances the stored epoch and the room metadata
// entry" clause directly.
func TestServiceHeartbeatAdvancesEpochAndRoomConnMeta(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conn, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	advanced := conn.Epoch + 10
	changed, epoch, err := svc.Heartbeat(ctx, "room-1", "c1", nil, advanced)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, advanced, epoch)

	userID, metaEpoch, err := svc.rooms.connMeta(ctx, "room-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, advanced, metaEpoch)
}

func TestServiceLeaveRemovesFromSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)

	entries, err := svc.FetchRoomSnapshot(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, svc.Leave(ctx, "room-1", "u1", "c1", ReasonClient))

	entries, err = svc.FetchRoomSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceUpdateStateMergesAndPublishes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", json.RawMessage(`{"status":"online"}`))
	require.NoError(t, err)

	events := make(chan Event, 8)
	dispose, err := svc.Subscribe(ctx, "room-1", func(e Event) { events <- e })
	require.NoError(t, err)
	defer dispose()

	merged, changed, err := svc.UpdateState(ctx, "room-1", "u1", "c1", json.RawMessage(`{"typing":true}`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"status":"online","typing":true}`, string(merged))

	select {
	case e := <-events:
		assert.Equal(t, EventUpdate, e.Type)
		assert.Equal(t, "c1", e.ConnID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}

	merged, changed, err = svc.UpdateState(ctx, "room-1", "u1", "c1", json.RawMessage(`{"typing":true}`))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, `{"status":"online","typing":true}`, string(merged))

	select {
	case e := <-events:
		t.Fatalf("unexpected update event for an idempotent patch: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceSubscribeReceivesJoinAndLeaveEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	events := make(chan Event, 8)
	dispose, err := svc.Subscribe(ctx, "room-1", func(e Event) { events <- e })
	require.NoError(t, err)
	defer dispose()

	_, err = svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventJoin, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join event")
	}

	require.NoError(t, svc.Leave(ctx, "room-1", "u1", "c1", ReasonClient))

	select {
	case e := <-events:
		assert.Equal(t, EventLeave, e.Type)
		assert.Equal(t, ReasonClient, e.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leave event")
	}
}

func TestServiceFetchRoomSnapshotPagePaginatesAllConnections(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Join(ctx, "room-1", "u1", fmt.Sprintf("c%d", i), nil)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor uint64
	for {
		entries, next, err := svc.FetchRoomSnapshotPage(ctx, "room-1", cursor, 2)
		require.NoError(t, err)
		for _, e := range entries {
			seen[e.ConnID] = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	assert.Len(t, seen, 5)
}

func TestServiceFetchRoomSnapshotSkipsExpiredConnections(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "room-1", "u2", "c2", nil)
	require.NoError(t, err)

	// Drop c1's record but leave its room index entries behind, as when its
	// TTL fires before the reaper has swept the room.
	require.NoError(t, svc.store.Client.Del(ctx, store.ConnKey("c1")).Err())

	entries, err := svc.FetchRoomSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].ConnID)
}
