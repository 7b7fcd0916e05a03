package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/store"
)

// RoomIndex is the Room Index (spec.md §4.C): per-room membership, the
// reaper's lastSeen sorted set, and the connId→{userId,epoch} hash the
// reaper needs to identify a connection after its own record has expired.
type RoomIndex struct {
	store *store.Store
}

// NewRoomIndex builds a RoomIndex over the given shared store.
func NewRoomIndex(s *store.Store) *RoomIndex {
	return &RoomIndex{store: s}
}

// addConnection indexes connId under roomId: membership set, conns set,
// lastSeen sorted set, connmeta hash, and the process-wide active rooms
// set, plus bumping the room's membership version counter.
func (ri *RoomIndex) addConnection(ctx context.Context, roomID, userID, connID string, epoch, lastSeenMs int64) error {
	pipe := ri.store.Client.TxPipeline()
	pipe.SAdd(ctx, store.RoomMembersKey(roomID), userID)
	pipe.SAdd(ctx, store.RoomConnsKey(roomID), connID)
	pipe.ZAdd(ctx, store.RoomLastSeenKey(roomID), redis.Z{Score: float64(lastSeenMs), Member: connID})
	pipe.HSet(ctx, store.RoomConnMetaKey(roomID), connID, fmt.Sprintf("%s:%d", userID, epoch))
	pipe.SAdd(ctx, store.ActiveRoomsKey, roomID)
	pipe.Incr(ctx, store.RoomVersionKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index connection %s into room %s: %w", connID, roomID, err)
	}
	return nil
}

// setConnMetaEpoch overwrites connId's epoch within the room's connmeta
// hash, keeping it in step with the connection record's own epoch when a
// heartbeat's requestedEpoch advances it (spec.md §3: "[a requested epoch
// strictly greater] advances the stored epoch and the room metadata
// entry"), so the (userId, epoch) the reaper recovers from connmeta after
// the record expires carries the advanced epoch.
func (ri *RoomIndex) setConnMetaEpoch(ctx context.Context, roomID, connID, userID string, epoch int64) error {
	if err := ri.store.Client.HSet(ctx, store.RoomConnMetaKey(roomID), connID, fmt.Sprintf("%s:%d", userID, epoch)).Err(); err != nil {
		return fmt.Errorf("set connmeta epoch for %s in room %s: %w", connID, roomID, err)
	}
	return nil
}

// touchLastSeen updates connId's score in the room's lastSeen sorted set.
// Called on every heartbeat alongside Registry.touch.
func (ri *RoomIndex) touchLastSeen(ctx context.Context, roomID, connID string, lastSeenMs int64) error {
	if err := ri.store.Client.ZAdd(ctx, store.RoomLastSeenKey(roomID), redis.Z{
		Score: float64(lastSeenMs), Member: connID,
	}).Err(); err != nil {
		return fmt.Errorf("touch lastseen for %s in room %s: %w", connID, roomID, err)
	}
	return nil
}

// touchLastSeenMany updates the lastSeen score for a batch of connIds in
// roomId in a single pipeline.
func (ri *RoomIndex) touchLastSeenMany(ctx context.Context, roomID string, items []TouchItem) error {
	if len(items) == 0 {
		return nil
	}
	pipe := ri.store.Client.Pipeline()
	for _, it := range items {
		pipe.ZAdd(ctx, store.RoomLastSeenKey(roomID), redis.Z{Score: float64(it.LastSeenMs), Member: it.ConnID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch touch lastseen in room %s: %w", roomID, err)
	}
	return nil
}

// removeConnection strips connId out of every per-room index. If the
// room's connection set becomes empty, it is dropped from the active
// rooms set too.
func (ri *RoomIndex) removeConnection(ctx context.Context, roomID, userID, connID string) error {
	pipe := ri.store.Client.TxPipeline()
	pipe.SRem(ctx, store.RoomConnsKey(roomID), connID)
	pipe.ZRem(ctx, store.RoomLastSeenKey(roomID), connID)
	pipe.HDel(ctx, store.RoomConnMetaKey(roomID), connID)
	pipe.Incr(ctx, store.RoomVersionKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deindex connection %s from room %s: %w", connID, roomID, err)
	}
	return ri.reconcileMembership(ctx, roomID, userID)
}

// reconcileMembership drops userId from the room's membership set if none
// of their other connIds remain in the room, and drops the room from the
// active rooms set if it has no connections left at all.
func (ri *RoomIndex) reconcileMembership(ctx context.Context, roomID, userID string) error {
	conns, err := ri.listConnections(ctx, roomID)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		pipe := ri.store.Client.TxPipeline()
		pipe.SRem(ctx, store.ActiveRoomsKey, roomID)
		pipe.Del(ctx, store.RoomMembersKey(roomID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("retire empty room %s: %w", roomID, err)
		}
		return nil
	}

	stillPresent, err := ri.userHasConnectionIn(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !stillPresent {
		if err := ri.store.Client.SRem(ctx, store.RoomMembersKey(roomID), userID).Err(); err != nil {
			return fmt.Errorf("remove member %s from room %s: %w", userID, roomID, err)
		}
	}
	return nil
}

// userHasConnectionIn reports whether any of roomId's live connIds belong
// to userId, by cross-referencing the room's connmeta hash.
func (ri *RoomIndex) userHasConnectionIn(ctx context.Context, roomID, userID string) (bool, error) {
	metas, err := ri.store.Client.HGetAll(ctx, store.RoomConnMetaKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("read connmeta for room %s: %w", roomID, err)
	}
	prefix := userID + ":"
	for _, meta := range metas {
		if len(meta) >= len(prefix) && meta[:len(prefix)] == prefix {
			return true, nil
		}
	}
	return false, nil
}

// listConnections returns every live connId in roomId.
func (ri *RoomIndex) listConnections(ctx context.Context, roomID string) ([]string, error) {
	conns, err := ri.store.Client.SMembers(ctx, store.RoomConnsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections in room %s: %w", roomID, err)
	}
	return conns, nil
}

// listMembers returns every distinct userId present in roomId.
func (ri *RoomIndex) listMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := ri.store.Client.SMembers(ctx, store.RoomMembersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members in room %s: %w", roomID, err)
	}
	return members, nil
}

// listStaleConnections returns every connId in roomId whose lastSeen score
// is at or below cutoffMs, used by the reaper (spec.md §4.E).
func (ri *RoomIndex) listStaleConnections(ctx context.Context, roomID string, cutoffMs int64) ([]string, error) {
	stale, err := ri.store.Client.ZRangeByScore(ctx, store.RoomLastSeenKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoffMs),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale connections in room %s: %w", roomID, err)
	}
	return stale, nil
}

// connMeta returns the (userId, epoch) the reaper needs to emit a leave
// event for an expired connId it found only in the lastSeen index.
func (ri *RoomIndex) connMeta(ctx context.Context, roomID, connID string) (userID string, epoch int64, err error) {
	raw, err := ri.store.Client.HGet(ctx, store.RoomConnMetaKey(roomID), connID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", 0, &NotFoundError{Kind: "connmeta", ID: connID}
		}
		return "", 0, fmt.Errorf("read connmeta for %s in room %s: %w", connID, roomID, err)
	}
	userID, epoch = splitUserEpoch(raw)
	return userID, epoch, nil
}

// activeRooms returns every room with at least one live connection.
func (ri *RoomIndex) activeRooms(ctx context.Context) ([]string, error) {
	rooms, err := ri.store.Client.SMembers(ctx, store.ActiveRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active rooms: %w", err)
	}
	return rooms, nil
}

func splitUserEpoch(s string) (string, int64) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			var epoch int64
			fmt.Sscanf(s[i+1:], "%d", &epoch)
			return s[:i], epoch
		}
	}
	return s, 0
}
