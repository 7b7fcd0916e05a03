package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/store"
)

// registryFields is the hash shape stored at store.ConnKey(connId).
const (
	fieldUserID     = "userId"
	fieldRoomID     = "roomId"
	fieldLastSeenMs = "lastSeenMs"
	fieldEpoch      = "epoch"
	fieldState      = "state"
)

// Registry is the Connection Registry (spec.md §4.B): the durable,
// TTL-bounded per-connection record that every instance reads and writes
// through the shared store rather than local memory.
type Registry struct {
	store *store.Store
}

// NewRegistry builds a Registry over the given shared store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s}
}

// read returns the current record for connId, or a *NotFoundError if the
// connection has expired or never existed.
func (r *Registry) read(ctx context.Context, connID string) (*Connection, error) {
	res, err := r.store.Client.HGetAll(ctx, store.ConnKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read connection %s: %w", connID, err)
	}
	if len(res) == 0 {
		return nil, &NotFoundError{Kind: "connection", ID: connID}
	}
	return decodeConnection(connID, res)
}

// writeInitial creates the record for a brand-new connection with the given
// TTL, used by join (spec.md §4.D).
func (r *Registry) writeInitial(ctx context.Context, conn *Connection, ttl time.Duration) error {
	key := store.ConnKey(conn.ConnID)
	pipe := r.store.Client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldUserID:     conn.UserID,
		fieldRoomID:     conn.RoomID,
		fieldLastSeenMs: conn.LastSeenMs,
		fieldEpoch:      conn.Epoch,
		fieldState:      string(conn.State),
	})
	pipe.PExpire(ctx, key, ttl)
	pipe.SAdd(ctx, store.UserConnsKey(conn.UserID), conn.ConnID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write initial connection %s: %w", conn.ConnID, err)
	}
	return nil
}

// touch refreshes lastSeenMs and the key's TTL, leaving state untouched.
// This is the hot path exercised by every heartbeat.
func (r *Registry) touch(ctx context.Context, connID string, lastSeenMs int64, ttl time.Duration) error {
	key := store.ConnKey(connID)
	pipe := r.store.Client.TxPipeline()
	pipe.HSet(ctx, key, fieldLastSeenMs, lastSeenMs)
	pipe.PExpire(ctx, key, ttl)
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch connection %s: %w", connID, err)
	}
	if hset, ok := cmds[0].(*redis.IntCmd); ok && hset.Val() == 1 {
		// HSET created the field fresh, meaning the hash didn't exist before
		// this call; drop the lastSeenMs-only hash it just created so a
		// later read still reports the connection as missing.
		if err := r.store.Client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("drop stub record for %s: %w", connID, err)
		}
		return &NotFoundError{Kind: "connection", ID: connID}
	}
	return nil
}

// TouchItem is one connId/lastSeenMs pair for a batched touch.
type TouchItem struct {
	ConnID     string
	LastSeenMs int64
}

// touchMany refreshes lastSeenMs and TTL for every item in one pipeline,
// used by the heartbeat batcher (internal/optimize) to coalesce many
// concurrent heartbeats into a single round trip. Returns each connId's
// current epoch, or omits connIds whose record no longer exists.
func (r *Registry) touchMany(ctx context.Context, items []TouchItem, ttl time.Duration) (map[string]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}

	pipe := r.store.Client.Pipeline()
	epochCmds := make(map[string]*redis.StringCmd, len(items))
	for _, it := range items {
		key := store.ConnKey(it.ConnID)
		pipe.HSet(ctx, key, fieldLastSeenMs, it.LastSeenMs)
		pipe.PExpire(ctx, key, ttl)
		epochCmds[it.ConnID] = pipe.HGet(ctx, key, fieldEpoch)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch touch %d connections: %w", len(items), err)
	}

	epochs := make(map[string]int64, len(items))
	for connID, cmd := range epochCmds {
		v, err := cmd.Result()
		if err != nil {
			continue
		}
		var epoch int64
		fmt.Sscanf(v, "%d", &epoch)
		epochs[connID] = epoch
	}
	return epochs, nil
}

// patchState merges newState into the connection's stored state using
// last-write-wins per top-level key. The write (and the caller's event
// publish) is skipped when the merge produces the same serialization as
// what's already stored, so a repeated identical patch is a no-op rather
// than a redundant write (spec.md §8 idempotence).
func (r *Registry) patchState(ctx context.Context, connID string, newState json.RawMessage) (merged json.RawMessage, changed bool, err error) {
	key := store.ConnKey(connID)
	current, err := r.store.Client.HGet(ctx, key, fieldState).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, &NotFoundError{Kind: "connection", ID: connID}
		}
		return nil, false, fmt.Errorf("read state for patch %s: %w", connID, err)
	}

	merged, err = MergeJSON(current, newState)
	if err != nil {
		return nil, false, fmt.Errorf("merge state for %s: %w", connID, err)
	}
	if string(merged) == current {
		return merged, false, nil
	}

	if err := r.store.Client.HSet(ctx, key, fieldState, string(merged)).Err(); err != nil {
		return nil, false, fmt.Errorf("write merged state for %s: %w", connID, err)
	}
	return merged, true, nil
}

// setEpoch overwrites the connection's fencing epoch, used when a
// heartbeat's requestedEpoch is greater than the stored one (spec.md §3).
func (r *Registry) setEpoch(ctx context.Context, connID string, epoch int64) error {
	if err := r.store.Client.HSet(ctx, store.ConnKey(connID), fieldEpoch, epoch).Err(); err != nil {
		return fmt.Errorf("set epoch for %s: %w", connID, err)
	}
	return nil
}

// delete removes the connection record and its membership in the per-user
// connection set.
func (r *Registry) delete(ctx context.Context, userID, connID string) error {
	pipe := r.store.Client.TxPipeline()
	pipe.Del(ctx, store.ConnKey(connID))
	pipe.SRem(ctx, store.UserConnsKey(userID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete connection %s: %w", connID, err)
	}
	return nil
}

// countUserConnections reports how many connIds are in the user's
// connection set, across every room. Room membership decisions do not use
// it; they go through RoomIndex.userHasConnectionIn.
func (r *Registry) countUserConnections(ctx context.Context, userID string) (int64, error) {
	n, err := r.store.Client.SCard(ctx, store.UserConnsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count user connections %s: %w", userID, err)
	}
	return n, nil
}

func decodeConnection(connID string, fields map[string]string) (*Connection, error) {
	conn := &Connection{
		ConnID: connID,
		UserID: fields[fieldUserID],
		RoomID: fields[fieldRoomID],
		State:  json.RawMessage(fields[fieldState]),
	}
	if conn.State == nil || len(conn.State) == 0 {
		conn.State = json.RawMessage("{}")
	}
	if v, ok := fields[fieldLastSeenMs]; ok {
		fmt.Sscanf(v, "%d", &conn.LastSeenMs)
	}
	if v, ok := fields[fieldEpoch]; ok {
		fmt.Sscanf(v, "%d", &conn.Epoch)
	}
	return conn, nil
}
