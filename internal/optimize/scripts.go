package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/logging"
	"github.com/adred-codev/presencecore/internal/presence"
	"github.com/adred-codev/presencecore/internal/store"
)

// heartbeatScriptSource folds the full heartbeat operation (spec.md §4.D,
// §4.H) into one EVALSHA round trip: stale-epoch rejection, epoch
// advancement plus the room's connmeta entry, the lastSeen/TTL refresh, and
// a conditional state write — all atomically, instead of the several
// commands Service.Heartbeat issues one at a time.
//
// The patch itself is merged in Go (ScriptRunner.Heartbeat calls
// presence.MergeJSON) and passed in already-merged as ARGV[6]; the script
// only does a cheap string-equality compare against the stored state to
// decide whether anything actually changed. This keeps the script free of
// Lua JSON libraries entirely.
//
// KEYS: 1=connKey, 2=roomLastSeenKey, 3=roomConnMetaKey. ARGV: 1=lastSeenMs,
// 2=ttlMs, 3=connId, 4=requestedEpoch (0 means "not asserting"),
// 5=hasPatch ("0"/"1"), 6=mergedState (ignored unless hasPatch=="1").
//
// Returns {found, changed, epoch} — found=0 means the connection has
// already expired and nothing else in the triple is meaningful.
const heartbeatScriptSource = `
local rec = redis.call('HMGET', KEYS[1], 'epoch', 'userId', 'state')
if rec[1] == false then
  return {0, 0, 0}
end
local storedEpoch = tonumber(rec[1])
local userId = rec[2]
local requestedEpoch = tonumber(ARGV[4])

if requestedEpoch ~= 0 and requestedEpoch < storedEpoch then
  return {1, 0, storedEpoch}
end

local epoch = storedEpoch
if requestedEpoch > storedEpoch then
  epoch = requestedEpoch
  redis.call('HSET', KEYS[1], 'epoch', epoch)
  redis.call('HSET', KEYS[3], ARGV[3], userId .. ':' .. epoch)
end

redis.call('HSET', KEYS[1], 'lastSeenMs', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])

local changed = 0
if ARGV[5] == '1' and rec[3] ~= ARGV[6] then
  redis.call('HSET', KEYS[1], 'state', ARGV[6])
  changed = 1
end

return {1, changed, epoch}
`

// joinScript performs the full join indexing fan-out spec.md §4.D
// describes — epoch assignment, record creation, membership/conns/lastseen/
// connmeta/active-rooms indexing, and the membership version bump — as one
// atomic server-side operation. KEYS: 1=epochCounterKey, 2=connKey,
// 3=roomMembersKey, 4=roomConnsKey, 5=roomLastSeenKey, 6=roomConnMetaKey,
// 7=activeRoomsKey, 8=roomVersionKey, 9=userConnsKey. ARGV: 1=userId,
// 2=roomId, 3=connId, 4=lastSeenMs, 5=ttlMs, 6=stateJson.
const joinScriptSource = `
local epoch = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], 'userId', ARGV[1], 'roomId', ARGV[2], 'lastSeenMs', ARGV[4], 'epoch', epoch, 'state', ARGV[6])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[9], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[3])
redis.call('ZADD', KEYS[5], ARGV[4], ARGV[3])
redis.call('HSET', KEYS[6], ARGV[3], ARGV[1] .. ':' .. epoch)
redis.call('SADD', KEYS[7], ARGV[2])
redis.call('INCR', KEYS[8])
return epoch
`

// ScriptRunner executes the heartbeat and join Lua scripts, loading each
// once with SCRIPT LOAD and reloading on a NOSCRIPT response — the same
// explicit load/EVALSHA/NOSCRIPT-retry shape used for pub/sub fan-out
// scripts in other_examples' centrifugo Redis engine, adapted to go-redis's
// *redis.Script helper instead of hand-rolled redigo SEND/RECEIVE.
type ScriptRunner struct {
	rdb       *redis.Client
	log       logging.Logger
	heartbeat *redis.Script
	join      *redis.Script
}

// NewScriptRunner builds a ScriptRunner over the shared store's client.
func NewScriptRunner(s *store.Store, log logging.Logger) *ScriptRunner {
	if log == nil {
		log = logging.Noop()
	}
	return &ScriptRunner{
		rdb:       s.Client,
		log:       log,
		heartbeat: redis.NewScript(heartbeatScriptSource),
		join:      redis.NewScript(joinScriptSource),
	}
}

// Heartbeat runs the scripted heartbeat path (spec.md §4.H), matching
// Service.Heartbeat's semantics exactly: a missing connection is not an
// error (changed=false, epoch=0); a requestedEpoch strictly less than the
// stored epoch is rejected as a stale no-op; a requestedEpoch strictly
// greater advances the stored epoch and the room's connmeta entry.
//
// When patchState carries a real patch, the current state is read once up
// front and merged in Go via presence.MergeJSON before the script runs —
// patch-less heartbeats skip that extra round trip entirely and stay a
// single EVALSHA call.
func (sr *ScriptRunner) Heartbeat(ctx context.Context, roomID, connID string, patchState json.RawMessage, requestedEpoch, lastSeenMs int64, ttl time.Duration) (changed bool, epoch int64, err error) {
	hasPatch := presence.HasPatch(patchState)
	var mergedState string
	if hasPatch {
		current, err := sr.rdb.HGet(ctx, store.ConnKey(connID), "state").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, 0, nil
			}
			return false, 0, fmt.Errorf("read state for scripted heartbeat %s: %w", connID, err)
		}
		merged, err := presence.MergeJSON(current, patchState)
		if err != nil {
			return false, 0, fmt.Errorf("merge state for scripted heartbeat %s: %w", connID, err)
		}
		mergedState = string(merged)
	}

	keys := []string{store.ConnKey(connID), store.RoomLastSeenKey(roomID), store.RoomConnMetaKey(roomID)}
	hasPatchArg := "0"
	if hasPatch {
		hasPatchArg = "1"
	}
	args := []any{lastSeenMs, ttl.Milliseconds(), connID, requestedEpoch, hasPatchArg, mergedState}

	res, err := sr.run(ctx, sr.heartbeat, keys, args)
	if err != nil {
		return false, 0, fmt.Errorf("scripted heartbeat for %s: %w", connID, err)
	}
	items, ok := res.([]any)
	if !ok || len(items) != 3 {
		return false, 0, fmt.Errorf("unexpected scripted heartbeat result %#v", res)
	}

	found, err := toInt64(items[0])
	if err != nil {
		return false, 0, fmt.Errorf("scripted heartbeat for %s: %w", connID, err)
	}
	if found == 0 {
		return false, 0, nil
	}

	changedN, err := toInt64(items[1])
	if err != nil {
		return false, 0, fmt.Errorf("scripted heartbeat for %s: %w", connID, err)
	}
	epoch, err = toInt64(items[2])
	if err != nil {
		return false, 0, fmt.Errorf("scripted heartbeat for %s: %w", connID, err)
	}
	return changedN == 1, epoch, nil
}

// Join runs the scripted join path, returning the newly assigned epoch.
func (sr *ScriptRunner) Join(ctx context.Context, roomID, userID, connID string, lastSeenMs int64, ttl time.Duration, state json.RawMessage) (int64, error) {
	keys := []string{
		store.EpochCounterKey(connID),
		store.ConnKey(connID),
		store.RoomMembersKey(roomID),
		store.RoomConnsKey(roomID),
		store.RoomLastSeenKey(roomID),
		store.RoomConnMetaKey(roomID),
		store.ActiveRoomsKey,
		store.RoomVersionKey(roomID),
		store.UserConnsKey(userID),
	}
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	args := []any{userID, roomID, connID, lastSeenMs, ttl.Milliseconds(), string(state)}

	res, err := sr.run(ctx, sr.join, keys, args)
	if err != nil {
		return 0, fmt.Errorf("scripted join for %s: %w", connID, err)
	}
	epoch, err := toInt64(res)
	if err != nil {
		return 0, fmt.Errorf("scripted join for %s: %w", connID, err)
	}
	return epoch, nil
}

// run executes script, transparently reloading it once if the server
// reports NOSCRIPT (e.g. after a FLUSHALL wiped the script cache).
func (sr *ScriptRunner) run(ctx context.Context, script *redis.Script, keys []string, args []any) (any, error) {
	res, err := script.Run(ctx, sr.rdb, keys, args...).Result()
	if err == nil {
		return res, nil
	}
	if !isNoScript(err) {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	sr.log.Warn("script cache miss, reloading", "error", err.Error())
	if _, loadErr := script.Load(ctx, sr.rdb).Result(); loadErr != nil {
		return nil, fmt.Errorf("reload script: %w", loadErr)
	}
	res, err = script.Run(ctx, sr.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func isNoScript(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return len(s) >= 8 && s[:8] == "NOSCRIPT"
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, fmt.Errorf("parse script result %q: %w", n, err)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unexpected script result type %T", v)
	}
}
