package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/eventbus"
	"github.com/adred-codev/presencecore/internal/logging"
	"github.com/adred-codev/presencecore/internal/store"
)

// majorField is the reserved hash field holding the channel's majorRevision
// counter, kept alongside item fields in the same hash so a single HGETALL
// returns the whole record.
const majorField = "__major__"

// Store is the default, non-transactional Metadata Store (spec.md §4.G).
// Its CAS checks carry a small race window between the read and the write;
// TransactionalStore (internal/metadata/transactional.go) closes that
// window with WATCH/MULTI/EXEC for callers that enable it (spec.md §6
// PRS_TX_METADATA), but both implement the same Interface.
type Store struct {
	rdb *redis.Client
	bus *eventbus.Bus
	log logging.Logger
}

// Interface is what callers (e.g. cmd/presenced) depend on, so the
// transactional variant is a drop-in replacement.
type Interface interface {
	Get(ctx context.Context, channelType, channelName string) (*Record, error)
	GetItem(ctx context.Context, channelType, channelName, itemKey string) (*Item, error)
	Set(ctx context.Context, channelType, channelName string, opts SetOptions) (*Record, error)
	Update(ctx context.Context, channelType, channelName string, opts UpdateOptions) (*Record, error)
	Remove(ctx context.Context, channelType, channelName string, opts RemoveOptions) (*Record, error)
	Lock(ctx context.Context, channelType, channelName, lockName, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, channelType, channelName, lockName, token string) error
}

var _ Interface = (*Store)(nil)

// NewStore builds a Store over the shared store's primary client, sharing
// its Event Bus with the presence side so both publish through the same
// dedicated pub/sub connection.
func NewStore(s *store.Store, bus *eventbus.Bus, log logging.Logger) *Store {
	if log == nil {
		log = logging.Noop()
	}
	return &Store{rdb: s.Client, bus: bus, log: log}
}

// Get returns the current record for (channelType, channelName). A record
// that has never been set, or was fully cleared, is not an error: it comes
// back empty with majorRevision=0 (spec.md §4.G).
func (st *Store) Get(ctx context.Context, channelType, channelName string) (*Record, error) {
	key := store.MetaKey(channelType, channelName)
	fields, err := st.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get metadata %s/%s: %w", channelType, channelName, err)
	}
	return decodeRecord(channelType, channelName, fields)
}

// GetWithPrefix returns only the items whose key starts with prefix, for
// callers that only need one namespace within a large metadata record
// (SPEC_FULL §10). The whole record is still read from the store and
// filtered here. An empty prefix behaves exactly like Get.
func (st *Store) GetWithPrefix(ctx context.Context, channelType, channelName, prefix string) (*Record, error) {
	rec, err := st.Get(ctx, channelType, channelName)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return rec, nil
	}
	filtered := &Record{
		TimestampMs: rec.TimestampMs, ChannelType: rec.ChannelType, ChannelName: rec.ChannelName,
		MajorRevision: rec.MajorRevision, Metadata: make(map[string]Item),
	}
	for k, item := range rec.Metadata {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			filtered.Metadata[k] = item
		}
	}
	filtered.TotalCount = len(filtered.Metadata)
	return filtered, nil
}

// GetItem returns a single item, or *NotFoundError if it isn't set.
func (st *Store) GetItem(ctx context.Context, channelType, channelName, itemKey string) (*Item, error) {
	key := store.MetaKey(channelType, channelName)
	raw, err := st.rdb.HGet(ctx, key, itemKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Kind: "metadata item", Key: itemKey}
		}
		return nil, fmt.Errorf("get metadata item %s/%s/%s: %w", channelType, channelName, itemKey, err)
	}
	return decodeItem(itemKey, raw)
}

// Set replaces the entire record with opts.Items: every new item starts at
// revision 1, any existing item not named in opts.Items is dropped, and
// majorRevision is bumped by one (spec.md §4.G). Preconditions, in order:
// (i) opts.LockName, if set, must be held by opts.LockToken; (ii)
// opts.MajorRevision, unless NoRevisionCheck, must match the stored
// majorRevision.
func (st *Store) Set(ctx context.Context, channelType, channelName string, opts SetOptions) (*Record, error) {
	if err := st.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}

	key := store.MetaKey(channelType, channelName)
	existingFields, err := st.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read metadata %s/%s: %w", channelType, channelName, err)
	}
	base, err := decodeRecord(channelType, channelName, existingFields)
	if err != nil {
		return nil, err
	}
	if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
		return nil, &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
	}

	nowIso := time.Now().UTC().Format(time.RFC3339)
	newItems := make(map[string]Item, len(opts.Items))
	for k, v := range opts.Items {
		item := Item{Key: k, Value: v, Revision: 1}
		if opts.AddTimestamp {
			item.UpdatedIso = nowIso
		}
		if opts.AddUserID {
			item.AuthorUID = opts.AuthorUID
		}
		newItems[k] = item
	}

	pipe := st.rdb.TxPipeline()
	for k := range base.Metadata {
		if _, keep := newItems[k]; !keep {
			pipe.HDel(ctx, key, k)
		}
	}
	for k, item := range newItems {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode metadata item %s: %w", k, err)
		}
		pipe.HSet(ctx, key, k, string(encoded))
	}
	majorCmd := pipe.HIncrBy(ctx, key, majorField, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("set metadata %s/%s: %w", channelType, channelName, err)
	}

	nowMs := time.Now().UnixMilli()
	st.publish(ctx, channelType, channelName, Event{
		Type: EventSet, ChannelType: channelType, ChannelName: channelName,
		Items: itemValues(newItems), MajorRevision: majorCmd.Val(), AuthorUID: opts.AuthorUID, TimestampMs: nowMs,
	})

	return &Record{
		TimestampMs: nowMs, ChannelType: channelType, ChannelName: channelName,
		TotalCount: len(newItems), MajorRevision: majorCmd.Val(), Metadata: newItems,
	}, nil
}

// Update applies targeted per-item mutations to an existing record: the
// record and every item named in opts.Items must already exist, each
// touched item's revision is incremented by one, and majorRevision is
// bumped (spec.md §4.G). Preconditions, in order: (i) lock, (ii)
// major-revision CAS, (iii) per-item revision CAS for any UpdateItem whose
// Revision isn't NoRevisionCheck.
func (st *Store) Update(ctx context.Context, channelType, channelName string, opts UpdateOptions) (*Record, error) {
	if err := st.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}
	if len(opts.Items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "update requires at least one item"}
	}

	key := store.MetaKey(channelType, channelName)
	existingFields, err := st.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read metadata %s/%s: %w", channelType, channelName, err)
	}
	if len(existingFields) == 0 {
		return nil, &NotFoundError{Kind: "metadata record", Key: key}
	}
	base, err := decodeRecord(channelType, channelName, existingFields)
	if err != nil {
		return nil, err
	}
	if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
		return nil, &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
	}

	nowIso := time.Now().UTC().Format(time.RFC3339)
	updated, err := applyUpdates(base, opts, nowIso)
	if err != nil {
		return nil, err
	}

	pipe := st.rdb.TxPipeline()
	for _, item := range updated {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode metadata item %s: %w", item.Key, err)
		}
		pipe.HSet(ctx, key, item.Key, string(encoded))
	}
	majorCmd := pipe.HIncrBy(ctx, key, majorField, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("update metadata %s/%s: %w", channelType, channelName, err)
	}

	for _, item := range updated {
		base.Metadata[item.Key] = item
	}
	base.MajorRevision = majorCmd.Val()
	base.TimestampMs = time.Now().UnixMilli()

	st.publish(ctx, channelType, channelName, Event{
		Type: EventUpdate, ChannelType: channelType, ChannelName: channelName,
		Items: updated, MajorRevision: base.MajorRevision, AuthorUID: opts.AuthorUID, TimestampMs: base.TimestampMs,
	})
	return base, nil
}

// Remove deletes the items named in opts.Keys, or every item on the record
// when opts.Keys is empty. majorRevision is bumped only if at least one key
// was actually present to remove (spec.md §4.G).
func (st *Store) Remove(ctx context.Context, channelType, channelName string, opts RemoveOptions) (*Record, error) {
	if err := st.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}

	key := store.MetaKey(channelType, channelName)
	existingFields, err := st.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read metadata %s/%s: %w", channelType, channelName, err)
	}
	base, err := decodeRecord(channelType, channelName, existingFields)
	if err != nil {
		return nil, err
	}
	if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
		return nil, &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
	}

	removed := selectRemoved(base, opts.Keys)
	if len(removed) > 0 {
		pipe := st.rdb.TxPipeline()
		for _, item := range removed {
			pipe.HDel(ctx, key, item.Key)
		}
		majorCmd := pipe.HIncrBy(ctx, key, majorField, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("remove metadata %s/%s: %w", channelType, channelName, err)
		}
		base.MajorRevision = majorCmd.Val()

		nowMs := time.Now().UnixMilli()
		st.publish(ctx, channelType, channelName, Event{
			Type: EventRemove, ChannelType: channelType, ChannelName: channelName,
			Items: removed, MajorRevision: base.MajorRevision, TimestampMs: nowMs,
		})
		base.TimestampMs = nowMs
	}

	for _, item := range removed {
		delete(base.Metadata, item.Key)
	}
	base.TotalCount = len(base.Metadata)
	return base, nil
}

// Lock acquires the named advisory lock with the given TTL, returning
// false (not an error) if it's already held by a different token.
func (st *Store) Lock(ctx context.Context, channelType, channelName, lockName, token string, ttl time.Duration) (bool, error) {
	key := store.LockKey(channelType, channelName, lockName)
	ok, err := st.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockName, err)
	}
	return ok, nil
}

// Unlock releases the named lock if owned by token. Releasing a lock you
// don't hold (already expired, or held by someone else) is a no-op.
func (st *Store) Unlock(ctx context.Context, channelType, channelName, lockName, token string) error {
	key := store.LockKey(channelType, channelName, lockName)
	held, err := st.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock %s: %w", lockName, err)
	}
	if held != token {
		return nil
	}
	if err := st.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", lockName, err)
	}
	return nil
}

// checkLock verifies lockName (when non-empty) is held by lockToken — the
// precondition (i) gate spec.md §4.G puts ahead of every revision check.
func (st *Store) checkLock(ctx context.Context, channelType, channelName, lockName, lockToken string) error {
	if lockName == "" {
		return nil
	}
	key := store.LockKey(channelType, channelName, lockName)
	held, err := st.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &LockHeldError{LockName: lockName}
		}
		return fmt.Errorf("check lock %s: %w", lockName, err)
	}
	if held != lockToken {
		return &LockHeldError{LockName: lockName}
	}
	return nil
}

func (st *Store) publish(ctx context.Context, channelType, channelName string, evt Event) {
	if st.bus == nil {
		return
	}
	channel := store.MetaEventsChannel(channelType, channelName)
	if err := st.bus.Publish(ctx, channel, evt); err != nil {
		st.log.Error("publish metadata event failed", err, "channelType", channelType, "channelName", channelName)
	}
}

// applyUpdates validates and computes the next Item for every UpdateItem in
// opts.Items against base, shared by Store.Update and
// TransactionalStore.Update.
func applyUpdates(base *Record, opts UpdateOptions, nowIso string) ([]Item, error) {
	updated := make([]Item, 0, len(opts.Items))
	for _, upd := range opts.Items {
		current, ok := base.Metadata[upd.Key]
		if !ok {
			return nil, &NotFoundError{Kind: "metadata item", Key: upd.Key}
		}
		if upd.Revision != NoRevisionCheck && upd.Revision != current.Revision {
			return nil, &ConflictError{Scope: upd.Key, ExpectedRevision: upd.Revision, ActualRevision: current.Revision}
		}
		next := Item{
			Key: upd.Key, Value: upd.Value, Revision: current.Revision + 1,
			UpdatedIso: current.UpdatedIso, AuthorUID: current.AuthorUID,
		}
		if opts.AddTimestamp {
			next.UpdatedIso = nowIso
		}
		if opts.AddUserID {
			next.AuthorUID = opts.AuthorUID
		}
		updated = append(updated, next)
	}
	return updated, nil
}

// selectRemoved resolves which of base's items a Remove call actually
// touches: every item when keys is empty, or only the named ones that are
// actually present.
func selectRemoved(base *Record, keys []string) []Item {
	if len(keys) == 0 {
		removed := make([]Item, 0, len(base.Metadata))
		for _, item := range base.Metadata {
			removed = append(removed, item)
		}
		return removed
	}
	removed := make([]Item, 0, len(keys))
	for _, k := range keys {
		if item, ok := base.Metadata[k]; ok {
			removed = append(removed, item)
		}
	}
	return removed
}

func itemValues(items map[string]Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

func decodeItem(key, raw string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode metadata item %s: %w", key, err)
	}
	item.Key = key
	return &item, nil
}

func decodeRecord(channelType, channelName string, fields map[string]string) (*Record, error) {
	rec := &Record{
		TimestampMs: time.Now().UnixMilli(),
		ChannelType: channelType,
		ChannelName: channelName,
		Metadata:    make(map[string]Item, len(fields)),
	}
	for k, v := range fields {
		if k == majorField {
			fmt.Sscanf(v, "%d", &rec.MajorRevision)
			continue
		}
		item, err := decodeItem(k, v)
		if err != nil {
			return nil, err
		}
		rec.Metadata[k] = *item
	}
	rec.TotalCount = len(rec.Metadata)
	return rec, nil
}
