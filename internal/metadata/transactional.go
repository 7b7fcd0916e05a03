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

// TransactionalStore closes the read/write race window Store leaves open by
// wrapping each CAS check in a WATCH/MULTI/EXEC transaction: if another
// client mutates the hash between the WATCH and the EXEC, go-redis returns
// redis.TxFailedErr and the whole read-check-write is retried, up to
// maxRetries times (spec.md §6 PRS_TX_METADATA / PRS_TX_MAX_RETRIES).
//
// This mirrors the optimistic-lock retry loop go-redis's own WATCH example
// uses for balance transfers, adapted to a single hash key instead of two.
type TransactionalStore struct {
	rdb        *redis.Client
	bus        *eventbus.Bus
	log        logging.Logger
	maxRetries int
	retryDelay time.Duration
}

var _ Interface = (*TransactionalStore)(nil)

// NewTransactionalStore builds a TransactionalStore.
func NewTransactionalStore(s *store.Store, bus *eventbus.Bus, log logging.Logger, maxRetries int, retryDelay time.Duration) *TransactionalStore {
	if log == nil {
		log = logging.Noop()
	}
	return &TransactionalStore{rdb: s.Client, bus: bus, log: log, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Get is identical to Store.Get; reads don't need transactional protection.
func (t *TransactionalStore) Get(ctx context.Context, channelType, channelName string) (*Record, error) {
	key := store.MetaKey(channelType, channelName)
	fields, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get metadata %s/%s: %w", channelType, channelName, err)
	}
	return decodeRecord(channelType, channelName, fields)
}

// GetWithPrefix mirrors Store.GetWithPrefix.
func (t *TransactionalStore) GetWithPrefix(ctx context.Context, channelType, channelName, prefix string) (*Record, error) {
	rec, err := t.Get(ctx, channelType, channelName)
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

// GetItem is identical to Store.GetItem.
func (t *TransactionalStore) GetItem(ctx context.Context, channelType, channelName, itemKey string) (*Item, error) {
	key := store.MetaKey(channelType, channelName)
	raw, err := t.rdb.HGet(ctx, key, itemKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Kind: "metadata item", Key: itemKey}
		}
		return nil, fmt.Errorf("get metadata item %s/%s/%s: %w", channelType, channelName, itemKey, err)
	}
	return decodeItem(itemKey, raw)
}

// Set performs the full-record replace inside a WATCH/MULTI/EXEC
// transaction, retrying on a lost race up to maxRetries times. Semantics
// match Store.Set exactly.
func (t *TransactionalStore) Set(ctx context.Context, channelType, channelName string, opts SetOptions) (*Record, error) {
	if err := t.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}

	key := store.MetaKey(channelType, channelName)
	nowIso := time.Now().UTC().Format(time.RFC3339)
	var result *Record

	txf := func(tx *redis.Tx) error {
		existingFields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		base, err := decodeRecord(channelType, channelName, existingFields)
		if err != nil {
			return err
		}
		if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
			return &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
		}

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

		var majorCmd *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k := range base.Metadata {
				if _, keep := newItems[k]; !keep {
					pipe.HDel(ctx, key, k)
				}
			}
			for k, item := range newItems {
				encoded, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("encode metadata item %s: %w", k, err)
				}
				pipe.HSet(ctx, key, k, string(encoded))
			}
			majorCmd = pipe.HIncrBy(ctx, key, majorField, 1)
			return nil
		})
		if err != nil {
			return err
		}

		result = &Record{
			TimestampMs: time.Now().UnixMilli(), ChannelType: channelType, ChannelName: channelName,
			TotalCount: len(newItems), MajorRevision: majorCmd.Val(), Metadata: newItems,
		}
		return nil
	}

	if err := t.retry(ctx, key, txf); err != nil {
		return nil, err
	}

	t.publish(ctx, channelType, channelName, Event{
		Type: EventSet, ChannelType: channelType, ChannelName: channelName,
		Items: itemValues(result.Metadata), MajorRevision: result.MajorRevision,
		AuthorUID: opts.AuthorUID, TimestampMs: result.TimestampMs,
	})
	return result, nil
}

// Update performs the per-item CAS write inside the same WATCH/MULTI/EXEC
// pattern as Set. Semantics match Store.Update exactly.
func (t *TransactionalStore) Update(ctx context.Context, channelType, channelName string, opts UpdateOptions) (*Record, error) {
	if err := t.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}
	if len(opts.Items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "update requires at least one item"}
	}

	key := store.MetaKey(channelType, channelName)
	nowIso := time.Now().UTC().Format(time.RFC3339)
	var result *Record
	var published []Item

	txf := func(tx *redis.Tx) error {
		existingFields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(existingFields) == 0 {
			return &NotFoundError{Kind: "metadata record", Key: key}
		}
		base, err := decodeRecord(channelType, channelName, existingFields)
		if err != nil {
			return err
		}
		if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
			return &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
		}

		updated, err := applyUpdates(base, opts, nowIso)
		if err != nil {
			return err
		}

		var majorCmd *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, item := range updated {
				encoded, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("encode metadata item %s: %w", item.Key, err)
				}
				pipe.HSet(ctx, key, item.Key, string(encoded))
			}
			majorCmd = pipe.HIncrBy(ctx, key, majorField, 1)
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range updated {
			base.Metadata[item.Key] = item
		}
		base.MajorRevision = majorCmd.Val()
		base.TimestampMs = time.Now().UnixMilli()
		result = base
		published = updated
		return nil
	}

	if err := t.retry(ctx, key, txf); err != nil {
		return nil, err
	}

	t.publish(ctx, channelType, channelName, Event{
		Type: EventUpdate, ChannelType: channelType, ChannelName: channelName,
		Items: published, MajorRevision: result.MajorRevision, AuthorUID: opts.AuthorUID, TimestampMs: result.TimestampMs,
	})
	return result, nil
}

// Remove performs the delete inside the same WATCH/MULTI/EXEC pattern.
// Semantics match Store.Remove exactly.
func (t *TransactionalStore) Remove(ctx context.Context, channelType, channelName string, opts RemoveOptions) (*Record, error) {
	if err := t.checkLock(ctx, channelType, channelName, opts.LockName, opts.LockToken); err != nil {
		return nil, err
	}

	key := store.MetaKey(channelType, channelName)
	var result *Record
	var removed []Item
	bumped := false

	txf := func(tx *redis.Tx) error {
		existingFields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		base, err := decodeRecord(channelType, channelName, existingFields)
		if err != nil {
			return err
		}
		if opts.MajorRevision != NoRevisionCheck && opts.MajorRevision != base.MajorRevision {
			return &ConflictError{Scope: "majorRevision", ExpectedRevision: opts.MajorRevision, ActualRevision: base.MajorRevision}
		}

		removed = selectRemoved(base, opts.Keys)
		bumped = len(removed) > 0
		if bumped {
			var majorCmd *redis.IntCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, item := range removed {
					pipe.HDel(ctx, key, item.Key)
				}
				majorCmd = pipe.HIncrBy(ctx, key, majorField, 1)
				return nil
			})
			if err != nil {
				return err
			}
			base.MajorRevision = majorCmd.Val()
			base.TimestampMs = time.Now().UnixMilli()
		}

		for _, item := range removed {
			delete(base.Metadata, item.Key)
		}
		base.TotalCount = len(base.Metadata)
		result = base
		return nil
	}

	if err := t.retry(ctx, key, txf); err != nil {
		return nil, err
	}

	if bumped {
		t.publish(ctx, channelType, channelName, Event{
			Type: EventRemove, ChannelType: channelType, ChannelName: channelName,
			Items: removed, MajorRevision: result.MajorRevision, TimestampMs: result.TimestampMs,
		})
	}
	return result, nil
}

// retry runs txf under tx.Watch(key), retrying on redis.TxFailedErr up to
// maxRetries times with retryDelay between attempts. Any other error, or a
// *ConflictError/*NotFoundError/*LockHeldError/*ValidationError raised
// deliberately by txf, is returned immediately without retrying.
func (t *TransactionalStore) retry(ctx context.Context, key string, txf func(*redis.Tx) error) error {
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		err := t.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if attempt == t.maxRetries {
			return fmt.Errorf("metadata transaction on %s: exhausted %d retries: %w", key, t.maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay):
		}
	}
	return nil
}

func (t *TransactionalStore) Lock(ctx context.Context, channelType, channelName, lockName, token string, ttl time.Duration) (bool, error) {
	key := store.LockKey(channelType, channelName, lockName)
	ok, err := t.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockName, err)
	}
	return ok, nil
}

func (t *TransactionalStore) Unlock(ctx context.Context, channelType, channelName, lockName, token string) error {
	key := store.LockKey(channelType, channelName, lockName)
	held, err := t.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock %s: %w", lockName, err)
	}
	if held != token {
		return nil
	}
	return t.rdb.Del(ctx, key).Err()
}

func (t *TransactionalStore) checkLock(ctx context.Context, channelType, channelName, lockName, lockToken string) error {
	if lockName == "" {
		return nil
	}
	key := store.LockKey(channelType, channelName, lockName)
	held, err := t.rdb.Get(ctx, key).Result()
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

func (t *TransactionalStore) publish(ctx context.Context, channelType, channelName string, evt Event) {
	if t.bus == nil {
		return
	}
	channel := store.MetaEventsChannel(channelType, channelName)
	if err := t.bus.Publish(ctx, channel, evt); err != nil {
		t.log.Error("publish metadata event failed", err, "channelType", channelType, "channelName", channelName)
	}
}
