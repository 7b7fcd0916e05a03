package presence

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

// Service is the Presence Service (spec.md §4.D): join, heartbeat, leave,
// fetchRoomSnapshot, and subscribe, built on top of the Connection Registry
// and Room Index.
type Service struct {
	registry *Registry
	rooms    *RoomIndex
	bus      *eventbus.Bus
	log      logging.Logger
	store    *store.Store
	ttl      time.Duration
}

// NewService wires a Service from its collaborators. ttl is the default
// connection TTL (spec.md §6 PRS_CONN_TTL), refreshed on every heartbeat.
func NewService(s *store.Store, bus *eventbus.Bus, log logging.Logger, ttl time.Duration) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{
		registry: NewRegistry(s),
		rooms:    NewRoomIndex(s),
		bus:      bus,
		log:      log,
		store:    s,
		ttl:      ttl,
	}
}

// Join registers a new connId as present in roomId for userId, assigning it
// a fresh fencing epoch. Rejoining with a connId already in use supersedes
// the prior holder: its writes after this point are stale and ignored by
// callers that check the epoch (spec.md §4.D).
func (s *Service) Join(ctx context.Context, roomID, userID, connID string, initialState json.RawMessage) (*Connection, error) {
	if err := validateIDs(roomID, userID, connID); err != nil {
		return nil, err
	}
	if len(initialState) == 0 {
		initialState = json.RawMessage("{}")
	}

	prior, priorErr := s.registry.read(ctx, connID)
	var notFound *NotFoundError
	hadPrior := priorErr == nil
	if priorErr != nil && !errors.As(priorErr, &notFound) {
		s.log.Warn("could not check for a superseded connection before join", "connId", connID, "error", priorErr.Error())
	}

	epoch, err := s.store.Client.Incr(ctx, store.EpochCounterKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("assign epoch for %s: %w", connID, err)
	}

	nowMs := time.Now().UnixMilli()
	conn := &Connection{
		ConnID:     connID,
		UserID:     userID,
		RoomID:     roomID,
		LastSeenMs: nowMs,
		Epoch:      epoch,
		State:      initialState,
	}

	if err := s.registry.writeInitial(ctx, conn, s.ttl); err != nil {
		return nil, err
	}
	if err := s.rooms.addConnection(ctx, roomID, userID, connID, epoch, nowMs); err != nil {
		return nil, err
	}

	if hadPrior {
		// A live record already existed under this connId: this join
		// supersedes it rather than creating a fresh connection, so
		// subscribers hear about the old holder's departure too.
		if prior.RoomID != roomID {
			if err := s.rooms.removeConnection(ctx, prior.RoomID, prior.UserID, connID); err != nil {
				s.log.Warn("failed to deindex superseded connection from prior room", "connId", connID, "priorRoom", prior.RoomID, "error", err.Error())
			}
		}
		s.publish(ctx, prior.RoomID, Event{
			Type: EventLeave, RoomID: prior.RoomID, UserID: prior.UserID, ConnID: connID,
			TimestampMs: nowMs, Reason: ReasonReplaced,
		})
	}

	s.publish(ctx, roomID, Event{
		Type: EventJoin, RoomID: roomID, UserID: userID, ConnID: connID,
		State: initialState, Epoch: epoch, TimestampMs: nowMs,
	})
	return conn, nil
}

// Heartbeat is the heartbeat operation (spec.md §4.D): refreshes connId's
// lastSeen timestamp and TTL, optionally merges patchState into its stored
// state, and optionally validates requestedEpoch against the connection's
// current epoch.
//
// requestedEpoch == 0 means the caller isn't asserting an epoch at all; the
// heartbeat proceeds unconditionally. A non-zero requestedEpoch strictly
// less than the stored epoch is a stale reconnect's leftover heartbeat — it
// is rejected outright (no state write, no TTL refresh, no event), matching
// the "alive -(heartbeat, stale epoch)-> alive (no-op)" transition. A
// requestedEpoch strictly greater advances the stored epoch and the room's
// connmeta entry to match (spec.md §3).
//
// A missing connection is not an error here (spec.md §7): it returns
// changed=false, epoch=0, err=nil, since by the time a heartbeat arrives
// for an expired connId there's nothing left to reject.
//
// patchState is merged last-write-wins onto the stored state; the merge is
// idempotent (spec.md §8): a patch that reproduces the currently-stored
// state returns changed=false and publishes no event, but the TTL/lastSeen
// refresh still happens regardless of whether the state changed.
func (s *Service) Heartbeat(ctx context.Context, roomID, connID string, patchState json.RawMessage, requestedEpoch int64) (changed bool, epoch int64, err error) {
	conn, err := s.registry.read(ctx, connID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return false, 0, nil
		}
		return false, 0, err
	}

	if requestedEpoch != 0 && requestedEpoch < conn.Epoch {
		return false, conn.Epoch, nil
	}

	effectiveEpoch := conn.Epoch
	if requestedEpoch > conn.Epoch {
		effectiveEpoch = requestedEpoch
		if err := s.registry.setEpoch(ctx, connID, effectiveEpoch); err != nil {
			return false, 0, err
		}
		if err := s.rooms.setConnMetaEpoch(ctx, roomID, connID, conn.UserID, effectiveEpoch); err != nil {
			return false, 0, err
		}
	}

	var merged json.RawMessage
	stateChanged := false
	if HasPatch(patchState) {
		merged, stateChanged, err = s.registry.patchState(ctx, connID, patchState)
		if err != nil {
			return false, 0, err
		}
	}

	nowMs := time.Now().UnixMilli()
	if err := s.registry.touch(ctx, connID, nowMs, s.ttl); err != nil {
		return false, 0, err
	}
	if err := s.rooms.touchLastSeen(ctx, roomID, connID, nowMs); err != nil {
		return false, 0, err
	}

	if stateChanged {
		s.publish(ctx, roomID, Event{
			Type: EventUpdate, RoomID: roomID, UserID: conn.UserID, ConnID: connID,
			State: merged, Epoch: effectiveEpoch, TimestampMs: nowMs,
		})
	}

	return stateChanged, effectiveEpoch, nil
}

// BatchHeartbeat refreshes a batch of connIds within a single roomId in two
// pipelined round trips (the room's lastSeen index, then the connection
// records), for the heartbeat batcher's flush (spec.md §4.H).
// Returns each connId's current epoch, keyed by connId; a connId missing
// from the result has already expired.
func (s *Service) BatchHeartbeat(ctx context.Context, roomID string, items []TouchItem) (map[string]int64, error) {
	if err := s.rooms.touchLastSeenMany(ctx, roomID, items); err != nil {
		return nil, err
	}
	return s.registry.touchMany(ctx, items, s.ttl)
}

// Leave removes connId from roomId and deletes its durable record,
// publishing a leave event carrying reason.
func (s *Service) Leave(ctx context.Context, roomID, userID, connID string, reason LeaveReason) error {
	if err := validateIDs(roomID, userID, connID); err != nil {
		return err
	}
	if err := s.registry.delete(ctx, userID, connID); err != nil {
		return err
	}
	if err := s.rooms.removeConnection(ctx, roomID, userID, connID); err != nil {
		return err
	}
	s.publish(ctx, roomID, Event{
		Type: EventLeave, RoomID: roomID, UserID: userID, ConnID: connID,
		TimestampMs: time.Now().UnixMilli(), Reason: reason,
	})
	return nil
}

// UpdateState merges patch into connId's stored state and publishes an
// update event carrying the merged result. Idempotent: a patch that
// reproduces the state already on record is a no-op — returns the
// (unchanged) merged state, changed=false, and emits no event.
func (s *Service) UpdateState(ctx context.Context, roomID, userID, connID string, patch json.RawMessage) (merged json.RawMessage, changed bool, err error) {
	merged, changed, err = s.registry.patchState(ctx, connID, patch)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return merged, false, nil
	}
	s.publish(ctx, roomID, Event{
		Type: EventUpdate, RoomID: roomID, UserID: userID, ConnID: connID,
		State: merged, TimestampMs: time.Now().UnixMilli(),
	})
	return merged, true, nil
}

// FetchRoomSnapshot returns the current state of every live connection in
// roomId. Connections whose record has already expired (the reaper hasn't
// caught up to the index yet) are silently skipped rather than surfaced as
// errors — a momentarily stale snapshot is expected, not exceptional.
func (s *Service) FetchRoomSnapshot(ctx context.Context, roomID string) ([]SnapshotEntry, error) {
	connIDs, err := s.rooms.listConnections(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(connIDs) == 0 {
		return nil, nil
	}

	pipe := s.store.Client.Pipeline()
	type pending struct {
		connID string
		cmd    *redis.MapStringStringCmd
	}
	cmds := make([]pending, len(connIDs))
	for i, id := range connIDs {
		cmds[i] = pending{connID: id, cmd: pipe.HGetAll(ctx, store.ConnKey(id))}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch room snapshot for %s: %w", roomID, err)
	}

	entries := make([]SnapshotEntry, 0, len(connIDs))
	for _, c := range cmds {
		fields, err := c.cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		conn, err := decodeConnection(c.connID, fields)
		if err != nil {
			continue
		}
		entries = append(entries, SnapshotEntry{
			ConnID: conn.ConnID, UserID: conn.UserID, State: conn.State,
			LastSeenMs: conn.LastSeenMs, Epoch: conn.Epoch,
		})
	}
	return entries, nil
}

// FetchRoomSnapshotPage is the cursor-paginated counterpart to
// FetchRoomSnapshot, for rooms whose membership is too large to fetch in
// one SMEMBERS + batch read. cursor is 0 on the first call; a returned
// nextCursor of 0 means the scan is complete (SPEC_FULL §10).
func (s *Service) FetchRoomSnapshotPage(ctx context.Context, roomID string, cursor uint64, count int64) ([]SnapshotEntry, uint64, error) {
	ids, nextCursor, err := s.store.Client.SScan(ctx, store.RoomConnsKey(roomID), cursor, "", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan room snapshot page for %s: %w", roomID, err)
	}
	if len(ids) == 0 {
		return nil, nextCursor, nil
	}

	pipe := s.store.Client.Pipeline()
	type pending struct {
		connID string
		cmd    *redis.MapStringStringCmd
	}
	cmds := make([]pending, len(ids))
	for i, id := range ids {
		cmds[i] = pending{connID: id, cmd: pipe.HGetAll(ctx, store.ConnKey(id))}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("fetch room snapshot page for %s: %w", roomID, err)
	}

	entries := make([]SnapshotEntry, 0, len(ids))
	for _, c := range cmds {
		fields, err := c.cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		conn, err := decodeConnection(c.connID, fields)
		if err != nil {
			continue
		}
		entries = append(entries, SnapshotEntry{
			ConnID: conn.ConnID, UserID: conn.UserID, State: conn.State,
			LastSeenMs: conn.LastSeenMs, Epoch: conn.Epoch,
		})
	}
	return entries, nextCursor, nil
}

// Subscribe registers handler to receive every presence event published on
// roomId's channel and returns a Disposer that stops delivery.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler func(Event)) (eventbus.Disposer, error) {
	channel := store.RoomEventsChannel(roomID)
	return s.bus.Subscribe(ctx, channel, func(_ string, payload []byte) {
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.log.Warn("dropping malformed presence event", "room", roomID, "error", err.Error())
			return
		}
		handler(evt)
	})
}

func (s *Service) publish(ctx context.Context, roomID string, evt Event) {
	if err := s.bus.Publish(ctx, store.RoomEventsChannel(roomID), evt); err != nil {
		s.log.Error("publish presence event failed", err, "room", roomID, "type", string(evt.Type))
	}
}

func validateIDs(roomID, userID, connID string) error {
	if roomID == "" {
		return &ValidationError{Field: "roomId", Msg: "must not be empty"}
	}
	if userID == "" {
		return &ValidationError{Field: "userId", Msg: "must not be empty"}
	}
	if connID == "" {
		return &ValidationError{Field: "connId", Msg: "must not be empty"}
	}
	return nil
}
