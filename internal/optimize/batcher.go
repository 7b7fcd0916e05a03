// Package optimize implements the presence-side accelerators spec.md §4.H
// describes: a heartbeat batcher that coalesces concurrent per-connId
// heartbeats, and scripted heartbeat/join via Lua. The transactional
// metadata CAS path is metadata.TransactionalStore. The batcher only
// refreshes lastSeen and TTL (no state patch, no epoch check), and reports
// a missing connection as *presence.NotFoundError where Service.Heartbeat
// returns no error.
package optimize

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/presencecore/internal/logging"
	"github.com/adred-codev/presencecore/internal/presence"
)

// HeartbeatBatcher coalesces heartbeats for the same connId that arrive
// within one flush window into a single write, and batches distinct
// connIds within a room into one Service.BatchHeartbeat call (spec.md §4.H).
type HeartbeatBatcher struct {
	svc    *presence.Service
	window time.Duration
	maxAny int
	log    logging.Logger

	mu      sync.Mutex
	byRoom  map[string]map[string]*pendingEntry
	timers  map[string]*time.Timer
	pending int
	closed  bool
}

type pendingEntry struct {
	lastSeenMs int64
	waiters    []chan heartbeatResult
}

type heartbeatResult struct {
	epoch int64
	err   error
}

// NewHeartbeatBatcher builds a batcher. window bounds how long a heartbeat
// waits before being flushed; maxAny bounds how many pending heartbeats
// (summed across all rooms) trigger an immediate flush of every room
// (spec.md §6 PRS_BATCH_WINDOW / PRS_MAX_BATCH_SIZE).
func NewHeartbeatBatcher(svc *presence.Service, window time.Duration, maxAny int, log logging.Logger) *HeartbeatBatcher {
	if log == nil {
		log = logging.Noop()
	}
	return &HeartbeatBatcher{
		svc:    svc,
		window: window,
		maxAny: maxAny,
		log:    log,
		byRoom: make(map[string]map[string]*pendingEntry),
		timers: make(map[string]*time.Timer),
	}
}

// Heartbeat enqueues connId's heartbeat and blocks until the batch it lands
// in has been flushed, returning that connId's current epoch. Concurrent
// calls for the same (roomId, connId) pair share one write and all receive
// its result.
func (b *HeartbeatBatcher) Heartbeat(ctx context.Context, roomID, connID string) (int64, error) {
	nowMs := time.Now().UnixMilli()
	resultCh := make(chan heartbeatResult, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errBatcherClosed
	}
	room, ok := b.byRoom[roomID]
	if !ok {
		room = make(map[string]*pendingEntry)
		b.byRoom[roomID] = room
	}
	entry, ok := room[connID]
	if !ok {
		entry = &pendingEntry{}
		room[connID] = entry
		b.pending++
	}
	entry.lastSeenMs = nowMs
	entry.waiters = append(entry.waiters, resultCh)

	if _, hasTimer := b.timers[roomID]; !hasTimer {
		b.timers[roomID] = time.AfterFunc(b.window, func() { b.flushRoom(roomID) })
	}
	flushAll := b.pending >= b.maxAny
	b.mu.Unlock()

	if flushAll {
		b.flushEverything()
	}

	select {
	case res := <-resultCh:
		return res.epoch, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// flushRoom drains one room's pending heartbeats and writes them with a
// single Service.BatchHeartbeat call.
func (b *HeartbeatBatcher) flushRoom(roomID string) {
	b.mu.Lock()
	room, ok := b.byRoom[roomID]
	if !ok || len(room) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.byRoom, roomID)
	if t, ok := b.timers[roomID]; ok {
		t.Stop()
		delete(b.timers, roomID)
	}
	b.pending -= len(room)
	b.mu.Unlock()

	items := make([]presence.TouchItem, 0, len(room))
	for connID, entry := range room {
		items = append(items, presence.TouchItem{ConnID: connID, LastSeenMs: entry.lastSeenMs})
	}

	epochs, err := b.svc.BatchHeartbeat(context.Background(), roomID, items)
	if err != nil {
		b.log.Error("batched heartbeat flush failed", err, "room", roomID, "size", len(items))
	}

	for connID, entry := range room {
		epoch, found := epochs[connID]
		var res heartbeatResult
		if err != nil {
			res = heartbeatResult{err: err}
		} else if !found {
			res = heartbeatResult{err: &presence.NotFoundError{Kind: "connection", ID: connID}}
		} else {
			res = heartbeatResult{epoch: epoch}
		}
		for _, ch := range entry.waiters {
			ch <- res
		}
	}
}

// flushEverything forces every room with pending heartbeats to flush now,
// used when the total pending count crosses maxAny.
func (b *HeartbeatBatcher) flushEverything() {
	b.mu.Lock()
	rooms := make([]string, 0, len(b.byRoom))
	for roomID := range b.byRoom {
		rooms = append(rooms, roomID)
	}
	b.mu.Unlock()

	for _, roomID := range rooms {
		b.flushRoom(roomID)
	}
}

// Close flushes every pending room and rejects subsequent Heartbeat calls.
func (b *HeartbeatBatcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.flushEverything()
}
