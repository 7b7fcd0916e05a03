package presence

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/presencecore/internal/logging"
)

// Reaper is component E (spec.md §4.E): a periodic sweep that finds
// connections whose lastSeen score is older than the lookback window and
// evicts them as if the client had called Leave, but with reason "ttl".
//
// A reaper sweep is advisory, not authoritative: the connection record's
// own PEXPIRE is what actually frees the key in the shared store. The
// reaper exists to clean up the room/membership indexes, which aren't
// TTL'd themselves, and to emit the leave event a silently-expired
// connection would otherwise never produce.
type Reaper struct {
	rooms    *RoomIndex
	registry *Registry
	service  *Service
	log      logging.Logger
	interval time.Duration
	lookback time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewReaper builds a Reaper. interval is the sweep cadence; lookback is how
// far back a connId's lastSeen score may be before it's considered stale
// (spec.md §6 PRS_REAPER_INTERVAL / PRS_REAPER_LOOKBACK).
func NewReaper(svc *Service, rooms *RoomIndex, registry *Registry, log logging.Logger, interval, lookback time.Duration) *Reaper {
	if log == nil {
		log = logging.Noop()
	}
	return &Reaper{
		rooms:    rooms,
		registry: registry,
		service:  svc,
		log:      log,
		interval: interval,
		lookback: lookback,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled or Stop is
// called. Intended to be launched in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Error("reaper sweep failed", err)
			}
		}
	}
}

// Stop requests the Run loop to exit and blocks until it does.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// sweep runs one pass over every active room, evicting stale connections.
func (r *Reaper) sweep(ctx context.Context) error {
	rooms, err := r.rooms.activeRooms(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.lookback).UnixMilli()

	var firstErr error
	for _, roomID := range rooms {
		if err := r.sweepRoom(ctx, roomID, cutoff); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reaper) sweepRoom(ctx context.Context, roomID string, cutoffMs int64) error {
	stale, err := r.rooms.listStaleConnections(ctx, roomID, cutoffMs)
	if err != nil {
		return err
	}

	for _, connID := range stale {
		// The connection record, not the lastSeen index, is authoritative
		// (spec.md §4.E): if it still exists, the connection is still
		// within its own TTL (or was refreshed after the sweep read the
		// stale index) and must be left alone — TTL will fire on its own
		// if it really is gone. Only resolve connmeta and evict once the
		// record itself has expired.
		if _, err := r.registry.read(ctx, connID); err == nil {
			continue
		} else {
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				r.log.Warn("reaper could not read connection record", "room", roomID, "connId", connID, "error", err.Error())
				continue
			}
		}

		userID, epoch, err := r.rooms.connMeta(ctx, roomID, connID)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				// Already cleaned up by a concurrent sweep or an explicit
				// leave that raced this one; drop it from lastSeen and move on.
				_ = r.rooms.removeConnection(ctx, roomID, "", connID)
				continue
			}
			r.log.Warn("reaper could not resolve connmeta", "room", roomID, "connId", connID, "error", err.Error())
			continue
		}

		if err := r.service.Leave(ctx, roomID, userID, connID, ReasonTTL); err != nil {
			r.log.Warn("reaper failed to evict connection", "room", roomID, "connId", connID, "error", err.Error())
			continue
		}
		r.log.Debug("reaped stale connection", "room", roomID, "connId", connID, "userId", userID, "epoch", epoch)
	}
	return nil
}
