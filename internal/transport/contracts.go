// Package transport defines the small interfaces the engine expects a
// socket layer to satisfy. The socket transport, handshake/auth, and
// client SDK themselves are out of scope (spec.md §1) — only the seams are
// defined here, so a real transport package can be dropped in without
// touching internal/presence or internal/metadata.
package transport

import "context"

// Subscriber is anything that can receive a decoded presence or metadata
// event and forward it to whatever is on the other end of a connection
// (a socket, a test harness, a local channel).
type Subscriber interface {
	Handle(ctx context.Context, eventName string, payload any)
}

// RoomBroadcaster emits an event to every connection currently attached to
// a room, bypassing the shared Event Bus for transports that keep their
// own local fan-out list (e.g. a single process holding every socket for a
// room on one instance).
type RoomBroadcaster interface {
	Emit(ctx context.Context, roomID, eventName string, payload any) error
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(ctx context.Context, eventName string, payload any)

func (f SubscriberFunc) Handle(ctx context.Context, eventName string, payload any) {
	f(ctx, eventName, payload)
}
