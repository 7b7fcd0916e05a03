// Package store implements the shared-store key schema (spec.md §4.A) and a
// thin wrapper around *redis.Client that the presence, metadata, and
// optimize packages build on.
package store

import "fmt"

const prefix = "prs:"

// RoomMembersKey is the set of distinct userIds present in roomId.
func RoomMembersKey(roomID string) string {
	return fmt.Sprintf("%sroom:{room:%s}:members", prefix, roomID)
}

// RoomConnsKey is the set of active connIds in roomId.
func RoomConnsKey(roomID string) string {
	return fmt.Sprintf("%sroom:{room:%s}:conns", prefix, roomID)
}

// RoomLastSeenKey is the sorted set of connId scored by lastSeenMs, used
// only by the reaper to find stale connections cheaply.
func RoomLastSeenKey(roomID string) string {
	return fmt.Sprintf("%sroom:{room:%s}:lastseen", prefix, roomID)
}

// RoomConnMetaKey is the per-room conn→{userId,epoch} hash. It is the
// reaper's only post-mortem source of identity for an expired connection
// (spec.md §4.E).
func RoomConnMetaKey(roomID string) string {
	return fmt.Sprintf("%sroom:{room:%s}:connmeta", prefix, roomID)
}

// RoomEventsChannel is the presence pub/sub channel for roomId.
func RoomEventsChannel(roomID string) string {
	return fmt.Sprintf("%s{room:%s}:events", prefix, roomID)
}

// RoomVersionKey is the supplemental membership-change counter (SPEC_FULL §10).
func RoomVersionKey(roomID string) string {
	return fmt.Sprintf("%sroom:{room:%s}:version", prefix, roomID)
}

// RoomEventsPattern is the wildcard pattern for subscribing to every room's
// presence events in one pattern-subscribe.
const RoomEventsPattern = prefix + "{room:*}:events"

// ConnKey is the per-connection record key.
func ConnKey(connID string) string {
	return fmt.Sprintf("%sconn:%s", prefix, connID)
}

// EpochCounterKey is a monotonic counter scoped to a single connId, used to
// fence stale writes from a connId that was reused by a later reconnect
// before the first instance's writes land (spec.md §4.D).
func EpochCounterKey(connID string) string {
	return fmt.Sprintf("%sconn:%s:epoch", prefix, connID)
}

// UserConnsKey is the per-user set of connIds, spanning all rooms.
func UserConnsKey(userID string) string {
	return fmt.Sprintf("%suser:%s:conns", prefix, userID)
}

// ActiveRoomsKey is the single process-wide set of rooms with >=1 connection.
const ActiveRoomsKey = prefix + "active_rooms"

// MetaKey is the versioned channel-metadata record key.
func MetaKey(channelType, channelName string) string {
	return fmt.Sprintf("%s{chan:%s:%s}:meta", prefix, channelType, channelName)
}

// MetaEventsChannel is the pub/sub channel for metadata mutations on a
// single (channelType, channelName).
func MetaEventsChannel(channelType, channelName string) string {
	return fmt.Sprintf("%s{chan:%s:%s}:meta_events", prefix, channelType, channelName)
}

// MetaEventsPattern is the wildcard pattern for subscribing to every
// channel's metadata events in one pattern-subscribe.
const MetaEventsPattern = prefix + "{chan:*}:meta_events"

// LockKey is the named advisory lock attached to a metadata record.
func LockKey(channelType, channelName, lockName string) string {
	return fmt.Sprintf("%s{chan:%s:%s}:lock:%s", prefix, channelType, channelName, lockName)
}
