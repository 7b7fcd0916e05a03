// Package metadata implements the versioned channel-metadata store
// (spec.md §4.G): whole-record set/update/remove scoped to a
// (channelType, channelName) pair, with per-item optimistic-concurrency
// revisions, a channel-wide majorRevision that advances on every mutation,
// and an advisory named-lock primitive.
package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// NewLockToken mints an opaque owner token for Lock/Unlock. Callers that
// already have a stable identity for the lock holder (a connId, a
// request ID) can pass that instead — this is just a convenience for
// callers that don't.
func NewLockToken() string {
	return uuid.NewString()
}

// NoRevisionCheck opts a caller out of a revision-based CAS precondition:
// pass it as an options struct's MajorRevision to skip the major-revision
// check, or as an UpdateItem's Revision to skip that item's per-item check.
// It is distinct from 0, which is a real revision value: as a MajorRevision
// it matches a record that has never been mutated, and as an UpdateItem's
// Revision it never matches, since items always start at revision 1.
const NoRevisionCheck int64 = -1

// Item is one named value inside a channel's metadata record. Value is
// always a string; higher-level clients JSON-encode structured values into
// it themselves (spec.md "Metadata record").
type Item struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Revision   int64  `json:"revision"`
	UpdatedIso string `json:"updatedIso,omitempty"`
	AuthorUID  string `json:"authorUid,omitempty"`
}

// Record is the full state of a (channelType, channelName) metadata
// record, returned by every Interface operation (spec.md §4.G).
type Record struct {
	TimestampMs   int64           `json:"timestamp"`
	ChannelType   string          `json:"channelType"`
	ChannelName   string          `json:"channelName"`
	TotalCount    int             `json:"totalCount"`
	MajorRevision int64           `json:"majorRevision"`
	Metadata      map[string]Item `json:"metadata"`
}

// EventType enumerates the mutations the metadata Event Bus channel carries.
type EventType string

const (
	EventSet    EventType = "set"
	EventUpdate EventType = "update"
	EventRemove EventType = "remove"
)

// Event is published on a channel's meta_events topic whenever a record is
// mutated (spec.md §4.G). Items lists exactly the keys touched with their
// post-operation value and revision — for remove, the pre-delete value and
// revision.
type Event struct {
	Type          EventType `json:"operation"`
	ChannelType   string    `json:"channelType"`
	ChannelName   string    `json:"channelName"`
	Items         []Item    `json:"items"`
	MajorRevision int64     `json:"majorRevision"`
	AuthorUID     string    `json:"authorUid,omitempty"`
	TimestampMs   int64     `json:"timestamp"`
}

// UpdateItem is one targeted mutation inside an Update call.
type UpdateItem struct {
	Key      string
	Value    string
	Revision int64 // NoRevisionCheck skips this item's per-item CAS check
}

// SetOptions configures Set, which replaces the entire record's items.
type SetOptions struct {
	Items         map[string]string // itemKey -> value; every new item starts at revision 1
	MajorRevision int64             // NoRevisionCheck skips the major-revision CAS check
	LockName      string            // empty means no lock precondition
	LockToken     string
	AddTimestamp  bool // stamp each item's updatedIso
	AddUserID     bool // stamp each item's authorUid from AuthorUID
	AuthorUID     string
}

// UpdateOptions configures Update, which requires the record and every
// targeted item to already exist.
type UpdateOptions struct {
	Items         []UpdateItem
	MajorRevision int64 // NoRevisionCheck skips the major-revision CAS check
	LockName      string
	LockToken     string
	AddTimestamp  bool
	AddUserID     bool
	AuthorUID     string
}

// RemoveOptions configures Remove. An empty Keys clears the whole record,
// leaving the record key (and its majorRevision) in place with
// totalCount=0; a non-empty Keys removes only those entries.
type RemoveOptions struct {
	Keys          []string
	MajorRevision int64 // NoRevisionCheck skips the major-revision CAS check
	LockName      string
	LockToken     string
}

// ConflictError is returned when a CAS precondition — the major-revision
// check or, on Update, a per-item revision check — doesn't match current
// state. Scope is "majorRevision" or the offending item's key.
type ConflictError struct {
	Scope            string
	ExpectedRevision int64
	ActualRevision   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %q: expected %d, actual %d", e.Scope, e.ExpectedRevision, e.ActualRevision)
}

// Code satisfies the transport layer's ack-code contract (spec.md §6/§7).
func (e *ConflictError) Code() string { return "METADATA_CONFLICT" }

// NotFoundError marks a missing record or item that an operation required
// to already exist (Update's record/item preconditions).
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Code() string { return "METADATA_INVALID" }

// LockHeldError is returned when a mutation names a lock that isn't held by
// the caller's token.
type LockHeldError struct {
	LockName string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q is held by another owner", e.LockName)
}

func (e *LockHeldError) Code() string { return "METADATA_LOCK" }

// ValidationError marks malformed input to an operation, e.g. Update called
// with no items.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return "METADATA_INVALID" }
