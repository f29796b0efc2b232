// Package storage defines the external collaborator surface of spec.md §6:
// the storage engine, lock manager, durable log, replication observer, and
// session-records collection that the session controller treats as given.
// None of these are implemented here — they are the seams a real server
// (command dispatch, wire protocol, storage engine, replication) plugs into;
// internal/txnsession consumes them as interfaces, and the
// internal/storage/storagetest package provides in-memory fakes.
package storage

import "github.com/google/uuid"

// SessionID is an opaque, comparable, serializable value identifying a
// logical client session (spec.md §3), backed by uuid.UUID the same way
// pkg/kv/txn.go backs Txn.mu.ID. ParentUUID/HasParent mirror mongo's
// LogicalSessionId, which carries an optional parent lsid for child
// sessions spawned by retryable-write internal transactions; both fields
// are plain values (not a pointer) so SessionID stays usable as a map key,
// as spec.md's "opaque, comparable" data model requires of a session
// catalog keyed by session id.
type SessionID struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	HasParent  bool
}

// NewSessionID allocates a fresh top-level session id.
func NewSessionID() SessionID {
	return SessionID{UUID: uuid.New()}
}

// NewChildSessionID allocates a session id scoped to parent, mirroring
// mongo's internal transaction sessions spawned from a retryable write.
func NewChildSessionID(parent SessionID) SessionID {
	return SessionID{UUID: uuid.New(), ParentUUID: parent.UUID, HasParent: true}
}

// String renders the session id for logs and error messages.
func (s SessionID) String() string {
	if s.HasParent {
		return s.UUID.String() + "<-" + s.ParentUUID.String()
	}
	return s.UUID.String()
}
