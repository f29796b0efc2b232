package storage

// ReadConcernLevel enumerates the read-concern levels the controller must
// reason about — in particular to gate the speculative-read-optime advance
// of spec.md §4.5.4's "Open Questions" note, which says that advance should
// be limited to majority/snapshot reads.
type ReadConcernLevel int

const (
	ReadConcernUnset ReadConcernLevel = iota
	ReadConcernLocal
	ReadConcernMajority
	ReadConcernSnapshot
	ReadConcernLinearizable
	ReadConcernAvailable
)

// ReadConcernArgs is the read-concern captured from the first command of a
// transaction (spec.md §3 TR, §4.5.2 unstash).
type ReadConcernArgs struct {
	Level ReadConcernLevel
}

// IsEmpty reports whether no read concern was specified.
func (a ReadConcernArgs) IsEmpty() bool {
	return a.Level == ReadConcernUnset
}

// ClientInfo is the last-seen client description, restored from
// session.cpp's LastClientInfo/updateLastClientInfo. The controller records
// it at stash, and its per-transaction stats record it at stash and commit;
// ReportStashed/ReportUnstashed do not include it.
type ClientInfo struct {
	HostAndPort  string
	ConnectionID int64
	AppName      string
	Metadata     string
}

// ReadSource selects which snapshot a recovery unit's next preallocated
// snapshot will be pinned to (spec.md §6: "read-source selection (including
// last-applied)").
type ReadSource int

const (
	ReadSourceUnset ReadSource = iota
	ReadSourceLastApplied
	ReadSourceProvided
)
