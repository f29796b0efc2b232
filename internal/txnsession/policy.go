package txnsession

// CommandPolicy is the command allow-list consulted by admission (spec.md
// §4.5.1), restored from session.cpp's txnCmdWhitelist/txnAdminCommands as
// an explicitly configurable table rather than a hard-wired one — spec.md's
// Open Questions: "the count prohibition inside transactions is a policy
// choice; treat it as externally configurable".
type CommandPolicy struct {
	// AllowedInTransaction is the set of command names permitted inside a
	// multi-statement transaction.
	AllowedInTransaction map[string]bool
	// AllowedOnAdmin is the subset of AllowedInTransaction additionally
	// permitted to run against the "admin" database.
	AllowedOnAdmin map[string]bool
	// ForbiddenDatabases may never be targeted from inside a transaction,
	// by any command.
	ForbiddenDatabases map[string]bool
	// AlwaysForbidden names commands that are rejected inside a
	// transaction regardless of the allow-list — "count" in spec.md §4.5.1.
	AlwaysForbidden map[string]bool
}

// DefaultCommandPolicy matches session.cpp's txnCmdWhitelist/
// txnAdminCommands/forbidden-database lists, generalized to this module's
// command-name space.
func DefaultCommandPolicy() CommandPolicy {
	return CommandPolicy{
		AllowedInTransaction: set(
			"abortTransaction", "aggregate", "commitTransaction",
			"coordinateCommitTransaction", "delete", "distinct", "find",
			"findAndModify", "getMore", "insert", "killCursors",
			"prepareTransaction", "update",
		),
		AllowedOnAdmin: set(
			"abortTransaction", "commitTransaction",
			"coordinateCommitTransaction", "prepareTransaction",
		),
		ForbiddenDatabases: set("config", "local"),
		AlwaysForbidden:    set("count"),
	}
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// allows reports whether cmdName may run against dbName inside a
// multi-statement transaction, per spec.md §4.5.1.
func (p CommandPolicy) allows(dbName, cmdName string) bool {
	if p.AlwaysForbidden[cmdName] {
		return false
	}
	if !p.AllowedInTransaction[cmdName] {
		return false
	}
	if p.ForbiddenDatabases[dbName] {
		return false
	}
	if dbName == "admin" && !p.AllowedOnAdmin[cmdName] {
		return false
	}
	return true
}
