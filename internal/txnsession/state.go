package txnsession

import "github.com/kysonic/txnsession/internal/fsm"

// Transaction state (spec.md §3, §4.1). None means no multi-statement
// transaction is in progress — retryable writes are allowed in this state.
const (
	StateNone fsm.State = iota
	StateInProgress
	StatePrepared
	StateCommittingWithoutPrepare
	StateCommittingWithPrepare
	StateCommitted
	StateAborted
)

var stateNames = map[fsm.State]string{
	StateNone:                     "None",
	StateInProgress:               "InProgress",
	StatePrepared:                 "Prepared",
	StateCommittingWithoutPrepare: "CommittingWithoutPrepare",
	StateCommittingWithPrepare:    "CommittingWithPrepare",
	StateCommitted:                "Committed",
	StateAborted:                  "Aborted",
}

// TxnStateTransitions is the transition table of spec.md §4.1, grounded on
// conn_executor.go's TxnStateTransitions (a fsm.Pattern built once at
// package init and shared by every controller instance, since it is pure
// and carries no per-session state).
var TxnStateTransitions = fsm.MakeTable(fsm.Pattern{
	StateNone: {
		StateNone:       {},
		StateInProgress: {},
	},
	StateInProgress: {
		StateNone:                     {},
		StatePrepared:                 {},
		StateCommittingWithoutPrepare: {},
		StateAborted:                  {},
	},
	StatePrepared: {
		StateCommittingWithPrepare: {},
		StateAborted:               {},
	},
	StateCommittingWithoutPrepare: {
		StateNone:      {},
		StateCommitted: {},
		StateAborted:   {},
	},
	StateCommittingWithPrepare: {
		StateNone:      {},
		StateCommitted: {},
		StateAborted:   {},
	},
	StateCommitted: {
		StateNone:       {},
		StateInProgress: {},
	},
	StateAborted: {
		StateNone:       {},
		StateInProgress: {},
	},
}, stateNames)

func stateString(s fsm.State) string {
	return TxnStateTransitions.ToString(s)
}
