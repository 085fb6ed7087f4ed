package shim

import "fmt"

// ActionType is the kind of operation to be performed against an
// application database.
type ActionType int

const (
	ActionInitialize ActionType = iota
	ActionRollback
	ActionCommit
	ActionStatement
)

func (t ActionType) String() string {
	switch t {
	case ActionInitialize:
		return "initialize"
	case ActionRollback:
		return "rollback"
	case ActionCommit:
		return "commit"
	case ActionStatement:
		return "statement"
	}
	return "unknown"
}

// Action is one queued database operation and its parameters. Actions are
// created at submission time and consumed exactly once by the worker.
type Action struct {
	Type         ActionType
	AppName      string
	Generation   string
	TxGeneration int
	ActionIndex  int
	SQL          string
	Binds        string // raw JSON array of bind values, may be empty
	Callback     Callback
}

func (a *Action) summary() string {
	return fmt.Sprintf("%s %s %s--%d sql=%s", a.Type, a.AppName, a.Generation, a.TxGeneration, a.SQL)
}

// Callback delivers results back to the caller that submitted an action.
// Delivery is asynchronous and fire-and-forget: implementations must never
// block the worker goroutine. Active reports whether the caller's link is
// still up; actions whose callback has gone inactive are skipped by the
// worker.
type Callback interface {
	Active() bool

	// TransactionResult reports a commit/rollback outcome, correlated by
	// generation and transaction generation.
	TransactionResult(generation string, txGeneration int, payload []byte)

	// StatementResult reports a statement outcome, additionally correlated
	// by the action index of the invocation.
	StatementResult(generation string, txGeneration int, actionIndex int, payload []byte)

	// CleanupNotice tells the caller that stale sessions were flushed. It
	// carries the generation that survives the flush.
	CleanupNotice(generation string)
}
