package shim

import (
	"context"
	"log/slog"
	"time"

	"github.com/tomyedwab/dbshim/connections"
)

// Service serializes all database operations submitted by remote callers
// into one total order. Submissions enqueue an Action and return
// immediately; the queue's single worker dispatches each action through the
// generation guard and on to the transaction coordinator or statement
// executor, and the outcome is delivered over the action's callback
// channel.
type Service struct {
	registry *connections.Registry
	logger   *slog.Logger
	queue    *Queue
}

// NewService creates the shim service and starts its worker. The registry
// is an explicit dependency constructed by the caller; the service never
// reaches for process-wide state.
func NewService(registry *connections.Registry, queueCapacity int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: registry,
		logger:   logger.With("component", "ShimService"),
	}
	s.queue = NewQueue(queueCapacity, s.processAction, logger)
	return s
}

// QueueInitialize submits a request to flush database connections for
// appName that do not match generation.
func (s *Service) QueueInitialize(appName, generation string, cb Callback) error {
	return s.queue.Enqueue(&Action{
		Type:       ActionInitialize,
		AppName:    appName,
		Generation: generation,
		Callback:   cb,
	})
}

// QueueCommit submits a commit of the indicated transaction.
func (s *Service) QueueCommit(appName, generation string, txGeneration int, cb Callback) error {
	return s.queue.Enqueue(&Action{
		Type:         ActionCommit,
		AppName:      appName,
		Generation:   generation,
		TxGeneration: txGeneration,
		Callback:     cb,
	})
}

// QueueRollback submits a rollback of the indicated transaction.
func (s *Service) QueueRollback(appName, generation string, txGeneration int, cb Callback) error {
	return s.queue.Enqueue(&Action{
		Type:         ActionRollback,
		AppName:      appName,
		Generation:   generation,
		TxGeneration: txGeneration,
		Callback:     cb,
	})
}

// QueueStatement submits one SQL statement for execution within the
// indicated transaction, implicitly beginning it if necessary. binds is a
// JSON array of scalar bind values.
func (s *Service) QueueStatement(appName, generation string, txGeneration, actionIndex int, sqlStmt, binds string, cb Callback) error {
	return s.queue.Enqueue(&Action{
		Type:         ActionStatement,
		AppName:      appName,
		Generation:   generation,
		TxGeneration: txGeneration,
		ActionIndex:  actionIndex,
		SQL:          sqlStmt,
		Binds:        binds,
		Callback:     cb,
	})
}

// HandleCallerDeath forcibly releases all sessions and connections for
// appName. Called reactively by the transport when a caller's link is
// severed; death is not an error and no reply is attempted.
func (s *Service) HandleCallerDeath(appName string) {
	s.logger.Info("Caller died, releasing sessions", "appName", appName)
	s.registry.EvictSessionGroup(appName, "")
}

// Shutdown stops the worker and releases every held connection. Queued
// actions that have not started are discarded.
func (s *Service) Shutdown(grace time.Duration) {
	s.queue.Shutdown(grace)
	s.registry.EvictAll()
}

// processAction runs on the worker goroutine, one action at a time.
func (s *Service) processAction(a *Action) {
	if a.Callback != nil && !a.Callback.Active() {
		s.logger.Info("Skipping action for dead caller", "action", a.summary())
		return
	}
	switch a.Type {
	case ActionInitialize:
		s.assertGeneration(a.AppName, a.Generation, a.Callback)
	case ActionRollback:
		s.runRollback(a)
	case ActionCommit:
		s.runCommit(a)
	case ActionStatement:
		s.runStatement(a)
	}
}

// assertGeneration reconciles the caller's declared generation against the
// registry: connections for appName under any other generation are evicted.
// If an eviction happened, the caller is told its prior sessions are gone
// via a single cleanup notice carrying the surviving generation. The check
// is unconditional and idempotent.
func (s *Service) assertGeneration(appName, generation string, cb Callback) {
	if s.registry.EvictSessionGroup(appName, generation) {
		s.logger.Info("Flushed stale session group", "appName", appName, "generation", generation)
		cb.CleanupNotice(generation)
	}
}

func (s *Service) transactionError(a *Action, message string) {
	a.Callback.TransactionResult(a.Generation, a.TxGeneration, errorPayload(message))
}

func (s *Service) statementError(a *Action, message string) {
	a.Callback.StatementResult(a.Generation, a.TxGeneration, a.ActionIndex, errorPayload(message))
}

func (s *Service) key(a *Action) connections.Key {
	return connections.Key{
		AppName:      a.AppName,
		Generation:   a.Generation,
		TxGeneration: a.TxGeneration,
	}
}

// runCommit commits the indicated transaction. The handle reference and the
// registry's transaction entry are released on every exit path, so a failed
// commit cannot leak the connection.
func (s *Service) runCommit(a *Action) {
	s.assertGeneration(a.AppName, a.Generation, a.Callback)

	h := s.registry.Get(s.key(a))
	if h == nil {
		s.logger.Warn("commit -- transaction not found", "generation", a.Generation, "txGeneration", a.TxGeneration)
		s.transactionError(a, "commit - no outstanding transaction!")
		return
	}

	inTx := h.InTransaction()
	var commitErr error
	if inTx {
		s.logger.Info("commit", "generation", a.Generation, "txGeneration", a.TxGeneration)
		commitErr = h.Commit()
	}
	h.Release()
	s.registry.ReleaseTransaction(s.key(a))

	if !inTx {
		// The transaction was lost, e.g. the process was restarted while
		// the caller still believed it held one.
		s.logger.Error("commit -- no outstanding transaction", "generation", a.Generation, "txGeneration", a.TxGeneration)
		s.transactionError(a, "commit - no outstanding transaction!")
		return
	}
	if commitErr != nil {
		s.logger.Error("commit failed", "generation", a.Generation, "txGeneration", a.TxGeneration, "error", commitErr)
		s.transactionError(a, "commit - exception: "+commitErr.Error())
		return
	}
	a.Callback.TransactionResult(a.Generation, a.TxGeneration, emptyResult)
}

// runRollback ends the indicated transaction without committing. Handle
// release mirrors runCommit.
func (s *Service) runRollback(a *Action) {
	s.assertGeneration(a.AppName, a.Generation, a.Callback)

	h := s.registry.Get(s.key(a))
	if h == nil {
		s.logger.Warn("rollback -- transaction not found", "generation", a.Generation, "txGeneration", a.TxGeneration)
		s.transactionError(a, "rollback - no outstanding transaction!")
		return
	}

	inTx := h.InTransaction()
	var rollbackErr error
	if inTx {
		s.logger.Info("rollback", "generation", a.Generation, "txGeneration", a.TxGeneration)
		rollbackErr = h.Rollback()
	}
	h.Release()
	s.registry.ReleaseTransaction(s.key(a))

	if !inTx {
		s.logger.Error("rollback -- no outstanding transaction", "generation", a.Generation, "txGeneration", a.TxGeneration)
		s.transactionError(a, "rollback - no outstanding transaction!")
		return
	}
	if rollbackErr != nil {
		s.logger.Error("rollback failed", "generation", a.Generation, "txGeneration", a.TxGeneration, "error", rollbackErr)
		s.transactionError(a, "rollback - exception: "+rollbackErr.Error())
		return
	}
	a.Callback.TransactionResult(a.Generation, a.TxGeneration, emptyResult)
}

// runStatement executes one SQL statement, implicitly beginning a
// transaction for the key when none is open. Reads produce a result set
// with per-row ordered column mappings; mutations produce an empty success
// object. Affected-row counts and generated identifiers are not reported
// for mutations.
func (s *Service) runStatement(a *Action) {
	ctx := context.Background()
	sqlStmt, verb := splitVerb(a.SQL)

	s.assertGeneration(a.AppName, a.Generation, a.Callback)

	s.logger.Info("executeSqlStmt", "generation", a.Generation,
		"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "sqlVerb", verb)

	args, err := parseBinds(a.Binds)
	if err != nil {
		s.logger.Error("executeSqlStmt -- bad bind payload", "generation", a.Generation,
			"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "error", err)
		s.statementError(a, "exception parsing binds!")
		return
	}

	h, err := s.registry.Acquire(ctx, s.key(a))
	if err != nil {
		s.logger.Error("executeSqlStmt -- connection unavailable", "generation", a.Generation,
			"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "error", err)
		s.statementError(a, "exception: "+err.Error())
		return
	}
	defer h.Release()

	if !h.InTransaction() {
		if err := h.Begin(ctx); err != nil {
			s.logger.Error("executeSqlStmt -- begin failed", "generation", a.Generation,
				"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "error", err)
			s.statementError(a, "exception: "+err.Error())
			return
		}
	}

	if verb == "SELECT" {
		s.runQuery(ctx, a, h, sqlStmt, args)
		return
	}

	if _, err := h.Exec(ctx, sqlStmt, args...); err != nil {
		s.logger.Error("executeSqlStmt -- exec failed", "generation", a.Generation,
			"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "error", err)
		s.statementError(a, "exception: "+err.Error())
		return
	}
	a.Callback.StatementResult(a.Generation, a.TxGeneration, a.ActionIndex, emptyResult)
}
