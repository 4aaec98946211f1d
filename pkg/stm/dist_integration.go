package stm

import "context"

// Coordinator is the ambient distributed-transaction coordinator
// contract. Package distributed provides a concrete two-phase-commit
// implementation; any coordinator satisfying this interface can drive
// the engine's shadow transactions.
type Coordinator interface {
	// Enlist registers tx's shadow participant hooks (DistPrepare,
	// DistCommit, DistRollback, DistInDoubt) with the coordinator and
	// returns a handle the engine releases on Dispose.
	Enlist(tx *Transaction) (Enlistment, error)
}

// Enlistment is the handle returned by a successful Coordinator.Enlist
// call. Release unlinks the ambient handle without detaching the
// transaction object itself.
type Enlistment interface {
	Release()
}

// CoordinatorProvider, when non-nil, is consulted by Begin on every
// top-level Begin call to discover whether a distributed transaction is
// ambient on the calling goroutine. It is a package-level hook rather
// than a parameter because the engine's public surface (Begin, TVar
// methods) never threads a coordinator handle explicitly — ambient
// distributed integration is opt-out (DisableDistributedIntegration),
// not opt-in.
var CoordinatorProvider func() (Coordinator, bool)

// DistPrepare runs two-phase-commit phase 1 (see Transaction.commitPrepare)
// and reports whether the coordinator should vote to commit: true iff the
// prepared status settled on Committed.
func (tx *Transaction) DistPrepare(ctx context.Context) (bool, error) {
	tx.commitPrepare()
	return tx.preparedStatus.load() == statusCommitted, nil
}

// DistCommit runs two-phase-commit phase 2 with outcome Committed.
func (tx *Transaction) DistCommit(ctx context.Context) error {
	tx.commitFinalize(statusCommitted)
	tx.signalDone()
	return nil
}

// DistRollback runs two-phase-commit phase 2 with outcome Aborted.
func (tx *Transaction) DistRollback(ctx context.Context) error {
	tx.commitFinalize(statusAborted)
	tx.signalDone()
	return nil
}

// DistInDoubt treats an in-doubt notification as a rollback, releasing
// any slot locks this transaction still holds.
func (tx *Transaction) DistInDoubt(ctx context.Context) error {
	return tx.DistRollback(ctx)
}
