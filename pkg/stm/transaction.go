package stm

import (
	"sync"
	"sync/atomic"
	"time"
)

var nextTxnID atomic.Uint64

func newTxnID() uint64 {
	return nextTxnID.Add(1)
}

// Transaction is the opaque handle returned by Begin. Its logs are
// private to the owning goroutine while Undetermined; once it enters
// ReadCheck or later, logMu guards the maps so a helper on another
// goroutine can read and drive its commit protocol safely.
type Transaction struct {
	id      uint64
	parent  *Transaction
	options Options

	status         atomicStatus
	preparedStatus atomicStatus

	logMu sync.RWMutex
	log   *txLog

	removedFromStack atomic.Bool

	// distributedBound is true only for the shadow transaction enlisted
	// with an ambient distributed coordinator: the one top-level
	// transaction a helper must never force to a decision while Prepared.
	distributedBound bool

	enlistment Enlistment // non-nil only for an ambient shadow transaction

	doneCh   chan struct{}
	doneOnce sync.Once
}

// Begin allocates a new transaction whose parent is the calling
// goroutine's current top, inherits DisableDistributedIntegration from
// that parent, and becomes the new top. When no ancestor is already
// bound to an ambient distributed coordinator and integration is not
// disabled, a shadow transaction is pushed first and the returned
// transaction nests within it.
func Begin(opts Options) *Transaction {
	parent := currentTop()
	if parent != nil {
		opts.DisableDistributedIntegration = parent.options.DisableDistributedIntegration
	} else if !opts.DisableDistributedIntegration {
		if shadow := beginShadowIfAmbient(opts); shadow != nil {
			parent = shadow
		}
	}

	tx := &Transaction{
		id:      newTxnID(),
		parent:  parent,
		options: opts,
		log:     newTxLog(),
		doneCh:  make(chan struct{}),
	}
	tx.status.store(statusUndetermined)
	tx.preparedStatus.store(statusUndetermined)

	setTop(tx)
	globalStats.begun.Inc()
	return tx
}

// beginShadowIfAmbient pushes and enlists a shadow transaction bound to
// the ambient coordinator, if one is registered. It is only ever called
// when there is no current top, so the shadow itself has no parent.
func beginShadowIfAmbient(opts Options) *Transaction {
	if CoordinatorProvider == nil {
		return nil
	}
	coordinator, ok := CoordinatorProvider()
	if !ok || coordinator == nil {
		return nil
	}

	shadow := &Transaction{
		id:      newTxnID(),
		options: opts,
		log:     newTxLog(),
		doneCh:  make(chan struct{}),
	}
	shadow.status.store(statusUndetermined)
	shadow.preparedStatus.store(statusUndetermined)

	enlistment, err := coordinator.Enlist(shadow)
	if err != nil || enlistment == nil {
		return nil
	}
	shadow.enlistment = enlistment
	shadow.distributedBound = true
	setTop(shadow)
	return shadow
}

// Current returns the calling goroutine's active transaction, if any.
func Current() (*Transaction, bool) {
	tx := currentTop()
	return tx, tx != nil
}

// Commit is legal only when the caller is the topmost transaction on its
// goroutine. postCommitAction, if non-nil, is enqueued into this
// transaction's post-commit queue before the commit protocol runs.
func (tx *Transaction) Commit(postCommitAction func()) error {
	if currentTop() != tx {
		return ErrNotTop
	}
	if postCommitAction != nil {
		tx.logMu.Lock()
		tx.log.postCommit = append(tx.log.postCommit, postCommitAction)
		tx.logMu.Unlock()
	}

	if tx.parent != nil {
		err := tx.commitNested()
		tx.pop()
		return err
	}
	err := tx.commitTopLevel()
	tx.pop()
	return err
}

// Dispose pops the transaction from its goroutine's stack, aborting it
// first if it had not already reached a terminal status. Disposing a
// shadow-bound transaction while the ambient distributed transaction
// still holds references does not detach the transaction object; it
// only unlinks the ambient handle.
func (tx *Transaction) Dispose() {
	// Undetermined and ReadCheck are the only non-terminal statuses a
	// transaction can be disposed from. An Undetermined transaction has
	// acquired no TVar slot locks (locking only happens inside
	// commitPrepare, which a disposed transaction never entered); a
	// ReadCheck one already holds its locks, since commitPrepare takes
	// them before moving to ReadCheck, and is still inside commitPrepare
	// on a helper's goroutine.
	wasNonTerminal := !tx.status.load().terminal()
	tx.status.compareAndSwap(statusUndetermined, statusAborted)
	tx.status.compareAndSwap(statusReadCheck, statusAborted)
	if wasNonTerminal {
		globalStats.aborted.Inc()
	}
	tx.signalDone()
	if tx.enlistment != nil {
		tx.enlistment.Release()
		tx.enlistment = nil
	}
	tx.pop()
}

// pop removes tx from its goroutine's stack and marks it removed. Nested
// transactions, including one nested under an ambient shadow, restore
// their parent as the new top; top-level transactions clear the
// goroutine's entry entirely.
func (tx *Transaction) pop() {
	if !tx.removedFromStack.CompareAndSwap(false, true) {
		return
	}
	if tx.parent != nil {
		setTop(tx.parent)
	} else {
		setTop(nil)
	}
}

func (tx *Transaction) signalDone() {
	tx.doneOnce.Do(func() { close(tx.doneCh) })
}

// WaitForDistributed blocks until this transaction's ambient distributed
// decision is known, or timeout elapses. A zero timeout returns
// immediately; a negative timeout blocks indefinitely.
func (tx *Transaction) WaitForDistributed(timeout time.Duration) error {
	if timeout == 0 {
		select {
		case <-tx.doneCh:
			return nil
		default:
			return ErrCoordinatorStillPending
		}
	}
	if timeout < 0 {
		<-tx.doneCh
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tx.doneCh:
		return nil
	case <-timer.C:
		return ErrCoordinatorStillPending
	}
}

// WaitForDistributed waits on the calling goroutine's current
// transaction. It returns ErrNoActiveTransaction if none is active.
func WaitForDistributed(timeout time.Duration) error {
	tx := currentTop()
	if tx == nil {
		return ErrNoActiveTransaction
	}
	return tx.WaitForDistributed(timeout)
}

// CheckConsistency re-verifies every entry in this transaction's read
// log against the committed state and aborts the transaction if any
// drift is found.
func (tx *Transaction) CheckConsistency() error {
	if !tx.isConsistentLocked() {
		tx.status.compareAndSwap(statusUndetermined, statusAborted)
		tx.status.compareAndSwap(statusReadCheck, statusAborted)
		globalStats.consistencyFailures.Inc()
		return ErrTransactionAborted
	}
	return nil
}

// IsConsistent reports whether this transaction's read log is still
// consistent with the committed state, without side effects.
func (tx *Transaction) IsConsistent() bool {
	return tx.isConsistentLocked()
}

func (tx *Transaction) isConsistentLocked() bool {
	tx.logMu.RLock()
	defer tx.logMu.RUnlock()
	for _, entry := range tx.log.reads {
		if entry.unchanged != nil && !entry.unchanged() {
			return false
		}
	}
	return true
}

// CheckConsistency re-verifies the calling goroutine's current
// transaction.
func CheckConsistency() error {
	tx := currentTop()
	if tx == nil {
		return ErrNoActiveTransaction
	}
	return tx.CheckConsistency()
}

// IsConsistent reports whether the calling goroutine's current
// transaction is still consistent.
func IsConsistent() bool {
	tx := currentTop()
	if tx == nil {
		return true
	}
	return tx.IsConsistent()
}
