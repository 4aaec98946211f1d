package stm

import "runtime"

// distributedBound marks the unique top-level (shadow) transaction that
// is enlisted with an ambient distributed coordinator. Only such a
// transaction is ever caught in Prepared state by another goroutine for
// longer than an instant, since an ordinary top-level transaction's
// Commit call runs prepare and finalize back-to-back.
func (tx *Transaction) isDistributedBound() bool {
	return tx.distributedBound
}

// commitNested folds tx's logs into its parent without ever touching a
// TVar slot: nested transactions never lock TVars. It fails with
// ErrParentFinished if the parent has already reached a terminal status.
func (tx *Transaction) commitNested() error {
	if tx.parent.status.load().terminal() {
		tx.status.compareAndSwap(statusUndetermined, statusAborted)
		globalStats.aborted.Inc()
		return ErrParentFinished
	}

	tx.parent.logMu.Lock()
	tx.logMu.Lock()
	tx.log.mergeInto(tx.parent.log)
	tx.logMu.Unlock()
	tx.parent.logMu.Unlock()

	tx.status.store(statusCommitted)
	globalStats.committed.Inc()
	return nil
}

// commitTopLevel runs the full two-phase commit protocol and, on
// success, the post-commit action queue.
func (tx *Transaction) commitTopLevel() error {
	tx.commitPrepare()
	outcome := tx.preparedStatus.load()
	tx.commitFinalize(outcome)
	tx.signalDone()

	if outcome != statusCommitted {
		globalStats.aborted.Inc()
		return ErrTransactionAborted
	}
	globalStats.committed.Inc()
	tx.runPostCommit()
	return nil
}

// commitPrepare runs two-phase-commit phase 1 (lock acquisition,
// ReadCheck, read-log verification) and is idempotent: it is safe to
// call redundantly, whether by tx's own goroutine or by a helper racing
// to complete tx's commit on tx's behalf.
func (tx *Transaction) commitPrepare() {
	if tx.preparedStatus.load().terminal() {
		return
	}

	tx.logMu.RLock()
	ids := tx.log.sortedWriteIDs()
	tx.logMu.RUnlock()

	aborted := false
	for _, id := range ids {
		tx.logMu.RLock()
		entry := tx.log.writes[id]
		tx.logMu.RUnlock()

		for {
			if tx.preparedStatus.load().terminal() {
				// Another goroutine already decided tx's fate.
				return
			}
			ok, stale := entry.tryLock(tx)
			if stale {
				aborted = true
				break
			}
			if ok {
				break
			}
			owner, has := entry.lockedByOther()
			if !has {
				continue // lock was freed concurrently; retry
			}
			resolveConflict(tx, owner)
			// Owner is now terminal (or Prepared+distributed, in which
			// case we briefly yielded); retry the lock attempt.
		}
		if aborted {
			break
		}
	}

	if aborted {
		tx.preparedStatus.compareAndSwap(statusUndetermined, statusAborted)
		tx.status.compareAndSwap(statusUndetermined, statusAborted)
		return
	}

	tx.status.compareAndSwap(statusUndetermined, statusReadCheck)

	if !tx.isConsistentLocked() {
		tx.preparedStatus.compareAndSwap(statusUndetermined, statusAborted)
		tx.status.compareAndSwap(statusReadCheck, statusAborted)
		return
	}

	tx.preparedStatus.compareAndSwap(statusUndetermined, statusCommitted)
	tx.status.compareAndSwap(statusReadCheck, statusPrepared)
}

// commitFinalize runs two-phase-commit phase 2: every locked TVar's slot
// is moved from this transaction's lock to the final value, and status
// settles on outcome. Safe to call more than once; later calls are
// no-ops once status has already reached a terminal value.
func (tx *Transaction) commitFinalize(outcome status) {
	if tx.status.load().terminal() {
		return
	}
	if outcome != statusCommitted {
		outcome = statusAborted
	}

	tx.logMu.RLock()
	entries := make([]*writeLogEntry, 0, len(tx.log.writes))
	for _, e := range tx.log.writes {
		entries = append(entries, e)
	}
	tx.logMu.RUnlock()

	commit := outcome == statusCommitted
	for _, e := range entries {
		e.finalize(tx, e.newValue, commit)
	}

	tx.status.compareAndSwap(statusPrepared, outcome)
	tx.status.compareAndSwap(statusReadCheck, outcome)
	tx.status.compareAndSwap(statusUndetermined, outcome)
}

func (tx *Transaction) runPostCommit() {
	tx.logMu.RLock()
	actions := append([]func(){}, tx.log.postCommit...)
	tx.logMu.RUnlock()
	for _, action := range actions {
		action()
	}
}

// resolveConflict drives owner toward a terminal status on self's
// behalf, implementing the reading-a-locked-slot procedure (spec
// §4.4.3) and the helping tie-break (spec §4.4.5). It returns once
// owner's status is terminal, or once owner is a distributed-bound
// transaction caught in Prepared state (in which case the caller must
// fall back to owner's old_value rather than force a decision).
func resolveConflict(self *Transaction, owner *Transaction) {
	for {
		st := owner.status.load()
		switch st {
		case statusCommitted, statusAborted:
			return

		case statusPrepared:
			if owner.isDistributedBound() {
				// The coordinator owns the decision; never abort or
				// force-commit it. Yield briefly and let the caller
				// use old_value.
				runtime.Gosched()
				return
			}
			owner.commitFinalize(owner.preparedStatus.load())
			owner.signalDone()
			return

		case statusReadCheck:
			if self != nil && self.status.load() == statusReadCheck && tieBreakAbort(self, owner) {
				if owner.preparedStatus.compareAndSwap(statusUndetermined, statusAborted) {
					globalStats.helperAborts.Inc()
				}
				finishOwner(owner)
				return
			}
			globalStats.helped.Inc()
			owner.commitPrepare()
			finishOwner(owner)
			return

		default: // statusUndetermined: owner holds the slot lock but has
			// not yet reached ReadCheck on its own goroutine.
			globalStats.helped.Inc()
			owner.commitPrepare()
			finishOwner(owner)
			return
		}
	}
}

func finishOwner(owner *Transaction) {
	outcome := owner.preparedStatus.load()
	if outcome == statusUndetermined {
		outcome = statusAborted
	}
	owner.commitFinalize(outcome)
	owner.signalDone()
}

// tieBreakAbort reports whether owner should be aborted rather than
// helped, given that both self and owner are presently in ReadCheck: the
// transaction with the greater id loses.
func tieBreakAbort(self, owner *Transaction) bool {
	return owner.id > self.id
}
