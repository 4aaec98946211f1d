package stm

// readLogEntry records the value a transaction observed the first time
// it opened a TVar for read.
type readLogEntry struct {
	value any

	// slot is the type-erased *slotState[T] pointer captured at read
	// time, used to build a write-log entry's lock/finalize closures if
	// this TVar is later promoted from read to write without any other
	// goroutine having touched it in between. Nil when the read resolved
	// a distributed-bound transaction still in Prepared state, in which
	// case promotion falls back to a fresh read of the live slot.
	slot any

	// unchanged reports whether the TVar's committed value is still the
	// one this entry observed. Read always sets it, and an entry merged
	// into a parent on nested commit keeps it, so the parent's
	// consistency checks cover that read too. A nil closure is treated
	// as unchanged.
	unchanged func() bool
}

// writeLogEntry records the value a transaction saw when it first opened
// a TVar for write (from an ancestor's log or the committed slot) and the
// value that will be installed on commit, together with the closures
// that drive the commit-time lock/finalize protocol against the concrete
// TVar[T] this entry belongs to. tryLock and lockedByOther are pure
// functions of the TVar and the oldValue snapshot originally observed;
// they are carried unchanged through every nested promotion and merge so
// that the slot's CAS always targets the earliest ancestor's observation
// (spec §4.4.1). newValue instead always reflects the innermost write.
type writeLogEntry struct {
	oldValue any
	newValue any

	// tryLock attempts to move the TVar's slot from the snapshot this
	// entry was built against to a lock held by tx. ok is true once the
	// lock is held by tx (whether acquired just now or already held).
	// stale is true when the slot's committed value changed since
	// oldValue was observed, in which case the caller should treat the
	// transaction as conflicted rather than retry tryLock.
	tryLock func(tx *Transaction) (ok, stale bool)

	// lockedByOther reports the transaction currently holding the
	// slot's lock, if any.
	lockedByOther func() (*Transaction, bool)

	// finalize installs either the given newValue (commit) or this
	// entry's oldValue (abort) and releases the lock. newValue is passed
	// explicitly, rather than closed over, so that repeated merges of an
	// entry across nested commit levels always finalize with the latest
	// write regardless of which level's closures are in play. Only the
	// lock holder, or a helper acting on its behalf, may call this.
	finalize func(tx *Transaction, newValue any, commit bool)
}

// txLog is the per-transaction read-set, write-set, and post-commit
// action queue described by the spec's Transaction Log component.
type txLog struct {
	reads  map[uint64]*readLogEntry
	writes map[uint64]*writeLogEntry

	postCommit []func()
}

func newTxLog() *txLog {
	return &txLog{
		reads:  make(map[uint64]*readLogEntry),
		writes: make(map[uint64]*writeLogEntry),
	}
}

// moveToWrite deletes the read-log entry for id, if any, and returns the
// value it held so the caller can seed a new write-log entry's oldValue.
func (l *txLog) moveToWrite(id uint64) (any, bool) {
	entry, ok := l.reads[id]
	if !ok {
		return nil, false
	}
	delete(l.reads, id)
	return entry.value, true
}

// sortedWriteIDs returns the write-log's TVar ids in ascending order, the
// global order commit-time locking proceeds in to avoid livelock.
func (l *txLog) sortedWriteIDs() []uint64 {
	ids := make([]uint64, 0, len(l.writes))
	for id := range l.writes {
		ids = append(ids, id)
	}
	// Insertion sort: write-sets are small in the overwhelming common
	// case, and this avoids pulling in sort for a handful of uint64s.
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && ids[j] > key {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
	return ids
}

// mergeInto folds child's logs into parent on a successful nested commit.
// Write entries replace or insert, preserving the original oldValue from
// the earliest ancestor that observed the variable. Read entries are
// inserted only when the parent has no write-log entry for the same
// TVar. Post-commit actions are appended in order so the child's actions
// run before the parent's own (FIFO, innermost first).
func (child *txLog) mergeInto(parent *txLog) {
	for id, entry := range child.writes {
		if existing, ok := parent.writes[id]; ok {
			parent.writes[id] = &writeLogEntry{
				oldValue:      existing.oldValue,
				newValue:      entry.newValue,
				tryLock:       existing.tryLock,
				lockedByOther: existing.lockedByOther,
				finalize:      existing.finalize,
			}
			continue
		}
		delete(parent.reads, id)
		parent.writes[id] = entry
	}
	for id, entry := range child.reads {
		if _, writtenByParent := parent.writes[id]; writtenByParent {
			continue
		}
		if _, alreadyRead := parent.reads[id]; alreadyRead {
			continue
		}
		parent.reads[id] = entry
	}
	parent.postCommit = append(parent.postCommit, child.postCommit...)
}
