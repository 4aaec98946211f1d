package stm

import (
	"sync/atomic"

	"github.com/mnohosten/gostm/pkg/clone"
)

var nextTVarID atomic.Uint64

func newTVarID() uint64 {
	return nextTVarID.Add(1)
}

// slotState is a TVar's single "current" slot: it holds either a
// committed value or a reference to the transaction that currently has
// the variable locked for commit, never both. lockedBy is nil in the
// committed case. Every transition (lock, unlock, commit, abort)
// installs a brand new *slotState, so pointer identity is an exact,
// panic-free way to detect "nothing has touched this TVar since",
// regardless of whether T itself is comparable.
type slotState[T any] struct {
	lockedBy *Transaction
	value    T // committed value when lockedBy == nil; otherwise old_value
}

// TVar is an addressable transactional memory cell. Allocate a TVar with
// Allocate; every other operation requires an active transaction on the
// calling goroutine except Read, ReadCommitted, and ReadWithoutOpening,
// which fall back to the last committed value when none is active, and
// IsConsistent, which then reports true.
type TVar[T any] struct {
	id   uint64
	mode clone.Mode
	slot atomic.Pointer[slotState[T]]
}

// Allocate classifies T's clone mode once (see package clone) and
// installs initial as the TVar's first committed value. It fails with
// ErrUnsupportedType if T cannot be classified, deterministically at
// allocation time rather than at first write.
func Allocate[T any](initial T) (*TVar[T], error) {
	mode, err := clone.Classify(initial)
	if err != nil {
		return nil, err
	}
	v := &TVar[T]{id: newTVarID(), mode: mode}
	v.slot.Store(&slotState[T]{value: cloneForStorage(mode, initial)})
	return v, nil
}

// cloneForStorage returns the value to install as a fresh committed
// snapshot. NoClone and Rebox types are handled by Go's own by-value
// struct assignment; only DeepClone needs an explicit call through the
// Cloner contract.
func cloneForStorage[T any](mode clone.Mode, v T) T {
	if mode != clone.DeepClone {
		return v
	}
	if c, ok := any(v).(clone.Cloner[T]); ok {
		return c.Clone()
	}
	return v
}

// Read returns the value visible to the current transaction, walking
// the ancestor chain first, then the committed slot. If no transaction
// is active on the calling goroutine, it returns the most recent
// committed value without recording anything.
func (v *TVar[T]) Read() (T, error) {
	tx, ok := Current()
	if !ok {
		value, _, _ := v.resolveCommitted(nil)
		return value, nil
	}

	if hit, found := v.lookupAncestor(tx); found {
		return hit.value, nil
	}

	value, snap, err := v.resolveCommitted(tx)
	if err != nil {
		var zero T
		return zero, err
	}

	tx.logMu.Lock()
	tx.log.reads[v.id] = &readLogEntry{
		value:     value,
		slot:      snap,
		unchanged: v.unchangedSince(tx, snap),
	}
	tx.logMu.Unlock()

	if tx.options.EnsureConsistency && !tx.isConsistentLocked() {
		globalStats.consistencyFailures.Inc()
		tx.status.compareAndSwap(statusUndetermined, statusAborted)
		var zero T
		return zero, ErrTransactionAborted
	}

	return value, nil
}

// ReadCommitted bypasses transaction logs entirely and returns the last
// committed value, even from within an active transaction.
func (v *TVar[T]) ReadCommitted() T {
	value, _, _ := v.resolveCommitted(nil)
	return value
}

// ReadWithoutOpening behaves like Read but never records a read-log
// entry, so a subsequent commit cannot conflict on this observation.
func (v *TVar[T]) ReadWithoutOpening() (T, error) {
	tx, ok := Current()
	if !ok {
		value, _, _ := v.resolveCommitted(nil)
		return value, nil
	}
	if hit, found := v.lookupAncestor(tx); found {
		return hit.value, nil
	}
	value, _, err := v.resolveCommitted(tx)
	return value, err
}

// OpenForWrite returns the transaction's private mutable view: the read
// portion of a read-modify-write. Requires an active transaction.
func (v *TVar[T]) OpenForWrite() (T, error) {
	tx, ok := Current()
	if !ok {
		var zero T
		return zero, ErrNoActiveTransaction
	}
	value, err := v.openForWrite(tx, nil)
	return value, err
}

// Set installs newValue in the current transaction's write log. Requires
// an active transaction.
func (v *TVar[T]) Set(newValue T) error {
	tx, ok := Current()
	if !ok {
		return ErrNoActiveTransaction
	}
	_, err := v.openForWrite(tx, &newValue)
	return err
}

// openForWrite implements both OpenForWrite (override == nil, writes
// back the observed value unchanged) and Set (override != nil). Both
// need the same "find or create this TVar's write-log entry" logic.
func (v *TVar[T]) openForWrite(tx *Transaction, override *T) (T, error) {
	tx.logMu.Lock()
	if entry, ok := tx.log.writes[v.id]; ok {
		if override != nil {
			entry.newValue = cloneForStorage(v.mode, *override)
		}
		val := entry.newValue.(T)
		tx.logMu.Unlock()
		return val, nil
	}
	tx.logMu.Unlock()

	if hit, found := v.lookupAncestor(tx); found {
		newValue := hit.value
		if override != nil {
			newValue = *override
		}
		entry := v.deriveOrBuildEntry(hit, newValue)
		tx.logMu.Lock()
		delete(tx.log.reads, v.id)
		tx.log.writes[v.id] = entry
		tx.logMu.Unlock()
		return newValue, nil
	}

	oldValue, snap, err := v.resolveCommitted(tx)
	if err != nil {
		var zero T
		return zero, err
	}
	newValue := oldValue
	if override != nil {
		newValue = *override
	}
	tx.logMu.Lock()
	tx.log.writes[v.id] = v.newWriteEntry(snap, oldValue, newValue)
	tx.logMu.Unlock()
	return newValue, nil
}

// Release removes this TVar from the current transaction's read or
// write log, suppressing false conflicts with unrelated commits at the
// cost of no longer participating in this transaction's isolation
// guarantee for this variable. Requires an active transaction.
func (v *TVar[T]) Release() error {
	tx, ok := Current()
	if !ok {
		return ErrNoActiveTransaction
	}
	tx.logMu.Lock()
	delete(tx.log.reads, v.id)
	delete(tx.log.writes, v.id)
	tx.logMu.Unlock()
	return nil
}

// CheckConsistency verifies that this TVar's observed value has not
// changed due to a concurrent commit since the current transaction
// recorded it. Requires an active transaction.
func (v *TVar[T]) CheckConsistency() error {
	tx, ok := Current()
	if !ok {
		return ErrNoActiveTransaction
	}
	tx.logMu.RLock()
	entry, ok := tx.log.reads[v.id]
	tx.logMu.RUnlock()
	if !ok || entry.unchanged == nil {
		return nil
	}
	if !entry.unchanged() {
		return ErrTransactionAborted
	}
	return nil
}

// IsConsistent reports whether this TVar's observed value is still
// consistent with the committed state, without side effects. Returns
// true when no transaction is active or none has read this TVar.
func (v *TVar[T]) IsConsistent() bool {
	tx, ok := Current()
	if !ok {
		return true
	}
	tx.logMu.RLock()
	entry, ok := tx.log.reads[v.id]
	tx.logMu.RUnlock()
	if !ok || entry.unchanged == nil {
		return true
	}
	return entry.unchanged()
}

// ancestorHit is what lookupAncestor found for a TVar somewhere on the
// calling transaction's ancestor chain.
type ancestorHit[T any] struct {
	value      T
	writeEntry *writeLogEntry    // non-nil if the hit came from a write log
	readSlot   *slotState[T]     // captured snapshot if the hit came from a read log
}

// lookupAncestor walks tx's ancestor chain (including tx itself),
// implementing spec step 1 of the read path (§4.4.2): if any ancestor
// already has this TVar open, return that entry's visible value without
// touching the live slot.
func (v *TVar[T]) lookupAncestor(tx *Transaction) (ancestorHit[T], bool) {
	for anc := tx; anc != nil; anc = anc.parent {
		anc.logMu.RLock()
		if entry, ok := anc.log.writes[v.id]; ok {
			hit := ancestorHit[T]{value: entry.newValue.(T), writeEntry: entry}
			anc.logMu.RUnlock()
			return hit, true
		}
		if entry, ok := anc.log.reads[v.id]; ok {
			snap, _ := entry.slot.(*slotState[T])
			hit := ancestorHit[T]{value: entry.value.(T), readSlot: snap}
			anc.logMu.RUnlock()
			return hit, true
		}
		anc.logMu.RUnlock()
	}
	return ancestorHit[T]{}, false
}

// deriveOrBuildEntry promotes an ancestor hit into a fresh write-log
// entry for the calling (typically nested) transaction. When the hit
// came from an ancestor's write log, its lock/finalize closures (built
// against the earliest observation of this TVar) are carried forward
// unchanged; only newValue varies. When it came from a read log with a
// usable captured snapshot, a fresh entry is built against that
// snapshot. Otherwise (no usable snapshot, e.g. a distributed-bound
// fallback read) the live slot is re-resolved from scratch.
func (v *TVar[T]) deriveOrBuildEntry(hit ancestorHit[T], newValue T) *writeLogEntry {
	if hit.writeEntry != nil {
		return &writeLogEntry{
			oldValue:      hit.writeEntry.oldValue,
			newValue:      cloneForStorage(v.mode, newValue),
			tryLock:       hit.writeEntry.tryLock,
			lockedByOther: hit.writeEntry.lockedByOther,
			finalize:      hit.writeEntry.finalize,
		}
	}
	if hit.readSlot != nil {
		return v.newWriteEntry(hit.readSlot, hit.value, newValue)
	}
	oldValue, snap, err := v.resolveCommitted(nil)
	if err != nil {
		oldValue = hit.value
	}
	return v.newWriteEntry(snap, oldValue, newValue)
}

// resolveCommitted returns the slot's committed value and the exact
// *slotState pointer it was read from, resolving a locked slot per
// §4.4.3 on self's behalf (self may be nil for a non-transactional read,
// which always helps unconditionally since a nil self is never in
// ReadCheck). The returned pointer is nil only when the slot was still
// locked by a distributed-bound transaction in Prepared state after
// resolution returned, in which case value is that transaction's
// old_value and no stable snapshot exists to compare against later.
func (v *TVar[T]) resolveCommitted(self *Transaction) (T, *slotState[T], error) {
	for {
		st := v.slot.Load()
		if st.lockedBy == nil {
			return st.value, st, nil
		}
		owner := st.lockedBy
		resolveConflict(self, owner)
		if owner.status.load().terminal() {
			continue // the slot is unlocked now; re-read it fresh
		}
		owner.logMu.RLock()
		entry, ok := owner.log.writes[v.id]
		owner.logMu.RUnlock()
		if !ok {
			continue
		}
		return entry.oldValue.(T), nil, nil
	}
}

// unchangedSince returns a closure that reports whether v's committed
// slot is still the exact one snapshot captured at read time. snapshot
// may be nil (distributed-bound fallback read); such a read never
// blocks a later consistency check, since no stable observation was
// actually made.
func (v *TVar[T]) unchangedSince(owningTx *Transaction, snapshot *slotState[T]) func() bool {
	if snapshot == nil {
		return func() bool { return true }
	}
	return func() bool {
		_, current, err := v.resolveCommitted(owningTx)
		return err == nil && current == snapshot
	}
}

// newWriteEntry builds a write-log entry whose lock/finalize closures
// target oldSnapshot, the exact slot state observed when oldValue was
// first read.
func (v *TVar[T]) newWriteEntry(oldSnapshot *slotState[T], oldValue, newValue T) *writeLogEntry {
	entry := &writeLogEntry{
		oldValue: oldValue,
		newValue: cloneForStorage(v.mode, newValue),
	}
	entry.tryLock = func(locker *Transaction) (ok, stale bool) {
		cur := v.slot.Load()
		if cur.lockedBy == locker {
			return true, false
		}
		if cur.lockedBy != nil {
			return false, false
		}
		if cur != oldSnapshot {
			return false, true
		}
		next := &slotState[T]{lockedBy: locker, value: oldValue}
		return v.slot.CompareAndSwap(oldSnapshot, next), false
	}
	entry.lockedByOther = func() (*Transaction, bool) {
		cur := v.slot.Load()
		if cur.lockedBy == nil {
			return nil, false
		}
		return cur.lockedBy, true
	}
	entry.finalize = func(tx *Transaction, newVal any, commit bool) {
		cur := v.slot.Load()
		if cur.lockedBy != tx {
			return
		}
		final := oldValue
		if commit {
			final = newVal.(T)
		}
		v.slot.CompareAndSwap(cur, &slotState[T]{value: final})
	}
	return entry
}
