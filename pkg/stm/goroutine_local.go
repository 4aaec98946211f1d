package stm

import (
	"runtime"
	"strconv"
	"sync"
)

// Each goroutine has exactly one topmost transaction pointer; nesting is
// modeled by the transaction's parent chain, not a separate stack. Go has
// no native goroutine-local storage, so the topmost pointer is keyed by
// the calling goroutine's id, parsed from its runtime stack trace header
// the same way the (undocumented but widely relied upon) goid trick
// works. Every lookup and store only ever touches the calling goroutine's
// own entry, matching the spec's "each thread only writes its own"
// invariant.
var (
	topMu sync.RWMutex
	tops  = make(map[uint64]*Transaction)
)

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// b starts with "goroutine <id> [...".
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// currentTop returns the calling goroutine's topmost transaction, or nil
// if none is active. An entry left behind in a terminal state is evicted
// on read rather than trusted as a live parent: a shadow transaction's
// terminal transition is driven by DistPrepare/DistCommit/DistRollback,
// which the ambient distributed coordinator calls from its own fan-out
// goroutines, not from the goroutine that pushed the shadow — so no
// pop() call is ever in a position to clear that goroutine's entry
// directly. Self-healing here, rather than there, keeps every map write
// confined to the calling goroutine's own entry.
func currentTop() *Transaction {
	gid := goroutineID()
	topMu.RLock()
	tx := tops[gid]
	topMu.RUnlock()
	if tx == nil || !tx.status.load().terminal() {
		return tx
	}

	topMu.Lock()
	if tops[gid] == tx {
		delete(tops, gid)
	}
	topMu.Unlock()
	return nil
}

// setTop installs tx as the calling goroutine's topmost transaction,
// clearing the entry entirely when tx is nil so idle goroutines do not
// accumulate map entries.
func setTop(tx *Transaction) {
	gid := goroutineID()
	topMu.Lock()
	defer topMu.Unlock()
	if tx == nil {
		delete(tops, gid)
		return
	}
	tops[gid] = tx
}
