package stm

import (
	"errors"

	"github.com/mnohosten/gostm/pkg/clone"
)

// Sentinel errors surfaced by the engine. All errors are returned to the
// caller immediately; the engine never swallows or logs an error on the
// caller's behalf.
var (
	// ErrNoActiveTransaction is returned when an operation that requires
	// an active transaction on the calling goroutine finds none.
	ErrNoActiveTransaction = errors.New("stm: no active transaction")

	// ErrNotTop is returned when Commit is called on a transaction that
	// is not the topmost transaction on its goroutine's stack.
	ErrNotTop = errors.New("stm: commit called on non-topmost transaction")

	// ErrTransactionAborted is returned when a commit failed due to a
	// conflict, or when run_atomic gave up after its deadline elapsed.
	ErrTransactionAborted = errors.New("stm: transaction aborted")

	// ErrUnsupportedType is returned when a TVar is allocated for a type
	// the clone classifier cannot handle. It aliases the classifier's
	// own sentinel so callers can test with errors.Is against either
	// package.
	ErrUnsupportedType = clone.ErrUnsupportedType

	// ErrCoordinatorStillPending is returned by WaitForDistributed when
	// the timed wait for a distributed-coordinator decision expires.
	ErrCoordinatorStillPending = errors.New("stm: distributed coordinator decision still pending")

	// ErrCloneContractViolation is returned when a DeepClone operation
	// returns a value whose dynamic type differs from the original.
	ErrCloneContractViolation = errors.New("stm: clone contract violation")

	// ErrParentFinished is returned when a nested transaction attempts
	// to merge its logs into a parent that has already terminated.
	ErrParentFinished = errors.New("stm: parent transaction already finished")
)
