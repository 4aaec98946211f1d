package stm

import "time"

// Options configures a transaction at Begin time. The set is closed: no
// other ambient behavior is tunable.
type Options struct {
	// EnsureConsistency re-verifies the entire read log after every
	// newly-added read-log entry and aborts on any drift. Off by
	// default because it is costly.
	EnsureConsistency bool

	// DisableDistributedIntegration skips enlistment with the ambient
	// distributed-transaction coordinator. Children inherit this flag
	// from their parent regardless of what they request.
	DisableDistributedIntegration bool
}

// DefaultOptions returns the zero-value option set: consistency checks
// off, distributed integration enabled.
func DefaultOptions() Options {
	return Options{}
}

// RetryPolicy controls the exponential backoff used by RunAtomic between
// retries.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Deadline is an absolute point in time after which RunAtomic stops
	// retrying and returns ErrTransactionAborted. The zero Time means
	// no deadline.
	Deadline time.Time
}

// DefaultRetryPolicy returns the policy described by the spec: backoff
// doubling from 1ms to a 250ms cap, no deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}
