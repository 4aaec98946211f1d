package stm

import "time"

// RunAtomic executes body under a fresh transaction and commits it,
// retrying with exponential backoff on transaction-aborted failures and
// on consistency-tainted errors from body itself, until policy's
// deadline (if any) expires. The result is body's return value from
// whichever attempt actually committed. An error from body is
// propagated only if the transaction was still consistent at the time
// body returned it; otherwise the attempt is silently retried.
func RunAtomic[T any](body func() (T, error), opts Options, policy RetryPolicy) (T, error) {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultRetryPolicy().InitialBackoff
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultRetryPolicy().MaxBackoff
	}

	for {
		tx := Begin(opts)

		result, bodyErr := body()

		if bodyErr != nil {
			consistent := tx.IsConsistent()
			tx.Dispose()
			if !consistent {
				globalStats.retries.Inc()
				if deadlinePassed(policy) {
					var zero T
					return zero, ErrTransactionAborted
				}
				sleepBackoff(&backoff, maxBackoff)
				continue
			}
			return result, bodyErr
		}

		commitErr := tx.Commit(nil)
		if commitErr == nil {
			return result, nil
		}

		globalStats.retries.Inc()
		if deadlinePassed(policy) {
			var zero T
			return zero, commitErr
		}
		sleepBackoff(&backoff, maxBackoff)
	}
}

func deadlinePassed(policy RetryPolicy) bool {
	return !policy.Deadline.IsZero() && !timeNow().Before(policy.Deadline)
}

// timeNow is a thin indirection over time.Now so tests can substitute a
// deterministic clock without the engine depending on a clock interface
// for its normal operation.
var timeNow = time.Now

func sleepBackoff(backoff *time.Duration, maxBackoff time.Duration) {
	time.Sleep(*backoff)
	next := *backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	*backoff = next
}
