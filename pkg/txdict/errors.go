package txdict

import "errors"

var (
	// ErrTableFull is returned by Set when every cellar slot is already
	// occupied and a new chain node is needed to resolve a collision.
	ErrTableFull = errors.New("txdict: table full, no free cellar slot")
)
