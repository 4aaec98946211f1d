// Package txdict implements a transactional associative container atop
// package stm: every bucket is itself a transactional variable, so
// concurrent dictionary operations compose with arbitrary user
// transactions through the same commit/helping protocol as any other
// TVar.
package txdict

import "github.com/mnohosten/gostm/pkg/stm"

const endOfChain = -1

type cellKind uint8

const (
	cellEmpty cellKind = iota
	cellOccupied
)

// cell is the bucket record described by the spec: a key/value pair
// plus the chain pointer and a flag marking whether this cell is the
// fixed address a key's hash maps to (as opposed to a cellar node
// reached only by following a chain).
type cell[K comparable, V any] struct {
	kind  cellKind
	key   K
	value V
	next  int
	first bool
}

// TxDict is a fixed-capacity hash table whose cells are TVars. Capacity
// is rounded up to a prime at construction; 86% of the slots are
// directly addressable by hash, the remaining 14% form a cellar used
// only for overflow chain nodes, coalesced-hashing style. There is no
// resize operation: size the table for the expected load at
// construction time.
type TxDict[K comparable, V any] struct {
	hash        func(K) uint64
	addressable int
	capacity    int

	cells    []*stm.TVar[cell[K, V]]
	count    *stm.TVar[int]
	freeHead *stm.TVar[int]
}

// New allocates a TxDict sized for at least minCapacity entries, using
// hash to map keys to addressable slots. It does not require an active
// transaction: TVar allocation needs none, and the initial free-list
// layout is written through RunAtomic, which nests inside the caller's
// transaction when one is active.
func New[K comparable, V any](minCapacity int, hash func(K) uint64) (*TxDict[K, V], error) {
	if minCapacity < 1 {
		minCapacity = 1
	}
	capacity := nextPrime(minCapacity)
	addressable := capacity * 86 / 100
	if addressable < 1 {
		addressable = 1
	}
	if addressable >= capacity {
		addressable = capacity - 1
	}
	if addressable < 1 {
		addressable = capacity
	}

	d := &TxDict[K, V]{
		hash:        hash,
		addressable: addressable,
		capacity:    capacity,
		cells:       make([]*stm.TVar[cell[K, V]], capacity),
	}

	for i := 0; i < capacity; i++ {
		v, err := stm.Allocate(cell[K, V]{kind: cellEmpty, next: endOfChain})
		if err != nil {
			return nil, err
		}
		d.cells[i] = v
	}
	count, err := stm.Allocate(0)
	if err != nil {
		return nil, err
	}
	d.count = count

	freeHead, err := stm.Allocate(endOfChain)
	if err != nil {
		return nil, err
	}
	d.freeHead = freeHead

	if err := d.rebuildFreeList(); err != nil {
		return nil, err
	}
	return d, nil
}

// rebuildFreeList threads every cellar slot into the free list, LIFO,
// and requires an active transaction (one is started internally via
// RunAtomic so New does not impose that requirement on its caller).
func (d *TxDict[K, V]) rebuildFreeList() error {
	_, err := stm.RunAtomic(func() (struct{}, error) {
		head := endOfChain
		for i := d.capacity - 1; i >= d.addressable; i-- {
			if err := d.cells[i].Set(cell[K, V]{kind: cellEmpty, next: head}); err != nil {
				return struct{}{}, err
			}
			head = i
		}
		return struct{}{}, d.freeHead.Set(head)
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	return err
}

func (d *TxDict[K, V]) homeIndex(key K) int {
	return int(d.hash(key) % uint64(d.addressable))
}

// Get returns the value stored for key and whether it was found.
// Requires an active transaction. Once the matching cell is located,
// every intermediate chain node visited along the way is released from
// the current transaction's read log: their contents cannot affect
// whether this lookup was correct, so keeping them open would only
// create false conflicts with unrelated updates to those chain links.
func (d *TxDict[K, V]) Get(key K) (V, bool, error) {
	var visited []int
	idx := d.homeIndex(key)
	for idx != endOfChain {
		c, err := d.cells[idx].Read()
		if err != nil {
			var zero V
			return zero, false, err
		}
		if c.kind == cellEmpty {
			break
		}
		if c.key == key {
			for _, vi := range visited {
				_ = d.cells[vi].Release()
			}
			return c.value, true, nil
		}
		visited = append(visited, idx)
		idx = c.next
	}
	var zero V
	return zero, false, nil
}

// ContainsKey reports whether key is present. Requires an active
// transaction.
func (d *TxDict[K, V]) ContainsKey(key K) (bool, error) {
	_, found, err := d.Get(key)
	return found, err
}

// Set inserts or updates key's value. Requires an active transaction.
func (d *TxDict[K, V]) Set(key K, value V) error {
	idx := d.homeIndex(key)
	predIdx := endOfChain
	for {
		c, err := d.cells[idx].OpenForWrite()
		if err != nil {
			return err
		}
		if c.kind == cellEmpty {
			c.kind = cellOccupied
			c.key = key
			c.value = value
			c.next = endOfChain
			c.first = predIdx == endOfChain
			if err := d.cells[idx].Set(c); err != nil {
				return err
			}
			return d.incrementCount()
		}
		if c.key == key {
			c.value = value
			return d.cells[idx].Set(c)
		}
		if c.next == endOfChain {
			freeIdx, err := d.popFree()
			if err != nil {
				return err
			}
			newCell := cell[K, V]{kind: cellOccupied, key: key, value: value, next: endOfChain}
			if err := d.cells[freeIdx].Set(newCell); err != nil {
				return err
			}
			c.next = freeIdx
			if err := d.cells[idx].Set(c); err != nil {
				return err
			}
			return d.incrementCount()
		}
		predIdx = idx
		idx = c.next
	}
}

// Remove deletes key, reporting whether it was present. Requires an
// active transaction. When the removed entry occupies its addressable
// home slot and has a cellar successor, the successor's contents are
// hoisted into the now-free home slot (keeping the chain short and the
// home address directly hittable) and the vacated cellar slot is
// returned to the free list.
func (d *TxDict[K, V]) Remove(key K) (bool, error) {
	home := d.homeIndex(key)
	idx := home
	predIdx := endOfChain
	for {
		c, err := d.cells[idx].OpenForWrite()
		if err != nil {
			return false, err
		}
		if c.kind == cellEmpty {
			return false, nil
		}
		if c.key != key {
			if c.next == endOfChain {
				return false, nil
			}
			predIdx = idx
			idx = c.next
			continue
		}

		if predIdx == endOfChain {
			if c.next == endOfChain {
				if err := d.cells[idx].Set(cell[K, V]{kind: cellEmpty, next: endOfChain}); err != nil {
					return false, err
				}
			} else {
				nextIdx := c.next
				nextCell, err := d.cells[nextIdx].OpenForWrite()
				if err != nil {
					return false, err
				}
				nextCell.first = true
				if err := d.cells[idx].Set(nextCell); err != nil {
					return false, err
				}
				if err := d.pushFree(nextIdx); err != nil {
					return false, err
				}
			}
		} else {
			predCell, err := d.cells[predIdx].OpenForWrite()
			if err != nil {
				return false, err
			}
			predCell.next = c.next
			if err := d.cells[predIdx].Set(predCell); err != nil {
				return false, err
			}
			if err := d.pushFree(idx); err != nil {
				return false, err
			}
		}

		if err := d.decrementCount(); err != nil {
			return false, err
		}
		return true, nil
	}
}

// ForEach calls fn for every present key/value pair in slot order.
// Iteration stops early if fn returns false. Requires an active
// transaction.
func (d *TxDict[K, V]) ForEach(fn func(key K, value V) bool) error {
	for i := 0; i < d.capacity; i++ {
		c, err := d.cells[i].Read()
		if err != nil {
			return err
		}
		if c.kind != cellOccupied {
			continue
		}
		if !fn(c.key, c.value) {
			return nil
		}
	}
	return nil
}

// Clear empties every slot and rebuilds the cellar free list. Requires
// an active transaction.
func (d *TxDict[K, V]) Clear() error {
	head := endOfChain
	for i := d.capacity - 1; i >= d.addressable; i-- {
		if err := d.cells[i].Set(cell[K, V]{kind: cellEmpty, next: head}); err != nil {
			return err
		}
		head = i
	}
	for i := 0; i < d.addressable; i++ {
		if err := d.cells[i].Set(cell[K, V]{kind: cellEmpty, next: endOfChain}); err != nil {
			return err
		}
	}
	if err := d.freeHead.Set(head); err != nil {
		return err
	}
	return d.count.Set(0)
}

// Size returns the number of entries currently stored. Requires an
// active transaction; use SizeCommitted outside one.
func (d *TxDict[K, V]) Size() (int, error) {
	return d.count.Read()
}

// SizeCommitted returns the last committed entry count without
// requiring a transaction.
func (d *TxDict[K, V]) SizeCommitted() int {
	return d.count.ReadCommitted()
}

func (d *TxDict[K, V]) incrementCount() error {
	n, err := d.count.OpenForWrite()
	if err != nil {
		return err
	}
	return d.count.Set(n + 1)
}

func (d *TxDict[K, V]) decrementCount() error {
	n, err := d.count.OpenForWrite()
	if err != nil {
		return err
	}
	return d.count.Set(n - 1)
}

// popFree removes and returns one slot index from the cellar free list.
// Every add or remove touches the shared count TVar (and one that takes
// or frees a cellar node also touches the free-head TVar), so
// concurrent inserts/removes anywhere in the table conflict with each
// other — an acknowledged scalability cost the spec accepts for
// simplicity.
func (d *TxDict[K, V]) popFree() (int, error) {
	head, err := d.freeHead.OpenForWrite()
	if err != nil {
		return 0, err
	}
	if head == endOfChain {
		return 0, ErrTableFull
	}
	c, err := d.cells[head].Read()
	if err != nil {
		return 0, err
	}
	if err := d.freeHead.Set(c.next); err != nil {
		return 0, err
	}
	return head, nil
}

func (d *TxDict[K, V]) pushFree(idx int) error {
	head, err := d.freeHead.OpenForWrite()
	if err != nil {
		return err
	}
	if err := d.cells[idx].Set(cell[K, V]{kind: cellEmpty, next: head}); err != nil {
		return err
	}
	return d.freeHead.Set(idx)
}
