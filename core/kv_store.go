package core

// The KV contract every storage layer implements, the batch type they
// exchange, and the disk-backed base store adapting cometbft-db.

import (
	"bytes"
	"fmt"
	"sort"

	dbm "github.com/cometbft/cometbft-db"
)

//---------------------------------------------------------------------
// Order, Record, Iterator
//---------------------------------------------------------------------

// Order selects iteration direction. Lexicographic byte order is total.
type Order byte

const (
	OrderAscending Order = iota
	OrderDescending
)

// Record is one key-value pair yielded by a scan.
type Record struct {
	Key   []byte
	Value []byte
}

// Iterator walks records lazily. Next must be called before the first
// Key/Value access; it returns false once the range is exhausted or an
// error occurred (check Error afterwards).
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close()
}

//---------------------------------------------------------------------
// Batch
//---------------------------------------------------------------------

// Op is a single buffered operation: an insert carrying a value, or a
// delete.
type Op struct {
	Value  []byte
	Delete bool
}

// InsertOp and DeleteOp build the two op kinds.
func InsertOp(value []byte) Op { return Op{Value: value} }
func DeleteOp() Op             { return Op{Delete: true} }

// Batch is an ordered mapping from key to Op. Batches compose left-to-right
// with right bias: a later op overrides an earlier one for the same key.
type Batch struct {
	ops map[string]Op
}

func NewBatch() Batch {
	return Batch{ops: make(map[string]Op)}
}

func (b *Batch) ensure() {
	if b.ops == nil {
		b.ops = make(map[string]Op)
	}
}

// Put buffers an insert.
func (b *Batch) Put(key, value []byte) {
	b.ensure()
	b.ops[string(key)] = InsertOp(append([]byte(nil), value...))
}

// Del buffers a delete.
func (b *Batch) Del(key []byte) {
	b.ensure()
	b.ops[string(key)] = DeleteOp()
}

// Get returns the buffered op for a key, if any.
func (b *Batch) Get(key []byte) (Op, bool) {
	op, ok := b.ops[string(key)]
	return op, ok
}

func (b *Batch) Len() int { return len(b.ops) }

// Extend merges another batch in, the incoming batch taking precedence.
func (b *Batch) Extend(other Batch) {
	b.ensure()
	for k, op := range other.ops {
		b.ops[k] = op
	}
}

// Clone returns an independent copy.
func (b Batch) Clone() Batch {
	out := NewBatch()
	for k, op := range b.ops {
		out.ops[k] = op
	}
	return out
}

// SortedKeys returns the keys in ascending lexicographic order.
func (b Batch) SortedKeys() [][]byte {
	keys := make([][]byte, 0, len(b.ops))
	for k := range b.ops {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

// DeleteRange buffers deletes for every key of the batch inside [min, max).
func (b *Batch) DeleteRange(min, max []byte) {
	for k := range b.ops {
		if keyInRange([]byte(k), min, max) {
			b.ops[k] = DeleteOp()
		}
	}
}

// iterate walks the batch's ops inside [min, max) in the given order.
func (b Batch) iterate(min, max []byte, order Order) []struct {
	Key []byte
	Op  Op
} {
	keys := b.SortedKeys()
	out := make([]struct {
		Key []byte
		Op  Op
	}, 0, len(keys))
	for _, k := range keys {
		if keyInRange(k, min, max) {
			out = append(out, struct {
				Key []byte
				Op  Op
			}{k, b.ops[string(k)]})
		}
	}
	if order == OrderDescending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func keyInRange(key, min, max []byte) bool {
	if min != nil && bytes.Compare(key, min) < 0 {
		return false
	}
	if max != nil && bytes.Compare(key, max) >= 0 {
		return false
	}
	return true
}

// emptyRange reports whether [min, max) is trivially empty. Scans over an
// inverted range yield nothing rather than panicking.
func emptyRange(min, max []byte) bool {
	return min != nil && max != nil && bytes.Compare(min, max) > 0
}

//---------------------------------------------------------------------
// KVStore
//---------------------------------------------------------------------

// KVStore is the contract every storage layer implements: the disk-backed
// base, overlays, shared handles, and per-contract prefixed views. Values
// of this interface are handles; layers that need sharing embed their own
// synchronization.
//
// Scan bounds: min inclusive, max exclusive, nil unbounded. Flush applies a
// batch with no intermediate observable state.
type KVStore interface {
	Read(key []byte) ([]byte, error)
	Scan(min, max []byte, order Order) Iterator
	Write(key, value []byte) error
	Remove(key []byte) error
	RemoveRange(min, max []byte) error
	Flush(batch Batch) error
}

// ScanKeys collects the keys of a range. Convenience over Scan.
func ScanKeys(s KVStore, min, max []byte, order Order) ([][]byte, error) {
	it := s.Scan(min, max, order)
	defer it.Close()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	return keys, it.Error()
}

// ScanValues collects the values of a range. Convenience over Scan.
func ScanValues(s KVStore, min, max []byte, order Order) ([][]byte, error) {
	it := s.Scan(min, max, order)
	defer it.Close()
	var values [][]byte
	for it.Next() {
		values = append(values, append([]byte(nil), it.Value()...))
	}
	return values, it.Error()
}

// CollectRecords drains an iterator into a slice.
func CollectRecords(it Iterator) ([]Record, error) {
	defer it.Close()
	var out []Record
	for it.Next() {
		out = append(out, Record{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return out, it.Error()
}

// errIterator is an iterator that yields nothing but an error.
type errIterator struct{ err error }

func (it errIterator) Next() bool    { return false }
func (it errIterator) Key() []byte   { return nil }
func (it errIterator) Value() []byte { return nil }
func (it errIterator) Error() error  { return it.err }
func (it errIterator) Close()        {}

// emptyIterator yields nothing.
var emptyIterator = errIterator{}

//---------------------------------------------------------------------
// BaseStore — cometbft-db adapter
//---------------------------------------------------------------------

// BaseStore adapts a cometbft-db database to the KVStore contract. It is
// the persistent bottom of every store stack: MemDB in tests, GoLevelDB on
// a node.
type BaseStore struct {
	db dbm.DB
}

// NewMemStore returns a BaseStore over an in-memory ordered database.
func NewMemStore() *BaseStore {
	return &BaseStore{db: dbm.NewMemDB()}
}

// NewDiskStore opens (or creates) a GoLevelDB-backed store in dir.
func NewDiskStore(name, dir string) (*BaseStore, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseStore, err)
	}
	return &BaseStore{db: db}, nil
}

// NewBaseStore wraps an already-open database.
func NewBaseStore(db dbm.DB) *BaseStore { return &BaseStore{db: db} }

func (s *BaseStore) Read(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseStore, err)
	}
	return v, nil
}

func (s *BaseStore) Scan(min, max []byte, order Order) Iterator {
	if emptyRange(min, max) {
		return emptyIterator
	}
	var (
		it  dbm.Iterator
		err error
	)
	if order == OrderAscending {
		it, err = s.db.Iterator(min, max)
	} else {
		it, err = s.db.ReverseIterator(min, max)
	}
	if err != nil {
		return errIterator{err: fmt.Errorf("%w: %v", ErrBaseStore, err)}
	}
	return &baseIterator{inner: it}
}

func (s *BaseStore) Write(key, value []byte) error {
	if err := s.db.Set(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrBaseStore, err)
	}
	return nil
}

func (s *BaseStore) Remove(key []byte) error {
	if err := s.db.Delete(key); err != nil {
		return fmt.Errorf("%w: %v", ErrBaseStore, err)
	}
	return nil
}

func (s *BaseStore) RemoveRange(min, max []byte) error {
	keys, err := ScanKeys(s, min, max, OrderAscending)
	if err != nil {
		return err
	}
	batch := NewBatch()
	for _, k := range keys {
		batch.Del(k)
	}
	return s.Flush(batch)
}

// Flush applies the batch through the database's own write batch, which is
// atomic for the backends in use.
func (s *BaseStore) Flush(batch Batch) error {
	wb := s.db.NewBatch()
	defer wb.Close()
	for _, k := range batch.SortedKeys() {
		op, _ := batch.Get(k)
		var err error
		if op.Delete {
			err = wb.Delete(k)
		} else {
			err = wb.Set(k, op.Value)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBaseStore, err)
		}
	}
	if err := wb.Write(); err != nil {
		return fmt.Errorf("%w: %v", ErrBaseStore, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *BaseStore) Close() error { return s.db.Close() }

type baseIterator struct {
	inner   dbm.Iterator
	started bool
}

func (it *baseIterator) Next() bool {
	if !it.started {
		it.started = true
	} else if it.inner.Valid() {
		it.inner.Next()
	}
	return it.inner.Valid()
}

func (it *baseIterator) Key() []byte   { return it.inner.Key() }
func (it *baseIterator) Value() []byte { return it.inner.Value() }
func (it *baseIterator) Error() error  { return it.inner.Error() }
func (it *baseIterator) Close()        { _ = it.inner.Close() }

//---------------------------------------------------------------------
// Key helpers
//---------------------------------------------------------------------

// incrementLastByte returns the key immediately after every key having the
// given prefix: it bumps the last non-0xff byte and truncates. Used to turn
// "unbounded max under a prefix" into an explicit exclusive bound.
func incrementLastByte(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	// All bytes are 0xff: there is no upper bound.
	return nil
}

// concatBytes joins byte slices into a fresh buffer.
func concatBytes(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
