package core

// Shared store: a reference-counted handle giving multiple holders one
// mutable view of the same store. The WASM host hands the same storage to
// several import functions; each needs to mutate it in sequence, so the
// handle provides interior mutability behind a mutex. The runtime is
// single-threaded within a block, so the lock is never contended; it makes
// the handle safe if blocks ever execute on different threads.

import "sync"

type sharedInner struct {
	mu    sync.Mutex
	store KVStore
	refs  int
}

// SharedStore is a clone-able store handle. All copies made through Share
// observe and mutate the same underlying store.
type SharedStore struct {
	inner *sharedInner
}

// NewSharedStore wraps a store in a fresh shared cell with one handle.
func NewSharedStore(store KVStore) SharedStore {
	return SharedStore{inner: &sharedInner{store: store, refs: 1}}
}

// Share returns a new handle to the same store.
func (s SharedStore) Share() SharedStore {
	s.inner.mu.Lock()
	s.inner.refs++
	s.inner.mu.Unlock()
	return SharedStore{inner: s.inner}
}

// Drop releases one handle. Only needed on paths that later Disassemble.
func (s SharedStore) Drop() {
	s.inner.mu.Lock()
	s.inner.refs--
	s.inner.mu.Unlock()
}

// Disassemble reclaims exclusive ownership of the underlying store. It
// fails with ErrStillShared unless this is the last outstanding handle.
func (s SharedStore) Disassemble() (KVStore, error) {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	if s.inner.refs > 1 {
		return nil, ErrStillShared
	}
	s.inner.refs = 0
	return s.inner.store, nil
}

func (s SharedStore) Read(key []byte) ([]byte, error) {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.store.Read(key)
}

func (s SharedStore) Write(key, value []byte) error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.store.Write(key, value)
}

func (s SharedStore) Remove(key []byte) error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.store.Remove(key)
}

func (s SharedStore) RemoveRange(min, max []byte) error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.store.RemoveRange(min, max)
}

func (s SharedStore) Flush(batch Batch) error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.store.Flush(batch)
}

// Scan fetches records in fixed-size pages so the iterator never holds the
// lock across host calls. A page of 30 matches the default pagination limit
// contracts use, so a typical scan costs one page fetch.
func (s SharedStore) Scan(min, max []byte, order Order) Iterator {
	if emptyRange(min, max) {
		return emptyIterator
	}
	return &sharedIterator{
		shared: s,
		min:    append([]byte(nil), min...),
		max:    append([]byte(nil), max...),
		order:  order,
		hasMin: min != nil,
		hasMax: max != nil,
	}
}

const sharedIterPageSize = 30

type sharedIterator struct {
	shared SharedStore
	min    []byte
	max    []byte
	hasMin bool
	hasMax bool
	order  Order

	page []Record
	pos  int
	err  error
	done bool
}

func (it *sharedIterator) fetchPage() {
	var min, max []byte
	if it.hasMin {
		min = it.min
	}
	if it.hasMax {
		max = it.max
	}

	it.shared.inner.mu.Lock()
	inner := it.shared.inner.store.Scan(min, max, it.order)
	page := make([]Record, 0, sharedIterPageSize)
	for len(page) < sharedIterPageSize && inner.Next() {
		page = append(page, Record{
			Key:   append([]byte(nil), inner.Key()...),
			Value: append([]byte(nil), inner.Value()...),
		})
	}
	it.err = inner.Error()
	inner.Close()
	it.shared.inner.mu.Unlock()

	if len(page) < sharedIterPageSize {
		it.done = true
	}
	if len(page) > 0 {
		// Advance the bound past the last record so the next page resumes
		// where this one ended.
		last := page[len(page)-1].Key
		if it.order == OrderAscending {
			// The smallest key strictly greater than last.
			it.min = append(append([]byte(nil), last...), 0x00)
			it.hasMin = true
		} else {
			it.max = append([]byte(nil), last...)
			it.hasMax = true
		}
	}
	it.page = page
	it.pos = -1
}

func (it *sharedIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos < len(it.page) {
		return true
	}
	if it.done {
		return false
	}
	it.fetchPage()
	it.pos = 0
	return it.err == nil && len(it.page) > 0
}

func (it *sharedIterator) Key() []byte   { return it.page[it.pos].Key }
func (it *sharedIterator) Value() []byte { return it.page[it.pos].Value }
func (it *sharedIterator) Error() error  { return it.err }
func (it *sharedIterator) Close()        {}
