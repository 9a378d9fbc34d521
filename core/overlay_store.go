package core

// Overlay store: an in-memory write buffer over a base store. Transaction
// phases and submessages each get their own overlay, so a failure rolls
// back by dropping the buffer without touching anything below it.

import "bytes"

// Overlay wraps a base store with a pending batch. Reads consult the batch
// first; writes and removes only ever touch the batch. Commit flushes the
// batch into the base as one unit, Discard drops it. Overlays nest: the
// base may itself be an overlay.
type Overlay struct {
	base    KVStore
	pending Batch
}

// NewOverlay creates an overlay with an empty write buffer.
func NewOverlay(base KVStore) *Overlay {
	return &Overlay{base: base, pending: NewBatch()}
}

// NewOverlayWithBatch resumes an overlay from a previously taken batch.
func NewOverlayWithBatch(base KVStore, pending Batch) *Overlay {
	if pending.ops == nil {
		pending = NewBatch()
	}
	return &Overlay{base: base, pending: pending}
}

// Base returns the wrapped store.
func (o *Overlay) Base() KVStore { return o.base }

// Pending returns the current write buffer (shared, not a copy).
func (o *Overlay) Pending() Batch { return o.pending }

// Disassemble returns the base store and the pending batch, consuming the
// overlay's buffer.
func (o *Overlay) Disassemble() (KVStore, Batch) {
	pending := o.pending
	o.pending = NewBatch()
	return o.base, pending
}

// Commit flushes the pending batch into the base and resets the buffer.
func (o *Overlay) Commit() error {
	pending := o.pending
	o.pending = NewBatch()
	return o.base.Flush(pending)
}

// Discard drops the pending batch, leaving the base untouched.
func (o *Overlay) Discard() {
	o.pending = NewBatch()
}

func (o *Overlay) Read(key []byte) ([]byte, error) {
	if op, ok := o.pending.Get(key); ok {
		if op.Delete {
			return nil, nil
		}
		return op.Value, nil
	}
	return o.base.Read(key)
}

func (o *Overlay) Write(key, value []byte) error {
	o.pending.Put(key, value)
	return nil
}

func (o *Overlay) Remove(key []byte) error {
	o.pending.Del(key)
	return nil
}

func (o *Overlay) RemoveRange(min, max []byte) error {
	// Every key currently visible in the range gets a pending delete, and
	// buffered inserts inside the range are overwritten too.
	keys, err := ScanKeys(o.base, min, max, OrderAscending)
	if err != nil {
		return err
	}
	for _, k := range keys {
		o.pending.Del(k)
	}
	o.pending.DeleteRange(min, max)
	return nil
}

// Flush merges an incoming batch into the pending buffer, the incoming ops
// taking precedence. This is what makes a nested overlay's Commit land here
// instead of on disk.
func (o *Overlay) Flush(batch Batch) error {
	o.pending.Extend(batch)
	return nil
}

// Scan merges the base iterator with the pending batch in lexicographic
// order. Per-key tie break: a pending insert replaces the base value, a
// pending delete suppresses the base record.
func (o *Overlay) Scan(min, max []byte, order Order) Iterator {
	if emptyRange(min, max) {
		return emptyIterator
	}
	return &overlayIterator{
		base:    o.base.Scan(min, max, order),
		pending: o.pending.iterate(min, max, order),
		order:   order,
	}
}

type overlayIterator struct {
	base    Iterator
	pending []struct {
		Key []byte
		Op  Op
	}
	order Order

	baseRec  *Record // peeked base record, nil when base is exhausted
	baseDone bool

	key   []byte
	value []byte
}

func (it *overlayIterator) peekBase() *Record {
	if it.baseDone {
		return nil
	}
	if it.baseRec == nil {
		if it.base.Next() {
			it.baseRec = &Record{Key: it.base.Key(), Value: it.base.Value()}
		} else {
			it.baseDone = true
		}
	}
	return it.baseRec
}

// takesFirst reports whether key a comes before key b in the iterator's
// direction.
func (it *overlayIterator) takesFirst(a, b []byte) bool {
	if it.order == OrderAscending {
		return bytes.Compare(a, b) < 0
	}
	return bytes.Compare(a, b) > 0
}

func (it *overlayIterator) Next() bool {
	for {
		base := it.peekBase()
		havePending := len(it.pending) > 0

		switch {
		case base == nil && !havePending:
			return false

		case base == nil:
			entry := it.pending[0]
			it.pending = it.pending[1:]
			if entry.Op.Delete {
				continue // nothing in base to suppress, just skip
			}
			it.key, it.value = entry.Key, entry.Op.Value
			return true

		case !havePending:
			it.key, it.value = base.Key, base.Value
			it.baseRec = nil
			return true

		default:
			entry := it.pending[0]
			cmp := bytes.Compare(base.Key, entry.Key)
			if cmp == 0 {
				// Tie: pending wins. Consume both sides.
				it.pending = it.pending[1:]
				it.baseRec = nil
				if entry.Op.Delete {
					continue
				}
				it.key, it.value = entry.Key, entry.Op.Value
				return true
			}
			if it.takesFirst(base.Key, entry.Key) {
				it.key, it.value = base.Key, base.Value
				it.baseRec = nil
				return true
			}
			it.pending = it.pending[1:]
			if entry.Op.Delete {
				continue
			}
			it.key, it.value = entry.Key, entry.Op.Value
			return true
		}
	}
}

func (it *overlayIterator) Key() []byte   { return it.key }
func (it *overlayIterator) Value() []byte { return it.value }
func (it *overlayIterator) Error() error  { return it.base.Error() }
func (it *overlayIterator) Close()        { it.base.Close() }
