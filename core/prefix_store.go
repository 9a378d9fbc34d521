package core

// Prefix store: the namespaced view each contract sees. All keys are
// transparently prefixed with b"w" followed by the contract address, so a
// contract can never read or clobber another contract's state.

import "bytes"

// PrefixStore presents a logical store whose internal keys are
// namespace ‖ user_key. Scans rewrite bounds by prefixing and strip the
// prefix from returned keys.
type PrefixStore struct {
	store     KVStore
	namespace []byte
}

// NewPrefixStore builds a namespaced view by concatenating the prefixes.
func NewPrefixStore(store KVStore, prefixes ...[]byte) PrefixStore {
	return PrefixStore{store: store, namespace: concatBytes(prefixes...)}
}

// ContractStore is the view assigned to a contract: b"w" ‖ addr.
func ContractStore(store KVStore, addr Address) PrefixStore {
	return NewPrefixStore(store, []byte(contractNamespace), addr[:])
}

// Namespace returns the raw prefix.
func (p PrefixStore) Namespace() []byte { return p.namespace }

// prefixedRange rewrites user bounds into internal bounds. An unbounded max
// becomes the first key after the whole namespace.
func (p PrefixStore) prefixedRange(min, max []byte) ([]byte, []byte) {
	var lo, hi []byte
	if min != nil {
		lo = concatBytes(p.namespace, min)
	} else {
		lo = append([]byte(nil), p.namespace...)
	}
	if max != nil {
		hi = concatBytes(p.namespace, max)
	} else {
		hi = incrementLastByte(p.namespace)
	}
	return lo, hi
}

func (p PrefixStore) Read(key []byte) ([]byte, error) {
	return p.store.Read(concatBytes(p.namespace, key))
}

func (p PrefixStore) Write(key, value []byte) error {
	return p.store.Write(concatBytes(p.namespace, key), value)
}

func (p PrefixStore) Remove(key []byte) error {
	return p.store.Remove(concatBytes(p.namespace, key))
}

func (p PrefixStore) RemoveRange(min, max []byte) error {
	if emptyRange(min, max) {
		return nil
	}
	lo, hi := p.prefixedRange(min, max)
	return p.store.RemoveRange(lo, hi)
}

func (p PrefixStore) Flush(batch Batch) error {
	prefixed := NewBatch()
	for _, k := range batch.SortedKeys() {
		op, _ := batch.Get(k)
		pk := concatBytes(p.namespace, k)
		if op.Delete {
			prefixed.Del(pk)
		} else {
			prefixed.Put(pk, op.Value)
		}
	}
	return p.store.Flush(prefixed)
}

func (p PrefixStore) Scan(min, max []byte, order Order) Iterator {
	if emptyRange(min, max) {
		return emptyIterator
	}
	lo, hi := p.prefixedRange(min, max)
	return &prefixIterator{inner: p.store.Scan(lo, hi, order), namespace: p.namespace}
}

type prefixIterator struct {
	inner     Iterator
	namespace []byte
}

func (it *prefixIterator) Next() bool { return it.inner.Next() }

func (it *prefixIterator) Key() []byte {
	k := it.inner.Key()
	if bytes.HasPrefix(k, it.namespace) {
		return k[len(it.namespace):]
	}
	return k
}

func (it *prefixIterator) Value() []byte { return it.inner.Value() }
func (it *prefixIterator) Error() error  { return it.inner.Error() }
func (it *prefixIterator) Close()        { it.inner.Close() }
