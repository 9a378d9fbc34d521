package core

import (
	"bytes"
	"testing"
)

func TestPrefixStoreIsolation(t *testing.T) {
	base := NewMemStore()
	a := ContractStore(base, MockAddress(1))
	b := ContractStore(base, MockAddress(2))

	if err := a.Write([]byte("k"), []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Write([]byte("k"), []byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if v, _ := a.Read([]byte("k")); string(v) != "a" {
		t.Fatalf("a reads %q", v)
	}
	if v, _ := b.Read([]byte("k")); string(v) != "b" {
		t.Fatalf("b reads %q", v)
	}

	// The internal key carries the w ‖ addr namespace.
	addr := MockAddress(1)
	internal := concatBytes([]byte(contractNamespace), addr[:], []byte("k"))
	if v, _ := base.Read(internal); string(v) != "a" {
		t.Fatalf("internal key layout wrong: %q", v)
	}
}

func TestPrefixStoreScanStripsPrefix(t *testing.T) {
	base := NewMemStore()
	store := ContractStore(base, MockAddress(7))
	for _, k := range []string{"a", "b", "c"} {
		if err := store.Write([]byte(k), []byte(k)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// A neighboring namespace must not leak into the scan.
	neighbor := ContractStore(base, MockAddress(8))
	if err := neighbor.Write([]byte("a"), []byte("other")); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, err := CollectRecords(store.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(records[i].Key) != want {
			t.Fatalf("key %d: got %q want %q", i, records[i].Key, want)
		}
	}

	records, err = CollectRecords(store.Scan([]byte("b"), nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 2 || !bytes.Equal(records[0].Key, []byte("b")) {
		t.Fatalf("bounded scan: %v", records)
	}
}

func TestPrefixStoreRemoveRange(t *testing.T) {
	base := NewMemStore()
	store := ContractStore(base, MockAddress(3))
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := store.Write([]byte(k), []byte(k)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := store.RemoveRange([]byte("b"), []byte("d")); err != nil {
		t.Fatalf("remove range: %v", err)
	}
	keys, err := ScanKeys(store, nil, nil, OrderAscending)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 || string(keys[0]) != "a" || string(keys[1]) != "d" {
		t.Fatalf("remove range left %q", keys)
	}
}
