package core

import (
	"fmt"
	"testing"
)

func TestSharedStoreVisibility(t *testing.T) {
	shared := NewSharedStore(NewMemStore())
	other := shared.Share()

	if err := shared.Write([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := other.Read([]byte("k"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("clone doesn't see write: %q", v)
	}
}

func TestSharedStoreDisassemble(t *testing.T) {
	shared := NewSharedStore(NewMemStore())
	other := shared.Share()

	if _, err := shared.Disassemble(); err != ErrStillShared {
		t.Fatalf("disassemble with outstanding handle: got %v", err)
	}
	other.Drop()
	if _, err := shared.Disassemble(); err != nil {
		t.Fatalf("disassemble as last handle: %v", err)
	}
}

func TestSharedStoreIterator(t *testing.T) {
	shared := NewSharedStore(NewMemStore())

	// More records than one page so the iterator re-fetches mid-scan.
	count := sharedIterPageSize*3 + 7
	for i := 0; i < count; i++ {
		key := []byte(fmt.Sprintf("key/%04d", i))
		if err := shared.Write(key, []byte{byte(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	records, err := CollectRecords(shared.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != count {
		t.Fatalf("got %d records, want %d", len(records), count)
	}
	for i, rec := range records {
		if string(rec.Key) != fmt.Sprintf("key/%04d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.Key)
		}
	}

	records, err = CollectRecords(shared.Scan(nil, nil, OrderDescending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != count {
		t.Fatalf("descending: got %d records, want %d", len(records), count)
	}
	if string(records[0].Key) != fmt.Sprintf("key/%04d", count-1) {
		t.Fatalf("descending starts at %q", records[0].Key)
	}
}

func TestSharedStoreIteratorBounds(t *testing.T) {
	shared := NewSharedStore(NewMemStore())
	for i := 0; i < 100; i++ {
		if err := shared.Write([]byte{byte(i)}, []byte{byte(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	records, err := CollectRecords(shared.Scan([]byte{12}, []byte{89}, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 89-12 {
		t.Fatalf("got %d records, want %d", len(records), 89-12)
	}
	if records[0].Key[0] != 12 || records[len(records)-1].Key[0] != 88 {
		t.Fatalf("bounds wrong: first %v last %v", records[0].Key, records[len(records)-1].Key)
	}
}
