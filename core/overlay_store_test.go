package core

import (
	"bytes"
	"testing"
)

// makeOverlayCase builds the canonical layering case:
//
//	base    : 1 2 _ 4 5 6 7 _
//	pending :   D P _ _ P D 8  (P = put, D = delete)
//	merged  : 1 _ 3 4 5 6 _ 8
func makeOverlayCase(t *testing.T) (*Overlay, []Record) {
	t.Helper()
	base := NewMemStore()
	for _, k := range []byte{1, 2, 4, 5, 6, 7} {
		if err := base.Write([]byte{k}, []byte{k}); err != nil {
			t.Fatalf("seed write: %v", err)
		}
	}

	overlay := NewOverlay(base)
	if err := overlay.Remove([]byte{2}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := overlay.Write([]byte{3}, []byte{3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := overlay.Write([]byte{6}, []byte{255}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := overlay.Remove([]byte{7}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := overlay.Write([]byte{8}, []byte{8}); err != nil {
		t.Fatalf("write: %v", err)
	}

	merged := []Record{
		{Key: []byte{1}, Value: []byte{1}},
		{Key: []byte{3}, Value: []byte{3}},
		{Key: []byte{4}, Value: []byte{4}},
		{Key: []byte{5}, Value: []byte{5}},
		{Key: []byte{6}, Value: []byte{255}},
		{Key: []byte{8}, Value: []byte{8}},
	}
	return overlay, merged
}

func recordsEqual(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, b[i].Key) || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func reverseRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[len(in)-1-i] = r
	}
	return out
}

func TestOverlayRead(t *testing.T) {
	overlay, _ := makeOverlayCase(t)

	cases := []struct {
		key  byte
		want []byte
	}{
		{1, []byte{1}},   // base only
		{2, nil},         // deleted
		{3, []byte{3}},   // pending insert
		{6, []byte{255}}, // pending overrides base
		{7, nil},         // deleted from base
		{9, nil},         // never existed
	}
	for _, tc := range cases {
		got, err := overlay.Read([]byte{tc.key})
		if err != nil {
			t.Fatalf("read %d: %v", tc.key, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("read %d: got %v want %v", tc.key, got, tc.want)
		}
	}
}

func TestOverlayIterator(t *testing.T) {
	overlay, merged := makeOverlayCase(t)

	got, err := CollectRecords(overlay.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !recordsEqual(got, merged) {
		t.Fatalf("ascending scan mismatch: got %v want %v", got, merged)
	}

	got, err = CollectRecords(overlay.Scan(nil, nil, OrderDescending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !recordsEqual(got, reverseRecords(merged)) {
		t.Fatalf("descending scan mismatch: got %v", got)
	}
}

func TestOverlayIteratorBounds(t *testing.T) {
	overlay, _ := makeOverlayCase(t)

	// min inclusive, max exclusive.
	got, err := CollectRecords(overlay.Scan([]byte{3}, []byte{6}, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []Record{
		{Key: []byte{3}, Value: []byte{3}},
		{Key: []byte{4}, Value: []byte{4}},
		{Key: []byte{5}, Value: []byte{5}},
	}
	if !recordsEqual(got, want) {
		t.Fatalf("bounded scan mismatch: got %v want %v", got, want)
	}

	// min > max yields nothing, never panics.
	got, err = CollectRecords(overlay.Scan([]byte{9}, []byte{1}, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("inverted range yielded %v", got)
	}
}

func TestOverlayCommit(t *testing.T) {
	overlay, merged := makeOverlayCase(t)
	base := overlay.Base()

	if err := overlay.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := CollectRecords(base.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan base: %v", err)
	}
	if !recordsEqual(got, merged) {
		t.Fatalf("post-commit base mismatch: got %v want %v", got, merged)
	}
}

func TestOverlayDiscard(t *testing.T) {
	overlay, _ := makeOverlayCase(t)
	base := overlay.Base()

	before, err := CollectRecords(base.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan base: %v", err)
	}
	overlay.Discard()
	after, err := CollectRecords(base.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan base: %v", err)
	}
	if !recordsEqual(before, after) {
		t.Fatalf("discard changed the base: %v != %v", before, after)
	}
	if v, _ := overlay.Read([]byte{3}); v != nil {
		t.Fatalf("pending insert survived discard: %v", v)
	}
}

func TestOverlayNesting(t *testing.T) {
	base := NewMemStore()
	if err := base.Write([]byte("k"), []byte("base")); err != nil {
		t.Fatalf("write: %v", err)
	}

	outer := NewOverlay(base)
	inner := NewOverlay(outer)

	if err := inner.Write([]byte("k"), []byte("inner")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Inner commit lands in the outer overlay's buffer, not the base.
	if err := inner.Commit(); err != nil {
		t.Fatalf("commit inner: %v", err)
	}
	if v, _ := base.Read([]byte("k")); string(v) != "base" {
		t.Fatalf("inner commit leaked to base: %q", v)
	}
	if v, _ := outer.Read([]byte("k")); string(v) != "inner" {
		t.Fatalf("outer doesn't see inner commit: %q", v)
	}

	if err := outer.Commit(); err != nil {
		t.Fatalf("commit outer: %v", err)
	}
	if v, _ := base.Read([]byte("k")); string(v) != "inner" {
		t.Fatalf("outer commit didn't reach base: %q", v)
	}
}

func TestOverlayRemoveRange(t *testing.T) {
	overlay, _ := makeOverlayCase(t)
	if err := overlay.RemoveRange([]byte{3}, []byte{7}); err != nil {
		t.Fatalf("remove range: %v", err)
	}
	got, err := CollectRecords(overlay.Scan(nil, nil, OrderAscending))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []Record{
		{Key: []byte{1}, Value: []byte{1}},
		{Key: []byte{8}, Value: []byte{8}},
	}
	if !recordsEqual(got, want) {
		t.Fatalf("post-remove-range mismatch: got %v want %v", got, want)
	}
}
