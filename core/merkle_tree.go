package core

// Versioned Merkle tree: a copy-on-write sparse Merkle tree over the
// SHA-256 hashes of user keys. Each flush writes only the nodes on affected
// paths under a new version; old versions remain queryable, and the root
// hash at a version is the chain's app hash for that block.
//
// Layout inside the tree's column family:
//
//	"n" ‖ version(8) ‖ depth(2) ‖ path  -> encoded node
//	"r" ‖ version(8)                    -> root entry (flag ‖ version ‖ hash)
//	"o" ‖ orphanedAt(8) ‖ node key      -> 0x01 marker (pruning index)
//
// The tree is canonical: an internal node never has fewer than two non-empty
// subtrees below it, so equal contents always hash to equal roots.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	merkleNodePrefix   = "n"
	merkleRootPrefix   = "r"
	merkleOrphanPrefix = "o"

	nodeKindInternal byte = 0
	nodeKindLeaf     byte = 1

	leafHashPrefix     byte = 0
	internalHashPrefix byte = 1
)

//---------------------------------------------------------------------
// Bit paths
//---------------------------------------------------------------------

// bitPath addresses a node by the key-hash bits leading to it from the
// root. Bits are taken most-significant first.
type bitPath struct {
	depth int
	bits  []byte
}

func (p bitPath) child(bit byte) bitPath {
	bits := append([]byte(nil), p.bits...)
	if p.depth%8 == 0 {
		bits = append(bits, 0)
	}
	if bit == 1 {
		bits[p.depth/8] |= 0x80 >> (p.depth % 8)
	}
	return bitPath{depth: p.depth + 1, bits: bits}
}

func (p bitPath) encode() []byte {
	out := make([]byte, 2+len(p.bits))
	binary.BigEndian.PutUint16(out, uint16(p.depth))
	copy(out[2:], p.bits)
	return out
}

// bitAt returns the bit of h at the given depth (0 = most significant bit
// of the first byte).
func bitAt(h Hash, depth int) byte {
	return (h[depth/8] >> (7 - depth%8)) & 1
}

//---------------------------------------------------------------------
// Nodes
//---------------------------------------------------------------------

type childRef struct {
	Version uint64
	Hash    Hash
}

type merkleNode struct {
	Kind byte

	// Internal.
	Left  *childRef
	Right *childRef

	// Leaf.
	KeyHash   Hash
	ValueHash Hash
}

func (n *merkleNode) hash() Hash {
	if n.Kind == nodeKindLeaf {
		return leafHash(n.KeyHash, n.ValueHash)
	}
	var left, right Hash
	if n.Left != nil {
		left = n.Left.Hash
	}
	if n.Right != nil {
		right = n.Right.Hash
	}
	return internalHash(left, right)
}

func leafHash(keyHash, valueHash Hash) Hash {
	buf := make([]byte, 1+2*HashLen)
	buf[0] = leafHashPrefix
	copy(buf[1:], keyHash[:])
	copy(buf[1+HashLen:], valueHash[:])
	return Sha256Hash(buf)
}

func internalHash(left, right Hash) Hash {
	buf := make([]byte, 1+2*HashLen)
	buf[0] = internalHashPrefix
	copy(buf[1:], left[:])
	copy(buf[1+HashLen:], right[:])
	return Sha256Hash(buf)
}

func encodeNode(n *merkleNode) []byte {
	if n.Kind == nodeKindLeaf {
		buf := make([]byte, 1+2*HashLen)
		buf[0] = nodeKindLeaf
		copy(buf[1:], n.KeyHash[:])
		copy(buf[1+HashLen:], n.ValueHash[:])
		return buf
	}
	buf := []byte{nodeKindInternal}
	for _, child := range []*childRef{n.Left, n.Right} {
		if child == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		var ver [8]byte
		binary.BigEndian.PutUint64(ver[:], child.Version)
		buf = append(buf, ver[:]...)
		buf = append(buf, child.Hash[:]...)
	}
	return buf
}

func decodeNode(bz []byte) (*merkleNode, error) {
	if len(bz) == 0 {
		return nil, fmt.Errorf("%w: empty merkle node", ErrMerkleFlush)
	}
	switch bz[0] {
	case nodeKindLeaf:
		if len(bz) != 1+2*HashLen {
			return nil, fmt.Errorf("%w: bad leaf node length %d", ErrMerkleFlush, len(bz))
		}
		n := &merkleNode{Kind: nodeKindLeaf}
		copy(n.KeyHash[:], bz[1:1+HashLen])
		copy(n.ValueHash[:], bz[1+HashLen:])
		return n, nil
	case nodeKindInternal:
		n := &merkleNode{Kind: nodeKindInternal}
		pos := 1
		for i := 0; i < 2; i++ {
			if pos >= len(bz) {
				return nil, fmt.Errorf("%w: truncated internal node", ErrMerkleFlush)
			}
			flag := bz[pos]
			pos++
			if flag == 0 {
				continue
			}
			if pos+8+HashLen > len(bz) {
				return nil, fmt.Errorf("%w: truncated internal node", ErrMerkleFlush)
			}
			ref := &childRef{Version: binary.BigEndian.Uint64(bz[pos : pos+8])}
			copy(ref.Hash[:], bz[pos+8:pos+8+HashLen])
			pos += 8 + HashLen
			if i == 0 {
				n.Left = ref
			} else {
				n.Right = ref
			}
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: unknown node kind %d", ErrMerkleFlush, bz[0])
}

func nodeKey(version uint64, path bitPath) []byte {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], version)
	return concatBytes([]byte(merkleNodePrefix), ver[:], path.encode())
}

func rootKey(version uint64) []byte {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], version)
	return concatBytes([]byte(merkleRootPrefix), ver[:])
}

func orphanKey(orphanedAt uint64, nk []byte) []byte {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], orphanedAt)
	return concatBytes([]byte(merkleOrphanPrefix), ver[:], nk)
}

//---------------------------------------------------------------------
// Tree
//---------------------------------------------------------------------

// MerkleTree is a handle over the tree's column family.
type MerkleTree struct {
	store KVStore
}

func NewMerkleTree(store KVStore) *MerkleTree {
	return &MerkleTree{store: store}
}

// merkleOp is one op of a flush after key hashing, sorted by key hash.
type merkleOp struct {
	keyHash   Hash
	valueHash Hash
	delete    bool
}

// RootHash returns the app hash at a version. The empty tree commits to the
// all-zero hash.
func (t *MerkleTree) RootHash(version uint64) (Hash, error) {
	ref, err := t.rootRef(version)
	if err != nil {
		return Hash{}, err
	}
	if ref == nil {
		return ZeroHash, nil
	}
	return ref.Hash, nil
}

func (t *MerkleTree) rootRef(version uint64) (*childRef, error) {
	bz, err := t.store.Read(rootKey(version))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: no root entry for version %d", ErrMerkleFlush, version)
	}
	if bz[0] == 0 {
		return nil, nil // empty tree at this version
	}
	if len(bz) != 1+8+HashLen {
		return nil, fmt.Errorf("%w: bad root entry length %d", ErrMerkleFlush, len(bz))
	}
	ref := &childRef{Version: binary.BigEndian.Uint64(bz[1:9])}
	copy(ref.Hash[:], bz[9:])
	return ref, nil
}

func encodeRootEntry(ref *childRef) []byte {
	if ref == nil {
		return []byte{0}
	}
	buf := make([]byte, 1+8+HashLen)
	buf[0] = 1
	binary.BigEndian.PutUint64(buf[1:9], ref.Version)
	copy(buf[9:], ref.Hash[:])
	return buf
}

// Apply flushes a batch of user-key ops into the tree at the given version,
// which must be the predecessor's version plus one (or zero for genesis).
// Only nodes on affected paths are rewritten; untouched subtrees are
// referenced by (version, hash) from the new nodes. Returns the new root.
func (t *MerkleTree) Apply(version uint64, batch Batch) (Hash, error) {
	var prevRoot *childRef
	if version > 0 {
		var err error
		prevRoot, err = t.rootRef(version - 1)
		if err != nil {
			return Hash{}, err
		}
	}

	// Hash keys and values; identical keys already collapsed by the batch,
	// last write wins.
	ops := make([]merkleOp, 0, batch.Len())
	for _, k := range batch.SortedKeys() {
		op, _ := batch.Get(k)
		mop := merkleOp{keyHash: Sha256Hash(k), delete: op.Delete}
		if !op.Delete {
			mop.valueHash = Sha256Hash(op.Value)
		}
		ops = append(ops, mop)
	}
	sort.Slice(ops, func(i, j int) bool {
		return bytes.Compare(ops[i].keyHash[:], ops[j].keyHash[:]) < 0
	})

	fl := &merkleFlush{tree: t, version: version, out: NewBatch()}
	newRoot, err := fl.apply(prevRoot, bitPath{}, ops)
	if err != nil {
		return Hash{}, err
	}
	fl.out.Put(rootKey(version), encodeRootEntry(newRoot))

	if err := t.store.Flush(fl.out); err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrMerkleFlush, err)
	}
	if newRoot == nil {
		return ZeroHash, nil
	}
	return newRoot.Hash, nil
}

// merkleFlush carries the per-Apply scratch state.
type merkleFlush struct {
	tree    *MerkleTree
	version uint64
	out     Batch
}

func (f *merkleFlush) loadNode(ref *childRef, path bitPath) (*merkleNode, error) {
	nk := nodeKey(ref.Version, path)
	if op, ok := f.out.Get(nk); ok && !op.Delete {
		return decodeNode(op.Value)
	}
	bz, err := f.tree.store.Read(nk)
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: missing node v%d depth %d", ErrMerkleFlush, ref.Version, path.depth)
	}
	return decodeNode(bz)
}

func (f *merkleFlush) saveNode(n *merkleNode, path bitPath) *childRef {
	h := n.hash()
	f.out.Put(nodeKey(f.version, path), encodeNode(n))
	return &childRef{Version: f.version, Hash: h}
}

func (f *merkleFlush) markOrphan(ref *childRef, path bitPath) {
	// The underlying database rejects nil values; the marker byte carries
	// no information.
	f.out.Put(orphanKey(f.version, nodeKey(ref.Version, path)), []byte{1})
}

// apply rewrites the subtree rooted at prev (may be nil) with the given
// ops, returning the new subtree ref (nil = subtree is now empty).
func (f *merkleFlush) apply(prev *childRef, path bitPath, ops []merkleOp) (*childRef, error) {
	if len(ops) == 0 {
		return prev, nil
	}

	if prev == nil {
		inserts := make([]merkleOp, 0, len(ops))
		for _, op := range ops {
			if !op.delete {
				inserts = append(inserts, op)
			}
		}
		return f.build(path, inserts)
	}

	node, err := f.loadNode(prev, path)
	if err != nil {
		return nil, err
	}
	f.markOrphan(prev, path)

	if node.Kind == nodeKindLeaf {
		// Fold the existing leaf into the op set unless an op overrides it.
		merged := ops
		overridden := false
		for _, op := range ops {
			if op.keyHash == node.KeyHash {
				overridden = true
				break
			}
		}
		if !overridden {
			merged = append(merged, merkleOp{keyHash: node.KeyHash, valueHash: node.ValueHash})
			sort.Slice(merged, func(i, j int) bool {
				return bytes.Compare(merged[i].keyHash[:], merged[j].keyHash[:]) < 0
			})
		}
		inserts := make([]merkleOp, 0, len(merged))
		for _, op := range merged {
			if !op.delete {
				inserts = append(inserts, op)
			}
		}
		return f.build(path, inserts)
	}

	leftOps, rightOps := partitionOps(ops, path.depth)
	left, err := f.apply(node.Left, path.child(0), leftOps)
	if err != nil {
		return nil, err
	}
	right, err := f.apply(node.Right, path.child(1), rightOps)
	if err != nil {
		return nil, err
	}

	return f.join(path, left, right)
}

// build constructs a fresh subtree from sorted inserts.
func (f *merkleFlush) build(path bitPath, inserts []merkleOp) (*childRef, error) {
	switch len(inserts) {
	case 0:
		return nil, nil
	case 1:
		leaf := &merkleNode{
			Kind:      nodeKindLeaf,
			KeyHash:   inserts[0].keyHash,
			ValueHash: inserts[0].valueHash,
		}
		return f.saveNode(leaf, path), nil
	}
	leftOps, rightOps := partitionOps(inserts, path.depth)
	left, err := f.build(path.child(0), leftOps)
	if err != nil {
		return nil, err
	}
	right, err := f.build(path.child(1), rightOps)
	if err != nil {
		return nil, err
	}
	return f.join(path, left, right)
}

// join assembles an internal node, collapsing a lone leaf child upward so
// the tree stays canonical.
func (f *merkleFlush) join(path bitPath, left, right *childRef) (*childRef, error) {
	switch {
	case left == nil && right == nil:
		return nil, nil
	case right == nil:
		if collapsed, err := f.collapse(left, path, 0); collapsed != nil || err != nil {
			return collapsed, err
		}
	case left == nil:
		if collapsed, err := f.collapse(right, path, 1); collapsed != nil || err != nil {
			return collapsed, err
		}
	}
	node := &merkleNode{Kind: nodeKindInternal, Left: left, Right: right}
	return f.saveNode(node, path), nil
}

// collapse pulls a lone leaf child up to its parent's position. Returns nil
// if the child is an internal node (which must keep its depth).
func (f *merkleFlush) collapse(child *childRef, parentPath bitPath, bit byte) (*childRef, error) {
	node, err := f.loadNode(child, parentPath.child(bit))
	if err != nil {
		return nil, err
	}
	if node.Kind != nodeKindLeaf {
		return nil, nil
	}
	f.markOrphan(child, parentPath.child(bit))
	return f.saveNode(node, parentPath), nil
}

// partitionOps splits sorted ops by the key-hash bit at the given depth.
func partitionOps(ops []merkleOp, depth int) (left, right []merkleOp) {
	split := sort.Search(len(ops), func(i int) bool {
		return bitAt(ops[i].keyHash, depth) == 1
	})
	return ops[:split], ops[split:]
}

//---------------------------------------------------------------------
// Pruning
//---------------------------------------------------------------------

// Prune deletes all nodes orphaned at or before the given version, together
// with their orphan index entries. Root entries are not deleted, so RootHash
// still answers for pruned versions, but proofs for them become unavailable;
// pick the history window accordingly.
func (t *MerkleTree) Prune(upTo uint64) error {
	min := []byte(merkleOrphanPrefix)
	max := orphanKey(upTo+1, nil)
	it := t.store.Scan(min, max, OrderAscending)
	batch := NewBatch()
	for it.Next() {
		orphan := it.Key()
		batch.Del(append([]byte(nil), orphan...))
		// The orphan key embeds the node key after the 1-byte prefix and
		// 8-byte version.
		batch.Del(append([]byte(nil), orphan[9:]...))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	it.Close()
	return t.store.Flush(batch)
}
