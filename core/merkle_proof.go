package core

// Merkle proofs: membership and non-membership against a historical root.
//
// A membership proof carries the leaf's value hash and the sibling hashes
// along the path, bottom-up. A non-membership proof shows what actually sits
// where the key's path would descend: either nothing (an empty subtree
// slot), or a leaf with a different key hash sharing the path prefix.

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Proof errors.
var (
	ErrProofInvalid     = errors.New("proof does not verify against root")
	ErrProofMalformed   = errors.New("malformed proof")
	ErrProofWrongKind   = errors.New("proof kind does not match query")
	ErrProofUnavailable = errors.New("proof unavailable for this version")
)

// MerkleProof proves membership (ValueHash set) or non-membership
// (ValueHash nil; NeighborKeyHash optionally set) of a key hash at one
// version of the tree.
type MerkleProof struct {
	// Sibling hashes along the path, deepest first. A zero hash stands for
	// an empty subtree at that level.
	SiblingHashes []Hash `json:"sibling_hashes"`

	// Membership: hash of the stored value.
	ValueHash *Hash `json:"value_hash,omitempty"`

	// Non-membership, leaf-occupied case: the leaf found on the key's path.
	NeighborKeyHash   *Hash `json:"neighbor_key_hash,omitempty"`
	NeighborValueHash *Hash `json:"neighbor_value_hash,omitempty"`
}

// IsMembership reports which kind of proof this is.
func (p *MerkleProof) IsMembership() bool { return p.ValueHash != nil }

// MarshalBinary round-trips the proof as canonical JSON for transport next
// to query responses.
func (p *MerkleProof) MarshalBinary() ([]byte, error) { return json.Marshal(p) }

func (p *MerkleProof) UnmarshalBinary(bz []byte) error { return json.Unmarshal(bz, p) }

// Prove generates a proof for the given key hash at a version.
func (t *MerkleTree) Prove(version uint64, keyHash Hash) (*MerkleProof, error) {
	ref, err := t.rootRef(version)
	if err != nil {
		return nil, err
	}

	proof := &MerkleProof{}
	path := bitPath{}
	var siblings []Hash // collected top-down, reversed at the end

	for ref != nil {
		bz, err := t.store.Read(nodeKey(ref.Version, path))
		if err != nil {
			return nil, err
		}
		if bz == nil {
			return nil, fmt.Errorf("%w: node missing at depth %d", ErrProofUnavailable, path.depth)
		}
		node, err := decodeNode(bz)
		if err != nil {
			return nil, err
		}

		if node.Kind == nodeKindLeaf {
			if node.KeyHash == keyHash {
				vh := node.ValueHash
				proof.ValueHash = &vh
			} else {
				kh, vh := node.KeyHash, node.ValueHash
				proof.NeighborKeyHash = &kh
				proof.NeighborValueHash = &vh
			}
			break
		}

		bit := bitAt(keyHash, path.depth)
		var next, sibling *childRef
		if bit == 0 {
			next, sibling = node.Left, node.Right
		} else {
			next, sibling = node.Right, node.Left
		}
		var sibHash Hash
		if sibling != nil {
			sibHash = sibling.Hash
		}
		siblings = append(siblings, sibHash)
		path = path.child(bit)
		ref = next
	}

	// Reverse to bottom-up order.
	proof.SiblingHashes = make([]Hash, len(siblings))
	for i, h := range siblings {
		proof.SiblingHashes[len(siblings)-1-i] = h
	}
	return proof, nil
}

// VerifyMembership checks that the proof demonstrates keyHash -> value at
// the given root.
func VerifyMembership(root Hash, keyHash Hash, value []byte, proof *MerkleProof) error {
	if !proof.IsMembership() {
		return ErrProofWrongKind
	}
	if *proof.ValueHash != Sha256Hash(value) {
		return fmt.Errorf("%w: value hash mismatch", ErrProofInvalid)
	}
	start := leafHash(keyHash, *proof.ValueHash)
	return foldProof(root, keyHash, start, proof.SiblingHashes)
}

// VerifyNonMembership checks that the proof demonstrates the absence of
// keyHash at the given root.
func VerifyNonMembership(root Hash, keyHash Hash, proof *MerkleProof) error {
	if proof.IsMembership() {
		return ErrProofWrongKind
	}

	var start Hash
	if proof.NeighborKeyHash != nil {
		if proof.NeighborValueHash == nil {
			return fmt.Errorf("%w: neighbor leaf missing value hash", ErrProofMalformed)
		}
		if *proof.NeighborKeyHash == keyHash {
			return fmt.Errorf("%w: neighbor equals the key being disproven", ErrProofMalformed)
		}
		// The neighbor must sit exactly where our key's path descends: its
		// first len(siblings) bits must match the key's.
		for d := 0; d < len(proof.SiblingHashes); d++ {
			if bitAt(*proof.NeighborKeyHash, d) != bitAt(keyHash, d) {
				return fmt.Errorf("%w: neighbor not on the key's path", ErrProofMalformed)
			}
		}
		start = leafHash(*proof.NeighborKeyHash, *proof.NeighborValueHash)
	} else {
		// Empty-slot case: the path dead-ends into an absent subtree.
		start = ZeroHash
	}
	return foldProof(root, keyHash, start, proof.SiblingHashes)
}

// foldProof recomputes the root from a starting hash at depth
// len(siblings), folding siblings bottom-up along the key's path bits.
func foldProof(root Hash, keyHash Hash, start Hash, siblings []Hash) error {
	h := start
	for i, sib := range siblings {
		depth := len(siblings) - 1 - i
		if bitAt(keyHash, depth) == 0 {
			h = internalHash(h, sib)
		} else {
			h = internalHash(sib, h)
		}
	}
	if h != root {
		return ErrProofInvalid
	}
	return nil
}
