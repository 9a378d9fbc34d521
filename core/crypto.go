package core

// Crypto primitives exposed to guests through the host import surface:
// signature verification, public key recovery, and the hash families.
//
// All signature verifiers take the hashed message, not the prehash. High-S
// secp256k1/r1 signatures are normalized to low-S before verification so
// that signature malleability cannot be exploited.

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Crypto input validation errors.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidPubKey     = errors.New("invalid public key")
	ErrInvalidRecoveryID = errors.New("invalid recovery id")
	ErrVerifyFailed      = errors.New("signature verification failed")
)

const (
	digestLen          = 32
	compactSigLen      = 64
	ed25519SigLen      = 64
	compressedPkLen    = 33
	uncompressedPkLen  = 65
	recoverableHdrBase = 27
)

//---------------------------------------------------------------------
// Hashes
//---------------------------------------------------------------------

func Sha256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func Sha512(data []byte) []byte {
	h := sha512.Sum512(data)
	return h[:]
}

// Sha512Truncated is SHA-512 truncated to its first 32 bytes.
func Sha512Truncated(data []byte) []byte {
	return Sha512(data)[:digestLen]
}

func Sha3_256(data []byte) []byte {
	h := sha3.Sum256(data)
	return h[:]
}

func Sha3_512(data []byte) []byte {
	h := sha3.Sum512(data)
	return h[:]
}

// Sha3_512Truncated is SHA3-512 truncated to its first 32 bytes.
func Sha3_512Truncated(data []byte) []byte {
	return Sha3_512(data)[:digestLen]
}

func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func Blake2s256(data []byte) []byte {
	h := blake2s.Sum256(data)
	return h[:]
}

func Blake2b512(data []byte) []byte {
	h := blake2b.Sum512(data)
	return h[:]
}

func Blake3Hash(data []byte) []byte {
	h := blake3.Sum256(data)
	return h[:]
}

// Hash160 is ripemd160 over the input, the second half of the address
// derivation double hash.
func Hash160(data []byte) []byte {
	h := ripemd160.New()
	h.Write(data)
	return h.Sum(nil)
}

// Sha256Hash is Sha256 with the typed Hash return.
func Sha256Hash(data []byte) Hash {
	var h Hash
	copy(h[:], Sha256(data))
	return h
}

//---------------------------------------------------------------------
// secp256k1
//---------------------------------------------------------------------

// Secp256k1Verify verifies a 64-byte compact (r ‖ s) signature over a
// 32-byte message hash against a SEC1 public key (33 or 65 bytes).
func Secp256k1Verify(msgHash, sig, pk []byte) error {
	if len(msgHash) != digestLen {
		return fmt.Errorf("%w: message hash must be %d bytes", ErrInvalidSignature, digestLen)
	}
	if len(sig) != compactSigLen {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, compactSigLen)
	}
	if len(pk) != compressedPkLen && len(pk) != uncompressedPkLen {
		return fmt.Errorf("%w: key must be %d or %d bytes", ErrInvalidPubKey, compressedPkLen, uncompressedPkLen)
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return fmt.Errorf("%w: r overflows the group order", ErrInvalidSignature)
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return fmt.Errorf("%w: s overflows the group order", ErrInvalidSignature)
	}
	// Low-S normalization: the verifier below rejects high-S by policy, so
	// fold malleable signatures onto the canonical half of the group.
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	pubKey, err := secp256k1.ParsePubKey(pk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if !decdsa.NewSignature(&r, &s).Verify(msgHash, pubKey) {
		return ErrVerifyFailed
	}
	return nil
}

// Secp256k1PubkeyRecover recovers the SEC1 public key from a 32-byte message
// hash, a 64-byte compact signature, and a recovery id. Ids 0/1/27/28 are
// accepted; 2/3 (and their 29/30 forms) are rejected, matching Ethereum.
func Secp256k1PubkeyRecover(msgHash, sig []byte, recoveryID byte, compressed bool) ([]byte, error) {
	if len(msgHash) != digestLen {
		return nil, fmt.Errorf("%w: message hash must be %d bytes", ErrInvalidSignature, digestLen)
	}
	if len(sig) != compactSigLen {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, compactSigLen)
	}

	var recID byte
	switch recoveryID {
	case 0, 27:
		recID = 0
	case 1, 28:
		recID = 1
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecoveryID, recoveryID)
	}

	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return nil, fmt.Errorf("%w: s overflows the group order", ErrInvalidSignature)
	}
	rBytes := sig[:32]
	sBytes := sig[32:]
	// Normalizing a high-S signature negates s and flips the parity of the
	// recovered point's y coordinate, so the recovery id flips with it.
	if s.IsOverHalfOrder() {
		s.Negate()
		normalized := s.Bytes()
		sBytes = normalized[:]
		recID ^= 1
	}

	// decred's RecoverCompact takes the header byte in front of r ‖ s.
	compact := make([]byte, 1+compactSigLen)
	compact[0] = recoverableHdrBase + recID
	copy(compact[1:33], rBytes)
	copy(compact[33:], sBytes)

	pubKey, _, err := decdsa.RecoverCompact(compact, msgHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if compressed {
		return pubKey.SerializeCompressed(), nil
	}
	return pubKey.SerializeUncompressed(), nil
}

//---------------------------------------------------------------------
// secp256r1
//---------------------------------------------------------------------

var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

// Secp256r1Verify verifies a 64-byte compact signature over a 32-byte
// message hash against a SEC1-encoded P-256 public key.
func Secp256r1Verify(msgHash, sig, pk []byte) error {
	if len(msgHash) != digestLen {
		return fmt.Errorf("%w: message hash must be %d bytes", ErrInvalidSignature, digestLen)
	}
	if len(sig) != compactSigLen {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, compactSigLen)
	}

	curve := elliptic.P256()
	var x, y *big.Int
	switch len(pk) {
	case compressedPkLen:
		x, y = elliptic.UnmarshalCompressed(curve, pk)
	case uncompressedPkLen:
		x, y = elliptic.Unmarshal(curve, pk)
	default:
		return fmt.Errorf("%w: key must be %d or %d bytes", ErrInvalidPubKey, compressedPkLen, uncompressedPkLen)
	}
	if x == nil {
		return fmt.Errorf("%w: not a point on P-256", ErrInvalidPubKey)
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if s.Cmp(p256HalfOrder) > 0 {
		s.Sub(curve.Params().N, s)
	}

	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	if !ecdsa.Verify(pub, msgHash, r, s) {
		return ErrVerifyFailed
	}
	return nil
}

//---------------------------------------------------------------------
// ed25519
//---------------------------------------------------------------------

// Ed25519Verify verifies an Ed25519 signature. Per convention the "message"
// here is whatever bytes the contract chose to sign over, typically already
// a hash.
func Ed25519Verify(msg, sig, pk []byte) error {
	if len(pk) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: key must be %d bytes", ErrInvalidPubKey, ed25519.PublicKeySize)
	}
	if len(sig) != ed25519SigLen {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, ed25519SigLen)
	}
	if !ed25519.Verify(ed25519.PublicKey(pk), msg, sig) {
		return ErrVerifyFailed
	}
	return nil
}

// Ed25519BatchVerify verifies a batch of Ed25519 signatures; all three
// slices must have the same length and every signature must verify.
func Ed25519BatchVerify(msgs, sigs, pks [][]byte) error {
	if len(msgs) != len(sigs) || len(sigs) != len(pks) {
		return fmt.Errorf("%w: batch lengths mismatch (%d msgs, %d sigs, %d keys)",
			ErrInvalidSignature, len(msgs), len(sigs), len(pks))
	}
	for i := range msgs {
		if err := Ed25519Verify(msgs[i], sigs[i], pks[i]); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}
