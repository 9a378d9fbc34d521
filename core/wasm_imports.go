package core

// The host import surface linked into every guest module. Each import
// charges gas before performing the underlying work, so a depleting call
// never mutates state. Returning an error from an import traps the guest;
// that is the fatal-error path for region violations, unknown iterators,
// and read-only violations.

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// Crypto import return codes.
const (
	cryptoOk            int32 = 0
	cryptoErrInput      int32 = 1
	cryptoErrPubKey     int32 = 2
	cryptoErrVerify     int32 = 3
)

// i32Fn builds a host function with nparams i32 parameters and nresults
// i32 results, the only shapes the import surface uses.
func i32Fn(store *wasmer.Store, nparams, nresults int, impl func(args []wasmer.Value) ([]wasmer.Value, error)) wasmer.IntoExtern {
	params := make([]wasmer.ValueKind, nparams)
	for i := range params {
		params[i] = wasmer.ValueKind(wasmer.I32)
	}
	results := make([]wasmer.ValueKind, nresults)
	for i := range results {
		results[i] = wasmer.ValueKind(wasmer.I32)
	}
	return wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(results...)),
		impl,
	)
}

func i32Ret(v int32) []wasmer.Value { return []wasmer.Value{wasmer.NewI32(v)} }

// registerImports wires the full import surface for one environment.
func registerImports(store *wasmer.Store, env *wasmEnv) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	imports.Register("env", map[string]wasmer.IntoExtern{
		// storage
		"db_read":         i32Fn(store, 1, 1, env.doDBRead),
		"db_scan":         i32Fn(store, 3, 1, env.doDBScan),
		"db_next":         i32Fn(store, 1, 1, env.doDBNext),
		"db_write":        i32Fn(store, 2, 0, env.doDBWrite),
		"db_remove":       i32Fn(store, 1, 0, env.doDBRemove),
		"db_remove_range": i32Fn(store, 2, 0, env.doDBRemoveRange),
		// querier
		"query_chain": i32Fn(store, 1, 1, env.doQueryChain),
		// crypto
		"secp256k1_verify":         i32Fn(store, 3, 1, env.doSecp256k1Verify),
		"secp256r1_verify":         i32Fn(store, 3, 1, env.doSecp256r1Verify),
		"secp256k1_pubkey_recover": i32Fn(store, 4, 1, env.doSecp256k1PubkeyRecover),
		"ed25519_verify":           i32Fn(store, 3, 1, env.doEd25519Verify),
		"ed25519_batch_verify":     i32Fn(store, 3, 1, env.doEd25519BatchVerify),
		// hashes
		"sha2_256":           i32Fn(store, 1, 1, env.hashImport(Sha256)),
		"sha2_512":           i32Fn(store, 1, 1, env.hashImport(Sha512)),
		"sha2_512_truncated": i32Fn(store, 1, 1, env.hashImport(Sha512Truncated)),
		"sha3_256":           i32Fn(store, 1, 1, env.hashImport(Sha3_256)),
		"sha3_512":           i32Fn(store, 1, 1, env.hashImport(Sha3_512)),
		"sha3_512_truncated": i32Fn(store, 1, 1, env.hashImport(Sha3_512Truncated)),
		"keccak256":          i32Fn(store, 1, 1, env.hashImport(Keccak256)),
		"blake2s_256":        i32Fn(store, 1, 1, env.hashImport(Blake2s256)),
		"blake2b_512":        i32Fn(store, 1, 1, env.hashImport(Blake2b512)),
		"blake3":             i32Fn(store, 1, 1, env.hashImport(Blake3Hash)),
		// debug
		"debug": i32Fn(store, 2, 0, env.doDebug),
	})
	return imports
}

//---------------------------------------------------------------------
// Storage imports
//---------------------------------------------------------------------

// The contract substore handed to the environment is already gas-metered,
// so the storage imports below don't charge separately.

func (e *wasmEnv) doDBRead(args []wasmer.Value) ([]wasmer.Value, error) {
	key, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	value, err := e.storage.Read(key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return i32Ret(0), nil
	}
	ptr, err := e.writeToMemory(value)
	if err != nil {
		return nil, err
	}
	return i32Ret(int32(ptr)), nil
}

// readOptionalRegion reads a region pointer that may be 0 (= unbounded).
func (e *wasmEnv) readOptionalRegion(ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}
	return e.readFromMemory(ptr)
}

func (e *wasmEnv) doDBScan(args []wasmer.Value) ([]wasmer.Value, error) {
	min, err := e.readOptionalRegion(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	max, err := e.readOptionalRegion(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	order := OrderAscending
	if args[2].I32() == 1 {
		order = OrderDescending
	}
	it := e.storage.Scan(min, max, order)
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	return i32Ret(e.registerIterator(it)), nil
}

func (e *wasmEnv) doDBNext(args []wasmer.Value) ([]wasmer.Value, error) {
	it, err := e.takeIterator(args[0].I32())
	if err != nil {
		return nil, err
	}
	if !it.Next() {
		if err := it.Error(); err != nil {
			return nil, err
		}
		return i32Ret(0), nil
	}
	ptr, err := e.writeToMemory(encodeRecord(it.Key(), it.Value()))
	if err != nil {
		return nil, err
	}
	return i32Ret(int32(ptr)), nil
}

func (e *wasmEnv) doDBWrite(args []wasmer.Value) ([]wasmer.Value, error) {
	if !e.stateMutable {
		return nil, ErrReadOnly
	}
	key, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	value, err := e.readFromMemory(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	e.clearIterators()
	if err := e.storage.Write(key, value); err != nil {
		return nil, err
	}
	return []wasmer.Value{}, nil
}

func (e *wasmEnv) doDBRemove(args []wasmer.Value) ([]wasmer.Value, error) {
	if !e.stateMutable {
		return nil, ErrReadOnly
	}
	key, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	e.clearIterators()
	if err := e.storage.Remove(key); err != nil {
		return nil, err
	}
	return []wasmer.Value{}, nil
}

func (e *wasmEnv) doDBRemoveRange(args []wasmer.Value) ([]wasmer.Value, error) {
	if !e.stateMutable {
		return nil, ErrReadOnly
	}
	min, err := e.readOptionalRegion(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	max, err := e.readOptionalRegion(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	e.clearIterators()
	if err := e.storage.RemoveRange(min, max); err != nil {
		return nil, err
	}
	return []wasmer.Value{}, nil
}

//---------------------------------------------------------------------
// Querier import
//---------------------------------------------------------------------

func (e *wasmEnv) doQueryChain(args []wasmer.Value) ([]wasmer.Value, error) {
	if err := e.gas.Consume(e.costs.QueryChain, "query_chain"); err != nil {
		return nil, err
	}
	reqBz, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	var req QueryRequest
	if err := unmarshalStrict(reqBz, &req); err != nil {
		return nil, err
	}

	// Query errors are data for the guest, not a trap: it gets the
	// GenericResult envelope either way and decides what to do.
	var res GenericResult
	if out, err := e.querier.QueryChain(req, e.queryDepth); err != nil {
		res.Err = err.Error()
	} else {
		res.Ok = out
	}
	resBz, err := marshalJSON(res)
	if err != nil {
		return nil, err
	}
	ptr, err := e.writeToMemory(resBz)
	if err != nil {
		return nil, err
	}
	return i32Ret(int32(ptr)), nil
}

//---------------------------------------------------------------------
// Crypto imports
//---------------------------------------------------------------------

// cryptoCode folds a verification error into the guest-facing code.
func cryptoCode(err error) int32 {
	switch {
	case err == nil:
		return cryptoOk
	case errors.Is(err, ErrInvalidPubKey), errors.Is(err, ErrInvalidRecoveryID):
		return cryptoErrPubKey
	case errors.Is(err, ErrInvalidSignature):
		return cryptoErrInput
	default:
		return cryptoErrVerify
	}
}

// verifyImport factors the shared shape of the three (msg, sig, pk)
// verifiers.
func (e *wasmEnv) verifyImport(cost uint64, label string, verify func(msg, sig, pk []byte) error) func(args []wasmer.Value) ([]wasmer.Value, error) {
	return func(args []wasmer.Value) ([]wasmer.Value, error) {
		if err := e.gas.Consume(cost, label); err != nil {
			return nil, err
		}
		msg, err := e.readFromMemory(uint32(args[0].I32()))
		if err != nil {
			return nil, err
		}
		sig, err := e.readFromMemory(uint32(args[1].I32()))
		if err != nil {
			return nil, err
		}
		pk, err := e.readFromMemory(uint32(args[2].I32()))
		if err != nil {
			return nil, err
		}
		return i32Ret(cryptoCode(verify(msg, sig, pk))), nil
	}
}

func (e *wasmEnv) doSecp256k1Verify(args []wasmer.Value) ([]wasmer.Value, error) {
	return e.verifyImport(e.costs.Secp256k1Verify, "secp256k1_verify", Secp256k1Verify)(args)
}

func (e *wasmEnv) doSecp256r1Verify(args []wasmer.Value) ([]wasmer.Value, error) {
	return e.verifyImport(e.costs.Secp256r1Verify, "secp256r1_verify", Secp256r1Verify)(args)
}

func (e *wasmEnv) doEd25519Verify(args []wasmer.Value) ([]wasmer.Value, error) {
	return e.verifyImport(e.costs.Ed25519Verify, "ed25519_verify", Ed25519Verify)(args)
}

func (e *wasmEnv) doSecp256k1PubkeyRecover(args []wasmer.Value) ([]wasmer.Value, error) {
	if err := e.gas.Consume(e.costs.Secp256k1PubkeyRecover, "secp256k1_pubkey_recover"); err != nil {
		return nil, err
	}
	msg, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	sig, err := e.readFromMemory(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	recoveryID := byte(args[2].I32())
	compressed := args[3].I32() != 0

	pk, err := Secp256k1PubkeyRecover(msg, sig, recoveryID, compressed)
	if err != nil {
		// Recovery failure is data: the guest gets a null pointer.
		return i32Ret(0), nil
	}
	ptr, err := e.writeToMemory(pk)
	if err != nil {
		return nil, err
	}
	return i32Ret(int32(ptr)), nil
}

func (e *wasmEnv) doEd25519BatchVerify(args []wasmer.Value) ([]wasmer.Value, error) {
	msgsBz, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	sigsBz, err := e.readFromMemory(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	pksBz, err := e.readFromMemory(uint32(args[2].I32()))
	if err != nil {
		return nil, err
	}
	msgs, err := decodeSlices(msgsBz)
	if err != nil {
		return i32Ret(cryptoErrInput), nil
	}
	sigs, err := decodeSlices(sigsBz)
	if err != nil {
		return i32Ret(cryptoErrInput), nil
	}
	pks, err := decodeSlices(pksBz)
	if err != nil {
		return i32Ret(cryptoErrInput), nil
	}

	cost := e.costs.Ed25519BatchVerifyBase + e.costs.Ed25519BatchVerifyPerItem*uint64(len(msgs))
	if err := e.gas.Consume(cost, "ed25519_batch_verify"); err != nil {
		return nil, err
	}
	return i32Ret(cryptoCode(Ed25519BatchVerify(msgs, sigs, pks))), nil
}

func (e *wasmEnv) hashImport(hashFn func([]byte) []byte) func(args []wasmer.Value) ([]wasmer.Value, error) {
	return func(args []wasmer.Value) ([]wasmer.Value, error) {
		data, err := e.readFromMemory(uint32(args[0].I32()))
		if err != nil {
			return nil, err
		}
		if err := e.gas.Consume(e.costs.HashPerByte.Cost(len(data)), "hash"); err != nil {
			return nil, err
		}
		ptr, err := e.writeToMemory(hashFn(data))
		if err != nil {
			return nil, err
		}
		return i32Ret(int32(ptr)), nil
	}
}

//---------------------------------------------------------------------
// Debug import
//---------------------------------------------------------------------

func (e *wasmEnv) doDebug(args []wasmer.Value) ([]wasmer.Value, error) {
	addrBz, err := e.readFromMemory(uint32(args[0].I32()))
	if err != nil {
		return nil, err
	}
	msg, err := e.readFromMemory(uint32(args[1].I32()))
	if err != nil {
		return nil, err
	}
	if err := e.gas.Consume(e.costs.Debug.Cost(len(msg)), "debug"); err != nil {
		return nil, err
	}
	addr, err := AddressFromBytes(addrBz)
	if err != nil {
		return nil, err
	}
	logrus.WithField("contract", addr.Hex()).Debug(string(msg))
	return []wasmer.Value{}, nil
}
