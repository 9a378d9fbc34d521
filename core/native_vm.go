package core

// Native VM: contracts compiled into the node binary. The chain's own test
// suite and genesis tooling run on this; it implements the same VM contract
// as the WASM host, so the executor cannot tell the difference.
//
// Native code is not instrumented per instruction; each call charges a flat
// NativeCall cost and storage access goes through the same metered store as
// wasm guests.

import (
	"encoding/json"
	"fmt"
	"sync"
)

// NativeContext is what a native entry point receives instead of the raw
// region buffers a wasm guest works with.
type NativeContext struct {
	*Context

	// Store is the contract's namespaced substore, gas-metered, and
	// read-only on query paths.
	Store KVStore

	// Querier reaches back into the chain with bounded depth.
	Querier    QuerierProvider
	QueryDepth int

	Gas GasTracker
}

// Query dispatches a chain query at this call's recursion depth.
func (c *NativeContext) Query(req QueryRequest) (json.RawMessage, error) {
	return c.Querier.QueryChain(req, c.QueryDepth)
}

// NativeEntry is one entry point of a native contract. params carries the
// raw buffers that a wasm guest would receive as regions (0, 1 or 2).
type NativeEntry func(ctx *NativeContext, params [][]byte) ([]byte, error)

// NativeContract maps entry-point names to implementations.
type NativeContract map[string]NativeEntry

// NativeVM keeps a registry of native contracts keyed by code hash.
type NativeVM struct {
	mu        sync.RWMutex
	contracts map[Hash]NativeContract
	costs     GasCosts
}

func NewNativeVM(costs GasCosts) *NativeVM {
	return &NativeVM{contracts: make(map[Hash]NativeContract), costs: costs}
}

// Register adds a contract under a deterministic pseudo-code. The returned
// code bytes are what gets uploaded on-chain; the hash is its content
// address, same as for wasm code.
func (vm *NativeVM) Register(name string, contract NativeContract) ([]byte, Hash) {
	code := []byte("native/" + name)
	hash := Sha256Hash(code)
	vm.mu.Lock()
	vm.contracts[hash] = contract
	vm.mu.Unlock()
	return code, hash
}

func (vm *NativeVM) BuildInstance(
	code []byte,
	codeHash Hash,
	storage KVStore,
	stateMutable bool,
	querier QuerierProvider,
	queryDepth int,
	gas GasTracker,
) (Instance, error) {
	vm.mu.RLock()
	contract, ok := vm.contracts[codeHash]
	vm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no native contract for %s", ErrCodeNotFound, codeHash)
	}
	if !stateMutable {
		storage = NewReadOnlyStore(storage)
	}
	return &nativeInstance{
		contract:   contract,
		storage:    storage,
		querier:    querier,
		queryDepth: queryDepth,
		gas:        gas,
		callCost:   vm.costs.NativeCall,
	}, nil
}

type nativeInstance struct {
	contract   NativeContract
	storage    KVStore
	querier    QuerierProvider
	queryDepth int
	gas        GasTracker
	callCost   uint64
	spent      bool
}

func (i *nativeInstance) call(name string, ctx *Context, params [][]byte) ([]byte, error) {
	if i.spent {
		return nil, fmt.Errorf("instance already consumed")
	}
	i.spent = true

	entry, ok := i.contract[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, name)
	}
	if err := i.gas.Consume(i.callCost, "native_call"); err != nil {
		return nil, err
	}
	return entry(&NativeContext{
		Context:    ctx,
		Store:      i.storage,
		Querier:    i.querier,
		QueryDepth: i.queryDepth,
		Gas:        i.gas,
	}, params)
}

func (i *nativeInstance) CallIn0Out1(name string, ctx *Context) ([]byte, error) {
	return i.call(name, ctx, nil)
}

func (i *nativeInstance) CallIn1Out1(name string, ctx *Context, p1 []byte) ([]byte, error) {
	return i.call(name, ctx, [][]byte{p1})
}

func (i *nativeInstance) CallIn2Out1(name string, ctx *Context, p1, p2 []byte) ([]byte, error) {
	return i.call(name, ctx, [][]byte{p1, p2})
}

//---------------------------------------------------------------------
// Result helpers for contract authors
//---------------------------------------------------------------------

// OkResponse wraps a Response into the GenericResult envelope.
func OkResponse(resp Response) ([]byte, error) {
	inner, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(GenericResult{Ok: inner})
}

// OkValue wraps an arbitrary value (query results) into the envelope.
func OkValue(v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(GenericResult{Ok: inner})
}

// ErrResult wraps a contract-level failure into the envelope. The error is
// data, not a host failure: the caller decides how to treat it.
func ErrResult(err error) ([]byte, error) {
	return json.Marshal(GenericResult{Err: err.Error()})
}
