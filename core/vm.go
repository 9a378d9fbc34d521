package core

// The sandbox abstraction. The block executor and pipeline only ever talk
// to this interface; the WASM host and the native VM are the two
// implementations.

import "encoding/json"

// Guest entry points. A contract must export at least one of these besides
// the memory management exports.
const (
	EntryInstantiate = "instantiate"
	EntryExecute     = "execute"
	EntryQuery       = "query"
	EntryMigrate     = "migrate"
	EntryReply       = "reply"
	EntryAuth        = "authenticate"
	EntryBackrun     = "backrun"
	EntryReceive     = "receive"
	EntryWithholdFee = "withhold_fee"
	EntryFinalizeFee = "finalize_fee"
	EntryBankExecute = "bank_execute"
	EntryBankQuery   = "bank_query"
	EntryCronExecute = "cron_execute"
)

// VM builds sandboxed instances of contract code.
type VM interface {
	// BuildInstance compiles (or fetches from cache) the code and wires it
	// to the given storage handle, querier, and gas tracker. When
	// stateMutable is false, any write attempted by the guest fails with
	// ErrReadOnly. queryDepth is the current query_chain recursion depth.
	BuildInstance(
		code []byte,
		codeHash Hash,
		storage KVStore,
		stateMutable bool,
		querier QuerierProvider,
		queryDepth int,
		gas GasTracker,
	) (Instance, error)
}

// Instance is a single-shot contract invocation handle: exactly one entry
// point call, then the instance is spent.
type Instance interface {
	// CallIn0Out1 invokes an entry point taking only the context.
	CallIn0Out1(name string, ctx *Context) ([]byte, error)
	// CallIn1Out1 invokes an entry point taking the context and one buffer.
	CallIn1Out1(name string, ctx *Context, p1 []byte) ([]byte, error)
	// CallIn2Out1 invokes an entry point taking the context and two buffers.
	CallIn2Out1(name string, ctx *Context, p1, p2 []byte) ([]byte, error)
}

// QuerierProvider is the host-side query dispatcher handed to instances.
// Implementations recurse into the VM with bounded depth.
type QuerierProvider interface {
	QueryChain(req QueryRequest, depth int) (json.RawMessage, error)
}

//---------------------------------------------------------------------
// Read-only enforcement
//---------------------------------------------------------------------

// readOnlyStore rejects every mutation with ErrReadOnly. Queries and query
// recursion run on top of this.
type readOnlyStore struct {
	store KVStore
}

// NewReadOnlyStore wraps a store so that no host call can change an
// observable read value.
func NewReadOnlyStore(store KVStore) KVStore { return readOnlyStore{store: store} }

func (r readOnlyStore) Read(key []byte) ([]byte, error) { return r.store.Read(key) }

func (r readOnlyStore) Scan(min, max []byte, order Order) Iterator {
	return r.store.Scan(min, max, order)
}

func (r readOnlyStore) Write([]byte, []byte) error    { return ErrReadOnly }
func (r readOnlyStore) Remove([]byte) error           { return ErrReadOnly }
func (r readOnlyStore) RemoveRange([]byte, []byte) error { return ErrReadOnly }
func (r readOnlyStore) Flush(Batch) error             { return ErrReadOnly }
