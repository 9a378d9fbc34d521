package core

// Gas metering: a shared monotonic counter with labeled consumption, the
// configurable cost table, and a metered storage wrapper applying the
// storage charging rules uniformly to every layer the host touches.

import "sync"

//---------------------------------------------------------------------
// Cost table
//---------------------------------------------------------------------

// LinearCost prices an operation as base + perByte * payloadLen.
type LinearCost struct {
	Base    uint64 `json:"base" mapstructure:"base"`
	PerByte uint64 `json:"per_byte" mapstructure:"per_byte"`
}

// Cost evaluates the linear function. Pure; same inputs, same output.
func (c LinearCost) Cost(payloadLen int) uint64 {
	return c.Base + c.PerByte*uint64(payloadLen)
}

// GasCosts is the chain's cost model. The zero value is unusable; start
// from DefaultGasCosts.
type GasCosts struct {
	// Storage. Reads and writes scale with payload length; iteration pays
	// DBScan once at creation and DBNext per advance.
	DBRead  LinearCost `json:"db_read" mapstructure:"db_read"`
	DBWrite LinearCost `json:"db_write" mapstructure:"db_write"`
	DBScan  uint64     `json:"db_scan" mapstructure:"db_scan"`
	DBNext  uint64     `json:"db_next" mapstructure:"db_next"`

	// Crypto, flat per invocation.
	Secp256k1Verify        uint64 `json:"secp256k1_verify" mapstructure:"secp256k1_verify"`
	Secp256r1Verify        uint64 `json:"secp256r1_verify" mapstructure:"secp256r1_verify"`
	Secp256k1PubkeyRecover uint64 `json:"secp256k1_pubkey_recover" mapstructure:"secp256k1_pubkey_recover"`
	Ed25519Verify          uint64 `json:"ed25519_verify" mapstructure:"ed25519_verify"`
	// Batch verification charges per item on top of a flat base.
	Ed25519BatchVerifyBase    uint64 `json:"ed25519_batch_verify_base" mapstructure:"ed25519_batch_verify_base"`
	Ed25519BatchVerifyPerItem uint64 `json:"ed25519_batch_verify_per_item" mapstructure:"ed25519_batch_verify_per_item"`

	// Hashes, priced per input byte.
	HashPerByte LinearCost `json:"hash_per_byte" mapstructure:"hash_per_byte"`

	// Misc host imports.
	Debug      LinearCost `json:"debug" mapstructure:"debug"`
	QueryChain uint64     `json:"query_chain" mapstructure:"query_chain"`

	// Flat cost per native contract call; native code is not instrumented
	// per instruction the way wasm is.
	NativeCall uint64 `json:"native_call" mapstructure:"native_call"`
}

// DefaultGasCosts returns the cost table the chain ships with. The numbers
// track the relative CPU and storage cost of each operation.
func DefaultGasCosts() GasCosts {
	return GasCosts{
		DBRead:                    LinearCost{Base: 100, PerByte: 1},
		DBWrite:                   LinearCost{Base: 1000, PerByte: 10},
		DBScan:                    200,
		DBNext:                    50,
		Secp256k1Verify:           770_000,
		Secp256r1Verify:           880_000,
		Secp256k1PubkeyRecover:    1_070_000,
		Ed25519Verify:             330_000,
		Ed25519BatchVerifyBase:    180_000,
		Ed25519BatchVerifyPerItem: 190_000,
		HashPerByte:               LinearCost{Base: 25, PerByte: 1},
		Debug:                     LinearCost{Base: 100, PerByte: 1},
		QueryChain:                500,
		NativeCall:                2_000,
	}
}

//---------------------------------------------------------------------
// GasTracker
//---------------------------------------------------------------------

type gasInner struct {
	mu    sync.Mutex
	used  uint64
	limit *uint64 // nil disables enforcement
}

// GasTracker is a shared consumed/limit counter. Handles are cheap copies
// sharing the same counter; cron jobs and node-side queries run with no
// limit.
type GasTracker struct {
	inner *gasInner
}

// NewGasTracker creates a tracker enforcing the given limit.
func NewGasTracker(limit uint64) GasTracker {
	return GasTracker{inner: &gasInner{limit: &limit}}
}

// NewUnlimitedGasTracker creates a tracker that counts but never fails.
func NewUnlimitedGasTracker() GasTracker {
	return GasTracker{inner: &gasInner{}}
}

// Consume adds amount to the counter. If the total would exceed the limit,
// the counter saturates at the limit and an OutOfGasError carrying the
// label is returned. Consumed gas only ever increases.
func (g GasTracker) Consume(amount uint64, label string) error {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if g.inner.limit != nil && g.inner.used+amount > *g.inner.limit {
		used := g.inner.used
		g.inner.used = *g.inner.limit
		return OutOfGasError{Limit: *g.inner.limit, Used: used, Label: label}
	}
	g.inner.used += amount
	return nil
}

// Used returns the gas consumed so far.
func (g GasTracker) Used() uint64 {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	return g.inner.used
}

// Limit returns the limit, or nil if enforcement is disabled.
func (g GasTracker) Limit() *uint64 {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if g.inner.limit == nil {
		return nil
	}
	l := *g.inner.limit
	return &l
}

// Remaining returns limit - used, or the maximum uint64 when unlimited.
func (g GasTracker) Remaining() uint64 {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if g.inner.limit == nil {
		return ^uint64(0)
	}
	return *g.inner.limit - g.inner.used
}

//---------------------------------------------------------------------
// Metered storage
//---------------------------------------------------------------------

// MeteredStore charges gas for every storage operation before performing
// it, so a depleting call cannot mutate state.
//
// Charging rules: a found read costs DBRead.Cost(len(value)); a not-found
// read costs DBRead.Cost(0); a write costs DBWrite.Cost(len(key)+len(value));
// opening an iterator costs DBScan; each advance costs DBNext, plus
// DBRead.Cost(len(key)+len(value)) when a record is yielded.
type MeteredStore struct {
	store KVStore
	gas   GasTracker
	costs GasCosts
}

func NewMeteredStore(store KVStore, gas GasTracker, costs GasCosts) MeteredStore {
	return MeteredStore{store: store, gas: gas, costs: costs}
}

func (m MeteredStore) Read(key []byte) ([]byte, error) {
	value, err := m.store.Read(key)
	if err != nil {
		return nil, err
	}
	if value != nil {
		if err := m.gas.Consume(m.costs.DBRead.Cost(len(value)), "db_read/found"); err != nil {
			return nil, err
		}
	} else {
		if err := m.gas.Consume(m.costs.DBRead.Cost(0), "db_read/not_found"); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (m MeteredStore) Write(key, value []byte) error {
	if err := m.gas.Consume(m.costs.DBWrite.Cost(len(key)+len(value)), "db_write"); err != nil {
		return err
	}
	return m.store.Write(key, value)
}

func (m MeteredStore) Remove(key []byte) error {
	if err := m.gas.Consume(m.costs.DBWrite.Cost(len(key)), "db_remove"); err != nil {
		return err
	}
	return m.store.Remove(key)
}

func (m MeteredStore) RemoveRange(min, max []byte) error {
	if err := m.gas.Consume(m.costs.DBWrite.Cost(len(min)+len(max)), "db_remove_range"); err != nil {
		return err
	}
	return m.store.RemoveRange(min, max)
}

func (m MeteredStore) Flush(batch Batch) error {
	return m.store.Flush(batch)
}

func (m MeteredStore) Scan(min, max []byte, order Order) Iterator {
	if err := m.gas.Consume(m.costs.DBScan, "db_scan"); err != nil {
		return errIterator{err: err}
	}
	return &meteredIterator{inner: m.store.Scan(min, max, order), gas: m.gas, costs: m.costs}
}

type meteredIterator struct {
	inner Iterator
	gas   GasTracker
	costs GasCosts
	err   error
}

func (it *meteredIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.inner.Next() {
		cost := it.costs.DBNext + it.costs.DBRead.Cost(len(it.inner.Key())+len(it.inner.Value()))
		if err := it.gas.Consume(cost, "db_next/found"); err != nil {
			it.err = err
			return false
		}
		return true
	}
	if err := it.gas.Consume(it.costs.DBNext, "db_next/not_found"); err != nil {
		it.err = err
	}
	return false
}

func (it *meteredIterator) Key() []byte   { return it.inner.Key() }
func (it *meteredIterator) Value() []byte { return it.inner.Value() }

func (it *meteredIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Error()
}

func (it *meteredIterator) Close() { it.inner.Close() }
