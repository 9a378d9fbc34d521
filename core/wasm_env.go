package core

// WASM host environment: the per-instance state shared by every import
// function, and the Region ABI through which host and guest exchange byte
// slices inside guest linear memory.
//
// A Region is a 12-byte descriptor {offset, capacity, length}, little
// endian, located at a guest-allocated pointer. The host never touches
// memory outside a validated region.

import (
	"encoding/binary"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Region describes a guest-allocated buffer in linear memory.
type Region struct {
	Offset   uint32
	Capacity uint32
	Length   uint32
}

const regionSize = 12

// validateRegion enforces the three region invariants. Violations are
// fatal to the current entry-point call.
func validateRegion(r Region) error {
	if r.Offset == 0 {
		return ErrRegionZeroOffset
	}
	if r.Length > r.Capacity {
		return fmt.Errorf("%w: length %d > capacity %d", ErrRegionTooSmall, r.Length, r.Capacity)
	}
	if r.Capacity > ^uint32(0)-r.Offset {
		return fmt.Errorf("%w: offset %d + capacity %d", ErrRegionOutOfRange, r.Offset, r.Capacity)
	}
	return nil
}

// wasmEnv is the context shared by the import functions of one instance.
type wasmEnv struct {
	memory   *wasmer.Memory
	instance *wasmer.Instance

	storage      KVStore // the contract's metered substore
	stateMutable bool
	querier      QuerierProvider
	queryDepth   int
	gas          GasTracker
	costs        GasCosts

	iterators  map[int32]Iterator
	nextIterID int32
}

func newWasmEnv(
	storage KVStore,
	stateMutable bool,
	querier QuerierProvider,
	queryDepth int,
	gas GasTracker,
	costs GasCosts,
) *wasmEnv {
	return &wasmEnv{
		storage:      storage,
		stateMutable: stateMutable,
		querier:      querier,
		queryDepth:   queryDepth,
		gas:          gas,
		costs:        costs,
		iterators:    make(map[int32]Iterator),
		nextIterID:   1,
	}
}

// setInstance wires the instantiated module back into the environment so
// imports can call the guest's allocate/deallocate exports.
func (e *wasmEnv) setInstance(instance *wasmer.Instance) error {
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return ErrMemoryNotSet
	}
	e.memory = mem
	e.instance = instance
	return nil
}

// data returns the current linear memory. Fetched fresh on every access
// because a guest allocation may grow (and remap) the memory.
func (e *wasmEnv) data() ([]byte, error) {
	if e.memory == nil {
		return nil, ErrMemoryNotSet
	}
	return e.memory.Data(), nil
}

func (e *wasmEnv) readRegion(ptr uint32) (Region, error) {
	mem, err := e.data()
	if err != nil {
		return Region{}, err
	}
	if uint64(ptr)+regionSize > uint64(len(mem)) {
		return Region{}, fmt.Errorf("%w: region descriptor at %d past memory end", ErrRegionOutOfRange, ptr)
	}
	r := Region{
		Offset:   binary.LittleEndian.Uint32(mem[ptr:]),
		Capacity: binary.LittleEndian.Uint32(mem[ptr+4:]),
		Length:   binary.LittleEndian.Uint32(mem[ptr+8:]),
	}
	if err := validateRegion(r); err != nil {
		return Region{}, err
	}
	return r, nil
}

func (e *wasmEnv) writeRegion(ptr uint32, r Region) error {
	mem, err := e.data()
	if err != nil {
		return err
	}
	if uint64(ptr)+regionSize > uint64(len(mem)) {
		return fmt.Errorf("%w: region descriptor at %d past memory end", ErrRegionOutOfRange, ptr)
	}
	binary.LittleEndian.PutUint32(mem[ptr:], r.Offset)
	binary.LittleEndian.PutUint32(mem[ptr+4:], r.Capacity)
	binary.LittleEndian.PutUint32(mem[ptr+8:], r.Length)
	return nil
}

// readFromMemory copies the payload a region points at.
func (e *wasmEnv) readFromMemory(regionPtr uint32) ([]byte, error) {
	r, err := e.readRegion(regionPtr)
	if err != nil {
		return nil, err
	}
	mem, err := e.data()
	if err != nil {
		return nil, err
	}
	end := uint64(r.Offset) + uint64(r.Length)
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: payload past memory end", ErrRegionOutOfRange)
	}
	out := make([]byte, r.Length)
	copy(out, mem[r.Offset:end])
	return out, nil
}

// readThenWipe reads a region's payload and releases it in the guest.
func (e *wasmEnv) readThenWipe(regionPtr uint32) ([]byte, error) {
	data, err := e.readFromMemory(regionPtr)
	if err != nil {
		return nil, err
	}
	if err := e.deallocate(regionPtr); err != nil {
		return nil, err
	}
	return data, nil
}

// writeToMemory asks the guest for a buffer via its allocate export, writes
// the payload, and returns the region pointer.
func (e *wasmEnv) writeToMemory(data []byte) (uint32, error) {
	ptr, err := e.allocate(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	r, err := e.readRegion(ptr)
	if err != nil {
		return 0, err
	}
	if uint32(len(data)) > r.Capacity {
		return 0, fmt.Errorf("%w: need %d, capacity %d", ErrRegionTooSmall, len(data), r.Capacity)
	}
	r.Length = uint32(len(data))

	mem, err := e.data()
	if err != nil {
		return 0, err
	}
	if uint64(r.Offset)+uint64(r.Length) > uint64(len(mem)) {
		return 0, fmt.Errorf("%w: allocated buffer past memory end", ErrRegionOutOfRange)
	}
	copy(mem[r.Offset:], data)

	return ptr, e.writeRegion(ptr, r)
}

func (e *wasmEnv) allocate(size uint32) (uint32, error) {
	fn, err := e.instance.Exports.GetFunction("allocate")
	if err != nil {
		return 0, fmt.Errorf("%w: allocate", ErrExportNotFound)
	}
	res, err := fn(int32(size))
	if err != nil {
		return 0, fmt.Errorf("guest allocate failed: %w", err)
	}
	ptr, ok := res.(int32)
	if !ok {
		return 0, fmt.Errorf("guest allocate returned %T, want i32", res)
	}
	return uint32(ptr), nil
}

func (e *wasmEnv) deallocate(ptr uint32) error {
	fn, err := e.instance.Exports.GetFunction("deallocate")
	if err != nil {
		return fmt.Errorf("%w: deallocate", ErrExportNotFound)
	}
	if _, err := fn(int32(ptr)); err != nil {
		return fmt.Errorf("guest deallocate failed: %w", err)
	}
	return nil
}

//---------------------------------------------------------------------
// Iterator table
//---------------------------------------------------------------------

// registerIterator stores a live iterator and returns its id.
func (e *wasmEnv) registerIterator(it Iterator) int32 {
	id := e.nextIterID
	e.nextIterID++
	e.iterators[id] = it
	return id
}

// takeIterator fetches a live iterator; unknown ids are a fatal error.
func (e *wasmEnv) takeIterator(id int32) (Iterator, error) {
	it, ok := e.iterators[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrIteratorNotFound, id)
	}
	return it, nil
}

// clearIterators drops every live iterator. Called on every state-mutating
// host call so a guest can never observe a sequence mutated underneath it.
func (e *wasmEnv) clearIterators() {
	for id, it := range e.iterators {
		it.Close()
		delete(e.iterators, id)
	}
}

// encodeRecord packs a record as (key_len:u32, key, value_len:u32, value).
func encodeRecord(key, value []byte) []byte {
	out := make([]byte, 0, 8+len(key)+len(value))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	out = append(out, n[:]...)
	out = append(out, key...)
	binary.LittleEndian.PutUint32(n[:], uint32(len(value)))
	out = append(out, n[:]...)
	out = append(out, value...)
	return out
}

// decodeSlices unpacks a (count:u32, then count length-prefixed items)
// buffer, the batch-verify argument layout.
func decodeSlices(bz []byte) ([][]byte, error) {
	if len(bz) < 4 {
		return nil, fmt.Errorf("truncated slice list")
	}
	count := binary.LittleEndian.Uint32(bz)
	pos := uint64(4)
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > uint64(len(bz)) {
			return nil, fmt.Errorf("truncated slice list")
		}
		n := uint64(binary.LittleEndian.Uint32(bz[pos:]))
		pos += 4
		if pos+n > uint64(len(bz)) {
			return nil, fmt.Errorf("truncated slice list")
		}
		out = append(out, bz[pos:pos+n])
		pos += n
	}
	return out, nil
}
