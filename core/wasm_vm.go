package core

// The WASM host: compiles guest modules with wasmer, caches compiled
// modules by code hash, and exposes the one-shot Instance contract the
// executor drives.

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// WasmVM compiles and runs guest contracts. Safe for use across blocks; a
// compiled module is reused for every instance of the same code.
type WasmVM struct {
	mu    sync.Mutex
	cache map[Hash]*compiledModule
	costs GasCosts
}

type compiledModule struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	module *wasmer.Module
}

func NewWasmVM(costs GasCosts) *WasmVM {
	return &WasmVM{
		cache: make(map[Hash]*compiledModule),
		costs: costs,
	}
}

// compile fetches the compiled module for a code hash, compiling and
// caching on first use.
func (vm *WasmVM) compile(code []byte, codeHash Hash) (*compiledModule, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if cm, ok := vm.cache[codeHash]; ok {
		return cm, nil
	}

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", codeHash, err)
	}
	cm := &compiledModule{engine: engine, store: store, module: module}
	vm.cache[codeHash] = cm

	logrus.WithField("code_hash", codeHash.Hex()).Debug("compiled wasm module")
	return cm, nil
}

func (vm *WasmVM) BuildInstance(
	code []byte,
	codeHash Hash,
	storage KVStore,
	stateMutable bool,
	querier QuerierProvider,
	queryDepth int,
	gas GasTracker,
) (Instance, error) {
	cm, err := vm.compile(code, codeHash)
	if err != nil {
		return nil, err
	}

	env := newWasmEnv(storage, stateMutable, querier, queryDepth, gas, vm.costs)
	imports := registerImports(cm.store, env)

	instance, err := wasmer.NewInstance(cm.module, imports)
	if err != nil {
		return nil, fmt.Errorf("instantiate module %s: %w", codeHash, err)
	}
	if err := env.setInstance(instance); err != nil {
		return nil, err
	}

	return &wasmInstance{env: env}, nil
}

// wasmInstance is a single-shot invocation handle.
type wasmInstance struct {
	env   *wasmEnv
	spent bool
}

// callRaw writes the context and parameters into guest memory, invokes the
// entry point, and reads back the result region.
func (i *wasmInstance) callRaw(name string, ctx *Context, params ...[]byte) ([]byte, error) {
	if i.spent {
		return nil, fmt.Errorf("instance already consumed")
	}
	i.spent = true
	defer i.env.clearIterators()

	ctxBz, err := marshalJSON(ctx)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, 1+len(params))
	ctxPtr, err := i.env.writeToMemory(ctxBz)
	if err != nil {
		return nil, err
	}
	args = append(args, int32(ctxPtr))
	for _, p := range params {
		ptr, err := i.env.writeToMemory(p)
		if err != nil {
			return nil, err
		}
		args = append(args, int32(ptr))
	}

	fn, err := i.env.instance.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, name)
	}
	res, err := fn(args...)
	if err != nil {
		return nil, fmt.Errorf("guest call %s trapped: %w", name, err)
	}
	resPtr, ok := res.(int32)
	if !ok {
		return nil, fmt.Errorf("guest call %s returned %T, want i32", name, res)
	}
	return i.env.readThenWipe(uint32(resPtr))
}

func (i *wasmInstance) CallIn0Out1(name string, ctx *Context) ([]byte, error) {
	return i.callRaw(name, ctx)
}

func (i *wasmInstance) CallIn1Out1(name string, ctx *Context, p1 []byte) ([]byte, error) {
	return i.callRaw(name, ctx, p1)
}

func (i *wasmInstance) CallIn2Out1(name string, ctx *Context, p1, p2 []byte) ([]byte, error) {
	return i.callRaw(name, ctx, p1, p2)
}
