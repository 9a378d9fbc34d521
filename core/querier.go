package core

// Querier provider: the pure read path. Every request maps to a
// deterministic read against the block's state; WasmSmart recurses into the
// VM in read-only mode with a bounded depth.

import (
	"encoding/json"
	"fmt"
)

// MaxQueryDepth caps query_chain recursion to prevent reentrancy towers.
const MaxQueryDepth = 8

//---------------------------------------------------------------------
// Request / response types
//---------------------------------------------------------------------

// QueryRequest is a tagged union over the supported queries; exactly one
// field is set. JSON is a single-key snake_case object.
type QueryRequest struct {
	Config    *QueryConfigRequest    `json:"config,omitempty"`
	AppConfig *QueryAppConfigRequest `json:"app_config,omitempty"`
	Balance   *QueryBalanceRequest   `json:"balance,omitempty"`
	Balances  *QueryBalancesRequest  `json:"balances,omitempty"`
	Supply    *QuerySupplyRequest    `json:"supply,omitempty"`
	Supplies  *QuerySuppliesRequest  `json:"supplies,omitempty"`
	Code      *QueryCodeRequest      `json:"code,omitempty"`
	Codes     *QueryCodesRequest     `json:"codes,omitempty"`
	Contract  *QueryContractRequest  `json:"contract,omitempty"`
	Contracts *QueryContractsRequest `json:"contracts,omitempty"`
	WasmRaw   *QueryWasmRawRequest   `json:"wasm_raw,omitempty"`
	WasmSmart *QueryWasmSmartRequest `json:"wasm_smart,omitempty"`
	Multi     *[]QueryRequest        `json:"multi,omitempty"`
}

type (
	QueryConfigRequest    struct{}
	QueryAppConfigRequest struct {
		Key string `json:"key"`
	}
	QueryBalanceRequest struct {
		Address Address `json:"address"`
		Denom   string  `json:"denom"`
	}
	QueryBalancesRequest struct {
		Address Address `json:"address"`
	}
	QuerySupplyRequest struct {
		Denom string `json:"denom"`
	}
	QuerySuppliesRequest struct{}
	QueryCodeRequest     struct {
		Hash Hash `json:"hash"`
	}
	QueryCodesRequest    struct{}
	QueryContractRequest struct {
		Address Address `json:"address"`
	}
	QueryContractsRequest struct{}
	QueryWasmRawRequest   struct {
		Contract Address `json:"contract"`
		Key      []byte  `json:"key"`
	}
	QueryWasmSmartRequest struct {
		Contract Address         `json:"contract"`
		Msg      json.RawMessage `json:"msg"`
	}
)

// ContractRecord pairs an address with its metadata in list responses.
type ContractRecord struct {
	Address Address      `json:"address"`
	Info    ContractInfo `json:"info"`
}

// WasmRawResponse is the raw substore read result; Value is nil if absent.
type WasmRawResponse struct {
	Value []byte `json:"value,omitempty"`
}

// MultiResponseItem captures one child of a Multi query: a child error does
// not abort its siblings.
type MultiResponseItem struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

//---------------------------------------------------------------------
// Provider
//---------------------------------------------------------------------

// querierProvider dispatches queries against one block's state. It holds
// the VM so WasmSmart can recurse, and shares the caller's gas tracker so
// nested queries draw from one budget.
type querierProvider struct {
	vm      VM
	store   KVStore // unprefixed state, read-only
	gas     GasTracker
	costs   GasCosts
	chainID string
	block   BlockInfo
}

// NewQuerierProvider builds the query dispatcher for one block's state. The
// store handle must be the unprefixed state store; it is wrapped read-only
// here.
func NewQuerierProvider(vm VM, store KVStore, gas GasTracker, costs GasCosts, chainID string, block BlockInfo) QuerierProvider {
	return &querierProvider{
		vm:      vm,
		store:   NewReadOnlyStore(store),
		gas:     gas,
		costs:   costs,
		chainID: chainID,
		block:   block,
	}
}

func (q *querierProvider) QueryChain(req QueryRequest, depth int) (json.RawMessage, error) {
	if depth > MaxQueryDepth {
		return nil, ErrQueryDepthExceeded
	}

	metered := NewMeteredStore(q.store, q.gas, q.costs)

	switch {
	case req.Config != nil:
		cfg, err := loadConfig(metered)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)

	case req.AppConfig != nil:
		return loadAppConfig(metered, req.AppConfig.Key)

	case req.Balance != nil:
		return q.bankQuery(metered, depth, map[string]any{"balance": req.Balance})

	case req.Balances != nil:
		return q.bankQuery(metered, depth, map[string]any{"balances": req.Balances})

	case req.Supply != nil:
		return q.bankQuery(metered, depth, map[string]any{"supply": req.Supply})

	case req.Supplies != nil:
		return q.bankQuery(metered, depth, map[string]any{"supplies": req.Supplies})

	case req.Code != nil:
		code, err := loadCode(metered, req.Code.Hash)
		if err != nil {
			return nil, err
		}
		return json.Marshal(code)

	case req.Codes != nil:
		hashes := []Hash{}
		it := metered.Scan([]byte(codePrefix), incrementLastByte([]byte(codePrefix)), OrderAscending)
		for it.Next() {
			h, err := HashFromBytes(it.Key()[len(codePrefix):])
			if err != nil {
				it.Close()
				return nil, err
			}
			hashes = append(hashes, h)
		}
		if err := it.Error(); err != nil {
			it.Close()
			return nil, err
		}
		it.Close()
		return json.Marshal(hashes)

	case req.Contract != nil:
		info, err := loadContractInfo(metered, req.Contract.Address)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)

	case req.Contracts != nil:
		records := []ContractRecord{}
		it := metered.Scan([]byte(contractPrefix), incrementLastByte([]byte(contractPrefix)), OrderAscending)
		for it.Next() {
			addr, err := AddressFromBytes(it.Key()[len(contractPrefix):])
			if err != nil {
				it.Close()
				return nil, err
			}
			var info ContractInfo
			if err := json.Unmarshal(it.Value(), &info); err != nil {
				it.Close()
				return nil, fmt.Errorf("corrupted contract record for %s: %w", addr, err)
			}
			records = append(records, ContractRecord{Address: addr, Info: info})
		}
		if err := it.Error(); err != nil {
			it.Close()
			return nil, err
		}
		it.Close()
		return json.Marshal(records)

	case req.WasmRaw != nil:
		substore := ContractStore(metered, req.WasmRaw.Contract)
		value, err := substore.Read(req.WasmRaw.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(WasmRawResponse{Value: value})

	case req.WasmSmart != nil:
		return q.smartQuery(depth, req.WasmSmart.Contract, EntryQuery, req.WasmSmart.Msg)

	case req.Multi != nil:
		items := make([]MultiResponseItem, len(*req.Multi))
		for i, child := range *req.Multi {
			res, err := q.QueryChain(child, depth+1)
			if err != nil {
				items[i] = MultiResponseItem{Err: err.Error()}
			} else {
				items[i] = MultiResponseItem{Ok: res}
			}
		}
		return json.Marshal(items)
	}

	return nil, fmt.Errorf("empty query request")
}

// bankQuery routes balance/supply queries to the bank contract's bank_query
// entry point.
func (q *querierProvider) bankQuery(metered MeteredStore, depth int, msg any) (json.RawMessage, error) {
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}
	bz, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return q.smartQuery(depth, cfg.Bank, EntryBankQuery, bz)
}

// smartQuery invokes a contract's query-path entry point in read-only mode.
func (q *querierProvider) smartQuery(depth int, contract Address, entry string, msg json.RawMessage) (json.RawMessage, error) {
	if depth+1 > MaxQueryDepth {
		return nil, ErrQueryDepthExceeded
	}

	metered := NewMeteredStore(q.store, q.gas, q.costs)
	info, err := loadContractInfo(metered, contract)
	if err != nil {
		return nil, err
	}
	code, err := loadCode(metered, info.CodeHash)
	if err != nil {
		return nil, err
	}

	substore := NewMeteredStore(ContractStore(q.store, contract), q.gas, q.costs)
	instance, err := q.vm.BuildInstance(code, info.CodeHash, substore, false, q, depth+1, q.gas)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		ChainID:  q.chainID,
		Block:    q.block,
		Contract: contract,
		Mode:     ModeQuery,
	}
	out, err := instance.CallIn1Out1(entry, ctx, msg)
	if err != nil {
		return nil, err
	}
	return DecodeResult(out)
}
