package core

// Message execution: the six message kinds, and the shared plumbing for
// invoking a contract entry point through the VM.

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// appEnv carries the per-block invariants every execution helper needs.
// The gas tracker is per-transaction (or unlimited for cron/genesis); the
// store is threaded separately because each phase and submessage runs on
// its own overlay.
type appEnv struct {
	vm      VM
	costs   GasCosts
	chainID string
	block   BlockInfo
	gas     GasTracker
	mode    ExecMode
}

//---------------------------------------------------------------------
// Contract invocation plumbing
//---------------------------------------------------------------------

// callContract loads a contract's code and invokes one entry point. params
// are the raw buffers after the context (0, 1 or 2). Returns the guest's
// raw result buffer.
func (env *appEnv) callContract(
	store KVStore,
	contract Address,
	entry string,
	stateMutable bool,
	sender *Address,
	funds Coins,
	params ...[]byte,
) ([]byte, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	info, err := loadContractInfo(metered, contract)
	if err != nil {
		return nil, err
	}
	code, err := loadCode(metered, info.CodeHash)
	if err != nil {
		return nil, err
	}

	querier := NewQuerierProvider(env.vm, store, env.gas, env.costs, env.chainID, env.block)
	substore := NewMeteredStore(ContractStore(store, contract), env.gas, env.costs)

	instance, err := env.vm.BuildInstance(code, info.CodeHash, substore, stateMutable, querier, 0, env.gas)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		ChainID:  env.chainID,
		Block:    env.block,
		Contract: contract,
		Sender:   sender,
		Funds:    funds,
		Mode:     env.mode,
	}
	switch len(params) {
	case 0:
		return instance.CallIn0Out1(entry, ctx)
	case 1:
		return instance.CallIn1Out1(entry, ctx, params[0])
	case 2:
		return instance.CallIn2Out1(entry, ctx, params[0], params[1])
	}
	return nil, fmt.Errorf("entry points take at most 2 parameters, got %d", len(params))
}

// callWithResponse invokes a state-mutating entry point and decodes the
// Response envelope.
func (env *appEnv) callWithResponse(
	store KVStore,
	contract Address,
	entry string,
	sender *Address,
	funds Coins,
	params ...[]byte,
) (*Response, error) {
	out, err := env.callContract(store, contract, entry, true, sender, funds, params...)
	if err != nil {
		return nil, err
	}
	ok, err := DecodeResult(out)
	if err != nil {
		return nil, err
	}
	var resp Response
	if len(ok) > 0 {
		if err := json.Unmarshal(ok, &resp); err != nil {
			return nil, fmt.Errorf("malformed contract response: %w", err)
		}
	}
	return &resp, nil
}

// handleResponse turns a contract response into events: the entry point's
// own event followed by whatever the submessages emit.
func (env *appEnv) handleResponse(store KVStore, contract Address, event Event, resp *Response) ([]Event, error) {
	events := []Event{event}
	subEvents, err := env.handleSubmessages(store, contract, resp.Submsgs)
	if err != nil {
		return nil, err
	}
	return append(events, subEvents...), nil
}

//---------------------------------------------------------------------
// Bank interface
//---------------------------------------------------------------------

// BankMsg is the message the runtime sends to the bank contract's
// bank_execute entry point.
type BankMsg struct {
	Transfer *BankTransfer `json:"transfer,omitempty"`
}

// BankTransfer moves coins between two accounts. Only the runtime can send
// this; contracts use Message.Transfer.
type BankTransfer struct {
	From  Address `json:"from"`
	To    Address `json:"to"`
	Coins Coins   `json:"coins"`
}

//---------------------------------------------------------------------
// Message dispatch
//---------------------------------------------------------------------

// processMsg executes one message against the given store. The caller owns
// rollback: this function does not create overlays for the message itself,
// only for submessages spawned by it.
func (env *appEnv) processMsg(store KVStore, sender Address, msg Message) ([]Event, error) {
	switch {
	case msg.Configure != nil:
		return env.doConfigure(store, sender, msg.Configure)
	case msg.Transfer != nil:
		return env.doTransfer(store, sender, msg.Transfer.To, msg.Transfer.Coins, true)
	case msg.Upload != nil:
		return env.doUpload(store, sender, msg.Upload)
	case msg.Instantiate != nil:
		return env.doInstantiate(store, sender, msg.Instantiate)
	case msg.Execute != nil:
		return env.doExecute(store, sender, msg.Execute)
	case msg.Migrate != nil:
		return env.doMigrate(store, sender, msg.Migrate)
	}
	return nil, ErrInvalidMessage
}

func (env *appEnv) doConfigure(store KVStore, sender Address, msg *MsgConfigure) ([]Event, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}
	if sender != cfg.Owner {
		return nil, fmt.Errorf("%w: only the owner can configure", ErrUnauthorized)
	}

	if msg.Updates.Owner != nil {
		cfg.Owner = *msg.Updates.Owner
	}
	if msg.Updates.Bank != nil {
		cfg.Bank = *msg.Updates.Bank
	}
	if msg.Updates.Taxman != nil {
		cfg.Taxman = *msg.Updates.Taxman
	}
	if msg.Updates.Cronjobs != nil {
		// Reschedule from scratch: drop the old firing times, then arm every
		// configured job to fire from now on.
		for addr := range cfg.Cronjobs {
			if err := removeCronTime(metered, addr); err != nil {
				return nil, err
			}
		}
		cfg.Cronjobs = *msg.Updates.Cronjobs
		for addr := range cfg.Cronjobs {
			if err := saveNextCronTime(metered, addr, env.block.Timestamp); err != nil {
				return nil, err
			}
		}
	}
	if msg.Updates.Permissions != nil {
		cfg.Permissions = *msg.Updates.Permissions
	}
	if err := saveConfig(metered, cfg); err != nil {
		return nil, err
	}

	for name, raw := range msg.AppUpdates {
		if string(raw) == "null" {
			if err := metered.Remove(appConfigKey(name)); err != nil {
				return nil, err
			}
		} else {
			if err := metered.Write(appConfigKey(name), raw); err != nil {
				return nil, err
			}
		}
	}

	return []Event{newConfigureEvent(sender)}, nil
}

// doTransfer routes coins through the bank contract, then notifies the
// recipient's receive hook if it is a contract and doReceive is set (plain
// transfers notify; funds attached to instantiate/execute do not, the
// callee sees them in its context instead).
func (env *appEnv) doTransfer(store KVStore, from, to Address, coins Coins, doReceive bool) ([]Event, error) {
	if coins.IsEmpty() {
		return nil, nil
	}
	metered := NewMeteredStore(store, env.gas, env.costs)
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}

	bankMsg, err := marshalJSON(BankMsg{Transfer: &BankTransfer{From: from, To: to, Coins: coins}})
	if err != nil {
		return nil, err
	}
	resp, err := env.callWithResponse(store, cfg.Bank, EntryBankExecute, &from, nil, bankMsg)
	if err != nil {
		return nil, err
	}
	events, err := env.handleResponse(store, cfg.Bank, newTransferEvent(from, to, coins, resp.Attributes), resp)
	if err != nil {
		return nil, err
	}

	if doReceive {
		if _, err := loadContractInfo(metered, to); err == nil {
			recvResp, err := env.callWithResponse(store, to, EntryReceive, &from, coins)
			if err != nil {
				return nil, err
			}
			recvEvents, err := env.handleResponse(store, to, newReceiveEvent(to, recvResp.Attributes), recvResp)
			if err != nil {
				return nil, err
			}
			events = append(events, recvEvents...)
		}
	}
	return events, nil
}

func (env *appEnv) doUpload(store KVStore, sender Address, msg *MsgUpload) ([]Event, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}
	if !cfg.Permissions.Upload.Allows(sender, cfg.Owner) {
		return nil, fmt.Errorf("%w: sender may not upload code", ErrUnauthorized)
	}

	codeHash := Sha256Hash(msg.Code)
	exists, err := hasCode(metered, codeHash)
	if err != nil {
		return nil, err
	}
	// Code is content-addressed; an identical upload dedupes.
	if !exists {
		if err := saveCode(metered, codeHash, msg.Code); err != nil {
			return nil, err
		}
	}
	return []Event{newUploadEvent(codeHash)}, nil
}

func (env *appEnv) doInstantiate(store KVStore, sender Address, msg *MsgInstantiate) ([]Event, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}
	if !cfg.Permissions.Instantiate.Allows(sender, cfg.Owner) {
		return nil, fmt.Errorf("%w: sender may not instantiate contracts", ErrUnauthorized)
	}
	exists, err := hasCode(metered, msg.CodeHash)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, msg.CodeHash)
	}

	contract := DeriveAddress(sender, msg.CodeHash, msg.Salt)
	if _, err := loadContractInfo(metered, contract); err == nil {
		return nil, fmt.Errorf("contract %s already exists", contract)
	}
	if err := saveContractInfo(metered, contract, ContractInfo{CodeHash: msg.CodeHash, Admin: msg.Admin}); err != nil {
		return nil, err
	}

	var events []Event
	if !msg.Funds.IsEmpty() {
		transferEvents, err := env.doTransfer(store, sender, contract, msg.Funds, false)
		if err != nil {
			return nil, err
		}
		events = append(events, transferEvents...)
	}

	resp, err := env.callWithResponse(store, contract, EntryInstantiate, &sender, msg.Funds, msg.Msg)
	if err != nil {
		return nil, err
	}
	callEvents, err := env.handleResponse(store, contract, newInstantiateEvent(contract, msg.CodeHash, resp.Attributes), resp)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"contract":  contract.Hex(),
		"code_hash": msg.CodeHash.Hex(),
	}).Debug("instantiated contract")
	return append(events, callEvents...), nil
}

func (env *appEnv) doExecute(store KVStore, sender Address, msg *MsgExecute) ([]Event, error) {
	var events []Event
	if !msg.Funds.IsEmpty() {
		transferEvents, err := env.doTransfer(store, sender, msg.Contract, msg.Funds, false)
		if err != nil {
			return nil, err
		}
		events = append(events, transferEvents...)
	}

	resp, err := env.callWithResponse(store, msg.Contract, EntryExecute, &sender, msg.Funds, msg.Msg)
	if err != nil {
		return nil, err
	}
	callEvents, err := env.handleResponse(store, msg.Contract, newExecuteEvent(msg.Contract, resp.Attributes), resp)
	if err != nil {
		return nil, err
	}
	return append(events, callEvents...), nil
}

func (env *appEnv) doMigrate(store KVStore, sender Address, msg *MsgMigrate) ([]Event, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	info, err := loadContractInfo(metered, msg.Contract)
	if err != nil {
		return nil, err
	}
	if info.Admin == nil || *info.Admin != sender {
		return nil, fmt.Errorf("%w: only the admin can migrate", ErrUnauthorized)
	}
	exists, err := hasCode(metered, msg.NewCodeHash)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, msg.NewCodeHash)
	}

	info.CodeHash = msg.NewCodeHash
	if err := saveContractInfo(metered, msg.Contract, info); err != nil {
		return nil, err
	}

	resp, err := env.callWithResponse(store, msg.Contract, EntryMigrate, &sender, nil, msg.Msg)
	if err != nil {
		return nil, err
	}
	return env.handleResponse(store, msg.Contract, newMigrateEvent(msg.Contract, msg.NewCodeHash, resp.Attributes), resp)
}
