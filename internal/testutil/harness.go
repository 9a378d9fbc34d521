package testutil

// Chain harness: an in-memory app wired with the native contracts, plus the
// standard genesis the scenario tests run against.

import (
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"quarry-network/core"
)

// FeeDenom is the denom the harness taxman charges in.
const FeeDenom = "utoken"

// Chain bundles the app under test with the addresses genesis produced.
type Chain struct {
	App    *core.App
	VM     *core.NativeVM
	Bank   core.Address
	Taxman core.Address
	Owner  core.Address

	// Accounts created at genesis, keyed by the mock index passed to
	// NewChain.
	Accounts map[byte]core.Address

	// Code hashes of the registered native contracts.
	AccountCode core.Hash
	TesterCode  core.Hash

	height uint64
	now    core.Timestamp
}

// ChainConfig parameterizes genesis.
type ChainConfig struct {
	// Balances per account index, e.g. {1: {utoken: 100}}.
	Balances map[byte]core.Coins
	// Fee rate as RateNum/RateDen utoken per gas unit. Zero RateNum means
	// free transactions; a zero RateDen is treated as 1.
	RateNum uint64
	RateDen uint64
	// GasCosts overrides the default cost table.
	GasCosts *core.GasCosts
}

// NewChain boots a fresh in-memory chain: registers the native contracts,
// uploads and instantiates bank/taxman/accounts at genesis, and finalizes
// nothing yet. Account contracts are created for every balance entry.
func NewChain(cfg ChainConfig) (*Chain, error) {
	costs := core.DefaultGasCosts()
	if cfg.GasCosts != nil {
		costs = *cfg.GasCosts
	}
	vm := core.NewNativeVM(costs)

	bankCode, bankHash := vm.Register("bank", BankContract())
	taxmanCode, taxmanHash := vm.Register("taxman", TaxmanContract())
	accountCode, accountHash := vm.Register("account", AccountContract())
	testerCode, testerHash := vm.Register("tester", TesterContract())

	bankAddr := core.DeriveAddress(core.GenesisSender, bankHash, []byte("bank"))
	taxmanAddr := core.DeriveAddress(core.GenesisSender, taxmanHash, []byte("taxman"))

	rateDen := cfg.RateDen
	if rateDen == 0 {
		rateDen = 1
	}

	balances := make(map[core.Address]core.Coins)
	accounts := make(map[byte]core.Address)
	var accountMsgs []core.Message
	for index := range cfg.Balances {
		salt := []byte{index}
		addr := core.DeriveAddress(core.GenesisSender, accountHash, salt)
		accounts[index] = addr
		balances[addr] = cfg.Balances[index]
		accountMsgs = append(accountMsgs, core.Message{Instantiate: &core.MsgInstantiate{
			CodeHash: accountHash,
			Msg:      json.RawMessage(`{}`),
			Salt:     salt,
		}})
	}
	// Map iteration order is random; genesis must be deterministic.
	sortMessagesBySalt(accountMsgs)

	// The owner must be able to send transactions, so it has to be an
	// account contract: pick the lowest-index genesis account, falling back
	// to a plain address for account-less chains.
	owner := core.MockAddress(0xee)
	if len(accounts) > 0 {
		min := byte(0xff)
		for index := range accounts {
			if index <= min {
				min = index
			}
		}
		owner = accounts[min]
	}

	bankMsg, err := json.Marshal(BankInstantiateMsg{Balances: balances})
	if err != nil {
		return nil, err
	}
	taxmanMsg, err := json.Marshal(TaxmanInstantiateMsg{
		Denom:   FeeDenom,
		RateNum: cfg.RateNum,
		RateDen: rateDen,
	})
	if err != nil {
		return nil, err
	}

	msgs := []core.Message{
		{Upload: &core.MsgUpload{Code: bankCode}},
		{Upload: &core.MsgUpload{Code: taxmanCode}},
		{Upload: &core.MsgUpload{Code: accountCode}},
		{Upload: &core.MsgUpload{Code: testerCode}},
		{Instantiate: &core.MsgInstantiate{
			CodeHash: bankHash,
			Msg:      bankMsg,
			Salt:     []byte("bank"),
		}},
		{Instantiate: &core.MsgInstantiate{
			CodeHash: taxmanHash,
			Msg:      taxmanMsg,
			Salt:     []byte("taxman"),
		}},
	}
	msgs = append(msgs, accountMsgs...)

	genesis := core.GenesisState{
		Config: core.Config{
			Owner:  owner,
			Bank:   bankAddr,
			Taxman: taxmanAddr,
			Permissions: core.Permissions{
				Upload:      core.Permission{Kind: core.PermissionEverybody},
				Instantiate: core.Permission{Kind: core.PermissionEverybody},
			},
		},
		Msgs: msgs,
	}

	app := core.NewApp(dbm.NewMemDB(), vm, "quarry-test", core.WithGasCosts(costs))
	if _, err := app.InitChain(core.Seconds(1_000_000), genesis); err != nil {
		return nil, fmt.Errorf("init chain: %w", err)
	}

	return &Chain{
		App:         app,
		VM:          vm,
		Bank:        bankAddr,
		Taxman:      taxmanAddr,
		Owner:       owner,
		Accounts:    accounts,
		AccountCode: accountHash,
		TesterCode:  testerHash,
		height:      0,
		now:         core.Seconds(1_000_000),
	}, nil
}

func sortMessagesBySalt(msgs []core.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Instantiate.Salt[0] < msgs[j-1].Instantiate.Salt[0]; j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// NextBlock finalizes and commits a block carrying the given transactions.
func (c *Chain) NextBlock(txs ...core.Tx) (*core.BlockOutcome, error) {
	c.height++
	c.now += core.Seconds(5)
	block := core.BlockInfo{
		Height:    c.height,
		Timestamp: c.now,
		Hash:      core.Sha256Hash([]byte(fmt.Sprintf("block/%d", c.height))),
	}
	outcome, err := c.App.FinalizeBlock(block, txs)
	if err != nil {
		return nil, err
	}
	if err := c.App.Commit(); err != nil {
		return nil, err
	}
	return outcome, nil
}

// Balance reads an account's balance of the fee denom.
func (c *Chain) Balance(addr core.Address) (string, error) {
	res, err := c.App.Query(core.QueryRequest{Balance: &core.QueryBalanceRequest{
		Address: addr,
		Denom:   FeeDenom,
	}})
	if err != nil {
		return "", err
	}
	var amount string
	if err := json.Unmarshal(res, &amount); err != nil {
		return "", err
	}
	return amount, nil
}

// InstantiateTester creates a tester contract owned by the given account
// in a fresh block and returns its address.
func (c *Chain) InstantiateTester(sender core.Address, salt string) (core.Address, error) {
	tx := core.Tx{
		Sender:   sender,
		GasLimit: 10_000_000,
		Msgs: []core.Message{{Instantiate: &core.MsgInstantiate{
			CodeHash: c.TesterCode,
			Msg:      json.RawMessage(`{}`),
			Salt:     []byte(salt),
		}}},
	}
	outcome, err := c.NextBlock(tx)
	if err != nil {
		return core.Address{}, err
	}
	if !outcome.TxOutcomes[0].Ok() {
		return core.Address{}, fmt.Errorf("instantiate failed: %s", outcome.TxOutcomes[0].Error)
	}
	return core.DeriveAddress(sender, c.TesterCode, []byte(salt)), nil
}
