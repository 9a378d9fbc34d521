package core_test

// End-to-end scenarios against an in-memory chain running the native
// contracts: transfers, fee withholding and refunds, gas depletion,
// read-only queries, submessage replies, backrun, cron, and determinism.

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"quarry-network/core"
	"quarry-network/internal/testutil"
)

func feeChain(t *testing.T, balances map[byte]core.Coins) *testutil.Chain {
	t.Helper()
	chain, err := testutil.NewChain(testutil.ChainConfig{
		Balances: balances,
		RateNum:  1,
		RateDen:  1_000_000,
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain
}

func freeChain(t *testing.T, balances map[byte]core.Coins) *testutil.Chain {
	t.Helper()
	chain, err := testutil.NewChain(testutil.ChainConfig{Balances: balances})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain
}

func mustBalance(t *testing.T, chain *testutil.Chain, addr core.Address) uint64 {
	t.Helper()
	s, err := chain.Balance(addr)
	if err != nil {
		t.Fatalf("balance of %s: %v", addr, err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		t.Fatalf("balance %q: %v", s, err)
	}
	return n
}

func rawContractState(t *testing.T, chain *testutil.Chain, contract core.Address, key string) []byte {
	t.Helper()
	res, err := chain.App.Query(core.QueryRequest{WasmRaw: &core.QueryWasmRawRequest{
		Contract: contract,
		Key:      []byte(key),
	}})
	if err != nil {
		t.Fatalf("wasm raw query: %v", err)
	}
	var raw core.WasmRawResponse
	if err := json.Unmarshal(res, &raw); err != nil {
		t.Fatalf("decode wasm raw: %v", err)
	}
	return raw.Value
}

func transferTx(sender, to core.Address, amount uint64, gasLimit uint64) core.Tx {
	return core.Tx{
		Sender:   sender,
		GasLimit: gasLimit,
		Msgs: []core.Message{{Transfer: &core.MsgTransfer{
			To:    to,
			Coins: core.OneCoin(testutil.FeeDenom, amount),
		}}},
	}
}

// ceilDiv is ceil(a/b) for the fee assertions.
func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

//---------------------------------------------------------------------
// Scenarios
//---------------------------------------------------------------------

// Single transfer: A pays B 70 out of 100; both balances move and the app
// hash changes from genesis.
func TestSingleTransfer(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	genesisHash, err := chain.App.AppHash(0)
	if err != nil {
		t.Fatalf("genesis app hash: %v", err)
	}

	outcome, err := chain.NextBlock(transferTx(a, b, 70, 2_000_000))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("transfer failed: %s", outcome.TxOutcomes[0].Error)
	}
	if got := mustBalance(t, chain, a); got != 30 {
		t.Fatalf("A = %d, want 30", got)
	}
	if got := mustBalance(t, chain, b); got != 70 {
		t.Fatalf("B = %d, want 70", got)
	}
	if outcome.AppHash == genesisHash {
		t.Fatalf("app hash did not change")
	}
}

// Insufficient balance: the transfer fails, the fee still gets charged, and
// the sender's sequence still increments.
func TestInsufficientBalance(t *testing.T) {
	chain := feeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	outcome, err := chain.NextBlock(transferTx(a, b, 200, 2_000_000))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	txo := outcome.TxOutcomes[0]
	if txo.Ok() {
		t.Fatalf("overdrawn transfer succeeded")
	}
	if !strings.Contains(txo.Error, core.PhaseMessages) {
		t.Fatalf("expected a messages-phase failure, got %q", txo.Error)
	}

	charge := ceilDiv(txo.GasUsed, 1_000_000)
	if got := mustBalance(t, chain, a); got != 100-charge {
		t.Fatalf("A = %d, want %d (charge %d)", got, 100-charge, charge)
	}
	if got := mustBalance(t, chain, b); got != 0 {
		t.Fatalf("B = %d, want 0", got)
	}

	seq, err := testutil.AccountSequence(chain.App, a)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("sequence = %d, want 1", seq)
	}
}

// A tx whose fee cannot be withheld is rejected from the block results
// outright: no outcome, no state change, not even a sequence bump.
func TestWithholdFeeFailureExcludedFromBlock(t *testing.T) {
	chain := feeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 1), // far below the withhold amount
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	genesisHash, err := chain.App.AppHash(0)
	if err != nil {
		t.Fatalf("genesis app hash: %v", err)
	}

	// gas limit 5M at 1/1M per unit withholds 5 utoken; A only has 1.
	outcome, err := chain.NextBlock(transferTx(a, b, 1, 5_000_000))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if len(outcome.TxOutcomes) != 0 {
		t.Fatalf("rejected tx appeared in block results: %+v", outcome.TxOutcomes)
	}

	// Nothing committed: balance and sequence are untouched, and the block
	// left the app hash where genesis put it.
	if got := mustBalance(t, chain, a); got != 1 {
		t.Fatalf("A = %d, want 1", got)
	}
	seq, err := testutil.AccountSequence(chain.App, a)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if seq != 0 {
		t.Fatalf("sequence = %d, want 0", seq)
	}
	if outcome.AppHash != genesisHash {
		t.Fatalf("rejected tx changed the app hash")
	}
}

// Fee refund: the sender ends up paying exactly ceil(gas_used · rate), not
// the withheld maximum, regardless of message success.
func TestFeeRefund(t *testing.T) {
	chain := feeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	gasLimit := uint64(5_000_000)
	withheld := ceilDiv(gasLimit, 1_000_000)

	outcome, err := chain.NextBlock(transferTx(a, b, 10, gasLimit))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	txo := outcome.TxOutcomes[0]
	if !txo.Ok() {
		t.Fatalf("transfer failed: %s", txo.Error)
	}
	charge := ceilDiv(txo.GasUsed, 1_000_000)
	if charge > withheld {
		t.Fatalf("charged %d above the withheld maximum %d", charge, withheld)
	}
	if got := mustBalance(t, chain, a); got != 100-10-charge {
		t.Fatalf("A = %d, want %d", got, 100-10-charge)
	}
	taxman := mustBalance(t, chain, chain.Taxman)
	if taxman != charge {
		t.Fatalf("taxman kept %d, want %d", taxman, charge)
	}
}

// Gas depletion inside a contract: the tx fails with out-of-gas, the
// contract's writes are rolled back, and the fee stays bounded by
// gas_limit · rate.
func TestGasDepletion(t *testing.T) {
	chain := feeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
	})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}
	before := mustBalance(t, chain, a)

	burnMsg, _ := json.Marshal(testutil.TesterExecuteMsg{BurnGas: &struct{}{}})
	gasLimit := uint64(1_000_000)
	tx := core.Tx{
		Sender:   a,
		GasLimit: gasLimit,
		Msgs: []core.Message{{Execute: &core.MsgExecute{
			Contract: tester,
			Msg:      burnMsg,
		}}},
	}
	outcome, err := chain.NextBlock(tx)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	txo := outcome.TxOutcomes[0]
	if txo.Ok() {
		t.Fatalf("infinite loop succeeded")
	}
	if !strings.Contains(txo.Error, "out of gas") {
		t.Fatalf("expected out of gas, got %q", txo.Error)
	}
	if txo.GasUsed != gasLimit {
		t.Fatalf("gas used %d, want the full limit %d", txo.GasUsed, gasLimit)
	}

	// No contract state change survived.
	if v := rawContractState(t, chain, tester, "burn/0"); v != nil {
		t.Fatalf("depleting call left state behind: %q", v)
	}
	// The caller paid at most ceil(gas_limit · rate).
	maxFee := ceilDiv(gasLimit, 1_000_000)
	if got := mustBalance(t, chain, a); got < before-maxFee {
		t.Fatalf("A = %d, paid more than the ceiling %d", got, maxFee)
	}
}

// Read-only enforcement: a query that calls db_write fails and changes
// nothing.
func TestQueryReadOnly(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}

	hashBefore, err := chain.App.AppHash(1)
	if err != nil {
		t.Fatalf("app hash: %v", err)
	}

	writeMsg, _ := json.Marshal(testutil.TesterQueryMsg{Write: &struct{}{}})
	_, err = chain.App.Query(core.QueryRequest{WasmSmart: &core.QueryWasmSmartRequest{
		Contract: tester,
		Msg:      writeMsg,
	}})
	if err == nil {
		t.Fatalf("query write succeeded")
	}
	if !strings.Contains(err.Error(), core.ErrReadOnly.Error()) {
		t.Fatalf("expected read-only error, got %v", err)
	}

	if v := rawContractState(t, chain, tester, "illegal"); v != nil {
		t.Fatalf("query mutated state: %q", v)
	}
	// And the app hash of the finalized height is untouched.
	hashAfter, err := chain.App.AppHash(1)
	if err != nil {
		t.Fatalf("app hash: %v", err)
	}
	if hashAfter != hashBefore {
		t.Fatalf("query changed the app hash")
	}
}

// Reply-on-error: the child's overlay is discarded, the issuer's reply gets
// the error string, and the tx succeeds overall.
func TestSubmessageReplyOnError(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}

	failMsg, _ := json.Marshal(testutil.TesterExecuteMsg{Fail: &struct {
		Message string `json:"message"`
	}{Message: "child exploded"}})
	payload, _ := json.Marshal(testutil.TesterReplyPayload{SaveKey: "reply_result"})
	submsg, _ := json.Marshal(testutil.TesterExecuteMsg{Submsg: &struct {
		Msg     core.Message `json:"msg"`
		ReplyOn core.ReplyOn `json:"reply_on"`
	}{
		Msg:     core.Message{Execute: &core.MsgExecute{Contract: tester, Msg: failMsg}},
		ReplyOn: core.ReplyOn{Kind: core.ReplyError, Payload: payload},
	}})

	outcome, err := chain.NextBlock(core.Tx{
		Sender:   a,
		GasLimit: 10_000_000,
		Msgs:     []core.Message{{Execute: &core.MsgExecute{Contract: tester, Msg: submsg}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("tx failed: %s", outcome.TxOutcomes[0].Error)
	}

	saved := rawContractState(t, chain, tester, "reply_result")
	if saved == nil {
		t.Fatalf("reply was not invoked")
	}
	var result core.SubMsgResult
	if err := json.Unmarshal(saved, &result); err != nil {
		t.Fatalf("decode reply result: %v", err)
	}
	if !strings.Contains(result.Err, "child exploded") {
		t.Fatalf("reply got %+v, want the child's error", result)
	}
}

// Reply-on-success: the child's state commits and the reply sees its events.
func TestSubmessageReplyOnSuccess(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}

	saveMsg, _ := json.Marshal(testutil.TesterExecuteMsg{Save: &struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{Key: "child_key", Value: "child_value"}})
	payload, _ := json.Marshal(testutil.TesterReplyPayload{SaveKey: "reply_result"})
	submsg, _ := json.Marshal(testutil.TesterExecuteMsg{Submsg: &struct {
		Msg     core.Message `json:"msg"`
		ReplyOn core.ReplyOn `json:"reply_on"`
	}{
		Msg:     core.Message{Execute: &core.MsgExecute{Contract: tester, Msg: saveMsg}},
		ReplyOn: core.ReplyOn{Kind: core.ReplySuccess, Payload: payload},
	}})

	outcome, err := chain.NextBlock(core.Tx{
		Sender:   a,
		GasLimit: 10_000_000,
		Msgs:     []core.Message{{Execute: &core.MsgExecute{Contract: tester, Msg: submsg}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("tx failed: %s", outcome.TxOutcomes[0].Error)
	}

	if v := rawContractState(t, chain, tester, "child_key"); string(v) != "child_value" {
		t.Fatalf("child state not committed: %q", v)
	}
	saved := rawContractState(t, chain, tester, "reply_result")
	var result core.SubMsgResult
	if err := json.Unmarshal(saved, &result); err != nil {
		t.Fatalf("decode reply result: %v", err)
	}
	if result.Err != "" || result.Ok == nil {
		t.Fatalf("reply got %+v, want the child's events", result)
	}
}

// Reply-on-never with a failing child aborts the caller and rolls the whole
// message back.
func TestSubmessageNeverBubbles(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}

	failMsg, _ := json.Marshal(testutil.TesterExecuteMsg{Fail: &struct {
		Message string `json:"message"`
	}{Message: "nope"}})
	submsg, _ := json.Marshal(testutil.TesterExecuteMsg{Submsg: &struct {
		Msg     core.Message `json:"msg"`
		ReplyOn core.ReplyOn `json:"reply_on"`
	}{
		Msg:     core.Message{Execute: &core.MsgExecute{Contract: tester, Msg: failMsg}},
		ReplyOn: core.ReplyOn{Kind: core.ReplyNever},
	}})

	outcome, err := chain.NextBlock(core.Tx{
		Sender:   a,
		GasLimit: 10_000_000,
		Msgs:     []core.Message{{Execute: &core.MsgExecute{Contract: tester, Msg: submsg}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	txo := outcome.TxOutcomes[0]
	if txo.Ok() {
		t.Fatalf("tx succeeded despite bubbling child failure")
	}
	if !strings.Contains(txo.Error, "nope") {
		t.Fatalf("child error lost: %q", txo.Error)
	}
}

// Backrun: requested through tx data, runs after the messages, commits.
func TestBackrun(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	data, _ := json.Marshal(testutil.AccountData{Backrun: true})
	tx := transferTx(a, b, 5, 2_000_000)
	tx.Data = data

	outcome, err := chain.NextBlock(tx)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("tx failed: %s", outcome.TxOutcomes[0].Error)
	}
	if v := rawContractState(t, chain, a, "backrun_ran"); string(v) != "1" {
		t.Fatalf("backrun did not run: %q", v)
	}
}

// Cron: configured jobs fire once per interval, before transactions, with
// independent outcomes.
func TestCron(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	tester, err := chain.InstantiateTester(a, "t1")
	if err != nil {
		t.Fatalf("instantiate tester: %v", err)
	}

	cronjobs := map[core.Address]core.Duration{tester: core.Seconds(1)}
	outcome, err := chain.NextBlock(core.Tx{
		Sender:   a,
		GasLimit: 2_000_000,
		Msgs: []core.Message{{Configure: &core.MsgConfigure{
			Updates: core.ConfigUpdates{Cronjobs: &cronjobs},
		}}},
	})
	if err != nil {
		t.Fatalf("configure block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("configure failed: %s", outcome.TxOutcomes[0].Error)
	}

	for i := 1; i <= 2; i++ {
		outcome, err = chain.NextBlock()
		if err != nil {
			t.Fatalf("cron block %d: %v", i, err)
		}
		if len(outcome.CronOutcomes) != 1 {
			t.Fatalf("block %d ran %d cron jobs", i, len(outcome.CronOutcomes))
		}
		if !outcome.CronOutcomes[0].Ok() {
			t.Fatalf("cron failed: %s", outcome.CronOutcomes[0].Error)
		}
	}

	var runs int
	if err := json.Unmarshal(rawContractState(t, chain, tester, "cron_runs"), &runs); err != nil {
		t.Fatalf("decode cron runs: %v", err)
	}
	if runs != 2 {
		t.Fatalf("cron ran %d times, want 2", runs)
	}
}

// Owner-gated configuration: a non-owner cannot flip permissions; the owner
// can, and the new permission is enforced.
func TestConfigurePermissions(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100), // owner (lowest index)
		2: core.OneCoin(testutil.FeeDenom, 100),
	})
	owner, other := chain.Accounts[1], chain.Accounts[2]

	lockdown := core.Permissions{
		Upload:      core.Permission{Kind: core.PermissionNobody},
		Instantiate: core.Permission{Kind: core.PermissionEverybody},
	}

	// Non-owner configure is rejected.
	outcome, err := chain.NextBlock(core.Tx{
		Sender:   other,
		GasLimit: 2_000_000,
		Msgs: []core.Message{{Configure: &core.MsgConfigure{
			Updates: core.ConfigUpdates{Permissions: &lockdown},
		}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if outcome.TxOutcomes[0].Ok() {
		t.Fatalf("non-owner configure succeeded")
	}

	// Owner configure lands.
	outcome, err = chain.NextBlock(core.Tx{
		Sender:   owner,
		GasLimit: 2_000_000,
		Msgs: []core.Message{{Configure: &core.MsgConfigure{
			Updates: core.ConfigUpdates{Permissions: &lockdown},
		}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("owner configure failed: %s", outcome.TxOutcomes[0].Error)
	}

	// Upload is now closed to non-owners but open to the owner.
	upload := core.Message{Upload: &core.MsgUpload{Code: []byte("new code")}}
	outcome, err = chain.NextBlock(core.Tx{Sender: other, GasLimit: 2_000_000, Msgs: []core.Message{upload}})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if outcome.TxOutcomes[0].Ok() {
		t.Fatalf("locked-down upload succeeded")
	}
	outcome, err = chain.NextBlock(core.Tx{Sender: owner, GasLimit: 2_000_000, Msgs: []core.Message{upload}})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("owner upload failed: %s", outcome.TxOutcomes[0].Error)
	}
}

// Migrate: admin-gated code swap that invokes the new code's migrate entry.
func TestMigrate(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: core.OneCoin(testutil.FeeDenom, 100),
	})
	a, other := chain.Accounts[1], chain.Accounts[2]

	// Instantiate a tester with A as admin.
	outcome, err := chain.NextBlock(core.Tx{
		Sender:   a,
		GasLimit: 10_000_000,
		Msgs: []core.Message{{Instantiate: &core.MsgInstantiate{
			CodeHash: chain.TesterCode,
			Msg:      json.RawMessage(`{}`),
			Salt:     []byte("admined"),
			Admin:    &a,
		}}},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("instantiate failed: %s", outcome.TxOutcomes[0].Error)
	}
	tester := core.DeriveAddress(a, chain.TesterCode, []byte("admined"))

	migrate := core.Message{Migrate: &core.MsgMigrate{
		Contract:    tester,
		NewCodeHash: chain.TesterCode,
		Msg:         json.RawMessage(`{}`),
	}}

	// Non-admin migration is rejected.
	outcome, err = chain.NextBlock(core.Tx{Sender: other, GasLimit: 10_000_000, Msgs: []core.Message{migrate}})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if outcome.TxOutcomes[0].Ok() {
		t.Fatalf("non-admin migrate succeeded")
	}

	// Admin migration runs the migrate entry point.
	outcome, err = chain.NextBlock(core.Tx{Sender: a, GasLimit: 10_000_000, Msgs: []core.Message{migrate}})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !outcome.TxOutcomes[0].Ok() {
		t.Fatalf("admin migrate failed: %s", outcome.TxOutcomes[0].Error)
	}
	if v := rawContractState(t, chain, tester, "migrated"); string(v) != "1" {
		t.Fatalf("migrate entry did not run: %q", v)
	}
}

// Determinism: the same genesis and blocks produce bit-identical outcomes
// and app hashes on two independent chains.
func TestDeterminism(t *testing.T) {
	run := func() (*testutil.Chain, []byte) {
		chain := feeChain(t, map[byte]core.Coins{
			1: core.OneCoin(testutil.FeeDenom, 1000),
			2: core.OneCoin(testutil.FeeDenom, 500),
		})
		a, b := chain.Accounts[1], chain.Accounts[2]

		var outcomes []*core.BlockOutcome
		o, err := chain.NextBlock(transferTx(a, b, 70, 2_000_000), transferTx(b, a, 5, 2_000_000))
		if err != nil {
			t.Fatalf("block 1: %v", err)
		}
		outcomes = append(outcomes, o)
		o, err = chain.NextBlock(transferTx(a, b, 9999, 2_000_000)) // fails
		if err != nil {
			t.Fatalf("block 2: %v", err)
		}
		outcomes = append(outcomes, o)

		bz, err := json.Marshal(outcomes)
		if err != nil {
			t.Fatalf("marshal outcomes: %v", err)
		}
		return chain, bz
	}

	chain1, out1 := run()
	chain2, out2 := run()
	if string(out1) != string(out2) {
		t.Fatalf("outcomes diverged:\n%s\n%s", out1, out2)
	}
	h1, _ := chain1.App.AppHash(2)
	h2, _ := chain2.App.AppHash(2)
	if h1 != h2 {
		t.Fatalf("app hashes diverged: %s != %s", h1, h2)
	}
}

// Multi queries evaluate children in order, capturing per-child errors.
func TestMultiQuery(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{1: core.OneCoin(testutil.FeeDenom, 100)})
	a := chain.Accounts[1]

	children := []core.QueryRequest{
		{Balance: &core.QueryBalanceRequest{Address: a, Denom: testutil.FeeDenom}},
		{Contract: &core.QueryContractRequest{Address: core.MockAddress(0x99)}}, // absent
		{Config: &core.QueryConfigRequest{}},
	}
	res, err := chain.App.Query(core.QueryRequest{Multi: &children})
	if err != nil {
		t.Fatalf("multi query: %v", err)
	}
	var items []core.MultiResponseItem
	if err := json.Unmarshal(res, &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Err != "" || string(items[0].Ok) != `"100"` {
		t.Fatalf("balance child: %+v", items[0])
	}
	if items[1].Err == "" {
		t.Fatalf("absent contract child did not error")
	}
	if items[2].Err != "" {
		t.Fatalf("config child errored: %s", items[2].Err)
	}
}

// Store proofs verify against the app hash of their version.
func TestQueryStoreProof(t *testing.T) {
	chain := freeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	if _, err := chain.NextBlock(transferTx(a, b, 70, 2_000_000)); err != nil {
		t.Fatalf("block: %v", err)
	}

	key := []byte("cfg")
	value, proof, err := chain.App.QueryStore(key, 1, true)
	if err != nil {
		t.Fatalf("query store: %v", err)
	}
	if value == nil || proof == nil {
		t.Fatalf("missing value or proof")
	}
	root, err := chain.App.AppHash(1)
	if err != nil {
		t.Fatalf("app hash: %v", err)
	}
	if err := core.VerifyMembership(root, core.StateProofKey(key), value, proof); err != nil {
		t.Fatalf("proof does not verify: %v", err)
	}

	// Absence proof for a key that never existed.
	_, absProof, err := chain.App.QueryStore([]byte("no such key"), 1, true)
	if err != nil {
		t.Fatalf("query store: %v", err)
	}
	if err := core.VerifyNonMembership(root, core.StateProofKey([]byte("no such key")), absProof); err != nil {
		t.Fatalf("absence proof does not verify: %v", err)
	}
}

// Simulation reports gas without touching state or charging fees.
func TestSimulateTx(t *testing.T) {
	chain := feeChain(t, map[byte]core.Coins{
		1: core.OneCoin(testutil.FeeDenom, 100),
		2: {},
	})
	a, b := chain.Accounts[1], chain.Accounts[2]

	outcome, err := chain.App.SimulateTx(core.UnsignedTx{
		Sender: a,
		Msgs: []core.Message{{Transfer: &core.MsgTransfer{
			To:    b,
			Coins: core.OneCoin(testutil.FeeDenom, 10),
		}}},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !outcome.Ok() {
		t.Fatalf("simulation failed: %s", outcome.Error)
	}
	if outcome.GasUsed == 0 {
		t.Fatalf("simulation reported zero gas")
	}

	// Nothing changed, nothing charged.
	if got := mustBalance(t, chain, a); got != 100 {
		t.Fatalf("simulation moved funds: A = %d", got)
	}
	seq, err := testutil.AccountSequence(chain.App, a)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if seq != 0 {
		t.Fatalf("simulation incremented the sequence to %d", seq)
	}
}

// Genesis messages with a bad message fail chain init outright.
func TestInitChainRejectsBadGenesis(t *testing.T) {
	_, err := testutil.NewChain(testutil.ChainConfig{})
	if err != nil {
		t.Fatalf("empty chain: %v", err)
	}

	bad := core.GenesisState{
		Config: core.Config{},
		Msgs:   []core.Message{{}}, // no variant set
	}
	vm := core.NewNativeVM(core.DefaultGasCosts())
	app := core.NewApp(dbm.NewMemDB(), vm, "quarry-test")
	if _, err := app.InitChain(core.Seconds(1), bad); err == nil {
		t.Fatalf("bad genesis accepted")
	}
}
