package testutil

// Native contracts used by the test suite and by local devnets: a bank, a
// taxman charging a linear fee with reservation/refund, a minimal account,
// and a tester contract exercising the host surface.

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"quarry-network/core"
)

//---------------------------------------------------------------------
// Bank
//---------------------------------------------------------------------

// Bank substore layout:
//
//	"b" ‖ addr ‖ denom -> decimal amount
//	"s" ‖ denom        -> decimal amount (supply)

type BankInstantiateMsg struct {
	Balances map[core.Address]core.Coins `json:"balances"`
}

// BankExecuteMsg is the bank's regular execute interface. ForceTransfer is
// restricted to the taxman, which uses it to withhold and refund fees.
type BankExecuteMsg struct {
	ForceTransfer *core.BankTransfer `json:"force_transfer,omitempty"`
}

type BankQueryMsg struct {
	Balance  *core.QueryBalanceRequest  `json:"balance,omitempty"`
	Balances *core.QueryBalancesRequest `json:"balances,omitempty"`
	Supply   *core.QuerySupplyRequest   `json:"supply,omitempty"`
	Supplies *core.QuerySuppliesRequest `json:"supplies,omitempty"`
}

func balanceKey(addr core.Address, denom string) []byte {
	return append(append([]byte("b"), addr[:]...), denom...)
}

func supplyKey(denom string) []byte {
	return append([]byte("s"), denom...)
}

func readAmount(store core.KVStore, key []byte) (*uint256.Int, error) {
	bz, err := store.Read(key)
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return new(uint256.Int), nil
	}
	return core.ParseAmount(string(bz))
}

func writeAmount(store core.KVStore, key []byte, amount *uint256.Int) error {
	if amount.IsZero() {
		return store.Remove(key)
	}
	return store.Write(key, []byte(amount.Dec()))
}

func bankMove(store core.KVStore, from, to core.Address, coins core.Coins) error {
	for _, coin := range coins {
		fromBal, err := readAmount(store, balanceKey(from, coin.Denom))
		if err != nil {
			return err
		}
		if fromBal.Lt(coin.Amount) {
			return fmt.Errorf("insufficient balance: %s has %s%s, needs %s%s",
				from, fromBal.Dec(), coin.Denom, coin.Amount.Dec(), coin.Denom)
		}
		toBal, err := readAmount(store, balanceKey(to, coin.Denom))
		if err != nil {
			return err
		}
		if err := writeAmount(store, balanceKey(from, coin.Denom), new(uint256.Int).Sub(fromBal, coin.Amount)); err != nil {
			return err
		}
		if err := writeAmount(store, balanceKey(to, coin.Denom), new(uint256.Int).Add(toBal, coin.Amount)); err != nil {
			return err
		}
	}
	return nil
}

// BankContract builds the native bank.
func BankContract() core.NativeContract {
	return core.NativeContract{
		core.EntryInstantiate: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg BankInstantiateMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			for addr, coins := range msg.Balances {
				for _, coin := range coins {
					if err := writeAmount(ctx.Store, balanceKey(addr, coin.Denom), coin.Amount); err != nil {
						return nil, err
					}
					supply, err := readAmount(ctx.Store, supplyKey(coin.Denom))
					if err != nil {
						return nil, err
					}
					if err := writeAmount(ctx.Store, supplyKey(coin.Denom), new(uint256.Int).Add(supply, coin.Amount)); err != nil {
						return nil, err
					}
				}
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryBankExecute: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg core.BankMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			if msg.Transfer == nil {
				return core.ErrResult(errors.New("unknown bank message"))
			}
			if err := bankMove(ctx.Store, msg.Transfer.From, msg.Transfer.To, msg.Transfer.Coins); err != nil {
				return core.ErrResult(err)
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryExecute: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg BankExecuteMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			if msg.ForceTransfer == nil {
				return core.ErrResult(errors.New("unknown bank execute message"))
			}
			// Only the taxman may move funds it doesn't own.
			cfgBz, err := ctx.Query(core.QueryRequest{Config: &core.QueryConfigRequest{}})
			if err != nil {
				return nil, err
			}
			var cfg core.Config
			if err := json.Unmarshal(cfgBz, &cfg); err != nil {
				return nil, err
			}
			if ctx.Sender == nil || *ctx.Sender != cfg.Taxman {
				return core.ErrResult(errors.New("only the taxman can force transfers"))
			}
			if err := bankMove(ctx.Store, msg.ForceTransfer.From, msg.ForceTransfer.To, msg.ForceTransfer.Coins); err != nil {
				return core.ErrResult(err)
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryBankQuery: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg BankQueryMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			switch {
			case msg.Balance != nil:
				amount, err := readAmount(ctx.Store, balanceKey(msg.Balance.Address, msg.Balance.Denom))
				if err != nil {
					return nil, err
				}
				return core.OkValue(amount.Dec())
			case msg.Balances != nil:
				coins, err := collectCoins(ctx.Store, balanceKey(msg.Balances.Address, ""))
				if err != nil {
					return nil, err
				}
				return core.OkValue(coins)
			case msg.Supply != nil:
				amount, err := readAmount(ctx.Store, supplyKey(msg.Supply.Denom))
				if err != nil {
					return nil, err
				}
				return core.OkValue(amount.Dec())
			case msg.Supplies != nil:
				coins, err := collectCoins(ctx.Store, supplyKey(""))
				if err != nil {
					return nil, err
				}
				return core.OkValue(coins)
			}
			return core.ErrResult(errors.New("unknown bank query"))
		},
	}
}

// collectCoins scans all denom records under a prefix into a Coins value.
func collectCoins(store core.KVStore, prefix []byte) (core.Coins, error) {
	it := store.Scan(prefix, incrementBytes(prefix), core.OrderAscending)
	defer it.Close()
	var pairs []core.Coin
	for it.Next() {
		amount, err := core.ParseAmount(string(it.Value()))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, core.Coin{
			Denom:  string(it.Key()[len(prefix):]),
			Amount: amount,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return core.NewCoins(pairs...)
}

func incrementBytes(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Taxman
//---------------------------------------------------------------------

// Taxman substore layout:
//
//	"cfg"        -> TaxmanInstantiateMsg
//	"w" ‖ sender -> withheld decimal amount

type TaxmanInstantiateMsg struct {
	// Fee per gas unit as the fraction RateNum / RateDen.
	Denom   string `json:"denom"`
	RateNum uint64 `json:"rate_num"`
	RateDen uint64 `json:"rate_den"`
}

func withheldKey(sender core.Address) []byte {
	return append([]byte("w"), sender[:]...)
}

// ceilFee computes ceil(gas * num / den).
func ceilFee(gas, num, den uint64) *uint256.Int {
	product := new(uint256.Int).Mul(uint256.NewInt(gas), uint256.NewInt(num))
	d := uint256.NewInt(den)
	q := new(uint256.Int)
	m := new(uint256.Int)
	q.DivMod(product, d, m)
	if !m.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// TaxmanContract builds the native taxman: withhold_fee reserves
// ceil(gas_limit · fee_rate), finalize_fee refunds the unused part.
func TaxmanContract() core.NativeContract {
	loadCfg := func(ctx *core.NativeContext) (TaxmanInstantiateMsg, error) {
		var cfg TaxmanInstantiateMsg
		bz, err := ctx.Store.Read([]byte("cfg"))
		if err != nil {
			return cfg, err
		}
		if bz == nil {
			return cfg, errors.New("taxman not configured")
		}
		return cfg, json.Unmarshal(bz, &cfg)
	}

	chainCfg := func(ctx *core.NativeContext) (core.Config, error) {
		var cfg core.Config
		bz, err := ctx.Query(core.QueryRequest{Config: &core.QueryConfigRequest{}})
		if err != nil {
			return cfg, err
		}
		return cfg, json.Unmarshal(bz, &cfg)
	}

	forceTransferSubmsg := func(bank core.Address, transfer core.BankTransfer) (core.SubMessage, error) {
		msgBz, err := json.Marshal(BankExecuteMsg{ForceTransfer: &transfer})
		if err != nil {
			return core.SubMessage{}, err
		}
		return core.SubMessage{
			Msg: core.Message{Execute: &core.MsgExecute{
				Contract: bank,
				Msg:      msgBz,
			}},
			ReplyOn: core.ReplyOn{Kind: core.ReplyNever},
		}, nil
	}

	return core.NativeContract{
		core.EntryInstantiate: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg TaxmanInstantiateMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			if msg.RateDen == 0 {
				return core.ErrResult(errors.New("fee rate denominator must not be zero"))
			}
			if err := ctx.Store.Write([]byte("cfg"), params[0]); err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryWithholdFee: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var tx core.Tx
			if err := json.Unmarshal(params[0], &tx); err != nil {
				return core.ErrResult(err)
			}
			cfg, err := loadCfg(ctx)
			if err != nil {
				return core.ErrResult(err)
			}

			withhold := ceilFee(tx.GasLimit, cfg.RateNum, cfg.RateDen)
			if withhold.IsZero() {
				return core.OkResponse(core.Response{})
			}
			if err := ctx.Store.Write(withheldKey(tx.Sender), []byte(withhold.Dec())); err != nil {
				return nil, err
			}

			chain, err := chainCfg(ctx)
			if err != nil {
				return nil, err
			}
			coins, err := core.NewCoins(core.Coin{Denom: cfg.Denom, Amount: withhold})
			if err != nil {
				return core.ErrResult(err)
			}
			submsg, err := forceTransferSubmsg(chain.Bank, core.BankTransfer{
				From:  tx.Sender,
				To:    chain.Taxman,
				Coins: coins,
			})
			if err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{
				Submsgs:    []core.SubMessage{submsg},
				Attributes: []core.Attribute{{Key: "withheld", Value: withhold.Dec()}},
			})
		},

		core.EntryFinalizeFee: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var tx core.Tx
			if err := json.Unmarshal(params[0], &tx); err != nil {
				return core.ErrResult(err)
			}
			var outcome core.TxOutcome
			if err := json.Unmarshal(params[1], &outcome); err != nil {
				return core.ErrResult(err)
			}
			cfg, err := loadCfg(ctx)
			if err != nil {
				return core.ErrResult(err)
			}

			withheldBz, err := ctx.Store.Read(withheldKey(tx.Sender))
			if err != nil {
				return nil, err
			}
			if withheldBz == nil {
				// Nothing was withheld (zero fee rate); nothing to settle.
				return core.OkResponse(core.Response{})
			}
			if err := ctx.Store.Remove(withheldKey(tx.Sender)); err != nil {
				return nil, err
			}
			withheld, err := core.ParseAmount(string(withheldBz))
			if err != nil {
				return nil, err
			}

			charge := ceilFee(outcome.GasUsed, cfg.RateNum, cfg.RateDen)
			if charge.Gt(withheld) {
				charge = withheld
			}
			refund := new(uint256.Int).Sub(withheld, charge)
			if refund.IsZero() {
				return core.OkResponse(core.Response{})
			}

			chain, err := chainCfg(ctx)
			if err != nil {
				return nil, err
			}
			coins, err := core.NewCoins(core.Coin{Denom: cfg.Denom, Amount: refund})
			if err != nil {
				return core.ErrResult(err)
			}
			submsg, err := forceTransferSubmsg(chain.Bank, core.BankTransfer{
				From:  chain.Taxman,
				To:    tx.Sender,
				Coins: coins,
			})
			if err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{
				Submsgs:    []core.SubMessage{submsg},
				Attributes: []core.Attribute{{Key: "refunded", Value: refund.Dec()}},
			})
		},
	}
}

//---------------------------------------------------------------------
// Account
//---------------------------------------------------------------------

// AccountData is what an account's authenticate expects in tx.data.
type AccountData struct {
	Backrun bool `json:"backrun,omitempty"`
}

// AccountContract builds a minimal account: authenticate increments the
// stored sequence and optionally requests the backrun hook; receive
// accepts any funds.
func AccountContract() core.NativeContract {
	return core.NativeContract{
		core.EntryInstantiate: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			if err := ctx.Store.Write([]byte("seq"), []byte("0")); err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryAuth: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var tx core.Tx
			if err := json.Unmarshal(params[0], &tx); err != nil {
				return core.ErrResult(err)
			}
			seq, err := readAmount(ctx.Store, []byte("seq"))
			if err != nil {
				return nil, err
			}
			next := new(uint256.Int).AddUint64(seq, 1)
			if err := ctx.Store.Write([]byte("seq"), []byte(next.Dec())); err != nil {
				return nil, err
			}

			var data AccountData
			if len(tx.Data) > 0 {
				if err := json.Unmarshal(tx.Data, &data); err != nil {
					return core.ErrResult(err)
				}
			}
			return core.OkValue(core.AuthResponse{
				RequestBackrun: data.Backrun,
				Attributes:     []core.Attribute{{Key: "sequence", Value: next.Dec()}},
			})
		},

		core.EntryBackrun: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			if err := ctx.Store.Write([]byte("backrun_ran"), []byte("1")); err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryReceive: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			return core.OkResponse(core.Response{})
		},
	}
}

// AccountSequence reads an account's sequence from chain state.
func AccountSequence(app *core.App, account core.Address) (uint64, error) {
	res, err := app.Query(core.QueryRequest{WasmRaw: &core.QueryWasmRawRequest{
		Contract: account,
		Key:      []byte("seq"),
	}})
	if err != nil {
		return 0, err
	}
	var raw core.WasmRawResponse
	if err := json.Unmarshal(res, &raw); err != nil {
		return 0, err
	}
	if raw.Value == nil {
		return 0, errors.New("no sequence record")
	}
	seq, err := core.ParseAmount(string(raw.Value))
	if err != nil {
		return 0, err
	}
	return seq.Uint64(), nil
}
