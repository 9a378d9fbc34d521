package testutil

// Tester contract: a grab-bag of behaviors the host-surface tests need —
// raw storage writes, forced failures, gas burning, submessage emission,
// and a query entry that tries to write.

import (
	"encoding/json"
	"errors"
	"fmt"

	"quarry-network/core"
)

// TesterExecuteMsg selects one behavior per call.
type TesterExecuteMsg struct {
	// Save writes a key/value into the contract's substore.
	Save *struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"save,omitempty"`

	// Fail returns a contract-level error.
	Fail *struct {
		Message string `json:"message"`
	} `json:"fail,omitempty"`

	// BurnGas writes records until the gas tracker stops it.
	BurnGas *struct{} `json:"burn_gas,omitempty"`

	// Submsg re-dispatches an inner message with a reply policy.
	Submsg *struct {
		Msg     core.Message `json:"msg"`
		ReplyOn core.ReplyOn `json:"reply_on"`
	} `json:"submsg,omitempty"`
}

// TesterQueryMsg selects the query behavior.
type TesterQueryMsg struct {
	Read *struct {
		Key string `json:"key"`
	} `json:"read,omitempty"`

	// Write attempts a state mutation from the query path; the host must
	// reject it.
	Write *struct{} `json:"write,omitempty"`
}

// TesterReplyPayload controls what the reply entry does.
type TesterReplyPayload struct {
	SaveKey string `json:"save_key,omitempty"`
	Fail    bool   `json:"fail,omitempty"`
}

// TesterContract builds the tester.
func TesterContract() core.NativeContract {
	return core.NativeContract{
		core.EntryInstantiate: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			return core.OkResponse(core.Response{})
		},

		core.EntryExecute: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg TesterExecuteMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			switch {
			case msg.Save != nil:
				if err := ctx.Store.Write([]byte(msg.Save.Key), []byte(msg.Save.Value)); err != nil {
					return nil, err
				}
				return core.OkResponse(core.Response{})

			case msg.Fail != nil:
				return core.ErrResult(errors.New(msg.Fail.Message))

			case msg.BurnGas != nil:
				// Loop until the metered store raises OutOfGas. The error is
				// returned as a host failure, not a contract error: depletion
				// must discard the overlay.
				for i := 0; ; i++ {
					key := fmt.Sprintf("burn/%d", i)
					if err := ctx.Store.Write([]byte(key), []byte("x")); err != nil {
						return nil, err
					}
				}

			case msg.Submsg != nil:
				return core.OkResponse(core.Response{
					Submsgs: []core.SubMessage{{Msg: msg.Submsg.Msg, ReplyOn: msg.Submsg.ReplyOn}},
				})
			}
			return core.ErrResult(errors.New("unknown tester message"))
		},

		core.EntryQuery: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var msg TesterQueryMsg
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return core.ErrResult(err)
			}
			switch {
			case msg.Read != nil:
				value, err := ctx.Store.Read([]byte(msg.Read.Key))
				if err != nil {
					return nil, err
				}
				return core.OkValue(string(value))

			case msg.Write != nil:
				// The read-only wrapper rejects this; surface the host error.
				if err := ctx.Store.Write([]byte("illegal"), []byte("write")); err != nil {
					return nil, err
				}
				return core.OkValue("wrote")
			}
			return core.ErrResult(errors.New("unknown tester query"))
		},

		core.EntryMigrate: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			if err := ctx.Store.Write([]byte("migrated"), []byte("1")); err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryCronExecute: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			// Count firings so tests can assert the schedule.
			count := 0
			if bz, err := ctx.Store.Read([]byte("cron_runs")); err != nil {
				return nil, err
			} else if bz != nil {
				if err := json.Unmarshal(bz, &count); err != nil {
					return nil, err
				}
			}
			bz, err := json.Marshal(count + 1)
			if err != nil {
				return nil, err
			}
			if err := ctx.Store.Write([]byte("cron_runs"), bz); err != nil {
				return nil, err
			}
			return core.OkResponse(core.Response{})
		},

		core.EntryReply: func(ctx *core.NativeContext, params [][]byte) ([]byte, error) {
			var payload TesterReplyPayload
			if len(params[0]) > 0 && string(params[0]) != "null" {
				if err := json.Unmarshal(params[0], &payload); err != nil {
					return core.ErrResult(err)
				}
			}
			if payload.Fail {
				return core.ErrResult(errors.New("reply failed on request"))
			}
			if payload.SaveKey != "" {
				// Record the submessage result under the requested key.
				if err := ctx.Store.Write([]byte(payload.SaveKey), params[1]); err != nil {
					return nil, err
				}
			}
			return core.OkResponse(core.Response{})
		},
	}
}
