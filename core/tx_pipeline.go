package core

// The per-transaction five-phase state machine:
//
//	withhold_fee → authenticate → messages → backrun → finalize_fee
//
// Each phase runs on a dedicated overlay above the running tx overlay.
// Commit/discard rules per phase:
//
//	withhold_fee  Ok: commit        Err: reject tx (nothing commits)
//	authenticate  Ok: commit        Err: keep fee withhold, jump to finalize
//	messages      Ok: commit        Err: discard phase, skip backrun
//	backrun       Ok: commit        Err: discard phase
//	finalize_fee  Ok: commit        Err: fatal for the block
//
// Partial success is observable: a tx whose messages fail still commits the
// fee flow and whatever authenticate wrote (sequence increments), and its
// outcome carries the events of the surviving phases.

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AuthResponse is what the sender account's authenticate entry point
// returns: a regular response plus whether the account wants its backrun
// hook invoked after the messages.
type AuthResponse struct {
	Submsgs        []SubMessage `json:"submsgs,omitempty"`
	Attributes     []Attribute  `json:"attributes,omitempty"`
	RequestBackrun bool         `json:"request_backrun,omitempty"`
}

// processTx drives one transaction. The store is the block's running
// overlay; on success (or partial success) the tx's surviving state is
// flushed into it.
//
// The rejected return is true only when the withhold_fee phase failed: such
// a tx commits nothing and must be excluded from the block's tx outcomes
// entirely. Every other failure is reported in the outcome alongside the
// partial commits of its surviving phases. A non-nil error return is fatal
// for the block.
func (env *appEnv) processTx(store KVStore, tx Tx) (outcome TxOutcome, rejected bool, err error) {
	outcome = TxOutcome{GasLimit: tx.GasLimit}

	txBz, err := marshalJSON(tx)
	if err != nil {
		return outcome, false, err
	}

	txOverlay := NewOverlay(store)
	simulate := env.mode == ModeSimulate

	// Phase 1: withhold fee. The taxman reserves the maximum the tx can
	// cost; simulation skips the fee bracket entirely.
	if !simulate {
		events, err := env.runPhase(txOverlay, func(phase KVStore) ([]Event, error) {
			return env.callTaxman(phase, EntryWithholdFee, tx.Sender, txBz)
		})
		if err != nil {
			// The fee cannot be reserved: the tx is rejected from the block
			// results, nothing commits.
			outcome.GasUsed = env.gas.Used()
			outcome.Error = PipelineError{Phase: PhaseWithholdFee, Inner: err}.Error()
			logrus.WithFields(logrus.Fields{
				"sender": tx.Sender.Hex(),
				"err":    err,
			}).Debug("transaction rejected at fee withholding")
			return outcome, true, nil
		}
		outcome.Events = append(outcome.Events, events...)
	}

	// Phase 2: authenticate.
	var (
		requestBackrun bool
		txErr          *PipelineError
	)
	events, authErr := env.runPhase(txOverlay, func(phase KVStore) ([]Event, error) {
		auth, events, err := env.callAuthenticate(phase, tx.Sender, txBz)
		if err != nil {
			return nil, err
		}
		requestBackrun = auth
		return events, nil
	})
	if authErr != nil {
		txErr = &PipelineError{Phase: PhaseAuth, Inner: authErr}
	} else {
		outcome.Events = append(outcome.Events, events...)
	}

	// Phase 3: messages, only if authentication passed.
	if txErr == nil {
		events, msgErr := env.runPhase(txOverlay, func(phase KVStore) ([]Event, error) {
			var all []Event
			for i, msg := range tx.Msgs {
				msgEvents, err := env.processMsg(phase, tx.Sender, msg)
				if err != nil {
					return nil, fmt.Errorf("message %d: %w", i, err)
				}
				all = append(all, msgEvents...)
			}
			return all, nil
		})
		if msgErr != nil {
			txErr = &PipelineError{Phase: PhaseMessages, Inner: msgErr}
		} else {
			outcome.Events = append(outcome.Events, events...)
		}
	}

	// Phase 4: backrun, only if requested and the messages succeeded.
	if txErr == nil && requestBackrun {
		events, backrunErr := env.runPhase(txOverlay, func(phase KVStore) ([]Event, error) {
			resp, err := env.callWithResponse(phase, tx.Sender, EntryBackrun, nil, nil, txBz)
			if err != nil {
				return nil, err
			}
			return env.handleResponse(phase, tx.Sender, newExecuteEvent(tx.Sender, resp.Attributes), resp)
		})
		if backrunErr != nil {
			txErr = &PipelineError{Phase: PhaseBackrun, Inner: backrunErr}
		} else {
			outcome.Events = append(outcome.Events, events...)
		}
	}

	outcome.GasUsed = env.gas.Used()
	if txErr != nil {
		// Recorded before finalize so the taxman settles against the true
		// outcome.
		outcome.Error = txErr.Error()
		logrus.WithFields(logrus.Fields{
			"sender": tx.Sender.Hex(),
			"err":    txErr,
		}).Debug("transaction failed")
	}

	// Phase 5: finalize fee. Runs with a dedicated budget so the chain can
	// always charge fees, even after the tx depleted its own gas.
	if !simulate {
		finalizeEnv := *env
		finalizeEnv.gas = NewUnlimitedGasTracker()

		outcomeBz, err := json.Marshal(outcome)
		if err != nil {
			return outcome, false, err
		}
		events, finErr := finalizeEnv.runPhase(txOverlay, func(phase KVStore) ([]Event, error) {
			return finalizeEnv.callTaxman(phase, EntryFinalizeFee, tx.Sender, txBz, outcomeBz)
		})
		if finErr != nil {
			// The chain cannot charge fees: unrecoverable for the block.
			return outcome, false, PipelineError{Phase: PhaseFinalizeFee, Inner: finErr}
		}
		outcome.Events = append(outcome.Events, events...)
	}

	if err := txOverlay.Commit(); err != nil {
		return outcome, false, err
	}
	return outcome, false, nil
}

// runPhase executes fn on a fresh overlay above the tx overlay, committing
// on success and discarding on failure.
func (env *appEnv) runPhase(txOverlay *Overlay, fn func(KVStore) ([]Event, error)) ([]Event, error) {
	phase := NewOverlay(txOverlay)
	events, err := fn(phase)
	if err != nil {
		phase.Discard()
		return nil, err
	}
	if err := phase.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

// callTaxman invokes a taxman entry point and folds its response events.
func (env *appEnv) callTaxman(store KVStore, entry string, sender Address, params ...[]byte) ([]Event, error) {
	metered := NewMeteredStore(store, env.gas, env.costs)
	cfg, err := loadConfig(metered)
	if err != nil {
		return nil, err
	}
	resp, err := env.callWithResponse(store, cfg.Taxman, entry, &sender, nil, params...)
	if err != nil {
		return nil, err
	}
	return env.handleResponse(store, cfg.Taxman, newExecuteEvent(cfg.Taxman, resp.Attributes), resp)
}

// callAuthenticate invokes the sender account's authenticate entry point.
func (env *appEnv) callAuthenticate(store KVStore, sender Address, txBz []byte) (bool, []Event, error) {
	out, err := env.callContract(store, sender, EntryAuth, true, nil, nil, txBz)
	if err != nil {
		return false, nil, err
	}
	ok, err := DecodeResult(out)
	if err != nil {
		return false, nil, err
	}
	var auth AuthResponse
	if len(ok) > 0 {
		if err := json.Unmarshal(ok, &auth); err != nil {
			return false, nil, fmt.Errorf("malformed authenticate response: %w", err)
		}
	}
	resp := &Response{Submsgs: auth.Submsgs, Attributes: auth.Attributes}
	events, err := env.handleResponse(store, sender, newExecuteEvent(sender, auth.Attributes), resp)
	if err != nil {
		return false, nil, err
	}
	return auth.RequestBackrun, events, nil
}
