package core

// Submessage dispatcher: recursive, depth-first processing of the messages
// a contract emits in its response, with per-submessage rollback and the
// reply-on policy table.
//
// Every recursion layer wraps the store in a fresh overlay behind a shared
// handle. The store parameter is the type-erased KVStore interface rather
// than a concrete layered type; with static types each layer would nest the
// generic one level deeper without bound.

import (
	"github.com/sirupsen/logrus"
)

// handleSubmessages processes submsgs in order. sender is the contract that
// emitted them, not the transaction's sender. Recursion is bounded
// indirectly by the gas tracker.
func (env *appEnv) handleSubmessages(store KVStore, sender Address, submsgs []SubMessage) ([]Event, error) {
	var events []Event
	for _, sub := range submsgs {
		overlay := NewOverlay(store)
		shared := NewSharedStore(overlay)

		subEvents, err := env.processMsg(shared.Share(), sender, sub.Msg)

		switch {
		case err == nil && (sub.ReplyOn.Kind == ReplySuccess || sub.ReplyOn.Kind == ReplyAlways):
			// Flush state changes, log events, give the callback.
			if err := overlay.Commit(); err != nil {
				return nil, err
			}
			events = append(events, subEvents...)
			replyEvents, err := env.doReply(store, sender, sub.ReplyOn.Payload, SubMsgResult{Ok: subEvents})
			if err != nil {
				return nil, err
			}
			events = append(events, replyEvents...)

		case err == nil:
			// ReplyError or ReplyNever on success: flush, no callback.
			if err := overlay.Commit(); err != nil {
				return nil, err
			}
			events = append(events, subEvents...)

		case sub.ReplyOn.Kind == ReplyError || sub.ReplyOn.Kind == ReplyAlways:
			// Discard uncommitted state changes, give the callback.
			overlay.Discard()
			replyEvents, replyErr := env.doReply(store, sender, sub.ReplyOn.Payload, SubMsgResult{Err: err.Error()})
			if replyErr != nil {
				return nil, replyErr
			}
			events = append(events, replyEvents...)

		default:
			// ReplySuccess or ReplyNever on failure: abort the caller.
			return nil, err
		}
	}
	return events, nil
}

// doReply invokes the issuing contract's reply entry point with the
// submessage result. The reply may emit further submessages, processed
// recursively under a fresh overlay above the one that invoked it.
func (env *appEnv) doReply(store KVStore, contract Address, payload []byte, result SubMsgResult) ([]Event, error) {
	resultBz, err := marshalJSON(result)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = []byte("null")
	}

	resp, err := env.callWithResponse(store, contract, EntryReply, nil, nil, payload, resultBz)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"contract": contract.Hex(),
			"err":      err,
		}).Warn("reply callback failed")
		return nil, err
	}
	return env.handleResponse(store, contract, newReplyEvent(contract, resp.Attributes), resp)
}
