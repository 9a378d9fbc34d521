package core

// Events emitted by the runtime and by contracts. Events from a discarded
// overlay are dropped with it; the order of surviving events is the order
// of emission.

// Attribute is one key/value pair of an event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a typed bag of attributes attached to outcomes.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Runtime event types.
const (
	EventConfigure   = "configure"
	EventTransfer    = "transfer"
	EventUpload      = "upload"
	EventInstantiate = "instantiate"
	EventExecute     = "execute"
	EventMigrate     = "migrate"
	EventReceive     = "receive"
	EventReply       = "reply"
	EventCron        = "cron"
)

func attr(key, value string) Attribute { return Attribute{Key: key, Value: value} }

func newConfigureEvent(sender Address) Event {
	return Event{Type: EventConfigure, Attributes: []Attribute{attr("sender", sender.Hex())}}
}

func newTransferEvent(from, to Address, coins Coins, attrs []Attribute) Event {
	return Event{Type: EventTransfer, Attributes: append([]Attribute{
		attr("from", from.Hex()),
		attr("to", to.Hex()),
		attr("coins", coins.String()),
	}, attrs...)}
}

func newUploadEvent(codeHash Hash) Event {
	return Event{Type: EventUpload, Attributes: []Attribute{attr("code_hash", codeHash.Hex())}}
}

func newInstantiateEvent(contract Address, codeHash Hash, attrs []Attribute) Event {
	return Event{Type: EventInstantiate, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
		attr("code_hash", codeHash.Hex()),
	}, attrs...)}
}

func newExecuteEvent(contract Address, attrs []Attribute) Event {
	return Event{Type: EventExecute, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
	}, attrs...)}
}

func newMigrateEvent(contract Address, newCodeHash Hash, attrs []Attribute) Event {
	return Event{Type: EventMigrate, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
		attr("new_code_hash", newCodeHash.Hex()),
	}, attrs...)}
}

func newReceiveEvent(contract Address, attrs []Attribute) Event {
	return Event{Type: EventReceive, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
	}, attrs...)}
}

func newReplyEvent(contract Address, attrs []Attribute) Event {
	return Event{Type: EventReply, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
	}, attrs...)}
}

func newCronEvent(contract Address, attrs []Attribute) Event {
	return Event{Type: EventCron, Attributes: append([]Attribute{
		attr("contract", contract.Hex()),
	}, attrs...)}
}
