package core

// Core chain types shared by the whole execution runtime: addresses, hashes,
// block metadata, transactions, messages, chain config and outcomes.

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

//---------------------------------------------------------------------
// Address
//---------------------------------------------------------------------

// AddressLen is the byte length of an account address.
const AddressLen = 20

// Address identifies an account, either externally owned or a contract.
// Serialized as 20 raw bytes in storage keys and as a 0x-prefixed, ERC-55
// checksummed hex string in JSON.
type Address [AddressLen]byte

// AddressFromBytes converts a byte slice to an Address, enforcing the length.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLen {
		return a, fmt.Errorf("%w: address must be %d bytes, got %d", ErrInvalidAddress, AddressLen, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex parses a 0x-prefixed hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	if !strings.HasPrefix(s, "0x") {
		return a, fmt.Errorf("%w: address must have 0x prefix: %q", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

// DeriveAddress computes a contract address as
//
//	ripemd160(sha256(deployer | code_hash | salt))
//
// The double hash is the same construction Bitcoin uses, which rules out
// length extension attacks.
func DeriveAddress(deployer Address, codeHash Hash, salt []byte) Address {
	preimage := make([]byte, 0, AddressLen+HashLen+len(salt))
	preimage = append(preimage, deployer[:]...)
	preimage = append(preimage, codeHash[:]...)
	preimage = append(preimage, salt...)
	var a Address
	copy(a[:], Hash160(Sha256(preimage)))
	return a
}

// MockAddress returns an address whose last byte is the given index. Test use.
func MockAddress(index byte) Address {
	var a Address
	a[AddressLen-1] = index
	return a
}

func (a Address) Bytes() []byte { return a[:] }

// Hex returns the ERC-55 checksummed representation with the 0x prefix.
func (a Address) Hex() string {
	buf := make([]byte, 2+AddressLen*2)
	buf[0], buf[1] = '0', 'x'
	hex.Encode(buf[2:], a[:])

	// ERC-55: uppercase the i-th hex char iff the i-th nibble of
	// keccak256(lowercase_hex) is >= 8.
	h := sha3.NewLegacyKeccak256()
	h.Write(buf[2:])
	sum := h.Sum(nil)
	for i := 2; i < len(buf); i++ {
		c := buf[i]
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := sum[(i-2)/2]
		if (i-2)%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			buf[i] = c - 32
		}
	}
	return string(buf)
}

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := AddressFromHex(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

//---------------------------------------------------------------------
// Hash
//---------------------------------------------------------------------

// HashLen is the byte length of a hash.
const HashLen = 32

// Hash is a 32-byte digest: code hashes, block hashes and Merkle roots.
// Serialized as 32 raw bytes in storage and as uppercase hex in JSON.
type Hash [HashLen]byte

// ZeroHash is the root hash of an empty Merkle tree.
var ZeroHash = Hash{}

// HashFromBytes converts a byte slice to a Hash, enforcing the length.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLen {
		return h, fmt.Errorf("%w: hash must be %d bytes, got %d", ErrInvalidHash, HashLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses an uppercase or lowercase hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return HashFromBytes(b)
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return strings.ToUpper(hex.EncodeToString(h[:])) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := HashFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

//---------------------------------------------------------------------
// Time
//---------------------------------------------------------------------

// Timestamp is a UNIX timestamp in nanosecond precision.
type Timestamp = Duration

// Duration is a span of time in nanoseconds. Chain timestamps and cronjob
// intervals use this instead of time.Duration so that the JSON form is a
// plain integer and arithmetic never goes through floats.
type Duration uint64

const (
	NanosPerSecond Duration = 1_000_000_000
	NanosPerMinute          = 60 * NanosPerSecond
	NanosPerHour            = 60 * NanosPerMinute
	NanosPerDay             = 24 * NanosPerHour
)

func Seconds(n uint64) Duration { return Duration(n) * NanosPerSecond }

func (d Duration) Nanos() uint64 { return uint64(d) }

//---------------------------------------------------------------------
// Block
//---------------------------------------------------------------------

// BlockInfo is the block envelope handed over by consensus. The executor
// does not care how consensus selected or signed it.
type BlockInfo struct {
	Height    uint64    `json:"height"`
	Timestamp Timestamp `json:"timestamp"`
	Hash      Hash      `json:"hash"`
}

//---------------------------------------------------------------------
// Transaction & messages
//---------------------------------------------------------------------

// Tx is a transaction. Data and Credential are opaque to the runtime; they
// are passed verbatim to the sender account contract for authentication.
type Tx struct {
	Sender     Address         `json:"sender"`
	GasLimit   uint64          `json:"gas_limit"`
	Msgs       []Message       `json:"msgs"`
	Data       json.RawMessage `json:"data,omitempty"`
	Credential json.RawMessage `json:"credential,omitempty"`
}

// Validate enforces structural invariants that don't need chain state.
func (tx *Tx) Validate() error {
	if len(tx.Msgs) == 0 {
		return ErrEmptyTxMsgs
	}
	for i := range tx.Msgs {
		if err := tx.Msgs[i].Validate(); err != nil {
			return fmt.Errorf("msg %d: %w", i, err)
		}
	}
	return nil
}

// UnsignedTx is a transaction without gas limit or credential, used for gas
// simulation.
type UnsignedTx struct {
	Sender Address         `json:"sender"`
	Msgs   []Message       `json:"msgs"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message is a tagged union over the six message kinds. Exactly one field
// must be set; the JSON form is a single-key object in snake_case, e.g.
// {"transfer":{...}}.
type Message struct {
	Configure   *MsgConfigure   `json:"configure,omitempty"`
	Transfer    *MsgTransfer    `json:"transfer,omitempty"`
	Upload      *MsgUpload      `json:"upload,omitempty"`
	Instantiate *MsgInstantiate `json:"instantiate,omitempty"`
	Execute     *MsgExecute     `json:"execute,omitempty"`
	Migrate     *MsgMigrate     `json:"migrate,omitempty"`
}

// Validate checks that exactly one variant is set and that the variant's own
// invariants hold.
func (m *Message) Validate() error {
	set := 0
	if m.Configure != nil {
		set++
	}
	if m.Transfer != nil {
		set++
		if err := m.Transfer.Coins.Validate(); err != nil {
			return err
		}
	}
	if m.Upload != nil {
		set++
		if len(m.Upload.Code) == 0 {
			return ErrEmptyCode
		}
	}
	if m.Instantiate != nil {
		set++
		if len(m.Instantiate.Salt) > MaxSaltLen {
			return fmt.Errorf("%w: salt is %d bytes, max %d", ErrLengthExceeded, len(m.Instantiate.Salt), MaxSaltLen)
		}
		if m.Instantiate.Label != "" && len(m.Instantiate.Label) > MaxLabelLen {
			return fmt.Errorf("%w: label is %d bytes, max %d", ErrLengthExceeded, len(m.Instantiate.Label), MaxLabelLen)
		}
		if err := m.Instantiate.Funds.Validate(); err != nil {
			return err
		}
	}
	if m.Execute != nil {
		set++
		if err := m.Execute.Funds.Validate(); err != nil {
			return err
		}
	}
	if m.Migrate != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidMessage, set)
	}
	return nil
}

const (
	// MaxSaltLen bounds the salt used in contract address derivation.
	MaxSaltLen = 70
	// MaxLabelLen bounds the optional human-readable contract label.
	MaxLabelLen = 128
)

// MsgConfigure updates chain- and app-level configuration. Owner only.
type MsgConfigure struct {
	Updates    ConfigUpdates              `json:"updates"`
	AppUpdates map[string]json.RawMessage `json:"app_updates,omitempty"`
}

// MsgTransfer sends coins to the recipient through the bank contract.
type MsgTransfer struct {
	To    Address `json:"to"`
	Coins Coins   `json:"coins"`
}

// MsgUpload stores a Wasm binary in chain state, content-addressed by its
// SHA-256 hash. Identical uploads dedupe.
type MsgUpload struct {
	Code []byte `json:"code"`
}

// MsgInstantiate registers a new contract account.
type MsgInstantiate struct {
	CodeHash Hash            `json:"code_hash"`
	Msg      json.RawMessage `json:"msg"`
	Salt     []byte          `json:"salt"`
	Label    string          `json:"label,omitempty"`
	Admin    *Address        `json:"admin,omitempty"`
	Funds    Coins           `json:"funds"`
}

// MsgExecute calls a contract's execute entry point.
type MsgExecute struct {
	Contract Address         `json:"contract"`
	Msg      json.RawMessage `json:"msg"`
	Funds    Coins           `json:"funds"`
}

// MsgMigrate swaps the code hash backing a contract. Admin only.
type MsgMigrate struct {
	Contract    Address         `json:"contract"`
	NewCodeHash Hash            `json:"new_code_hash"`
	Msg         json.RawMessage `json:"msg"`
}

//---------------------------------------------------------------------
// Chain config
//---------------------------------------------------------------------

// Config is the chain-level configuration, stored under a reserved key.
type Config struct {
	Owner       Address              `json:"owner"`
	Bank        Address              `json:"bank"`
	Taxman      Address              `json:"taxman"`
	Cronjobs    map[Address]Duration `json:"cronjobs"`
	Permissions Permissions          `json:"permissions"`
}

// ConfigUpdates describes a partial update: nil fields are left untouched.
type ConfigUpdates struct {
	Owner       *Address              `json:"owner,omitempty"`
	Bank        *Address              `json:"bank,omitempty"`
	Taxman      *Address              `json:"taxman,omitempty"`
	Cronjobs    *map[Address]Duration `json:"cronjobs,omitempty"`
	Permissions *Permissions          `json:"permissions,omitempty"`
}

// Permissions gates the actions that are not open to everyone by default.
type Permissions struct {
	Upload      Permission `json:"upload"`
	Instantiate Permission `json:"instantiate"`
}

// PermissionKind enumerates who may perform a gated action. The owner is
// always allowed regardless.
type PermissionKind byte

const (
	PermissionNobody PermissionKind = iota
	PermissionEverybody
	PermissionSomebodies
)

// Permission is either "nobody", "everybody", or an explicit whitelist.
// JSON forms: "nobody" | "everybody" | {"somebodies":["0x..",..]}.
type Permission struct {
	Kind       PermissionKind
	Somebodies []Address
}

// Allows reports whether the given sender may perform the action.
func (p Permission) Allows(sender, owner Address) bool {
	if sender == owner {
		return true
	}
	switch p.Kind {
	case PermissionEverybody:
		return true
	case PermissionSomebodies:
		for _, a := range p.Somebodies {
			if a == sender {
				return true
			}
		}
	}
	return false
}

func (p Permission) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PermissionNobody:
		return json.Marshal("nobody")
	case PermissionEverybody:
		return json.Marshal("everybody")
	case PermissionSomebodies:
		sorted := append([]Address(nil), p.Somebodies...)
		sort.Slice(sorted, func(i, j int) bool {
			return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
		})
		return json.Marshal(map[string][]Address{"somebodies": sorted})
	}
	return nil, fmt.Errorf("unknown permission kind %d", p.Kind)
}

func (p *Permission) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "nobody":
			p.Kind, p.Somebodies = PermissionNobody, nil
			return nil
		case "everybody":
			p.Kind, p.Somebodies = PermissionEverybody, nil
			return nil
		}
		return fmt.Errorf("unknown permission %q", s)
	}
	var obj struct {
		Somebodies []Address `json:"somebodies"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	p.Kind, p.Somebodies = PermissionSomebodies, obj.Somebodies
	return nil
}

// ContractInfo is the per-contract metadata record.
type ContractInfo struct {
	CodeHash Hash     `json:"code_hash"`
	Admin    *Address `json:"admin,omitempty"`
}

//---------------------------------------------------------------------
// Genesis
//---------------------------------------------------------------------

// GenesisState bootstraps the chain: the initial config, app-level configs,
// and a list of messages executed in order with no gas limit.
type GenesisState struct {
	Config     Config                     `json:"config"`
	AppConfigs map[string]json.RawMessage `json:"app_configs,omitempty"`
	Msgs       []Message                  `json:"msgs"`
}

// GenesisSender is the mock sender address for genesis messages, which are
// not carried by any transaction. It is ripemd160(sha256("sender")).
var GenesisSender = func() Address {
	var a Address
	copy(a[:], Hash160(Sha256([]byte("sender"))))
	return a
}()

// GenesisBlockHash is the mock block hash for genesis execution: sha256("hash").
var GenesisBlockHash = func() Hash {
	var h Hash
	copy(h[:], Sha256([]byte("hash")))
	return h
}()

// GenesisBlockHeight must be zero so that subsequent block heights equal the
// Merkle tree version.
const GenesisBlockHeight uint64 = 0

//---------------------------------------------------------------------
// Outcomes
//---------------------------------------------------------------------

// TxOutcome reports the result of one transaction within a block. Events
// from discarded phases are dropped; a failed tx can still carry the events
// of the phases that committed.
type TxOutcome struct {
	GasLimit uint64  `json:"gas_limit"`
	GasUsed  uint64  `json:"gas_used"`
	Events   []Event `json:"events"`
	Error    string  `json:"error,omitempty"`
}

// Ok reports whether the tx as a whole succeeded.
func (o TxOutcome) Ok() bool { return o.Error == "" }

// CronOutcome reports the result of one cron job invocation.
type CronOutcome struct {
	Contract Address `json:"contract"`
	GasUsed  uint64  `json:"gas_used"`
	Events   []Event `json:"events"`
	Error    string  `json:"error,omitempty"`
}

func (o CronOutcome) Ok() bool { return o.Error == "" }

// BlockOutcome is the full deterministic result of finalizing one block.
type BlockOutcome struct {
	AppHash      Hash          `json:"app_hash"`
	CronOutcomes []CronOutcome `json:"cron_outcomes"`
	TxOutcomes   []TxOutcome   `json:"tx_outcomes"`
}

//---------------------------------------------------------------------
// Entry-point context
//---------------------------------------------------------------------

// ExecMode tells a contract which path it is being invoked on.
type ExecMode string

const (
	ModeExecute  ExecMode = "execute"
	ModeQuery    ExecMode = "query"
	ModeSimulate ExecMode = "simulate"
	ModeCheck    ExecMode = "check"
)

// Context is prepended to every guest entry-point call.
type Context struct {
	ChainID  string    `json:"chain_id"`
	Block    BlockInfo `json:"block"`
	Contract Address   `json:"contract"`
	Sender   *Address  `json:"sender,omitempty"`
	Funds    Coins     `json:"funds,omitempty"`
	Mode     ExecMode  `json:"mode"`
}

//---------------------------------------------------------------------
// Contract responses
//---------------------------------------------------------------------

// GenericResult is the outermost wrapper of every guest return buffer:
// {"ok": ...} on success, {"err": "..."} on a contract-level failure.
type GenericResult struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

// DecodeResult parses a guest return buffer and surfaces contract-level
// errors as ErrContract.
func DecodeResult(bz []byte) (json.RawMessage, error) {
	var res GenericResult
	if err := json.Unmarshal(bz, &res); err != nil {
		return nil, fmt.Errorf("malformed contract result: %w", err)
	}
	if res.Err != "" {
		return nil, fmt.Errorf("%w: %s", ErrContract, res.Err)
	}
	return res.Ok, nil
}

// Response is what state-mutating entry points return on success.
type Response struct {
	Submsgs    []SubMessage `json:"submsgs,omitempty"`
	Attributes []Attribute  `json:"attributes,omitempty"`
}

// SubMessage is a message a contract wants dispatched after its own call,
// with a policy for whether it wants a reply callback.
type SubMessage struct {
	Msg     Message `json:"msg"`
	ReplyOn ReplyOn `json:"reply_on"`
}

// ReplyKind enumerates the reply-on policies.
type ReplyKind byte

const (
	ReplyNever ReplyKind = iota
	ReplySuccess
	ReplyError
	ReplyAlways
)

// ReplyOn carries the policy and, for callback-requesting policies, an
// opaque payload echoed back to the issuer's reply entry point.
// JSON forms: "never" | {"success":payload} | {"error":payload} | {"always":payload}.
type ReplyOn struct {
	Kind    ReplyKind
	Payload json.RawMessage
}

func (r ReplyOn) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ReplyNever:
		return json.Marshal("never")
	case ReplySuccess:
		return json.Marshal(map[string]json.RawMessage{"success": r.Payload})
	case ReplyError:
		return json.Marshal(map[string]json.RawMessage{"error": r.Payload})
	case ReplyAlways:
		return json.Marshal(map[string]json.RawMessage{"always": r.Payload})
	}
	return nil, fmt.Errorf("unknown reply kind %d", r.Kind)
}

func (r *ReplyOn) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "never" {
			return fmt.Errorf("unknown reply_on %q", s)
		}
		r.Kind, r.Payload = ReplyNever, nil
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if len(obj) != 1 {
		return errors.New("reply_on must have exactly one variant")
	}
	for k, v := range obj {
		switch k {
		case "success":
			r.Kind = ReplySuccess
		case "error":
			r.Kind = ReplyError
		case "always":
			r.Kind = ReplyAlways
		default:
			return fmt.Errorf("unknown reply_on %q", k)
		}
		r.Payload = v
	}
	return nil
}

// SubMsgResult is handed to the issuer's reply entry point: the submessage's
// events on success, or its error string.
type SubMsgResult struct {
	Ok  []Event `json:"ok,omitempty"`
	Err string  `json:"err,omitempty"`
}
