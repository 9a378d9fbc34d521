package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestAddressHexERC55(t *testing.T) {
	// The reference vector from EIP-55.
	addr, err := AddressFromHex("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := addr.Hex(); got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("checksum hex = %s", got)
	}
	// Mixed-case input parses too.
	back, err := AddressFromHex(addr.Hex())
	if err != nil {
		t.Fatalf("parse checksummed: %v", err)
	}
	if back != addr {
		t.Fatalf("round trip mismatch")
	}
}

func TestAddressValidation(t *testing.T) {
	if _, err := AddressFromHex("5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("missing 0x prefix accepted")
	}
	if _, err := AddressFromHex("0x1234"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("short address accepted")
	}
	if _, err := AddressFromBytes(make([]byte, 19)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("19-byte address accepted")
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	deployer := MockAddress(1)
	codeHash := Sha256Hash([]byte("code"))

	a := DeriveAddress(deployer, codeHash, []byte("salt"))
	b := DeriveAddress(deployer, codeHash, []byte("salt"))
	if a != b {
		t.Fatalf("derivation not deterministic")
	}
	c := DeriveAddress(deployer, codeHash, []byte("other"))
	if a == c {
		t.Fatalf("different salts collided")
	}
	d := DeriveAddress(MockAddress(2), codeHash, []byte("salt"))
	if a == d {
		t.Fatalf("different deployers collided")
	}
}

func TestHashHex(t *testing.T) {
	h := Sha256Hash([]byte("abc"))
	want := "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"
	if h.Hex() != want {
		t.Fatalf("hash hex = %s", h.Hex())
	}
	if !strings.EqualFold(h.Hex(), want) {
		t.Fatalf("hex case mismatch")
	}
	back, err := HashFromHex(h.Hex())
	if err != nil || back != h {
		t.Fatalf("round trip: %v", err)
	}
}

func TestMessageValidate(t *testing.T) {
	// Exactly one variant must be set.
	var empty Message
	if err := empty.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty message validated")
	}
	two := Message{
		Upload:   &MsgUpload{Code: []byte{1}},
		Transfer: &MsgTransfer{To: MockAddress(1)},
	}
	if err := two.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("two-variant message validated")
	}

	if err := (&Message{Upload: &MsgUpload{}}).Validate(); !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("empty code accepted")
	}

	longSalt := make([]byte, MaxSaltLen+1)
	msg := Message{Instantiate: &MsgInstantiate{Salt: longSalt}}
	if err := msg.Validate(); !errors.Is(err, ErrLengthExceeded) {
		t.Fatalf("oversized salt accepted")
	}
}

func TestTxValidate(t *testing.T) {
	tx := Tx{Sender: MockAddress(1), GasLimit: 1}
	if err := tx.Validate(); !errors.Is(err, ErrEmptyTxMsgs) {
		t.Fatalf("empty msgs accepted")
	}
	tx.Msgs = []Message{{Transfer: &MsgTransfer{To: MockAddress(2), Coins: OneCoin("utoken", 1)}}}
	if err := tx.Validate(); err != nil {
		t.Fatalf("valid tx rejected: %v", err)
	}
}

func TestMessageJSON(t *testing.T) {
	msg := Message{Transfer: &MsgTransfer{To: MockAddress(2), Coins: OneCoin("utoken", 70)}}
	bz, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Single-key snake_case object.
	if !strings.HasPrefix(string(bz), `{"transfer":`) {
		t.Fatalf("unexpected encoding: %s", bz)
	}
	var back Message
	if err := json.Unmarshal(bz, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Transfer == nil || back.Transfer.To != MockAddress(2) {
		t.Fatalf("round trip: %+v", back)
	}
}

func TestPermissionJSON(t *testing.T) {
	cases := []struct {
		perm Permission
		json string
	}{
		{Permission{Kind: PermissionNobody}, `"nobody"`},
		{Permission{Kind: PermissionEverybody}, `"everybody"`},
	}
	for _, tc := range cases {
		bz, err := json.Marshal(tc.perm)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(bz) != tc.json {
			t.Fatalf("marshal = %s, want %s", bz, tc.json)
		}
		var back Permission
		if err := json.Unmarshal(bz, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back.Kind != tc.perm.Kind {
			t.Fatalf("round trip kind mismatch")
		}
	}

	somebodies := Permission{Kind: PermissionSomebodies, Somebodies: []Address{MockAddress(2), MockAddress(1)}}
	bz, err := json.Marshal(somebodies)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Permission
	if err := json.Unmarshal(bz, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != PermissionSomebodies || len(back.Somebodies) != 2 {
		t.Fatalf("round trip: %+v", back)
	}
}

func TestPermissionAllows(t *testing.T) {
	owner := MockAddress(9)
	sender := MockAddress(1)

	nobody := Permission{Kind: PermissionNobody}
	if nobody.Allows(sender, owner) {
		t.Fatalf("nobody allowed a non-owner")
	}
	// The owner is always allowed.
	if !nobody.Allows(owner, owner) {
		t.Fatalf("nobody rejected the owner")
	}

	some := Permission{Kind: PermissionSomebodies, Somebodies: []Address{sender}}
	if !some.Allows(sender, owner) {
		t.Fatalf("whitelisted sender rejected")
	}
	if some.Allows(MockAddress(2), owner) {
		t.Fatalf("non-whitelisted sender allowed")
	}
}

func TestReplyOnJSON(t *testing.T) {
	never := ReplyOn{Kind: ReplyNever}
	bz, err := json.Marshal(never)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(bz) != `"never"` {
		t.Fatalf("never = %s", bz)
	}

	success := ReplyOn{Kind: ReplySuccess, Payload: json.RawMessage(`{"tag":1}`)}
	bz, err = json.Marshal(success)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ReplyOn
	if err := json.Unmarshal(bz, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != ReplySuccess || string(back.Payload) != `{"tag":1}` {
		t.Fatalf("round trip: %+v", back)
	}

	if err := json.Unmarshal([]byte(`"sometimes"`), &back); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}

func TestGenericResultDecode(t *testing.T) {
	ok, err := DecodeResult([]byte(`{"ok":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode ok: %v", err)
	}
	if string(ok) != `{"x":1}` {
		t.Fatalf("ok payload: %s", ok)
	}

	_, err = DecodeResult([]byte(`{"err":"boom"}`))
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected contract error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error lost the message: %v", err)
	}
}
