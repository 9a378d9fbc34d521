package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateDenom(t *testing.T) {
	good := []string{"utoken", "factory/abc", "a/b/c", "ATOM123"}
	for _, d := range good {
		if err := ValidateDenom(d); err != nil {
			t.Fatalf("valid denom %q rejected: %v", d, err)
		}
	}
	bad := []string{"", "/", "a/", "/a", "a//b", "with space", "emoji🦀"}
	for _, d := range bad {
		if err := ValidateDenom(d); !errors.Is(err, ErrInvalidDenom) {
			t.Fatalf("invalid denom %q accepted", d)
		}
	}
}

func TestCoinsInvariants(t *testing.T) {
	// Zero amounts are dropped on construction.
	coins, err := NewCoins(
		Coin{Denom: "b", Amount: NewAmount(5)},
		Coin{Denom: "a", Amount: NewAmount(0)},
		Coin{Denom: "c", Amount: NewAmount(1)},
	)
	if err != nil {
		t.Fatalf("new coins: %v", err)
	}
	if len(coins) != 2 || coins[0].Denom != "b" || coins[1].Denom != "c" {
		t.Fatalf("unexpected coins: %v", coins)
	}

	// Duplicate denoms are rejected.
	if _, err := NewCoins(
		Coin{Denom: "a", Amount: NewAmount(1)},
		Coin{Denom: "a", Amount: NewAmount(2)},
	); !errors.Is(err, ErrInvalidCoins) {
		t.Fatalf("duplicate denoms accepted")
	}

	// Wire values must already satisfy the invariants.
	unsorted := Coins{
		{Denom: "b", Amount: NewAmount(1)},
		{Denom: "a", Amount: NewAmount(1)},
	}
	if err := unsorted.Validate(); !errors.Is(err, ErrInvalidCoins) {
		t.Fatalf("unsorted coins validated")
	}
}

func TestCoinsAddSub(t *testing.T) {
	coins := OneCoin("utoken", 100)

	coins, err := coins.Add("atom", NewAmount(7))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if coins.AmountOf("atom").Uint64() != 7 || coins.AmountOf("utoken").Uint64() != 100 {
		t.Fatalf("after add: %v", coins)
	}
	if coins[0].Denom != "atom" {
		t.Fatalf("not sorted after add: %v", coins)
	}

	coins, err = coins.Sub("utoken", NewAmount(100))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	// Subtracting to zero removes the entry.
	if len(coins) != 1 || coins[0].Denom != "atom" {
		t.Fatalf("after sub to zero: %v", coins)
	}

	if _, err := coins.Sub("atom", NewAmount(8)); !errors.Is(err, ErrInvalidCoins) {
		t.Fatalf("underflow accepted")
	}
	if _, err := coins.Sub("missing", NewAmount(1)); !errors.Is(err, ErrInvalidCoins) {
		t.Fatalf("sub of missing denom accepted")
	}
}

func TestCoinsJSON(t *testing.T) {
	coins, err := NewCoins(
		Coin{Denom: "utoken", Amount: NewAmount(100)},
		Coin{Denom: "atom", Amount: NewAmount(7)},
	)
	if err != nil {
		t.Fatalf("new coins: %v", err)
	}

	bz, err := json.Marshal(coins)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Denom-sorted keys, decimal string amounts.
	want := `{"atom":"7","utoken":"100"}`
	if string(bz) != want {
		t.Fatalf("marshal = %s, want %s", bz, want)
	}

	var back Coins
	if err := json.Unmarshal(bz, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.AmountOf("utoken").Uint64() != 100 || back.AmountOf("atom").Uint64() != 7 {
		t.Fatalf("round trip: %v", back)
	}

	// Zero amounts on the wire are invalid.
	if err := json.Unmarshal([]byte(`{"utoken":"0"}`), &back); err == nil {
		t.Fatalf("zero amount accepted")
	}
	// Amounts above 128 bits are invalid.
	huge := `{"utoken":"340282366920938463463374607431768211456"}` // 2^128
	if err := json.Unmarshal([]byte(huge), &back); err == nil {
		t.Fatalf("overflowing amount accepted")
	}
}
