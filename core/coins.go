package core

// Coins and denoms. Amounts are 128-bit unsigned integers carried in
// uint256.Int with an explicit width check, serialized to JSON as decimal
// strings so that clients never lose precision to floats.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

//---------------------------------------------------------------------
// Denom
//---------------------------------------------------------------------

const (
	// MaxDenomLen bounds the whole denom string.
	MaxDenomLen = 128
	// MaxDenomPartLen bounds each "/"-separated namespace part.
	MaxDenomPartLen = 44
)

// ValidateDenom checks a token denomination: a non-empty, "/"-separated list
// of non-empty parts of bounded length, each part limited to alphanumerics.
func ValidateDenom(denom string) error {
	if denom == "" || len(denom) > MaxDenomLen {
		return fmt.Errorf("%w: %q", ErrInvalidDenom, denom)
	}
	for _, part := range strings.Split(denom, "/") {
		if part == "" || len(part) > MaxDenomPartLen {
			return fmt.Errorf("%w: bad namespace part in %q", ErrInvalidDenom, denom)
		}
		for _, c := range part {
			if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
				return fmt.Errorf("%w: illegal character %q in %q", ErrInvalidDenom, c, denom)
			}
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Amount
//---------------------------------------------------------------------

// maxUint128 is 2^128 - 1, the largest representable coin amount.
var maxUint128 = func() *uint256.Int {
	one := uint256.NewInt(1)
	z := new(uint256.Int).Lsh(one, 128)
	return z.Sub(z, one)
}()

// NewAmount converts a uint64 into a coin amount.
func NewAmount(n uint64) *uint256.Int { return uint256.NewInt(n) }

// ParseAmount parses a decimal string into a 128-bit-checked amount.
func ParseAmount(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoins, err)
	}
	if z.Gt(maxUint128) {
		return nil, fmt.Errorf("%w: amount %s exceeds 128 bits", ErrInvalidCoins, s)
	}
	return z, nil
}

//---------------------------------------------------------------------
// Coins
//---------------------------------------------------------------------

// Coin is one denomination with a positive amount.
type Coin struct {
	Denom  string
	Amount *uint256.Int
}

// Coins is a denom-sorted list of coins with no zero entries and no
// duplicate denoms. The zero value is a valid empty set.
type Coins []Coin

// NewCoins builds a Coins value from denom/amount pairs, dropping zero
// amounts and enforcing the invariants.
func NewCoins(pairs ...Coin) (Coins, error) {
	out := make(Coins, 0, len(pairs))
	for _, c := range pairs {
		if err := ValidateDenom(c.Denom); err != nil {
			return nil, err
		}
		if c.Amount == nil || c.Amount.IsZero() {
			continue
		}
		if c.Amount.Gt(maxUint128) {
			return nil, fmt.Errorf("%w: %s amount exceeds 128 bits", ErrInvalidCoins, c.Denom)
		}
		out = append(out, Coin{Denom: c.Denom, Amount: c.Amount.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	for i := 1; i < len(out); i++ {
		if out[i].Denom == out[i-1].Denom {
			return nil, fmt.Errorf("%w: duplicate denom %q", ErrInvalidCoins, out[i].Denom)
		}
	}
	return out, nil
}

// OneCoin is shorthand for a single-denom Coins value.
func OneCoin(denom string, amount uint64) Coins {
	coins, err := NewCoins(Coin{Denom: denom, Amount: NewAmount(amount)})
	if err != nil {
		panic(err)
	}
	return coins
}

// Validate checks the sorted / non-zero / unique invariants on a value that
// came in over the wire.
func (cs Coins) Validate() error {
	for i, c := range cs {
		if err := ValidateDenom(c.Denom); err != nil {
			return err
		}
		if c.Amount == nil || c.Amount.IsZero() {
			return fmt.Errorf("%w: zero amount for %q", ErrInvalidCoins, c.Denom)
		}
		if c.Amount.Gt(maxUint128) {
			return fmt.Errorf("%w: %s amount exceeds 128 bits", ErrInvalidCoins, c.Denom)
		}
		if i > 0 && cs[i-1].Denom >= c.Denom {
			return fmt.Errorf("%w: denoms not sorted or not unique", ErrInvalidCoins)
		}
	}
	return nil
}

// IsEmpty reports whether the set carries no coins.
func (cs Coins) IsEmpty() bool { return len(cs) == 0 }

// AmountOf returns the amount of the given denom, zero if absent.
func (cs Coins) AmountOf(denom string) *uint256.Int {
	for _, c := range cs {
		if c.Denom == denom {
			return c.Amount.Clone()
		}
	}
	return new(uint256.Int)
}

// Add returns a new set with the given coin merged in.
func (cs Coins) Add(denom string, amount *uint256.Int) (Coins, error) {
	merged := append([]Coin(nil), cs...)
	for i := range merged {
		if merged[i].Denom == denom {
			sum := new(uint256.Int).Add(merged[i].Amount, amount)
			if sum.Gt(maxUint128) {
				return nil, fmt.Errorf("%w: %s overflow", ErrInvalidCoins, denom)
			}
			merged[i] = Coin{Denom: denom, Amount: sum}
			return merged, nil
		}
	}
	return NewCoins(append(merged, Coin{Denom: denom, Amount: amount})...)
}

// Sub returns a new set with the given coin deducted; fails on underflow.
func (cs Coins) Sub(denom string, amount *uint256.Int) (Coins, error) {
	merged := append([]Coin(nil), cs...)
	for i := range merged {
		if merged[i].Denom == denom {
			if merged[i].Amount.Lt(amount) {
				return nil, fmt.Errorf("%w: insufficient %s", ErrInvalidCoins, denom)
			}
			diff := new(uint256.Int).Sub(merged[i].Amount, amount)
			if diff.IsZero() {
				return append(merged[:i:i], merged[i+1:]...), nil
			}
			merged[i] = Coin{Denom: denom, Amount: diff}
			return merged, nil
		}
	}
	return nil, fmt.Errorf("%w: insufficient %s", ErrInvalidCoins, denom)
}

func (cs Coins) String() string {
	if len(cs) == 0 {
		return "[]"
	}
	var sb strings.Builder
	for i, c := range cs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(c.Amount.Dec())
		sb.WriteString(c.Denom)
	}
	return sb.String()
}

// MarshalJSON encodes coins as an object with denom-sorted keys and decimal
// string amounts: {"atom":"100","osmo":"7"}.
func (cs Coins) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c.Denom)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteByte('"')
		buf.WriteString(c.Amount.Dec())
		buf.WriteByte('"')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (cs *Coins) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	pairs := make([]Coin, 0, len(raw))
	for denom, amount := range raw {
		z, err := ParseAmount(amount)
		if err != nil {
			return err
		}
		if z.IsZero() {
			return fmt.Errorf("%w: zero amount for %q", ErrInvalidCoins, denom)
		}
		pairs = append(pairs, Coin{Denom: denom, Amount: z})
	}
	coins, err := NewCoins(pairs...)
	if err != nil {
		return err
	}
	*cs = coins
	return nil
}
