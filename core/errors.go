package core

// Error taxonomy of the execution runtime. Sentinel errors classify failures
// into stable machine-readable kinds; call sites wrap them with context via
// fmt.Errorf and %w, so errors.Is works across the whole propagation chain.

import (
	"errors"
	"fmt"
)

// Validation errors. Surfaced synchronously, never cause partial commits.
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidHash    = errors.New("invalid hash")
	ErrInvalidDenom   = errors.New("invalid denom")
	ErrInvalidCoins   = errors.New("invalid coins")
	ErrInvalidMessage = errors.New("message must have exactly one variant")
	ErrEmptyTxMsgs    = errors.New("transaction contains no messages")
	ErrEmptyCode      = errors.New("code must not be empty")
	ErrLengthExceeded = errors.New("length limit exceeded")
)

// Host/VM errors. Fatal to the current entry-point call.
var (
	ErrReadOnly           = errors.New("state is read-only in this call")
	ErrIteratorNotFound   = errors.New("iterator not found")
	ErrRegionZeroOffset   = errors.New("region has zero offset")
	ErrRegionTooSmall     = errors.New("region too small for data")
	ErrRegionOutOfRange   = errors.New("region exceeds linear memory address space")
	ErrMemoryNotSet       = errors.New("wasm memory export missing")
	ErrExportNotFound     = errors.New("export not found")
	ErrStillShared        = errors.New("store still has outstanding handles")
	ErrCodeNotFound       = errors.New("code not found")
	ErrContractNotFound   = errors.New("contract not found")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Domain and query errors.
var (
	ErrContract           = errors.New("contract error")
	ErrQueryDepthExceeded = errors.New("query depth exceeded")
)

// Fatal block-level errors. These abort block execution.
var (
	ErrMerkleFlush = errors.New("merkle tree flush failed")
	ErrBaseStore   = errors.New("base store failure")
)

// OutOfGasError is raised by the gas tracker when a consume call would
// exceed the limit. It is deterministic and discards the enclosing overlay.
type OutOfGasError struct {
	Limit uint64
	Used  uint64
	Label string
}

func (e OutOfGasError) Error() string {
	return fmt.Sprintf("out of gas: limit %d, used %d, while consuming %s", e.Limit, e.Used, e.Label)
}

// ErrOutOfGas is the match target for errors.Is on any OutOfGasError.
var ErrOutOfGas = errors.New("out of gas")

func (e OutOfGasError) Is(target error) bool { return target == ErrOutOfGas }

// PipelineError identifies which phase of the transaction pipeline failed.
// Only FeeWithholdFailed rejects the tx from block results; the others are
// reported in the tx outcome alongside the partial commits of surviving
// phases.
type PipelineError struct {
	Phase string // "withhold_fee" | "authenticate" | "messages" | "backrun" | "finalize_fee"
	Inner error
}

func (e PipelineError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Inner)
}

func (e PipelineError) Unwrap() error { return e.Inner }

// Pipeline phase names.
const (
	PhaseWithholdFee = "withhold_fee"
	PhaseAuth        = "authenticate"
	PhaseMessages    = "messages"
	PhaseBackrun     = "backrun"
	PhaseFinalizeFee = "finalize_fee"
)
