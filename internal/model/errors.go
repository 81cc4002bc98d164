package model

import (
	"errors"
)

// Error taxonomy. Validation errors are returned before any state mutation;
// lifecycle guard errors are surfaced to the caller unchanged.
var (
	ErrNoValue                = errors.New("forward: collateral and premium must be non-zero")
	ErrCloseBlockNotReached   = errors.New("forward: closing block not reached")
	ErrCloseBlockInPast       = errors.New("forward: closing block must be in the future")
	ErrAlreadyHasCounterparty = errors.New("forward: contract already has a counterparty")
	ErrAssetNotSupported      = errors.New("forward: asset not supported")
	ErrInvalidLeverage        = errors.New("forward: leverage must be at least 1.0x")
	ErrContractNotFound       = errors.New("forward: contract not found")
	ErrInvalidStatus          = errors.New("forward: invalid contract status")
	ErrUnconfirmed            = errors.New("forward: ledger state not confirmed after maximum retries")
	ErrOverflow               = errors.New("forward: fixed-point overflow")
	ErrOracleUnavailable      = errors.New("forward: oracle price unavailable")
	ErrExposureLimit          = errors.New("forward: account exposure limit exceeded")
)

// Ledger error codes. The first block matches the codes the on-chain
// contract returns as (err uN); engine-local kinds start at 120.
var errorCodes = []struct {
	err  error
	code uint64
}{
	{ErrNoValue, 102},
	{ErrCloseBlockNotReached, 103},
	{ErrCloseBlockInPast, 104},
	{ErrAlreadyHasCounterparty, 106},
	{ErrAssetNotSupported, 110},
	{ErrInvalidLeverage, 111},
	{ErrContractNotFound, 113},
	{ErrInvalidStatus, 117},
	{ErrUnconfirmed, 120},
	{ErrOverflow, 121},
	{ErrOracleUnavailable, 122},
	{ErrExposureLimit, 123},
}

// ErrorCode returns the ledger code for err, or 0 if err is not part of the
// taxonomy.
func ErrorCode(err error) uint64 {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return 0
}

// ErrorFromCode maps a ledger code back to its sentinel. Unknown codes
// return nil.
func ErrorFromCode(code uint64) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

// IsValidation reports whether err is rejected before any mutation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNoValue) ||
		errors.Is(err, ErrCloseBlockInPast) ||
		errors.Is(err, ErrAssetNotSupported) ||
		errors.Is(err, ErrInvalidLeverage) ||
		errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrExposureLimit)
}
