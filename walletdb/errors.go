package walletdb

import (
	"errors"
)

var (
	// ErrLedgerNotInitialized is returned when a top level bucket is
	// missing.
	ErrLedgerNotInitialized = errors.New("ledger not initialized")

	// ErrDBReversion is returned when the ledger was written by a newer
	// version of the software.
	ErrDBReversion = errors.New("ledger version is newer than supported")

	// ErrExchangeNotFound is returned when an exchange is unknown.
	ErrExchangeNotFound = errors.New("exchange not found")

	// ErrDenominationNotFound is returned when a denomination is
	// unknown.
	ErrDenominationNotFound = errors.New("denomination not found")

	// ErrCoinNotFound is returned when a coin is unknown.
	ErrCoinNotFound = errors.New("coin not found")

	// ErrProposalNotFound is returned when a proposal is unknown.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrPurchaseNotFound is returned when a purchase is unknown.
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrRefreshGroupNotFound is returned when a refresh group is
	// unknown.
	ErrRefreshGroupNotFound = errors.New("refresh group not found")

	// ErrAllocationConflict is returned when a coin is committed to a
	// spend with an allocation that contradicts the stored one.
	ErrAllocationConflict = errors.New("conflicting coin allocation")

	// ErrInsufficientCoinValue is returned when a contribution exceeds
	// the residual value of a coin.
	ErrInsufficientCoinValue = errors.New("contribution exceeds coin value")
)
