package domain

import "errors"

// Validation
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAmountBelowMinimum  = errors.New("amount below minimum withdrawal")
	ErrAmountAboveMaximum  = errors.New("amount above maximum withdrawal")
	ErrInvalidAddress      = errors.New("invalid destination address")
	ErrContractDestination = errors.New("destination is a contract account")
	ErrUserIDRequired      = errors.New("user ID required")
	ErrExternalRefRequired = errors.New("external reference required")
)

// Funding
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrHotWalletUnderfunded = errors.New("hot wallet underfunded")
	ErrUserBalanceNotFound  = errors.New("user balance not found")
)

// Ledger state
var (
	ErrWithdrawalNotFound    = errors.New("withdrawal not found")
	ErrWithdrawalOutstanding = errors.New("user already has an outstanding withdrawal")
	ErrStaleState            = errors.New("withdrawal state changed concurrently")
	ErrSettlementInProgress  = errors.New("withdrawal settlement already started")
)

// Operations
var (
	ErrSettlementPaused = errors.New("settlement paused")
	ErrManualModeOnly   = errors.New("automatic settlement disabled")
	ErrRateLimited      = errors.New("too many withdrawal requests")
)
