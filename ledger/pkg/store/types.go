package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AccountKind is the entity kind that owns an account.
type AccountKind string

const (
	AccountAgent      AccountKind = "agent"
	AccountPerson     AccountKind = "person"
	AccountCommunity  AccountKind = "community"
	AccountMod        AccountKind = "mod"
	AccountProtocol   AccountKind = "protocol"
	AccountFoundation AccountKind = "foundation"
	AccountCommons    AccountKind = "commons"
)

func (k AccountKind) Valid() bool {
	switch k {
	case AccountAgent, AccountPerson, AccountCommunity, AccountMod, AccountProtocol, AccountFoundation, AccountCommons:
		return true
	}
	return false
}

// LotSource is how a lot was funded.
type LotSource string

const (
	LotDeposit  LotSource = "deposit"
	LotGrant    LotSource = "grant"
	LotPurchase LotSource = "purchase"
	LotTransfer LotSource = "transfer"
	LotDividend LotSource = "dividend"
)

func (s LotSource) Valid() bool {
	switch s {
	case LotDeposit, LotGrant, LotPurchase, LotTransfer, LotDividend:
		return true
	}
	return false
}

// ReservationStatus is the reservation state machine position. All
// non-pending states are terminal.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Account owns zero or more lots. Balance is always derived from lot
// remainders, never stored.
type Account struct {
	ID        uuid.UUID
	Kind      AccountKind
	CreatedAt time.Time
}

// Lot is a funded, depletable balance chunk. RemainingMicro only decreases
// outside of reservation restoration.
type Lot struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Source         LotSource
	OriginalMicro  int64
	RemainingMicro int64
	Reference      *string
	CreatedAt      time.Time
}

// Reservation is a temporary hold against lot balances pending finalization.
type Reservation struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	AmountMicro    int64
	Status         ReservationStatus
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReserveResult distinguishes a fresh reservation from an idempotent replay.
type ReserveResult struct {
	Reservation Reservation
	Created     bool
}

// DepositResult distinguishes a fresh lot from a duplicate payment reference.
type DepositResult struct {
	Lot     Lot
	Created bool
}

// EntryType classifies a ledger entry. Entries are append-only, one row per
// money movement.
type EntryType string

const (
	EntryDeposit      EntryType = "deposit"
	EntryReserve      EntryType = "reserve"
	EntryFinalize     EntryType = "finalize"
	EntryRelease      EntryType = "release"
	EntryExpire       EntryType = "expire"
	EntryRefund       EntryType = "refund"
	EntryGrant        EntryType = "grant"
	EntryTransferOut  EntryType = "transfer-out"
	EntryTransferIn   EntryType = "transfer-in"
	EntryRevenueShare EntryType = "revenue-share"
	EntryEscrow       EntryType = "escrow"
	EntryPayout       EntryType = "payout"
	EntryDrip         EntryType = "drip"
)

// LedgerEntry is one append-only money movement record.
type LedgerEntry struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	Type          EntryType
	AmountMicro   int64
	ReservationID *uuid.UUID
	LotID         *uuid.UUID
	Reference     *string
	CreatedAt     time.Time
}

var (
	// ErrInsufficientBalance is returned when a draw-down exceeds the
	// account's total remaining lot balance; no lot is touched.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidState is returned for a transition out of a terminal
	// reservation state.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")
)
