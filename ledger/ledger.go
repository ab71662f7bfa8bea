// Package ledger keeps per-user wallets with available and blocked balances
// and the hold, capture and release operations the fetch pipeline settles
// through. Every balance mutation appends an immutable Entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/polycrawl/paygate"
)

// Role distinguishes the spending wallet from the earnings wallet of an owner.
type Role string

const (
	RolePayer  Role = "payer"
	RolePayout Role = "payout"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RolePayer || r == RolePayout }

// Status is the lifecycle state of a wallet. Wallets are never deleted.
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// HoldState is the lifecycle state of a hold.
type HoldState string

const (
	HoldOpen     HoldState = "open"
	HoldCaptured HoldState = "captured"
	HoldReleased HoldState = "released"
)

// EntryKind names the mutation an entry records.
type EntryKind string

const (
	KindCredit  EntryKind = "credit"
	KindDebit   EntryKind = "debit"
	KindHold    EntryKind = "hold"
	KindCapture EntryKind = "capture"
	KindRelease EntryKind = "release"
	KindPayout  EntryKind = "payout"
	KindFee     EntryKind = "fee"
)

// Currency is the single unit every wallet is denominated in.
const Currency = "USD"

// DefaultFeeOwner owns the payout wallet that collects platform fees.
const DefaultFeeOwner = "platform"

// Reference types written on entries.
const (
	RefRequest = "request"
	RefHold    = "hold"
)

var (
	ErrInsufficientFunds  = fmt.Errorf("ledger: %w", paygate.ErrInsufficientFunds)
	ErrInvalidAmount      = fmt.Errorf("ledger: %w", paygate.ErrInvalidAmount)
	ErrWalletFrozen       = errors.New("ledger: wallet is frozen")
	ErrHoldNotFound       = errors.New("ledger: hold not found")
	ErrHoldReleased       = errors.New("ledger: hold already released")
	ErrCaptureExceedsHold = errors.New("ledger: capture exceeds held amount")
	ErrInvalidRole        = errors.New("ledger: invalid wallet role")
)

// Wallet is a balance snapshot.
type Wallet struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Role      Role           `json:"role"`
	Currency  string         `json:"currency"`
	Available paygate.Amount `json:"available"`
	Blocked   paygate.Amount `json:"blocked"`
	Status    Status         `json:"status"`
	Address   string         `json:"address,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Hold reserves funds in a payer wallet for one request.
type Hold struct {
	ID        string         `json:"id"`
	WalletID  string         `json:"walletId"`
	Owner     string         `json:"owner"`
	RequestID string         `json:"requestId"`
	Amount    paygate.Amount `json:"amount"`
	State     HoldState      `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	ClosedAt  *time.Time     `json:"closedAt,omitempty"`
}

// Entry is an append-only record of one balance mutation. Available and
// Blocked are signed deltas.
type Entry struct {
	ID        string         `json:"id"`
	WalletID  string         `json:"walletId"`
	Owner     string         `json:"owner"`
	Role      Role           `json:"role"`
	Kind      EntryKind      `json:"kind"`
	Available paygate.Amount `json:"available"`
	Blocked   paygate.Amount `json:"blocked"`
	RefType   string         `json:"refType"`
	RefID     string         `json:"refId"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Ref identifies the business object behind a credit or debit. A repeated
// call with the same Ref on the same wallet has no further effect.
type Ref struct {
	Type string
	ID   string
}

// Capture is the outcome of capturing a hold.
type Capture struct {
	Hold      Hold           `json:"hold"`
	Recipient string         `json:"recipient"`
	Final     paygate.Amount `json:"final"`
	Fee       paygate.Amount `json:"fee"`
	Payout    paygate.Amount `json:"payout"`
	Surplus   paygate.Amount `json:"surplus"`
}

// Ledger is the wallet store. Implementations serialize mutations per wallet.
type Ledger interface {
	// Wallet returns the wallet for owner and role, creating it on first use.
	Wallet(ctx context.Context, owner string, role Role) (*Wallet, error)
	SetStatus(ctx context.Context, owner string, role Role, status Status) error
	SetAddress(ctx context.Context, owner string, role Role, address string) error
	// Entries lists the most recent entries first.
	Entries(ctx context.Context, owner string, role Role, limit int) ([]Entry, error)

	Credit(ctx context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error)
	Debit(ctx context.Context, owner string, role Role, amount paygate.Amount, ref Ref) (*Entry, error)

	// CreateHold moves amount from available to blocked in the owner's payer
	// wallet. A second call for the same request returns the existing hold.
	CreateHold(ctx context.Context, owner, requestID string, amount paygate.Amount) (*Hold, error)
	// CaptureHold settles a hold for final, which may be less than the held
	// amount. The surplus returns to available, final-fee is credited to the
	// recipient's payout wallet and fee to the fee sink. Capturing a captured
	// hold returns the first capture.
	CaptureHold(ctx context.Context, holdID string, final paygate.Amount, recipient string, fee paygate.Amount) (*Capture, error)
	// ReleaseHold returns the held amount to available. Releasing a terminal
	// hold is a no-op.
	ReleaseHold(ctx context.Context, holdID string) (*Hold, error)
	Hold(ctx context.Context, holdID string) (*Hold, error)

	// ExpireStale releases every open hold created before cutoff.
	ExpireStale(ctx context.Context, cutoff time.Time) ([]Hold, error)
}

// Option configures a Ledger implementation.
type Option func(*options)

type options struct {
	feeOwner string
	clock    clock.Clock
}

// WithClock injects the time source used for timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithFeeOwner sets the owner whose payout wallet receives fees.
func WithFeeOwner(owner string) Option {
	return func(o *options) {
		if owner != "" {
			o.feeOwner = owner
		}
	}
}

func newOptions(opts []Option) options {
	o := options{feeOwner: DefaultFeeOwner, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateOwner(owner string, role Role) error {
	if owner == "" {
		return errors.New("ledger: owner is required")
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

func newID(prefix string) string { return prefix + "_" + uuid.NewString() }

func validateCapture(h *Hold, final, fee paygate.Amount) error {
	if final < 0 || fee < 0 {
		return fmt.Errorf("%w: negative capture", ErrInvalidAmount)
	}
	if final > h.Amount {
		return fmt.Errorf("%w: final %s, held %s", ErrCaptureExceedsHold, final, h.Amount)
	}
	if fee > final {
		return fmt.Errorf("%w: fee %s exceeds final %s", ErrInvalidAmount, fee, final)
	}
	return nil
}
