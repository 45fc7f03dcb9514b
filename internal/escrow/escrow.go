// Package escrow holds a seller's funds in a program-owned vault until the
// trade completes, times out, or an admin settles a dispute.
//
// Flow:
//  1. Seller initializes: funds move seller holding → vault, status Locked
//  2. Buyer marks fiat paid: Locked → PaymentSent
//  3. Seller confirms receipt and releases: vault → buyer, Released
//  4. Either party disputes from Locked or PaymentSent: → Disputed
//  5. Admin resolves: vault → buyer (Released) or vault → seller (Refunded)
//  6. Seller reclaims a Locked escrow after its timeout: vault → seller, Refunded
package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// Error is an escrow failure with a stable machine code.
type Error struct {
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrZeroAmount             = &Error{Code: "ZeroAmount", msg: "amount must be greater than zero"}
	ErrInvalidTimeout         = &Error{Code: "InvalidTimeout", msg: "timeout must be between 1 second and 10 years"}
	ErrInvalidParty           = &Error{Code: "InvalidParty", msg: "seller, buyer and admin must be distinct valid addresses"}
	ErrInvalidTradeID         = &Error{Code: "InvalidTradeId", msg: "trade id must be 16 bytes of hex"}
	ErrInvalidDecision        = &Error{Code: "InvalidDecision", msg: "decision must be release_to_buyer or refund_to_seller"}
	ErrInsufficientFunds      = &Error{Code: "InsufficientFunds", msg: "seller balance is below the escrow amount"}
	ErrUnauthorizedBuyer      = &Error{Code: "UnauthorizedBuyer", msg: "only the buyer may perform this operation"}
	ErrUnauthorizedSeller     = &Error{Code: "UnauthorizedSeller", msg: "only the seller may perform this operation"}
	ErrUnauthorizedAdmin      = &Error{Code: "UnauthorizedAdmin", msg: "only the admin may resolve disputes"}
	ErrUnauthorizedDisputer   = &Error{Code: "UnauthorizedDisputer", msg: "only the seller or buyer may file a dispute"}
	ErrInvalidStateTransition = &Error{Code: "InvalidStateTransition", msg: "operation not allowed in the current escrow status"}
	ErrDuplicateTradeID       = &Error{Code: "DuplicateTradeId", msg: "an escrow already exists for this trade id and seller"}
	ErrTimeoutNotElapsed      = &Error{Code: "TimeoutNotElapsed", msg: "escrow timeout has not elapsed"}
	ErrEscrowNotFound         = &Error{Code: "NotFound", msg: "escrow not found"}
)

// CodeOf returns the machine code of an escrow error, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MaxTimeoutSeconds bounds timeout_seconds to ten years.
const MaxTimeoutSeconds = 10 * 365 * 24 * 60 * 60

// Status represents the state of an escrow.
type Status string

const (
	StatusLocked      Status = "locked"       // Funds in vault, waiting for buyer
	StatusPaymentSent Status = "payment_sent" // Buyer says fiat was sent
	StatusDisputed    Status = "disputed"     // Waiting on the admin
	StatusReleased    Status = "released"     // Vault paid to buyer
	StatusRefunded    Status = "refunded"     // Vault paid back to seller
)

// transitions lists every legal status change. Anything else is
// ErrInvalidStateTransition.
var transitions = map[Status][]Status{
	StatusLocked:      {StatusPaymentSent, StatusDisputed, StatusRefunded},
	StatusPaymentSent: {StatusReleased, StatusDisputed},
	StatusDisputed:    {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusPaymentSent, StatusDisputed, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Decision is the admin's ruling on a dispute.
type Decision string

const (
	ReleaseToBuyer Decision = "release_to_buyer"
	RefundToSeller Decision = "refund_to_seller"
)

// Resolution records how a terminal escrow got there.
type Resolution string

const (
	ResolutionReleased       Resolution = "released"
	ResolutionDisputeRelease Resolution = "dispute_release"
	ResolutionDisputeRefund  Resolution = "dispute_refund"
	ResolutionTimeoutReclaim Resolution = "timeout_reclaim"
)

// Role is the part a caller plays on one escrow record.
type Role int

const (
	RoleNone Role = iota
	RoleSeller
	RoleBuyer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	case RoleAdmin:
		return "admin"
	}
	return "none"
}

// Escrow is the record of one trade. Parties, mint, amount, timeout and
// creation time never change after Initialize.
type Escrow struct {
	Address        string         `json:"address"`
	TradeID        derive.TradeID `json:"tradeId"`
	Seller         string         `json:"seller"`
	Buyer          string         `json:"buyer"`
	Admin          string         `json:"admin"`
	Mint           string         `json:"mint"`
	Amount         uint64         `json:"amount"`
	TimeoutSeconds int64          `json:"timeoutSeconds"`
	Vault          string         `json:"vault"`
	SellerAccount  string         `json:"sellerAccount"`
	BuyerAccount   string         `json:"buyerAccount"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	PaidAt         *time.Time     `json:"paidAt,omitempty"`
	DisputedAt     *time.Time     `json:"disputedAt,omitempty"`
	DisputedBy     string         `json:"disputedBy,omitempty"`
	DisputeReason  string         `json:"disputeReason,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Resolution     Resolution     `json:"resolution,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RoleOf matches addr against the three stored identities.
func (e *Escrow) RoleOf(addr string) Role {
	addr = strings.ToLower(addr)
	switch addr {
	case "":
		return RoleNone
	case e.Seller:
		return RoleSeller
	case e.Buyer:
		return RoleBuyer
	case e.Admin:
		return RoleAdmin
	}
	return RoleNone
}

// ReclaimableAt is the instant after which the seller may reclaim a Locked escrow.
func (e *Escrow) ReclaimableAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TimeoutSeconds) * time.Second)
}

// TimedOut reports whether more than TimeoutSeconds have passed since lock.
func (e *Escrow) TimedOut(now time.Time) bool {
	return now.After(e.ReclaimableAt())
}

// IsParty reports whether addr is the seller or buyer.
func (e *Escrow) IsParty(addr string) bool {
	r := e.RoleOf(addr)
	return r == RoleSeller || r == RoleBuyer
}

// Tx is the mutation surface inside Store.Atomic. Record and ledger writes
// made through one Tx commit together.
type Tx interface {
	Ledger() ledger.Tx
	// Get loads a record and holds it until the Tx ends.
	Get(ctx context.Context, address string) (*Escrow, error)
	// Insert fails with ErrDuplicateTradeID if the address is taken.
	Insert(ctx context.Context, e *Escrow) error
	Update(ctx context.Context, e *Escrow) error
}

// Store persists escrow records.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, address string) (*Escrow, error)
	// ListByParty returns escrows where party is seller or buyer, newest
	// first (created_at, then address, descending), starting after cursor.
	ListByParty(ctx context.Context, party string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListReclaimable returns Locked escrows whose timeout elapsed before now,
	// oldest first (created_at, then address, ascending), starting after cursor.
	ListReclaimable(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error)
}

// Event types published after a committed change.
const (
	EventLocked      = "escrow.locked"
	EventPaymentSent = "escrow.payment_sent"
	EventDisputed    = "escrow.disputed"
	EventReleased    = "escrow.released"
	EventRefunded    = "escrow.refunded"
	EventReclaimable = "escrow.reclaimable"
)

// Event is a state change notice for surrounding applications.
type Event struct {
	Type      string    `json:"type"`
	Escrow    *Escrow   `json:"escrow"`
	Caller    string    `json:"caller,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives events. Publish must not block on slow consumers.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// InitializeRequest contains the parameters for locking a new escrow.
type InitializeRequest struct {
	TradeID        string `json:"tradeId" binding:"required"`
	Buyer          string `json:"buyer" binding:"required"`
	Amount         uint64 `json:"amount"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
}

// DisputeRequest carries an optional reason.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest carries the admin's decision.
type ResolveRequest struct {
	Decision Decision `json:"decision" binding:"required"`
}
