package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/mbd888/p2pescrow/internal/syncutil"
	"github.com/mbd888/p2pescrow/internal/traces"
	"github.com/mbd888/p2pescrow/internal/validation"
	"go.opentelemetry.io/otel/trace"
)

// Service implements the escrow instruction set.
type Service struct {
	store   Store
	ledger  *ledger.Ledger
	program common.Address
	admin   string
	events  EventSink
	logger  *slog.Logger
	now     func() time.Time
	locks   *syncutil.KeyLock // one writer per record address
}

// NewService creates a new escrow service. admin is stamped on every record
// created by this service.
func NewService(store Store, l *ledger.Ledger, program common.Address, admin string) *Service {
	return &Service{
		store:   store,
		ledger:  l,
		program: program,
		admin:   strings.ToLower(admin),
		logger:  slog.Default(),
		now:     time.Now,
		locks:   syncutil.NewKeyLock(),
	}
}

// WithClock overrides the clock used for timestamps and timeout checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents adds a sink for committed state changes.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Admin returns the dispute admin address.
func (s *Service) Admin() string {
	return s.admin
}

// Derive returns the record and vault addresses for a trade.
func (s *Service) Derive(tradeID derive.TradeID, seller string) derive.Pair {
	return derive.Trade(s.program, tradeID, common.HexToAddress(seller))
}

// Initialize locks amount from the seller's holding into a fresh vault.
func (s *Service) Initialize(ctx context.Context, seller string, req InitializeRequest) (_ *Escrow, err error) {
	seller = strings.ToLower(seller)
	ctx, span := traces.StartSpan(ctx, "escrow.Initialize",
		traces.Caller(seller), traces.TradeID(req.TradeID), traces.Amount(req.Amount))
	defer span.End()
	defer func() { s.observe(span, "initialize", err) }()

	if req.Amount == 0 {
		return nil, ErrZeroAmount
	}
	if req.TimeoutSeconds <= 0 || req.TimeoutSeconds > MaxTimeoutSeconds {
		return nil, ErrInvalidTimeout
	}
	tradeID, err := derive.ParseTradeID(req.TradeID)
	if err != nil {
		return nil, ErrInvalidTradeID
	}
	buyer := strings.ToLower(req.Buyer)
	if err := s.checkParties(seller, buyer); err != nil {
		return nil, err
	}
	if req.Amount > ledger.MaxAmount {
		return nil, ErrInsufficientFunds
	}

	pair := s.Derive(tradeID, seller)
	address := derive.Hex(pair.Escrow)
	vault := derive.Hex(pair.Vault)

	unlock, err := s.locks.Lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	escrow := &Escrow{
		Address:        address,
		TradeID:        tradeID,
		Seller:         seller,
		Buyer:          buyer,
		Admin:          s.admin,
		Mint:           s.ledger.Mint(),
		Amount:         req.Amount,
		TimeoutSeconds: req.TimeoutSeconds,
		Vault:          vault,
		SellerAccount:  s.ledger.HoldingAddress(seller),
		BuyerAccount:   s.ledger.HoldingAddress(buyer),
		Status:         StatusLocked,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.Get(ctx, address); err == nil {
			return ErrDuplicateTradeID
		} else if !errors.Is(err, ErrEscrowNotFound) {
			return err
		}

		lt := tx.Ledger()
		src, err := lt.Account(ctx, escrow.SellerAccount)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if src.Balance < escrow.Amount {
			return ErrInsufficientFunds
		}

		if err := lt.Open(ctx, &ledger.Account{
			Address:   vault,
			Kind:      ledger.KindVault,
			Owner:     address,
			Mint:      escrow.Mint,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				return ErrDuplicateTradeID
			}
			return fmt.Errorf("failed to open vault: %w", err)
		}
		if _, err := s.ledger.EnsureHolding(ctx, lt, buyer); err != nil {
			return fmt.Errorf("failed to open buyer account: %w", err)
		}

		if err := lt.Transfer(ctx, ledger.Transfer{
			From:      escrow.SellerAccount,
			To:        vault,
			Amount:    escrow.Amount,
			Kind:      ledger.EntryLock,
			Reference: address,
		}); err != nil {
			return mapLedgerErr("failed to lock escrow funds", err)
		}
		return tx.Insert(ctx, escrow)
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowLockedUnits.Add(float64(escrow.Amount))
	s.committed(ctx, EventLocked, seller, escrow)
	return escrow, nil
}

// MarkPaid records the buyer's claim that fiat was sent.
func (s *Service) MarkPaid(ctx context.Context, address, caller string) (*Escrow, error) {
	return s.transition(ctx, "mark_paid", address, caller, func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error) {
		if e.RoleOf(caller) != RoleBuyer {
			return "", ErrUnauthorizedBuyer
		}
		if !s.canMove(e, StatusPaymentSent) {
			return "", ErrInvalidStateTransition
		}
		e.Status = StatusPaymentSent
		e.PaidAt = &now
		return EventPaymentSent, nil
	})
}

// Release pays the vault to the buyer once the seller confirms receipt.
func (s *Service) Release(ctx context.Context, address, caller string) (*Escrow, error) {
	return s.transition(ctx, "release", address, caller, func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error) {
		if e.RoleOf(caller) != RoleSeller {
			return "", ErrUnauthorizedSeller
		}
		if e.Status != StatusPaymentSent {
			return "", ErrInvalidStateTransition
		}
		if err := s.payout(ctx, tx, e, e.BuyerAccount, ledger.EntryRelease); err != nil {
			return "", err
		}
		e.Status = StatusReleased
		e.Resolution = ResolutionReleased
		e.ResolvedAt = &now
		return EventReleased, nil
	})
}

// FileDispute freezes the escrow for the admin. Either party may file.
func (s *Service) FileDispute(ctx context.Context, address, caller, reason string) (*Escrow, error) {
	return s.transition(ctx, "file_dispute", address, caller, func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error) {
		if !e.IsParty(caller) {
			return "", ErrUnauthorizedDisputer
		}
		if !s.canMove(e, StatusDisputed) {
			return "", ErrInvalidStateTransition
		}
		e.Status = StatusDisputed
		e.DisputedAt = &now
		e.DisputedBy = strings.ToLower(caller)
		e.DisputeReason = validation.SanitizeString(reason, validation.MaxReasonLength)
		return EventDisputed, nil
	})
}

// ResolveDispute applies the admin's decision to a Disputed escrow.
func (s *Service) ResolveDispute(ctx context.Context, address, caller string, decision Decision) (*Escrow, error) {
	return s.transition(ctx, "resolve_dispute", address, caller, func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error) {
		if e.RoleOf(caller) != RoleAdmin {
			return "", ErrUnauthorizedAdmin
		}
		if decision != ReleaseToBuyer && decision != RefundToSeller {
			return "", ErrInvalidDecision
		}
		if e.Status != StatusDisputed {
			return "", ErrInvalidStateTransition
		}

		event := EventReleased
		if decision == ReleaseToBuyer {
			if err := s.payout(ctx, tx, e, e.BuyerAccount, ledger.EntryRelease); err != nil {
				return "", err
			}
			e.Status = StatusReleased
			e.Resolution = ResolutionDisputeRelease
		} else {
			if err := s.payout(ctx, tx, e, e.SellerAccount, ledger.EntryRefund); err != nil {
				return "", err
			}
			e.Status = StatusRefunded
			e.Resolution = ResolutionDisputeRefund
			event = EventRefunded
		}
		e.ResolvedAt = &now
		return event, nil
	})
}

// Reclaim returns a Locked escrow to the seller after its timeout. A
// PaymentSent escrow never times out.
func (s *Service) Reclaim(ctx context.Context, address, caller string) (*Escrow, error) {
	return s.transition(ctx, "reclaim", address, caller, func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error) {
		if e.RoleOf(caller) != RoleSeller {
			return "", ErrUnauthorizedSeller
		}
		if e.Status != StatusLocked {
			return "", ErrInvalidStateTransition
		}
		if !e.TimedOut(now) {
			return "", ErrTimeoutNotElapsed
		}
		if err := s.payout(ctx, tx, e, e.SellerAccount, ledger.EntryRefund); err != nil {
			return "", err
		}
		e.Status = StatusRefunded
		e.Resolution = ResolutionTimeoutReclaim
		e.ResolvedAt = &now
		return EventRefunded, nil
	})
}

// Get returns an escrow by record address.
func (s *Service) Get(ctx context.Context, address string) (*Escrow, error) {
	return s.store.Get(ctx, strings.ToLower(address))
}

// ListByParty returns escrows where party is seller or buyer, newest first.
func (s *Service) ListByParty(ctx context.Context, party string, limit int) ([]*Escrow, error) {
	escrows, _, err := s.ListByPartyPage(ctx, party, "", limit)
	return escrows, err
}

// ListByPartyPage returns one page of ListByParty and the cursor of the next
// page, or "" on the last page.
func (s *Service) ListByPartyPage(ctx context.Context, party, cursor string, limit int) ([]*Escrow, string, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	escrows, err := s.store.ListByParty(ctx, strings.ToLower(party), after, limit+1)
	if err != nil {
		return nil, "", err
	}
	escrows, next := pagination.Page(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.Address
	})
	return escrows, next, nil
}

// Vault returns the vault account of an escrow.
func (s *Service) Vault(ctx context.Context, e *Escrow) (*ledger.Account, error) {
	return s.ledger.Account(ctx, e.Vault)
}

// mutation applies one instruction to a loaded record and returns the event
// type to publish. It must check the caller's role before the status.
type mutation func(ctx context.Context, tx Tx, e *Escrow, now time.Time) (string, error)

// transition runs a mutation on an existing record under the record lock and
// inside one store transaction.
func (s *Service) transition(ctx context.Context, op, address, caller string, fn mutation) (_ *Escrow, err error) {
	address = strings.ToLower(address)
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.EscrowAddress(address), traces.Caller(caller))
	defer span.End()
	defer func() { s.observe(span, op, err) }()

	unlock, err := s.locks.Lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		out   *Escrow
		event string
	)
	err = s.store.Atomic(ctx, func(tx Tx) error {
		e, err := tx.Get(ctx, address)
		if err != nil {
			return err
		}
		now := s.now()
		event, err = fn(ctx, tx, e, now)
		if err != nil {
			return err
		}
		e.UpdatedAt = now
		if err := tx.Update(ctx, e); err != nil {
			return fmt.Errorf("failed to update escrow: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.Status(string(out.Status)))
	if out.Status.IsTerminal() {
		metrics.EscrowLockedUnits.Sub(float64(out.Amount))
		metrics.EscrowDuration.WithLabelValues(string(out.Resolution)).Observe(out.UpdatedAt.Sub(out.CreatedAt).Seconds())
	}
	s.committed(ctx, event, caller, out)
	return out, nil
}

// payout empties the vault into dest and closes the vault.
func (s *Service) payout(ctx context.Context, tx Tx, e *Escrow, dest string, kind ledger.EntryKind) error {
	lt := tx.Ledger()
	if err := lt.Transfer(ctx, ledger.Transfer{
		From:      e.Vault,
		To:        dest,
		Amount:    e.Amount,
		Kind:      kind,
		Reference: e.Address,
	}); err != nil {
		return mapLedgerErr("failed to pay out vault", err)
	}
	if err := lt.Close(ctx, e.Vault); err != nil {
		return fmt.Errorf("failed to close vault: %w", err)
	}
	return nil
}

func (s *Service) canMove(e *Escrow, to Status) bool {
	return CanTransition(e.Status, to)
}

// checkParties requires seller, buyer and admin to be three distinct addresses.
func (s *Service) checkParties(seller, buyer string) error {
	if !validation.IsValidEthAddress(seller) || !validation.IsValidEthAddress(buyer) {
		return ErrInvalidParty
	}
	if seller == buyer || seller == s.admin || buyer == s.admin {
		return ErrInvalidParty
	}
	return nil
}

// committed records a successful instruction and publishes its event.
func (s *Service) committed(ctx context.Context, eventType, caller string, e *Escrow) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status)).Inc()
	s.logger.Info("escrow "+string(e.Status),
		"escrow", e.Address,
		"tradeId", e.TradeID.String(),
		"caller", caller,
		"amount", e.Amount,
	)
	if s.events == nil {
		return
	}
	cp := *e
	s.events.Publish(ctx, Event{Type: eventType, Escrow: &cp, Caller: caller, Timestamp: e.UpdatedAt})
}

// observe counts the instruction outcome and marks the span.
func (s *Service) observe(span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = CodeOf(err)
		if result == "" {
			result = "internal"
		}
	}
	metrics.EscrowInstructionsTotal.WithLabelValues(op, result).Inc()
	traces.Fail(span, err)
}

// mapLedgerErr turns ledger balance failures into escrow error codes.
func mapLedgerErr(msg string, err error) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return ErrInsufficientFunds
	}
	return fmt.Errorf("%s: %w", msg, err)
}
