package bank

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Withdrawal FSM refusals.
var (
	ErrWithdrawalConflict    = errors.New("withdrawal was already selected with different details")
	ErrWithdrawalAborted     = errors.New("withdrawal operation was aborted")
	ErrWithdrawalConfirmed   = errors.New("withdrawal operation was already confirmed")
	ErrWithdrawalNotSelected = errors.New("withdrawal operation has no exchange selected")
	ErrReservePubRequired    = errors.New("withdrawal selection needs a reserve public key")
	ErrExchangeNotFound      = errors.New("selected exchange account does not exist")
	ErrNoSuggestedExchange   = errors.New("no exchange selected and the demobank suggests none")
)

// CreateWithdrawal allocates a created-state operation. The amount is
// reserved against the available balance from this point on.
func CreateWithdrawal(tx *gorm.DB, demobank *Demobank, account *BankAccount, currency string, amount decimal.Decimal) (*WithdrawalOperation, error) {
	if currency != demobank.Currency {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCurrencyMismatch, currency, demobank.Currency)
	}
	if err := MaybeDebit(tx, demobank, account, amount); err != nil {
		return nil, err
	}
	op := WithdrawalOperation{
		Wopid:        uuid.New(),
		AccountID:    account.ID,
		AccountLabel: account.Label,
		DemobankID:   demobank.ID,
		Amount:       FormatAmount(amount),
		Currency:     currency,
	}
	if err := tx.Create(&op).Error; err != nil {
		return nil, fmt.Errorf("persist withdrawal: %w", err)
	}
	return &op, nil
}

// SelectWithdrawal records the wallet's reserve key and exchange choice.
// Re-selection with identical values is a no-op; differing values conflict.
func SelectWithdrawal(tx *gorm.DB, op *WithdrawalOperation, reservePub, exchangePayto string) error {
	if op.Aborted {
		return ErrWithdrawalAborted
	}
	if op.SelectionDone {
		if op.ReservePub == reservePub && sameSelection(op.SelectedExchangePayto, exchangePayto) {
			return nil
		}
		return ErrWithdrawalConflict
	}
	if reservePub == "" {
		return ErrReservePubRequired
	}
	op.SelectionDone = true
	op.ReservePub = reservePub
	op.SelectedExchangePayto = exchangePayto
	if err := tx.Save(op).Error; err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	return nil
}

func sameSelection(stored, incoming string) bool {
	return incoming == "" || stored == incoming
}

// ConfirmWithdrawal wires the reserved amount to the exchange account with
// the reserve public key as subject. Falls back to the demobank's suggested
// exchange when the wallet never named one. Idempotent once confirmed.
func ConfirmWithdrawal(tx *gorm.DB, op *WithdrawalOperation, now time.Time) (*BookingResult, error) {
	if op.Aborted {
		return nil, ErrWithdrawalAborted
	}
	if !op.SelectionDone {
		return nil, ErrWithdrawalNotSelected
	}
	if op.ConfirmationDone {
		return &BookingResult{Replayed: true}, nil
	}
	demobank, err := DemobankByID(tx, op.DemobankID)
	if err != nil {
		return nil, fmt.Errorf("resolve demobank of withdrawal %s: %w", op.Wopid, err)
	}
	account, err := AccountByID(tx, op.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account of withdrawal %s: %w", op.Wopid, err)
	}
	payto := op.SelectedExchangePayto
	if payto == "" {
		payto = demobank.SuggestedExchangePayto
		if payto == "" {
			return nil, ErrNoSuggestedExchange
		}
		op.SelectedExchangePayto = payto
	}
	parsed, err := ParsePayto(payto)
	if err != nil {
		return nil, err
	}
	exchange, err := AccountByIBAN(tx, demobank.ID, parsed.IBAN)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, parsed.IBAN)
		}
		return nil, fmt.Errorf("resolve exchange account: %w", err)
	}
	amount, err := ParseAmount(op.Amount)
	if err != nil {
		return nil, fmt.Errorf("stored withdrawal amount: %w", err)
	}
	// Confirm before booking so the debt check stops counting this
	// operation as pending; the surrounding transaction rolls both back
	// together on failure.
	op.ConfirmationDone = true
	if err := tx.Save(op).Error; err != nil {
		return nil, fmt.Errorf("persist confirmation: %w", err)
	}
	return WireTransfer(tx, demobank, account, exchange, op.ReservePub, amount, now)
}

// AbortWithdrawal releases the reservation. Aborting twice is a no-op;
// aborting after confirmation is refused.
func AbortWithdrawal(tx *gorm.DB, op *WithdrawalOperation) error {
	if op.ConfirmationDone {
		return ErrWithdrawalConfirmed
	}
	if op.Aborted {
		return nil
	}
	op.Aborted = true
	if err := tx.Save(op).Error; err != nil {
		return fmt.Errorf("persist abort: %w", err)
	}
	return nil
}
