package bank

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger-level refusals, mapped to protocol errors by the callers.
var (
	ErrDebtLimitExceeded = errors.New("debit would exceed the debt limit")
	ErrCurrencyMismatch  = errors.New("currency does not match the demobank currency")
)

const refAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewAccountServicerReference draws the unique per-row booking reference,
// "sandbox-" plus eight random alphanumerics.
func NewAccountServicerReference() (string, error) {
	out := make([]byte, 8)
	max := big.NewInt(int64(len(refAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw booking reference: %w", err)
		}
		out[i] = refAlphabet[idx.Int64()]
	}
	return "sandbox-" + string(out), nil
}

// BookedBalance sums the booked rows of an account, credits positive. This
// is the quantity a statement stores as CLBD.
func BookedBalance(tx *gorm.DB, account *BankAccount) (decimal.Decimal, error) {
	var rows []Transaction
	if err := tx.Where("account_id = ?", account.ID).Find(&rows).Error; err != nil {
		return decimal.Decimal{}, fmt.Errorf("load transactions of %s: %w", account.Label, err)
	}
	balance := decimal.Zero
	for _, row := range rows {
		amount, err := ParseAmount(row.Amount)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("stored amount on %s: %w", row.AccountServicerReference, err)
		}
		if row.Direction == DirectionCredit {
			balance = balance.Add(amount)
		} else {
			balance = balance.Sub(amount)
		}
	}
	return balance, nil
}

// PendingAmount sums withdrawal operations that are neither confirmed nor
// aborted; they reserve funds before any row is booked.
func PendingAmount(tx *gorm.DB, account *BankAccount) (decimal.Decimal, error) {
	var ops []WithdrawalOperation
	err := tx.Where("account_id = ? AND confirmation_done = ? AND aborted = ?",
		account.ID, false, false).Find(&ops).Error
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load pending withdrawals of %s: %w", account.Label, err)
	}
	pending := decimal.Zero
	for _, op := range ops {
		amount, err := ParseAmount(op.Amount)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("stored withdrawal amount %s: %w", op.Wopid, err)
		}
		pending = pending.Add(amount)
	}
	return pending, nil
}

// AvailableBalance is the booked balance minus pending reservations, the
// quantity debits are checked against.
func AvailableBalance(tx *gorm.DB, account *BankAccount) (decimal.Decimal, error) {
	booked, err := BookedBalance(tx, account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	pending, err := PendingAmount(tx, account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return booked.Sub(pending), nil
}

// DebtLimit picks the limit that applies to the account: the bank's own
// accounts (owned by admin) get the bank debt limit, everyone else the
// per-user one.
func DebtLimit(demobank *Demobank, account *BankAccount) decimal.Decimal {
	if account.Owner == AdminUsername {
		return decimal.NewFromInt(demobank.BankDebtLimit)
	}
	return decimal.NewFromInt(demobank.UsersDebtLimit)
}

// MaybeDebit refuses a debit that would push the available balance below the
// negative debt limit.
func MaybeDebit(tx *gorm.DB, demobank *Demobank, account *BankAccount, amount decimal.Decimal) error {
	available, err := AvailableBalance(tx, account)
	if err != nil {
		return err
	}
	limit := DebtLimit(demobank, account)
	if available.Sub(amount).LessThan(limit.Neg()) {
		return fmt.Errorf("%w: account %s, amount %s, balance %s, limit %s",
			ErrDebtLimitExceeded, account.Label, FormatAmount(amount),
			FormatAmount(available), FormatAmount(limit))
	}
	return nil
}

// Payment is one logical credit transfer to book against a local debtor.
type Payment struct {
	DebtorAccount *BankAccount
	CreditorIBAN  string
	CreditorBIC   string
	CreditorName  string
	Amount        decimal.Decimal
	Currency      string
	Subject       string
	PmtInfID      string
	EndToEndID    string
	MsgID         string
}

// BookingResult reports what a booking did; Labels carries the accounts to
// wake up once the surrounding transaction has committed.
type BookingResult struct {
	Replayed bool
	Labels   []string
}

// BookPayment books one payment: currency check, idempotent replay check on
// pmtInfId, debt-limit check, then the DBIT row plus a CRDT row when the
// creditor IBAN is local, both appended to the fresh set.
func BookPayment(tx *gorm.DB, demobank *Demobank, p Payment, now time.Time) (*BookingResult, error) {
	if p.Currency != demobank.Currency {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCurrencyMismatch, p.Currency, demobank.Currency)
	}
	if p.PmtInfID != "" {
		var count int64
		err := tx.Model(&Transaction{}).
			Where("direction = ? AND pmt_inf_id = ?", DirectionDebit, p.PmtInfID).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("replay check for %s: %w", p.PmtInfID, err)
		}
		if count > 0 {
			return &BookingResult{Replayed: true}, nil
		}
	}
	if err := MaybeDebit(tx, demobank, p.DebtorAccount, p.Amount); err != nil {
		return nil, err
	}

	debtorName := OwnerDisplayName(tx, p.DebtorAccount.Owner)
	stamp := now.UnixMilli()
	amount := FormatAmount(p.Amount)
	var pmtInfID *string
	if p.PmtInfID != "" {
		v := p.PmtInfID
		pmtInfID = &v
	}

	result := &BookingResult{}
	debit := Transaction{
		ID:           uuid.New(),
		AccountID:    p.DebtorAccount.ID,
		AccountLabel: p.DebtorAccount.Label,
		DemobankID:   demobank.ID,
		Direction:    DirectionDebit,
		PmtInfID:     pmtInfID,
		Amount:       amount,
		Currency:     p.Currency,
		Subject:      p.Subject,
		Date:         stamp,
		EndToEndID:   p.EndToEndID,
		MsgID:        p.MsgID,
		DebtorIBAN:   p.DebtorAccount.IBAN,
		DebtorBIC:    p.DebtorAccount.BIC,
		DebtorName:   debtorName,
		CreditorIBAN: p.CreditorIBAN,
		CreditorBIC:  p.CreditorBIC,
		CreditorName: p.CreditorName,
	}
	if err := bookRow(tx, &debit); err != nil {
		return nil, err
	}
	result.Labels = append(result.Labels, p.DebtorAccount.Label)

	creditor, err := AccountByIBAN(tx, demobank.ID, p.CreditorIBAN)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve creditor %s: %w", p.CreditorIBAN, err)
		}
	} else {
		credit := debit
		credit.ID = uuid.New()
		credit.AccountID = creditor.ID
		credit.AccountLabel = creditor.Label
		credit.Direction = DirectionCredit
		if err := bookRow(tx, &credit); err != nil {
			return nil, err
		}
		result.Labels = append(result.Labels, creditor.Label)
	}

	for _, label := range result.Labels {
		notifyBooked(tx, label)
	}
	return result, nil
}

// WireTransfer books between two local accounts, as used by withdrawals,
// the wire gateway and the admin surface.
func WireTransfer(tx *gorm.DB, demobank *Demobank, debit, credit *BankAccount, subject string, amount decimal.Decimal, now time.Time) (*BookingResult, error) {
	return BookPayment(tx, demobank, Payment{
		DebtorAccount: debit,
		CreditorIBAN:  credit.IBAN,
		CreditorBIC:   credit.BIC,
		CreditorName:  OwnerDisplayName(tx, credit.Owner),
		Amount:        amount,
		Currency:      demobank.Currency,
		Subject:       subject,
	}, now)
}

// BookIncoming books a single credit row from an external debtor, the shape
// the admin simulate-incoming endpoint produces. Local debtors go through
// BookPayment instead so both sides of the transfer stay consistent.
func BookIncoming(tx *gorm.DB, demobank *Demobank, account *BankAccount, debtorIBAN, debtorBIC, debtorName, subject string, amount decimal.Decimal, now time.Time) (*BookingResult, error) {
	credit := Transaction{
		ID:           uuid.New(),
		AccountID:    account.ID,
		AccountLabel: account.Label,
		DemobankID:   demobank.ID,
		Direction:    DirectionCredit,
		Amount:       FormatAmount(amount),
		Currency:     demobank.Currency,
		Subject:      subject,
		Date:         now.UnixMilli(),
		DebtorIBAN:   NormalizeIban(debtorIBAN),
		DebtorBIC:    debtorBIC,
		DebtorName:   debtorName,
		CreditorIBAN: account.IBAN,
		CreditorBIC:  account.BIC,
		CreditorName: OwnerDisplayName(tx, account.Owner),
	}
	if err := bookRow(tx, &credit); err != nil {
		return nil, err
	}
	notifyBooked(tx, account.Label)
	return &BookingResult{Labels: []string{account.Label}}, nil
}

func bookRow(tx *gorm.DB, row *Transaction) error {
	ref, err := NewAccountServicerReference()
	if err != nil {
		return err
	}
	row.AccountServicerReference = ref
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("book %s row on %s: %w", row.Direction, row.AccountLabel, err)
	}
	fresh := FreshTransaction{
		ID:            uuid.New(),
		TransactionID: row.ID,
		AccountID:     row.AccountID,
	}
	if err := tx.Create(&fresh).Error; err != nil {
		return fmt.Errorf("mark row fresh on %s: %w", row.AccountLabel, err)
	}
	return nil
}

// OwnerDisplayName resolves the human name behind an account owner, falling
// back to the bare username.
func OwnerDisplayName(tx *gorm.DB, owner string) string {
	var customer Customer
	if err := tx.First(&customer, "username = ?", owner).Error; err == nil && customer.Name != "" {
		return customer.Name
	}
	return owner
}
