package bank

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"sandbank/iso20022"
)

// SignedBalanceOf splits a signed decimal into the magnitude-plus-side form
// camt balances and the account API use.
func SignedBalanceOf(value decimal.Decimal) iso20022.SignedBalance {
	indicator := iso20022.IndicatorCredit
	if value.IsNegative() {
		indicator = iso20022.IndicatorDebit
	}
	return iso20022.SignedBalance{
		Amount:               FormatAmount(value.Abs()),
		CreditDebitIndicator: indicator,
	}
}

// LedgerEntriesOf converts booked rows into camt entry inputs.
func LedgerEntriesOf(rows []Transaction) []iso20022.LedgerEntry {
	entries := make([]iso20022.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, iso20022.LedgerEntry{
			Amount:                   row.Amount,
			Currency:                 row.Currency,
			CreditDebitIndicator:     row.Direction,
			AccountServicerReference: row.AccountServicerReference,
			MsgID:                    row.MsgID,
			PmtInfID:                 stringOrEmpty(row.PmtInfID),
			EndToEndID:               row.EndToEndID,
			DebtorName:               row.DebtorName,
			DebtorIBAN:               row.DebtorIBAN,
			DebtorBIC:                row.DebtorBIC,
			CreditorName:             row.CreditorName,
			CreditorIBAN:             row.CreditorIBAN,
			CreditorBIC:              row.CreditorBIC,
			Subject:                  row.Subject,
			BookingTime:              time.UnixMilli(row.Date),
		})
	}
	return entries
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Tick closes one camt.053 statement per bank account: PRCD chains from the
// previous statement's CLBD, the entries are everything booked since then,
// and the whole fresh set is truncated at the end. Runs inside the caller's
// serializable transaction and reports how many statements it closed.
func Tick(tx *gorm.DB, now time.Time) (int, error) {
	var accounts []BankAccount
	if err := tx.Order("label ASC").Find(&accounts).Error; err != nil {
		return 0, fmt.Errorf("list accounts for tick: %w", err)
	}
	demobanks := make(map[uuid.UUID]*Demobank)
	closed := 0
	for i := range accounts {
		account := &accounts[i]
		demobank, ok := demobanks[account.DemobankID]
		if !ok {
			var err error
			demobank, err = DemobankByID(tx, account.DemobankID)
			if err != nil {
				return 0, fmt.Errorf("resolve demobank of %s: %w", account.Label, err)
			}
			demobanks[account.DemobankID] = demobank
		}
		if err := closeStatement(tx, demobank, account, now); err != nil {
			return 0, err
		}
		closed++
	}
	if err := tx.Where("1 = 1").Delete(&FreshTransaction{}).Error; err != nil {
		return 0, fmt.Errorf("truncate fresh set: %w", err)
	}
	return closed, nil
}

func closeStatement(tx *gorm.DB, demobank *Demobank, account *BankAccount, now time.Time) error {
	previousBalance := decimal.Zero
	sinceMs := int64(0)
	previous, err := LatestStatementOf(tx, account)
	switch {
	case err == nil:
		previousBalance, err = ParseAmount(previous.BalanceClbd)
		if err != nil {
			return fmt.Errorf("stored CLBD of %s: %w", previous.StatementID, err)
		}
		sinceMs = previous.CreationTime
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First statement of the account.
	default:
		return fmt.Errorf("latest statement of %s: %w", account.Label, err)
	}

	closing, err := BookedBalance(tx, account)
	if err != nil {
		return err
	}

	var rows []Transaction
	q := tx.Where("account_id = ?", account.ID)
	if sinceMs > 0 {
		q = q.Where("date > ?", sinceMs)
	}
	if err := q.Order("date ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("entries for statement of %s: %w", account.Label, err)
	}

	statementID, err := nextStatementID(tx, account, now)
	if err != nil {
		return err
	}
	messageID, err := iso20022.NewCamtMessageID(now)
	if err != nil {
		return err
	}
	doc := iso20022.BuildCamt053(iso20022.StatementInput{
		MessageID:       messageID,
		CreationTime:    now,
		StatementID:     statementID,
		IBAN:            account.IBAN,
		Currency:        demobank.Currency,
		OwnerName:       OwnerDisplayName(tx, account.Owner),
		PreviousBalance: SignedBalanceOf(previousBalance),
		ClosingBalance:  SignedBalanceOf(closing),
		Entries:         LedgerEntriesOf(rows),
	})
	xml, err := iso20022.MarshalCamt053(doc)
	if err != nil {
		return fmt.Errorf("render statement %s: %w", statementID, err)
	}

	stmt := AccountStatement{
		ID:           uuid.New(),
		StatementID:  statementID,
		AccountID:    account.ID,
		AccountLabel: account.Label,
		CreationTime: now.UnixMilli(),
		Camt053:      string(xml),
		BalanceClbd:  FormatAmount(closing),
	}
	if err := tx.Create(&stmt).Error; err != nil {
		return fmt.Errorf("persist statement %s: %w", statementID, err)
	}
	return nil
}

// nextStatementID numbers statements per account and day:
// <label>-<YYYY-MM-DD>-<seq>.
func nextStatementID(tx *gorm.DB, account *BankAccount, now time.Time) (string, error) {
	day := now.UTC().Format("2006-01-02")
	prefix := fmt.Sprintf("%s-%s-", account.Label, day)
	var count int64
	err := tx.Model(&AccountStatement{}).
		Where("account_id = ? AND statement_id LIKE ?", account.ID, prefix+"%").
		Count(&count).Error
	if err != nil {
		return "", fmt.Errorf("number statement of %s: %w", account.Label, err)
	}
	return fmt.Sprintf("%s%d", prefix, count+1), nil
}
