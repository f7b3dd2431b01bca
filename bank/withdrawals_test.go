package bank

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"
)

func seedExchange(t *testing.T, db *gorm.DB, demobank *Demobank) *BankAccount {
	t.Helper()
	if _, _, err := RegisterCustomer(db, demobank, "exchange", "secret-exchange", "Test Exchange", time.Now()); err != nil {
		t.Fatalf("register exchange: %v", err)
	}
	return accountOf(t, db, "exchange")
}

func TestWithdrawalLifecycle(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	exchange := seedExchange(t, db, demobank)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "7"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if op.SelectionDone || op.ConfirmationDone || op.Aborted {
		t.Fatalf("fresh operation has state flags set: %+v", op)
	}

	available, err := AvailableBalance(db, alice)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available.String() != "-7" {
		t.Fatalf("available = %s, want -7", available)
	}

	payto := BuildPayto(exchange.IBAN, "Test Exchange")
	if err := SelectWithdrawal(db, op, "RP1", payto); err != nil {
		t.Fatalf("select: %v", err)
	}

	result, err := ConfirmWithdrawal(db, op, time.Now())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Replayed {
		t.Fatalf("first confirmation reported as replay")
	}

	booked, err := BookedBalance(db, alice)
	if err != nil {
		t.Fatalf("booked: %v", err)
	}
	if booked.String() != "-7" {
		t.Fatalf("debtor booked = %s, want -7", booked)
	}
	exchangeBooked, err := BookedBalance(db, exchange)
	if err != nil {
		t.Fatalf("exchange booked: %v", err)
	}
	if exchangeBooked.String() != "7" {
		t.Fatalf("exchange booked = %s, want 7", exchangeBooked)
	}

	rows, err := TransactionsOf(db, exchange, TransactionFilter{})
	if err != nil {
		t.Fatalf("exchange transactions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one credit at the exchange, got %d", len(rows))
	}
	if rows[0].Subject != "RP1" {
		t.Fatalf("wire subject = %q, want the reserve public key", rows[0].Subject)
	}
	if rows[0].Direction != DirectionCredit {
		t.Fatalf("direction = %q", rows[0].Direction)
	}

	// Confirmed operations can no longer be aborted.
	if err := AbortWithdrawal(db, op); !errors.Is(err, ErrWithdrawalConfirmed) {
		t.Fatalf("abort after confirm: %v", err)
	}

	// Once booked, the amount no longer counts as pending on top.
	available, err = AvailableBalance(db, alice)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available.String() != "-7" {
		t.Fatalf("available after confirm = %s, want -7", available)
	}
}

func TestSelectWithdrawalIdempotentAndConflict(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	exchange := seedExchange(t, db, demobank)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "5"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SelectWithdrawal(db, op, "", BuildPayto(exchange.IBAN, "")); !errors.Is(err, ErrReservePubRequired) {
		t.Fatalf("selection without reserve key: %v", err)
	}

	payto := BuildPayto(exchange.IBAN, "")
	if err := SelectWithdrawal(db, op, "RP1", payto); err != nil {
		t.Fatalf("select: %v", err)
	}
	// Same values again is a no-op, as is omitting the exchange.
	if err := SelectWithdrawal(db, op, "RP1", payto); err != nil {
		t.Fatalf("idempotent re-select: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP1", ""); err != nil {
		t.Fatalf("re-select without exchange: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP2", payto); !errors.Is(err, ErrWithdrawalConflict) {
		t.Fatalf("differing reserve key: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP1", "payto://iban/DE02120300000000202051"); !errors.Is(err, ErrWithdrawalConflict) {
		t.Fatalf("differing exchange: %v", err)
	}
}

func TestWithdrawalRequiresSelection(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "5"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); !errors.Is(err, ErrWithdrawalNotSelected) {
		t.Fatalf("confirm before selection: %v", err)
	}
}

func TestConfirmWithdrawalIdempotent(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	exchange := seedExchange(t, db, demobank)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "5"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP1", BuildPayto(exchange.IBAN, "")); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	result, err := ConfirmWithdrawal(db, op, time.Now())
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !result.Replayed {
		t.Fatalf("second confirmation not reported as replay")
	}
	var count int64
	if err := db.Model(&Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected one debit and one credit, got %d rows", count)
	}
}

func TestAbortWithdrawalReleasesReservation(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "7"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := AbortWithdrawal(db, op); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := AbortWithdrawal(db, op); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	available, err := AvailableBalance(db, alice)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available.IsZero() {
		t.Fatalf("available after abort = %s, want 0", available)
	}
	if err := SelectWithdrawal(db, op, "RP1", ""); !errors.Is(err, ErrWithdrawalAborted) {
		t.Fatalf("select after abort: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); !errors.Is(err, ErrWithdrawalAborted) {
		t.Fatalf("confirm after abort: %v", err)
	}
}

func TestConfirmWithdrawalSuggestedExchangeFallback(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	exchange := seedExchange(t, db, demobank)
	alice := accountOf(t, db, "alice")

	demobank.SuggestedExchangePayto = BuildPayto(exchange.IBAN, "Test Exchange")
	if err := db.Save(demobank).Error; err != nil {
		t.Fatalf("save demobank: %v", err)
	}

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "3"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP9", ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	booked, err := BookedBalance(db, exchange)
	if err != nil {
		t.Fatalf("exchange booked: %v", err)
	}
	if booked.String() != "3" {
		t.Fatalf("exchange booked = %s, want 3", booked)
	}

	stored, err := WithdrawalByWopid(db, op.Wopid)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.SelectedExchangePayto == "" {
		t.Fatalf("fallback exchange not persisted")
	}
}

func TestConfirmWithdrawalWithoutAnyExchange(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "3"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP1", ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); !errors.Is(err, ErrNoSuggestedExchange) {
		t.Fatalf("confirm without exchange: %v", err)
	}
}

func TestConfirmWithdrawalUnknownExchange(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	op, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "3"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SelectWithdrawal(db, op, "RP1", "payto://iban/DE02120300000000202051"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := ConfirmWithdrawal(db, op, time.Now()); !errors.Is(err, ErrExchangeNotFound) {
		t.Fatalf("confirm with unknown exchange: %v", err)
	}
}

func TestCreateWithdrawalChecksFunds(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	if _, err := CreateWithdrawal(db, demobank, alice, "USD", mustDecimal(t, "1")); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("wrong currency: %v", err)
	}
	if _, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "1001")); !errors.Is(err, ErrDebtLimitExceeded) {
		t.Fatalf("over the debt limit: %v", err)
	}
	// Pending operations count against the limit before any booking happens.
	if _, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "600")); err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	if _, err := CreateWithdrawal(db, demobank, alice, "EUR", mustDecimal(t, "600")); !errors.Is(err, ErrDebtLimitExceeded) {
		t.Fatalf("second reservation should exceed the limit: %v", err)
	}
}
