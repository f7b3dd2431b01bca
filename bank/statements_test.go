package bank

import (
	"fmt"
	"testing"
	"time"

	"sandbank/iso20022"
)

func TestTickChainsBalances(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	day1 := time.Date(2024, 5, 2, 18, 0, 0, 0, time.UTC)
	if _, err := BookPayment(db, demobank, Payment{
		DebtorAccount: alice,
		CreditorIBAN:  "DE02120300000000202051",
		CreditorName:  "Remote Rec",
		Amount:        mustDecimal(t, "10.50"),
		Currency:      "EUR",
		Subject:       "first",
	}, day1.Add(-time.Hour)); err != nil {
		t.Fatalf("book first: %v", err)
	}
	closed, err := Tick(db, day1)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if closed < 2 {
		t.Fatalf("closed %d statements, want at least alice and the bank", closed)
	}

	stmt1, err := LatestStatementOf(db, alice)
	if err != nil {
		t.Fatalf("first statement: %v", err)
	}
	if stmt1.StatementID != "alice-2024-05-02-1" {
		t.Fatalf("statement id = %q", stmt1.StatementID)
	}
	if stmt1.BalanceClbd != "-10.50" {
		t.Fatalf("CLBD = %q, want -10.50", stmt1.BalanceClbd)
	}

	day2 := day1.AddDate(0, 0, 1)
	if _, err := BookPayment(db, demobank, Payment{
		DebtorAccount: alice,
		CreditorIBAN:  "DE02120300000000202051",
		CreditorName:  "Remote Rec",
		Amount:        mustDecimal(t, "5.00"),
		Currency:      "EUR",
		Subject:       "second",
	}, day2.Add(-time.Hour)); err != nil {
		t.Fatalf("book second: %v", err)
	}
	if _, err := Tick(db, day2); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	stmt2, err := LatestStatementOf(db, alice)
	if err != nil {
		t.Fatalf("second statement: %v", err)
	}
	if stmt2.StatementID != "alice-2024-05-03-1" {
		t.Fatalf("statement id = %q", stmt2.StatementID)
	}
	if stmt2.BalanceClbd != "-15.50" {
		t.Fatalf("CLBD = %q, want -15.50", stmt2.BalanceClbd)
	}

	doc, err := iso20022.ParseCamt053([]byte(stmt2.Camt053))
	if err != nil {
		t.Fatalf("parse stored camt: %v", err)
	}
	stmt := doc.Statement.Stmt[0]
	if len(stmt.Bal) != 2 {
		t.Fatalf("expected PRCD+CLBD, got %d balances", len(stmt.Bal))
	}
	prcd := stmt.Bal[0]
	if prcd.Type != iso20022.BalanceTypePRCD || prcd.Amt.Value != "10.50" || prcd.CdtDbtInd != iso20022.IndicatorDebit {
		t.Fatalf("PRCD does not chain from previous CLBD: %+v", prcd)
	}
	clbd := stmt.Bal[1]
	if clbd.Type != iso20022.BalanceTypeCLBD || clbd.Amt.Value != "15.50" || clbd.CdtDbtInd != iso20022.IndicatorDebit {
		t.Fatalf("bad CLBD: %+v", clbd)
	}
	// Only the booking after the first statement shows up.
	if len(stmt.Ntry) != 1 {
		t.Fatalf("expected one entry, got %d", len(stmt.Ntry))
	}
	if stmt.Ntry[0].Amt.Value != "5.00" || stmt.Ntry[0].CdtDbtInd != iso20022.IndicatorDebit {
		t.Fatalf("unexpected entry: %+v", stmt.Ntry[0])
	}
}

func TestTickTruncatesFreshSet(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")
	bob := accountOf(t, db, "bob")

	if _, err := BookPayment(db, demobank, Payment{
		DebtorAccount: alice,
		CreditorIBAN:  bob.IBAN,
		Amount:        mustDecimal(t, "3.00"),
		Currency:      "EUR",
		Subject:       "fresh",
	}, time.Now()); err != nil {
		t.Fatalf("book: %v", err)
	}

	var before int64
	if err := db.Model(&FreshTransaction{}).Count(&before).Error; err != nil {
		t.Fatalf("count fresh: %v", err)
	}
	if before != 2 {
		t.Fatalf("expected two fresh marks, got %d", before)
	}

	if _, err := Tick(db, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var after int64
	if err := db.Model(&FreshTransaction{}).Count(&after).Error; err != nil {
		t.Fatalf("count fresh: %v", err)
	}
	if after != 0 {
		t.Fatalf("fresh set not truncated, %d rows left", after)
	}
}

func TestStatementIDsCountPerDay(t *testing.T) {
	db := setupBankTestDB(t)
	seedDemobank(t, db)
	alice := accountOf(t, db, "alice")

	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := Tick(db, now.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	stmts, err := StatementsInRange(db, alice, 0, 0)
	if err != nil {
		t.Fatalf("list statements: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("expected three statements, got %d", len(stmts))
	}
	for i, stmt := range stmts {
		want := fmt.Sprintf("alice-2024-05-02-%d", i+1)
		if stmt.StatementID != want {
			t.Fatalf("statement %d id = %q, want %q", i, stmt.StatementID, want)
		}
	}
}

func TestLedgerEntriesRoundTripThroughCamt(t *testing.T) {
	db := setupBankTestDB(t)
	demobank := seedDemobank(t, db)
	alice := accountOf(t, db, "alice")
	bob := accountOf(t, db, "bob")

	booked := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	if _, err := BookPayment(db, demobank, Payment{
		DebtorAccount: alice,
		CreditorIBAN:  bob.IBAN,
		CreditorName:  "bob",
		Amount:        mustDecimal(t, "12.34"),
		Currency:      "EUR",
		Subject:       "round trip",
		PmtInfID:      "RT-1",
		EndToEndID:    "E2E-1",
		MsgID:         "M-1",
	}, booked); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := Tick(db, booked.Add(time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	stmt, err := LatestStatementOf(db, alice)
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	doc, err := iso20022.ParseCamt053([]byte(stmt.Camt053))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := doc.Statement.Stmt[0].Ntry
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	details := entries[0].NtryDtls.TxDtls
	if details.Refs.PmtInfID != "RT-1" || details.Refs.EndToEndID != "E2E-1" || details.Refs.MsgID != "M-1" {
		t.Fatalf("references lost: %+v", details.Refs)
	}
	if details.RltdPts == nil || details.RltdPts.CdtrAcct.IBAN != bob.IBAN || details.RltdPts.DbtrAcct.IBAN != alice.IBAN {
		t.Fatalf("parties lost: %+v", details.RltdPts)
	}
	if details.RmtInf == nil || details.RmtInf.Ustrd != "round trip" {
		t.Fatalf("subject lost: %+v", details.RmtInf)
	}
}
