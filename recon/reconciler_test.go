package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"sandbank/bank"
)

var bookTime = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

func setupLedger(t *testing.T) (*gorm.DB, *bank.Demobank, *bank.BankAccount, *bank.BankAccount) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := bank.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	demobank, err := bank.EnsureDemobank(db, bank.DemobankOptions{
		Name:           "default",
		Currency:       "EUR",
		UsersDebtLimit: 1000,
		BankDebtLimit:  10000,
	})
	if err != nil {
		t.Fatalf("ensure demobank: %v", err)
	}
	for _, username := range []string{"alice", "bob"} {
		if _, _, err := bank.RegisterCustomer(db, demobank, username, "secret-"+username, username, bookTime); err != nil {
			t.Fatalf("register %s: %v", username, err)
		}
	}
	alice, err := bank.AccountByLabel(db, "alice")
	if err != nil {
		t.Fatalf("account alice: %v", err)
	}
	bob, err := bank.AccountByLabel(db, "bob")
	if err != nil {
		t.Fatalf("account bob: %v", err)
	}
	return db, demobank, alice, bob
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("amount %q: %v", s, err)
	}
	return value
}

func mustTransfer(t *testing.T, db *gorm.DB, demobank *bank.Demobank, debit, credit *bank.BankAccount, subject, amount string) {
	t.Helper()
	if _, err := bank.WireTransfer(db, demobank, debit, credit, subject, mustAmount(t, amount), bookTime); err != nil {
		t.Fatalf("transfer %s: %v", subject, err)
	}
}

func newTestReconciler(t *testing.T, db *gorm.DB, outputDir string, alert AlertFunc) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Config{
		DB:        db,
		OutputDir: outputDir,
		Now:       func() time.Time { return bookTime },
		Alert:     alert,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func runWindow() RunOptions {
	return RunOptions{Start: bookTime.Add(-time.Hour), End: bookTime.Add(2 * time.Hour)}
}

func findRow(t *testing.T, rows []*ExportRow, label, direction string) *ExportRow {
	t.Helper()
	for _, row := range rows {
		if row.AccountLabel == label && row.Direction == direction {
			return row
		}
	}
	t.Fatalf("no %s row on %s", direction, label)
	return nil
}

func TestReconcilerWritesLedgerExports(t *testing.T) {
	db, demobank, alice, bob := setupLedger(t)
	mustTransfer(t, db, demobank, alice, bob, "rent", "25.00")

	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), nil)
	res, err := r.Run(context.Background(), runWindow())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %+v", res.Anomalies)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected both transfer legs, got %d rows", len(res.Rows))
	}
	if !res.Totals["alice"].Equal(mustAmount(t, "-25")) {
		t.Fatalf("alice net movement = %s", res.Totals["alice"])
	}
	if !res.Totals["bob"].Equal(mustAmount(t, "25")) {
		t.Fatalf("bob net movement = %s", res.Totals["bob"])
	}
	debit := findRow(t, res.Rows, "alice", bank.DirectionDebit)
	if !debit.Fresh {
		t.Fatalf("expected the booked row to still be fresh")
	}
	if debit.AccountIBAN != alice.IBAN || debit.CreditorIBAN != bob.IBAN {
		t.Fatalf("debit row IBANs = %s -> %s", debit.AccountIBAN, debit.CreditorIBAN)
	}

	if len(res.Files) != 2 {
		t.Fatalf("expected one artefact pair per account, got %d", len(res.Files))
	}
	var aliceFile *ReportFile
	for i := range res.Files {
		if res.Files[i].AccountLabel == "alice" {
			aliceFile = &res.Files[i]
		}
	}
	if aliceFile == nil {
		t.Fatalf("no artefacts for alice in %+v", res.Files)
	}
	if aliceFile.Currency != "EUR" || aliceFile.Count != 1 {
		t.Fatalf("alice artefacts = %+v", aliceFile)
	}

	f, err := os.Open(aliceFile.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d records", len(records))
	}
	if records[0][0] != "account_label" || len(records[0]) != 24 {
		t.Fatalf("unexpected csv header: %v", records[0])
	}
	row := records[1]
	if row[0] != "alice" || row[3] != bank.DirectionDebit || row[4] != "25.00" || row[5] != "EUR" || row[6] != "rent" {
		t.Fatalf("unexpected csv row: %v", row)
	}
	if row[19] != "true" {
		t.Fatalf("expected fresh flag in csv row: %v", row)
	}

	info, err := os.Stat(aliceFile.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("parquet artefact is empty")
	}
}

func TestReconcilerDryRunWritesNothing(t *testing.T) {
	db, demobank, alice, bob := setupLedger(t)
	mustTransfer(t, db, demobank, alice, bob, "rent", "25.00")

	outputDir := filepath.Join(t.TempDir(), "recon")
	r := newTestReconciler(t, db, outputDir, nil)
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Files) != 0 {
		t.Fatalf("expected no files in dry-run, got %d", len(res.Files))
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected rows despite dry-run, got %d", len(res.Rows))
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatalf("dry-run must not create the output dir, stat err = %v", err)
	}
}

func TestReconcilerFlagsMissingCreditLeg(t *testing.T) {
	db, demobank, alice, bob := setupLedger(t)
	mustTransfer(t, db, demobank, alice, bob, "rent", "25.00")
	err := db.Where("account_label = ? AND direction = ?", "bob", bank.DirectionCredit).
		Delete(&bank.Transaction{}).Error
	if err != nil {
		t.Fatalf("drop credit leg: %v", err)
	}

	var alerts []Anomaly
	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), func(_ context.Context, a Anomaly) error {
		alerts = append(alerts, a)
		return nil
	})
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range res.Anomalies {
		if a.Type == AnomalyMissingCredit && a.AccountLabel == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing credit anomaly, got %+v", res.Anomalies)
	}
	if len(alerts) == 0 {
		t.Fatalf("expected alerts to be emitted")
	}
	if debit := findRow(t, res.Rows, "alice", bank.DirectionDebit); !debit.MissingCredit {
		t.Fatalf("debit row not flagged: %+v", debit)
	}
}

func TestReconcilerFlagsAmountMismatch(t *testing.T) {
	db, demobank, alice, bob := setupLedger(t)
	mustTransfer(t, db, demobank, alice, bob, "rent", "25.00")
	err := db.Model(&bank.Transaction{}).
		Where("account_label = ? AND direction = ?", "bob", bank.DirectionCredit).
		Update("amount", "99.00").Error
	if err != nil {
		t.Fatalf("tamper credit leg: %v", err)
	}

	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), nil)
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range res.Anomalies {
		if a.Type == AnomalyAmountMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected amount mismatch anomaly, got %+v", res.Anomalies)
	}
	if debit := findRow(t, res.Rows, "alice", bank.DirectionDebit); !debit.AmountMismatch {
		t.Fatalf("debit row not flagged: %+v", debit)
	}
}

func TestReconcilerFlagsBalanceDrift(t *testing.T) {
	db, demobank, alice, bob := setupLedger(t)
	mustTransfer(t, db, demobank, alice, bob, "rent", "25.00")
	if _, err := bank.Tick(db, bookTime.Add(time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Tampering after the statement closed breaks the stored CLBD.
	err := db.Model(&bank.Transaction{}).
		Where("account_label = ? AND direction = ?", "bob", bank.DirectionCredit).
		Update("amount", "99.00").Error
	if err != nil {
		t.Fatalf("tamper credit leg: %v", err)
	}

	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), nil)
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range res.Anomalies {
		if a.Type == AnomalyBalanceDrift && a.AccountLabel == "bob" {
			if a.Reference == "" {
				t.Fatalf("drift anomaly without statement reference: %+v", a)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected balance drift anomaly, got %+v", res.Anomalies)
	}
}

func TestReconcilerFlagsDebtBreach(t *testing.T) {
	db, demobank, alice, _ := setupLedger(t)
	oversized := bank.Transaction{
		ID:                       uuid.New(),
		AccountID:                alice.ID,
		AccountLabel:             alice.Label,
		DemobankID:               demobank.ID,
		Direction:                bank.DirectionDebit,
		Amount:                   "5000.00",
		Currency:                 "EUR",
		Subject:                  "backdoor",
		Date:                     bookTime.UnixMilli(),
		AccountServicerReference: "sandbox-manual01",
		DebtorIBAN:               alice.IBAN,
		DebtorName:               "alice",
		CreditorIBAN:             "FR7630006000011234567890189",
		CreditorName:             "Elsewhere",
	}
	if err := db.Create(&oversized).Error; err != nil {
		t.Fatalf("insert oversized debit: %v", err)
	}

	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), nil)
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range res.Anomalies {
		if a.Type == AnomalyDebtBreach && a.AccountLabel == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected debt breach anomaly, got %+v", res.Anomalies)
	}
	if row := findRow(t, res.Rows, "alice", bank.DirectionDebit); !row.DebtBreached {
		t.Fatalf("debit row not flagged: %+v", row)
	}
}

func TestReconcilerFlagsCurrencyMismatch(t *testing.T) {
	db, demobank, alice, _ := setupLedger(t)
	foreign := bank.Transaction{
		ID:                       uuid.New(),
		AccountID:                alice.ID,
		AccountLabel:             alice.Label,
		DemobankID:               demobank.ID,
		Direction:                bank.DirectionCredit,
		Amount:                   "10.00",
		Currency:                 "USD",
		Subject:                  "offshore refund",
		Date:                     bookTime.UnixMilli(),
		AccountServicerReference: "sandbox-manual02",
		DebtorIBAN:               "FR7630006000011234567890189",
		DebtorName:               "Elsewhere",
		CreditorIBAN:             alice.IBAN,
		CreditorName:             "alice",
	}
	if err := db.Create(&foreign).Error; err != nil {
		t.Fatalf("insert foreign row: %v", err)
	}

	r := newTestReconciler(t, db, filepath.Join(t.TempDir(), "recon"), nil)
	opts := runWindow()
	opts.DryRun = true
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range res.Anomalies {
		if a.Type == AnomalyCurrencyMismatch && a.AccountLabel == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected currency mismatch anomaly, got %+v", res.Anomalies)
	}
	if row := findRow(t, res.Rows, "alice", bank.DirectionCredit); !row.CurrencyMismatch {
		t.Fatalf("credit row not flagged: %+v", row)
	}
}
