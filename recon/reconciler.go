// Package recon exports the booked ledger to CSV and Parquet artefacts and
// flags rows that fail the sandbox's consistency checks.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"sandbank/bank"
)

// Anomaly types emitted by the reconciler.
const (
	// AnomalyMissingCredit marks a debit whose local creditor never received
	// the matching credit row.
	AnomalyMissingCredit = "missing_credit_leg"
	// AnomalyAmountMismatch marks a transfer whose two legs disagree on the
	// amount.
	AnomalyAmountMismatch = "amount_mismatch"
	// AnomalyCurrencyMismatch marks a row booked in a currency other than the
	// demobank's.
	AnomalyCurrencyMismatch = "currency_mismatch"
	// AnomalyBalanceDrift marks an account whose recomputed balance at
	// statement time no longer equals the stored CLBD.
	AnomalyBalanceDrift = "balance_drift"
	// AnomalyDebtBreach marks an account booked past its debt limit.
	AnomalyDebtBreach = "debt_limit_breach"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB *gorm.DB
	// Demobank names the bank instance to reconcile; empty means "default".
	Demobank  string
	TZ        *time.Location
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler materialises ledger exports joining booked rows, statements and
// the demobank's debt policy.
type Reconciler struct {
	db        *gorm.DB
	demobank  string
	tz        *time.Location
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	log       *slog.Logger
}

// Anomaly captures a consistency failure requiring operator review.
type Anomaly struct {
	Type         string
	AccountLabel string
	// Reference is the servicer reference of the offending row, or the
	// statement identifier for account-level findings.
	Reference string
	Details   string
}

// ExportRow is one booked ledger row as it appears in the export artefacts.
type ExportRow struct {
	AccountLabel      string
	AccountIBAN       string
	Owner             string
	Direction         string
	Amount            decimal.Decimal
	Currency          string
	Subject           string
	BookingDate       time.Time
	ServicerReference string
	PmtInfID          string
	EndToEndID        string
	MsgID             string
	DebtorIBAN        string
	DebtorBIC         string
	DebtorName        string
	CreditorIBAN      string
	CreditorBIC       string
	CreditorName      string
	// Fresh is set while the row has not been swept into a statement yet.
	Fresh            bool
	MissingCredit    bool
	AmountMismatch   bool
	CurrencyMismatch bool
	DebtBreached     bool
}

// ReportFile references the CSV and Parquet artefacts generated for one
// account/currency combination.
type ReportFile struct {
	AccountLabel string
	Currency     string
	CSVPath      string
	ParquetPath  string
	Count        int
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ExportRow
	Files     []ReportFile
	Anomalies []Anomaly
	// Totals holds the net booked movement per account label inside the
	// window, credits positive.
	Totals map[string]decimal.Decimal
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	demobank := strings.TrimSpace(cfg.Demobank)
	if demobank == "" {
		demobank = "default"
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("sandbank-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error {
			return nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(cfg.TZ) }
	}
	return &Reconciler{
		db:        cfg.DB,
		demobank:  demobank,
		tz:        cfg.TZ,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		log:       logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	demobank, err := bank.DemobankByName(r.db, r.demobank)
	if err != nil {
		return nil, fmt.Errorf("recon: load demobank %s: %w", r.demobank, err)
	}
	accounts, err := bank.AccountsOfDemobank(r.db, demobank.ID)
	if err != nil {
		return nil, fmt.Errorf("recon: %w", err)
	}
	byLabel := make(map[string]*bank.BankAccount, len(accounts))
	byIBAN := make(map[string]*bank.BankAccount, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		byLabel[a.Label] = a
		byIBAN[a.IBAN] = a
	}

	var booked []bank.Transaction
	err = r.db.Where("demobank_id = ? AND date BETWEEN ? AND ?",
		demobank.ID, start.UnixMilli(), end.UnixMilli()).
		Order("date ASC, created_at ASC").Find(&booked).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load booked rows: %w", err)
	}

	freshSet, err := r.loadFreshSet(booked)
	if err != nil {
		return nil, err
	}

	rows := make([]*ExportRow, 0, len(booked))
	totals := make(map[string]decimal.Decimal)
	anomalies := make([]Anomaly, 0)

	// Credits indexed by the fields both legs of a transfer share, so each
	// debit can look up its counterpart.
	creditIndex := make(map[string][]*ExportRow)

	for i := range booked {
		t := &booked[i]
		amount, err := bank.ParseAmount(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("recon: stored amount on %s: %w", t.AccountServicerReference, err)
		}
		row := &ExportRow{
			AccountLabel:      t.AccountLabel,
			Direction:         t.Direction,
			Amount:            amount,
			Currency:          t.Currency,
			Subject:           t.Subject,
			BookingDate:       time.UnixMilli(t.Date).In(r.tz),
			ServicerReference: t.AccountServicerReference,
			PmtInfID:          stringOrEmpty(t.PmtInfID),
			EndToEndID:        t.EndToEndID,
			MsgID:             t.MsgID,
			DebtorIBAN:        t.DebtorIBAN,
			DebtorBIC:         t.DebtorBIC,
			DebtorName:        t.DebtorName,
			CreditorIBAN:      t.CreditorIBAN,
			CreditorBIC:       t.CreditorBIC,
			CreditorName:      t.CreditorName,
			Fresh:             freshSet[t.AccountServicerReference],
		}
		if a := byLabel[t.AccountLabel]; a != nil {
			row.AccountIBAN = a.IBAN
			row.Owner = a.Owner
		}
		if t.Currency != demobank.Currency {
			row.CurrencyMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyCurrencyMismatch,
				AccountLabel: t.AccountLabel,
				Reference:    t.AccountServicerReference,
				Details:      fmt.Sprintf("row booked in %s, demobank runs %s", t.Currency, demobank.Currency),
			}))
		}
		rows = append(rows, row)
		if t.Direction == bank.DirectionCredit {
			key := legKey(t.AccountLabel, t.Date, t.Subject, t.DebtorIBAN)
			creditIndex[key] = append(creditIndex[key], row)
			totals[t.AccountLabel] = totals[t.AccountLabel].Add(amount)
		} else {
			totals[t.AccountLabel] = totals[t.AccountLabel].Sub(amount)
		}
	}

	// Every debit towards a local creditor must have left a credit row on the
	// creditor account with the same booking instant and subject.
	for _, row := range rows {
		if row.Direction != bank.DirectionDebit {
			continue
		}
		creditor, local := byIBAN[row.CreditorIBAN]
		if !local {
			continue
		}
		key := legKey(creditor.Label, row.BookingDate.UnixMilli(), row.Subject, row.DebtorIBAN)
		candidates := creditIndex[key]
		if len(candidates) == 0 {
			row.MissingCredit = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyMissingCredit,
				AccountLabel: row.AccountLabel,
				Reference:    row.ServicerReference,
				Details:      fmt.Sprintf("no credit row on %s for %q", creditor.Label, row.Subject),
			}))
			continue
		}
		matched := false
		for _, candidate := range candidates {
			if candidate.Amount.Equal(row.Amount) {
				matched = true
				break
			}
		}
		if !matched {
			row.AmountMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyAmountMismatch,
				AccountLabel: row.AccountLabel,
				Reference:    row.ServicerReference,
				Details: fmt.Sprintf("debit of %s has no equal credit leg on %s",
					bank.FormatAmount(row.Amount), creditor.Label),
			}))
		}
	}

	breached := make(map[string]bool)
	for i := range accounts {
		a := &accounts[i]
		if anomaly, found, err := r.checkStatementDrift(a); err != nil {
			return nil, err
		} else if found {
			anomalies = append(anomalies, r.raise(ctx, anomaly))
		}
		balance, err := bank.BookedBalance(r.db, a)
		if err != nil {
			return nil, fmt.Errorf("recon: %w", err)
		}
		limit := bank.DebtLimit(demobank, a)
		if balance.LessThan(limit.Neg()) {
			breached[a.Label] = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyDebtBreach,
				AccountLabel: a.Label,
				Details: fmt.Sprintf("balance %s below debt limit %s",
					bank.FormatAmount(balance), bank.FormatAmount(limit)),
			}))
		}
	}
	for _, row := range rows {
		if breached[row.AccountLabel] {
			row.DebtBreached = true
		}
	}

	files := make([]ReportFile, 0)
	if !dryRun {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		grouped := groupRows(rows)
		for _, entries := range grouped {
			csvPath, parquetPath, err := r.writeReportFiles(runDir, entries)
			if err != nil {
				return nil, err
			}
			if csvPath != "" || parquetPath != "" {
				files = append(files, ReportFile{
					AccountLabel: entries[0].AccountLabel,
					Currency:     entries[0].Currency,
					CSVPath:      csvPath,
					ParquetPath:  parquetPath,
					Count:        len(entries),
				})
			}
		}
	}

	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Totals: totals}, nil
}

// loadFreshSet maps the servicer references of the given rows that still
// carry a fresh mark.
func (r *Reconciler) loadFreshSet(booked []bank.Transaction) (map[string]bool, error) {
	fresh := make(map[string]bool)
	if len(booked) == 0 {
		return fresh, nil
	}
	ids := make([]uuid.UUID, 0, len(booked))
	refByID := make(map[uuid.UUID]string, len(booked))
	for i := range booked {
		ids = append(ids, booked[i].ID)
		refByID[booked[i].ID] = booked[i].AccountServicerReference
	}
	var marks []bank.FreshTransaction
	if err := r.db.Where("transaction_id IN ?", ids).Find(&marks).Error; err != nil {
		return nil, fmt.Errorf("recon: load fresh marks: %w", err)
	}
	for _, mark := range marks {
		if ref, ok := refByID[mark.TransactionID]; ok {
			fresh[ref] = true
		}
	}
	return fresh, nil
}

// checkStatementDrift recomputes the account balance at the latest statement's
// creation time and compares it with the CLBD the statement recorded.
func (r *Reconciler) checkStatementDrift(account *bank.BankAccount) (Anomaly, bool, error) {
	stmt, err := bank.LatestStatementOf(r.db, account)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Anomaly{}, false, nil
		}
		return Anomaly{}, false, fmt.Errorf("recon: latest statement of %s: %w", account.Label, err)
	}
	var booked []bank.Transaction
	err = r.db.Where("account_id = ? AND date <= ?", account.ID, stmt.CreationTime).Find(&booked).Error
	if err != nil {
		return Anomaly{}, false, fmt.Errorf("recon: replay rows of %s: %w", account.Label, err)
	}
	balance := decimal.Zero
	for i := range booked {
		amount, err := bank.ParseAmount(booked[i].Amount)
		if err != nil {
			return Anomaly{}, false, fmt.Errorf("recon: stored amount on %s: %w", booked[i].AccountServicerReference, err)
		}
		if booked[i].Direction == bank.DirectionCredit {
			balance = balance.Add(amount)
		} else {
			balance = balance.Sub(amount)
		}
	}
	clbd, err := bank.ParseAmount(stmt.BalanceClbd)
	if err != nil {
		return Anomaly{}, false, fmt.Errorf("recon: stored CLBD on %s: %w", stmt.StatementID, err)
	}
	if !balance.Equal(clbd) {
		return Anomaly{
			Type:         AnomalyBalanceDrift,
			AccountLabel: account.Label,
			Reference:    stmt.StatementID,
			Details: fmt.Sprintf("statement closed at %s, replayed balance %s",
				stmt.BalanceClbd, bank.FormatAmount(balance)),
		}, true, nil
	}
	return Anomaly{}, false, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.log.Warn("recon alert delivery failed", "type", anomaly.Type, "error", err)
		}
	}
	return anomaly
}

func legKey(label string, dateMs int64, subject, debtorIBAN string) string {
	return label + "|" + strconv.FormatInt(dateMs, 10) + "|" + subject + "|" + debtorIBAN
}

func groupRows(rows []*ExportRow) map[string][]*ExportRow {
	grouped := make(map[string][]*ExportRow)
	for _, row := range rows {
		key := fmt.Sprintf("%s|%s", row.AccountLabel, strings.ToUpper(row.Currency))
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir string, rows []*ExportRow) (string, string, error) {
	if len(rows) == 0 {
		return "", "", nil
	}
	slug := slugify(rows[0].AccountLabel)
	if slug == "" {
		slug = "account"
	}
	currency := strings.ToUpper(rows[0].Currency)
	filename := fmt.Sprintf("%s_%s", slug, currency)
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.log.Info("ledger export written", "account", rows[0].AccountLabel, "rows", len(rows), "path", csvPath)
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ExportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"account_label", "account_iban", "owner", "direction", "amount", "currency", "subject",
		"booking_date", "booking_date_ms", "servicer_reference", "pmt_inf_id", "end_to_end_id", "msg_id",
		"debtor_iban", "debtor_bic", "debtor_name", "creditor_iban", "creditor_bic", "creditor_name",
		"fresh", "missing_credit_leg", "amount_mismatch", "currency_mismatch", "debt_limit_breached",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.AccountLabel,
			row.AccountIBAN,
			row.Owner,
			row.Direction,
			bank.FormatAmount(row.Amount),
			row.Currency,
			row.Subject,
			row.BookingDate.Format(time.RFC3339),
			strconv.FormatInt(row.BookingDate.UnixMilli(), 10),
			row.ServicerReference,
			row.PmtInfID,
			row.EndToEndID,
			row.MsgID,
			row.DebtorIBAN,
			row.DebtorBIC,
			row.DebtorName,
			row.CreditorIBAN,
			row.CreditorBIC,
			row.CreditorName,
			boolString(row.Fresh),
			boolString(row.MissingCredit),
			boolString(row.AmountMismatch),
			boolString(row.CurrencyMismatch),
			boolString(row.DebtBreached),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	AccountLabel      string  `parquet:"name=account_label, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountIBAN       string  `parquet:"name=account_iban, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner             string  `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction         string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount            string  `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountValue       float64 `parquet:"name=amount_value, type=DOUBLE"`
	Currency          string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Subject           string  `parquet:"name=subject, type=BYTE_ARRAY, convertedtype=UTF8"`
	BookingDate       string  `parquet:"name=booking_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	BookingDateMs     int64   `parquet:"name=booking_date_ms, type=INT64"`
	ServicerReference string  `parquet:"name=servicer_reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	PmtInfID          string  `parquet:"name=pmt_inf_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EndToEndID        string  `parquet:"name=end_to_end_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MsgID             string  `parquet:"name=msg_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtorIBAN        string  `parquet:"name=debtor_iban, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtorBIC         string  `parquet:"name=debtor_bic, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtorName        string  `parquet:"name=debtor_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreditorIBAN      string  `parquet:"name=creditor_iban, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreditorBIC       string  `parquet:"name=creditor_bic, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreditorName      string  `parquet:"name=creditor_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fresh             bool    `parquet:"name=fresh, type=BOOLEAN"`
	MissingCredit     bool    `parquet:"name=missing_credit_leg, type=BOOLEAN"`
	AmountMismatch    bool    `parquet:"name=amount_mismatch, type=BOOLEAN"`
	CurrencyMismatch  bool    `parquet:"name=currency_mismatch, type=BOOLEAN"`
	DebtBreached      bool    `parquet:"name=debt_limit_breached, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ExportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			AccountLabel:      row.AccountLabel,
			AccountIBAN:       row.AccountIBAN,
			Owner:             row.Owner,
			Direction:         row.Direction,
			Amount:            bank.FormatAmount(row.Amount),
			AmountValue:       row.Amount.InexactFloat64(),
			Currency:          row.Currency,
			Subject:           row.Subject,
			BookingDate:       row.BookingDate.Format(time.RFC3339),
			BookingDateMs:     row.BookingDate.UnixMilli(),
			ServicerReference: row.ServicerReference,
			PmtInfID:          row.PmtInfID,
			EndToEndID:        row.EndToEndID,
			MsgID:             row.MsgID,
			DebtorIBAN:        row.DebtorIBAN,
			DebtorBIC:         row.DebtorBIC,
			DebtorName:        row.DebtorName,
			CreditorIBAN:      row.CreditorIBAN,
			CreditorBIC:       row.CreditorBIC,
			CreditorName:      row.CreditorName,
			Fresh:             row.Fresh,
			MissingCredit:     row.MissingCredit,
			AmountMismatch:    row.AmountMismatch,
			CurrencyMismatch:  row.CurrencyMismatch,
			DebtBreached:      row.DebtBreached,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func slugify(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}
	replacer := strings.NewReplacer(" ", "-", "/", "-", "\\", "-", ":", "-", ";", "-", ",", "-")
	slug := replacer.Replace(trimmed)
	cleaned := make([]rune, 0, len(slug))
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			cleaned = append(cleaned, r)
		}
	}
	return strings.Trim(string(cleaned), "-")
}
