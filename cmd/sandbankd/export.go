package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"sandbank/ebics"
	"sandbank/observability/logging"
	"sandbank/recon"
)

var (
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "directory the CSV and Parquet artefacts are written into",
		Value: "sandbank-data/recon",
	}
	fromFlag = &cli.StringFlag{
		Name:  "from",
		Usage: "first exported day, YYYY-MM-DD, defaults to the epoch",
	}
	toFlag = &cli.StringFlag{
		Name:  "to",
		Usage: "last exported day, YYYY-MM-DD, defaults to now",
	}
	tailFlag = &cli.IntFlag{
		Name:  "tail",
		Usage: "number of journal entries to print",
		Value: 20,
	}

	exportLedgerCommand = &cli.Command{
		Name:   "export-ledger",
		Usage:  "Export booked transactions as CSV and Parquet, one pair per account",
		Flags:  []cli.Flag{outFlag, demobankFlag, fromFlag, toFlag},
		Action: runExportLedger,
	}
	journalCommand = &cli.Command{
		Name:   "journal",
		Usage:  "Print recent entries of the EBICS message journal",
		Flags:  []cli.Flag{tailFlag, journalFlag},
		Action: runJournal,
	}
)

func runExportLedger(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	window := recon.RunOptions{Start: time.UnixMilli(0).UTC(), End: time.Now().UTC()}
	if raw := ctx.String(fromFlag.Name); raw != "" {
		window.Start, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return cli.Exit(fmt.Sprintf("parse --from: %v", err), 1)
		}
	}
	if raw := ctx.String(toFlag.Name); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return cli.Exit(fmt.Sprintf("parse --to: %v", err), 1)
		}
		// --to names the last exported day, so the window closes at its end.
		window.End = day.AddDate(0, 0, 1)
	}
	name := cfg.Demobank.Name
	if ctx.IsSet(demobankFlag.Name) {
		name = ctx.String(demobankFlag.Name)
	}
	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Demobank:  name,
		OutputDir: ctx.String(outFlag.Name),
		Logger:    logging.Setup("sandbankd", cfg.Environment),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	result, err := reconciler.Run(ctx.Context, window)
	if err != nil {
		return cli.Exit(fmt.Sprintf("export ledger: %v", err), 1)
	}
	for _, anomaly := range result.Anomalies {
		fmt.Fprintf(os.Stderr, "anomaly %s account=%s ref=%s: %s\n",
			anomaly.Type, anomaly.AccountLabel, anomaly.Reference, anomaly.Details)
	}
	fmt.Printf("exported %d rows into %d files, %d anomalies\n",
		len(result.Rows), len(result.Files), len(result.Anomalies))
	return nil
}

func runJournal(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	path := cfg.JournalPath
	if p := ctx.String(journalFlag.Name); p != "" {
		path = p
	}
	if path == "" {
		return cli.Exit("no journal path configured; set JournalPath or pass --journal", 1)
	}
	journal, err := ebics.OpenJournal(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open journal %s: %v", path, err), 1)
	}
	defer journal.Close()
	entries, err := journal.Tail(ctx.Int(tailFlag.Name))
	if err != nil {
		return cli.Exit(fmt.Sprintf("read journal: %v", err), 1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tHOST\tROOT\tORDER\tPHASE\tCODE\tREQ\tRESP")
	for _, entry := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			entry.Seq,
			entry.Time.UTC().Format(time.RFC3339),
			entry.HostID,
			entry.Root,
			entry.OrderType,
			entry.Phase,
			entry.ReturnCode,
			entry.RequestBytes,
			entry.ResponseBytes)
	}
	return w.Flush()
}
