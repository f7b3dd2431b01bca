// Command sandbankd runs the EBICS bank sandbox: an HTTP server speaking
// EBICS H004 next to the access, integration, wire-gateway and admin APIs,
// plus the operator commands around its ledger.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/config"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path of the sandbox TOML configuration, created when missing",
	Value:   "sandbank.toml",
}

func main() {
	app := &cli.App{
		Name:  "sandbankd",
		Usage: "EBICS bank sandbox",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			serveCommand,
			configCommand,
			makeTransactionCommand,
			camt053TickCommand,
			defaultExchangeCommand,
			resetTablesCommand,
			exportLedgerCommand,
			journalCommand,
			hostKeysCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the TOML configuration named by the global --config
// flag, writing the default file on first use.
func loadConfig(ctx *cli.Context) (*config.Sandbox, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("load configuration: %v", err), 1)
	}
	return cfg, nil
}

// openDatabase opens the configured database and migrates the schema.
func openDatabase(cfg *config.Sandbox) (*gorm.DB, error) {
	db, err := bank.Open(cfg.DBConnection)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("open database: %v", err), 1)
	}
	if err := bank.AutoMigrate(db); err != nil {
		return nil, cli.Exit(fmt.Sprintf("migrate database: %v", err), 1)
	}
	return db, nil
}

// openLedger is openDatabase plus provisioning of the configured demobank.
func openLedger(cfg *config.Sandbox) (*gorm.DB, *bank.Demobank, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	demobank, err := bank.EnsureDemobank(db, demobankOptions(cfg))
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("provision demobank: %v", err), 1)
	}
	return db, demobank, nil
}

func demobankOptions(cfg *config.Sandbox) bank.DemobankOptions {
	return bank.DemobankOptions{
		Name:                     cfg.Demobank.Name,
		Currency:                 cfg.Demobank.Currency,
		UsersDebtLimit:           cfg.Demobank.UsersDebtLimit,
		BankDebtLimit:            cfg.Demobank.BankDebtLimit,
		AllowRegistrations:       cfg.Demobank.AllowRegistrations,
		WithSignupBonus:          cfg.Demobank.WithSignupBonus,
		SuggestedExchangeBaseURL: cfg.Demobank.SuggestedExchangeBaseURL,
		SuggestedExchangePayto:   cfg.Demobank.SuggestedExchangePayto,
		CaptchaURL:               cfg.Demobank.CaptchaURL,
	}
}
