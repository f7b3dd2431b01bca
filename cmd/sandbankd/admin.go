package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"sandbank/bank"
)

var (
	demobankFlag = &cli.StringFlag{
		Name:  "demobank",
		Usage: "demobank name, defaults to the configured one",
	}
	currencyFlag = &cli.StringFlag{
		Name:  "currency",
		Usage: "demobank currency, three letter code",
	}
	usersDebtLimitFlag = &cli.Int64Flag{
		Name:  "users-debt-limit",
		Usage: "maximum debt a customer account may run up",
	}
	bankDebtLimitFlag = &cli.Int64Flag{
		Name:  "bank-debt-limit",
		Usage: "maximum debt of the demobank's own account",
	}
	registrationsFlag = &cli.BoolFlag{
		Name:  "with-registrations",
		Usage: "allow self-service customer registration",
	}
	signupBonusFlag = &cli.BoolFlag{
		Name:  "with-signup-bonus",
		Usage: "pay newly registered customers a signup bonus",
	}
	debitAccountFlag = &cli.StringFlag{
		Name:     "debit-account",
		Usage:    "label of the account to debit",
		Required: true,
	}
	creditAccountFlag = &cli.StringFlag{
		Name:     "credit-account",
		Usage:    "label of the account to credit",
		Required: true,
	}

	configCommand = &cli.Command{
		Name:      "config",
		Usage:     "Create or reconfigure a demobank",
		ArgsUsage: "[name]",
		Flags:     []cli.Flag{currencyFlag, usersDebtLimitFlag, bankDebtLimitFlag, registrationsFlag, signupBonusFlag},
		Action:    runConfig,
	}
	makeTransactionCommand = &cli.Command{
		Name:      "make-transaction",
		Usage:     "Book a wire transfer between two accounts",
		ArgsUsage: "AMOUNT SUBJECT",
		Flags:     []cli.Flag{debitAccountFlag, creditAccountFlag, demobankFlag},
		Action:    runMakeTransaction,
	}
	camt053TickCommand = &cli.Command{
		Name:   "camt053tick",
		Usage:  "Close the open statement period of every account",
		Action: runCamt053Tick,
	}
	defaultExchangeCommand = &cli.Command{
		Name:      "default-exchange",
		Usage:     "Set the exchange suggested to wallets during withdrawals",
		ArgsUsage: "EXCHANGE-BASE-URL EXCHANGE-PAYTO",
		Flags:     []cli.Flag{demobankFlag},
		Action:    runDefaultExchange,
	}
	resetTablesCommand = &cli.Command{
		Name:   "reset-tables",
		Usage:  "Drop every sandbox table",
		Action: runResetTables,
	}
)

func runConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	opts := demobankOptions(cfg)
	if name := ctx.Args().First(); name != "" {
		opts.Name = name
	}
	if ctx.IsSet(currencyFlag.Name) {
		opts.Currency = strings.ToUpper(ctx.String(currencyFlag.Name))
	}
	if ctx.IsSet(usersDebtLimitFlag.Name) {
		opts.UsersDebtLimit = ctx.Int64(usersDebtLimitFlag.Name)
	}
	if ctx.IsSet(bankDebtLimitFlag.Name) {
		opts.BankDebtLimit = ctx.Int64(bankDebtLimitFlag.Name)
	}
	if ctx.IsSet(registrationsFlag.Name) {
		opts.AllowRegistrations = ctx.Bool(registrationsFlag.Name)
	}
	if ctx.IsSet(signupBonusFlag.Name) {
		opts.WithSignupBonus = ctx.Bool(signupBonusFlag.Name)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	demobank, err := bank.EnsureDemobank(db, opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("provision demobank: %v", err), 1)
	}
	fmt.Printf("demobank %s ready: currency %s, users debt limit %d, bank debt limit %d\n",
		demobank.Name, demobank.Currency, demobank.UsersDebtLimit, demobank.BankDebtLimit)
	return nil
}

func runMakeTransaction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("make-transaction needs AMOUNT (CUR:X.Y) and SUBJECT arguments", 1)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	demobank, err := selectedDemobank(ctx, db, cfg.Demobank.Name)
	if err != nil {
		return err
	}
	currency, value, err := bank.ParseTalerAmount(ctx.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("parse amount: %v", err), 1)
	}
	if currency != demobank.Currency {
		return cli.Exit(fmt.Sprintf("amount currency %s does not match demobank currency %s", currency, demobank.Currency), 1)
	}
	subject := ctx.Args().Get(1)
	debitLabel := ctx.String(debitAccountFlag.Name)
	creditLabel := ctx.String(creditAccountFlag.Name)
	err = bank.RunSerializable(db, func(tx *gorm.DB) error {
		debit, err := bank.AccountByLabel(tx, debitLabel)
		if err != nil {
			return fmt.Errorf("debit account %s: %w", debitLabel, err)
		}
		credit, err := bank.AccountByLabel(tx, creditLabel)
		if err != nil {
			return fmt.Errorf("credit account %s: %w", creditLabel, err)
		}
		_, err = bank.WireTransfer(tx, demobank, debit, credit, subject, value, time.Now())
		return err
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("book transfer: %v", err), 1)
	}
	fmt.Printf("booked %s %s from %s to %s\n", currency, bank.FormatAmount(value), debitLabel, creditLabel)
	return nil
}

func runCamt053Tick(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	var closed int
	err = bank.RunSerializable(db, func(tx *gorm.DB) error {
		n, err := bank.Tick(tx, time.Now())
		closed = n
		return err
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("close statements: %v", err), 1)
	}
	fmt.Printf("closed %d statements\n", closed)
	return nil
}

func runDefaultExchange(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("default-exchange needs EXCHANGE-BASE-URL and EXCHANGE-PAYTO arguments", 1)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	demobank, err := selectedDemobank(ctx, db, cfg.Demobank.Name)
	if err != nil {
		return err
	}
	if err := bank.SetDefaultExchange(db, demobank, ctx.Args().Get(0), ctx.Args().Get(1)); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("demobank %s suggests exchange %s\n", demobank.Name, demobank.SuggestedExchangeBaseURL)
	return nil
}

func runResetTables(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := bank.Open(cfg.DBConnection)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open database: %v", err), 1)
	}
	if err := bank.ResetTables(db); err != nil {
		return cli.Exit(fmt.Sprintf("drop tables: %v", err), 1)
	}
	fmt.Println("dropped all sandbox tables")
	return nil
}

// selectedDemobank resolves the --demobank flag against the configured
// default.
func selectedDemobank(ctx *cli.Context, db *gorm.DB, fallback string) (*bank.Demobank, error) {
	name := fallback
	if ctx.IsSet(demobankFlag.Name) {
		name = ctx.String(demobankFlag.Name)
	}
	demobank, err := bank.DemobankByName(db, name)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("look up demobank %s: %v", name, err), 1)
	}
	return demobank, nil
}
