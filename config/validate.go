package config

import (
	"fmt"
	"strings"

	"sandbank/bank"
)

func (cfg *Sandbox) validate() error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DBConnection) == "" {
		return fmt.Errorf("config: DBConnection must not be empty")
	}
	if strings.TrimSpace(cfg.Demobank.Name) == "" {
		return fmt.Errorf("config: demobank.Name must not be empty")
	}
	if !bank.ValidCurrency(cfg.Demobank.Currency) {
		return fmt.Errorf("config: demobank.Currency %q is not a valid currency code", cfg.Demobank.Currency)
	}
	if cfg.Demobank.UsersDebtLimit < 0 || cfg.Demobank.BankDebtLimit < 0 {
		return fmt.Errorf("config: debt limits must not be negative")
	}
	if cfg.AccessRateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: access_rate_limit.RequestsPerMinute must not be negative")
	}
	return nil
}
