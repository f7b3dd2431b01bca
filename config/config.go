// Package config loads the sandbox configuration from a TOML file, with a
// small set of fixed environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Environment overrides recognised by Load. They win over the file so
// container deployments can inject credentials without editing it.
const (
	EnvDBConnection  = "LIBEUFIN_SANDBOX_DB_CONNECTION"
	EnvAdminPassword = "LIBEUFIN_SANDBOX_ADMIN_PASSWORD"
)

// Demobank configures the demobank the sandbox provisions at startup. Debt
// limits are whole currency units.
type Demobank struct {
	Name                     string `toml:"Name"`
	Currency                 string `toml:"Currency"`
	UsersDebtLimit           int64  `toml:"UsersDebtLimit"`
	BankDebtLimit            int64  `toml:"BankDebtLimit"`
	AllowRegistrations       bool   `toml:"AllowRegistrations"`
	WithSignupBonus          bool   `toml:"WithSignupBonus"`
	SuggestedExchangeBaseURL string `toml:"SuggestedExchangeBaseURL"`
	SuggestedExchangePayto   string `toml:"SuggestedExchangePayto"`
	CaptchaURL               string `toml:"CaptchaURL"`
}

// RateLimit bounds the public access and integration APIs per client host.
// Zero disables the limiter.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// LogFile adds a rotated file sink next to stdout logging.
type LogFile struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Sandbox is the complete sandbox configuration. Load resolves it once;
// afterwards it is treated as immutable.
type Sandbox struct {
	ListenAddress string `toml:"ListenAddress"`
	BaseURL       string `toml:"BaseURL"`
	DBConnection  string `toml:"DBConnection"`
	AdminPassword string `toml:"AdminPassword"`
	AuthDisabled  bool   `toml:"AuthDisabled"`
	JournalPath   string `toml:"JournalPath"`
	Environment   string `toml:"Environment"`

	Demobank        Demobank  `toml:"demobank"`
	AccessRateLimit RateLimit `toml:"access_rate_limit"`
	LogFile         LogFile   `toml:"log_file"`
}

// Default returns the configuration the sandbox runs with when no file is
// given: sqlite next to the binary, one EUR demobank, open registrations.
func Default() *Sandbox {
	return &Sandbox{
		ListenAddress: ":5000",
		BaseURL:       "http://localhost:5000/",
		DBConnection:  "file:sandbank.db",
		LogFile: LogFile{
			MaxSizeMB:  64,
			MaxBackups: 4,
			MaxAgeDays: 28,
		},
		Demobank: Demobank{
			Name:               "default",
			Currency:           "EUR",
			UsersDebtLimit:     1000,
			BankDebtLimit:      1000000,
			AllowRegistrations: true,
			WithSignupBonus:    true,
		},
	}
}

// Load reads the configuration. A missing file is created with the defaults,
// matching what a fresh deployment needs; an empty path skips the file and
// uses the defaults directly. Environment overrides apply in both cases.
func Load(path string) (*Sandbox, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := persist(path, cfg); err != nil {
				return nil, fmt.Errorf("write default config %s: %w", path, err)
			}
		} else if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Sandbox) {
	if dsn := os.Getenv(EnvDBConnection); dsn != "" {
		cfg.DBConnection = dsn
	}
	if pw := os.Getenv(EnvAdminPassword); pw != "" {
		cfg.AdminPassword = pw
	}
}

func persist(path string, cfg *Sandbox) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
