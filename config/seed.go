package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed describes provisioning the serve command applies idempotently at
// startup: EBICS hosts, subscribers with optional linked accounts, and
// customer accounts. Entries that already exist are skipped.
type Seed struct {
	Hosts       []SeedHost       `yaml:"hosts"`
	Subscribers []SeedSubscriber `yaml:"subscribers"`
	Customers   []SeedCustomer   `yaml:"customers"`
}

type SeedHost struct {
	HostID string `yaml:"hostID"`
}

type SeedSubscriber struct {
	HostID    string            `yaml:"hostID"`
	PartnerID string            `yaml:"partnerID"`
	UserID    string            `yaml:"userID"`
	SystemID  string            `yaml:"systemID"`
	Account   *SeedEbicsAccount `yaml:"account"`
}

// SeedEbicsAccount is the admin-owned bank account a subscriber operates on.
type SeedEbicsAccount struct {
	Label string `yaml:"label"`
	IBAN  string `yaml:"iban"`
}

type SeedCustomer struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// LoadSeed parses and checks a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	for i, host := range s.Hosts {
		if strings.TrimSpace(host.HostID) == "" {
			return fmt.Errorf("hosts[%d]: hostID must not be empty", i)
		}
	}
	for i, sub := range s.Subscribers {
		if sub.HostID == "" || sub.PartnerID == "" || sub.UserID == "" {
			return fmt.Errorf("subscribers[%d]: hostID, partnerID and userID are required", i)
		}
		if sub.Account != nil && (sub.Account.Label == "" || sub.Account.IBAN == "") {
			return fmt.Errorf("subscribers[%d]: a linked account needs both label and iban", i)
		}
	}
	for i, customer := range s.Customers {
		if customer.Username == "" || customer.Password == "" {
			return fmt.Errorf("customers[%d]: username and password are required", i)
		}
	}
	return nil
}
