package bank

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"sandbank/crypto"
)

// AdminUsername owns the bank-side accounts and the admin API.
const AdminUsername = "admin"

// DefaultBIC is the sandbox's own bank identifier code.
const DefaultBIC = "SANDBOXX"

// signupBonus is paid from the bank account to freshly registered customers
// when the demobank enables it.
var signupBonus = decimal.NewFromInt(100)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{1,63}$`)

var (
	ErrUsernameTaken    = errors.New("username is already taken")
	ErrUsernameInvalid  = errors.New("username is not allowed")
	ErrLabelTaken       = errors.New("account label is already taken")
	ErrHostExists       = errors.New("EBICS host already exists")
	ErrSubscriberExists = errors.New("EBICS subscriber already exists")
)

// DemobankOptions configures one demobank instance.
type DemobankOptions struct {
	Name                     string
	Currency                 string
	UsersDebtLimit           int64
	BankDebtLimit            int64
	AllowRegistrations       bool
	WithSignupBonus          bool
	SuggestedExchangeBaseURL string
	SuggestedExchangePayto   string
	CaptchaURL               string
}

// EnsureDemobank creates or reconfigures the named demobank together with
// the admin customer and the demobank's own "bank" account.
func EnsureDemobank(tx *gorm.DB, opts DemobankOptions) (*Demobank, error) {
	if opts.Name == "" {
		opts.Name = DefaultDemobankName
	}
	if opts.Currency == "" {
		return nil, fmt.Errorf("demobank %s needs a currency", opts.Name)
	}
	demobank, err := DemobankByName(tx, opts.Name)
	switch {
	case err == nil:
		demobank.Currency = opts.Currency
		demobank.UsersDebtLimit = opts.UsersDebtLimit
		demobank.BankDebtLimit = opts.BankDebtLimit
		demobank.AllowRegistrations = opts.AllowRegistrations
		demobank.WithSignupBonus = opts.WithSignupBonus
		// Empty optional URLs mean keep the stored ones.
		if opts.SuggestedExchangeBaseURL != "" {
			demobank.SuggestedExchangeBaseURL = opts.SuggestedExchangeBaseURL
		}
		if opts.SuggestedExchangePayto != "" {
			demobank.SuggestedExchangePayto = opts.SuggestedExchangePayto
		}
		if opts.CaptchaURL != "" {
			demobank.CaptchaURL = opts.CaptchaURL
		}
		if err := tx.Save(demobank).Error; err != nil {
			return nil, fmt.Errorf("update demobank %s: %w", opts.Name, err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		demobank = &Demobank{
			ID:                       uuid.New(),
			Name:                     opts.Name,
			Currency:                 opts.Currency,
			UsersDebtLimit:           opts.UsersDebtLimit,
			BankDebtLimit:            opts.BankDebtLimit,
			AllowRegistrations:       opts.AllowRegistrations,
			WithSignupBonus:          opts.WithSignupBonus,
			SuggestedExchangeBaseURL: opts.SuggestedExchangeBaseURL,
			SuggestedExchangePayto:   opts.SuggestedExchangePayto,
			CaptchaURL:               opts.CaptchaURL,
		}
		if err := tx.Create(demobank).Error; err != nil {
			return nil, fmt.Errorf("create demobank %s: %w", opts.Name, err)
		}
	default:
		return nil, fmt.Errorf("look up demobank %s: %w", opts.Name, err)
	}
	if err := ensureAdminCustomer(tx); err != nil {
		return nil, err
	}
	if err := ensureBankAccount(tx, demobank); err != nil {
		return nil, err
	}
	return demobank, nil
}

// SetDefaultExchange records the exchange the demobank suggests to wallets
// during withdrawals. Other demobank settings stay untouched.
func SetDefaultExchange(tx *gorm.DB, demobank *Demobank, baseURL, payto string) error {
	demobank.SuggestedExchangeBaseURL = baseURL
	demobank.SuggestedExchangePayto = payto
	if err := tx.Save(demobank).Error; err != nil {
		return fmt.Errorf("update default exchange: %w", err)
	}
	return nil
}

// ensureAdminCustomer creates the admin login once. It carries no password
// hash; the admin authenticates with the configured admin password.
func ensureAdminCustomer(tx *gorm.DB) error {
	_, err := CustomerByUsername(tx, AdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("look up admin customer: %w", err)
	}
	admin := Customer{ID: uuid.New(), Username: AdminUsername, Name: "Admin"}
	if err := tx.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin customer: %w", err)
	}
	return nil
}

// bankAccountLabelFor keeps the default demobank's own account at the
// historical "bank" label and disambiguates everyone else.
func bankAccountLabelFor(demobank *Demobank) string {
	if demobank.Name == DefaultDemobankName {
		return "bank"
	}
	return "bank-" + demobank.Name
}

func ensureBankAccount(tx *gorm.DB, demobank *Demobank) error {
	label := bankAccountLabelFor(demobank)
	_, err := AccountByLabel(tx, label)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("look up bank account: %w", err)
	}
	_, err = CreateBankAccount(tx, demobank, label, AdminUsername, "", false)
	return err
}

// BankAccountOf returns the demobank's own account.
func BankAccountOf(tx *gorm.DB, demobank *Demobank) (*BankAccount, error) {
	return AccountByLabel(tx, bankAccountLabelFor(demobank))
}

// CreateBankAccount creates one account; the IBAN is generated when empty.
func CreateBankAccount(tx *gorm.DB, demobank *Demobank, label, owner, iban string, isPublic bool) (*BankAccount, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: empty label", ErrUsernameInvalid)
	}
	if _, err := AccountByLabel(tx, label); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrLabelTaken, label)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up label %s: %w", label, err)
	}
	if iban == "" {
		var err error
		iban, err = NewIban()
		if err != nil {
			return nil, err
		}
	}
	account := BankAccount{
		ID:         uuid.New(),
		Label:      label,
		IBAN:       NormalizeIban(iban),
		DemobankID: demobank.ID,
		BIC:        DefaultBIC,
		Owner:      owner,
		IsPublic:   isPublic,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("create account %s: %w", label, err)
	}
	return &account, nil
}

// RegisterCustomer creates a login plus its equally named bank account and
// pays the signup bonus when the demobank grants one.
func RegisterCustomer(tx *gorm.DB, demobank *Demobank, username, password, name string, now time.Time) (*Customer, *BankAccount, error) {
	if !usernamePattern.MatchString(username) || username == AdminUsername || username == "bank" {
		return nil, nil, fmt.Errorf("%w: %q", ErrUsernameInvalid, username)
	}
	if _, err := CustomerByUsername(tx, username); err == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("look up username %s: %w", username, err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}
	customer := Customer{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Name:         name,
	}
	if err := tx.Create(&customer).Error; err != nil {
		return nil, nil, fmt.Errorf("create customer %s: %w", username, err)
	}
	account, err := CreateBankAccount(tx, demobank, username, username, "", false)
	if err != nil {
		return nil, nil, err
	}
	if demobank.WithSignupBonus {
		bankAccount, err := BankAccountOf(tx, demobank)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve bank account: %w", err)
		}
		if _, err := WireTransfer(tx, demobank, bankAccount, account, "Sign-up bonus", signupBonus, now); err != nil {
			return nil, nil, fmt.Errorf("pay signup bonus: %w", err)
		}
	}
	return &customer, account, nil
}

// CreateEbicsHost provisions a host with three fresh 2048-bit key pairs.
func CreateEbicsHost(tx *gorm.DB, hostID string) (*EbicsHost, error) {
	if hostID == "" {
		return nil, fmt.Errorf("host ID must not be empty")
	}
	if _, err := HostByID(tx, hostID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrHostExists, hostID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up host %s: %w", hostID, err)
	}
	host := &EbicsHost{ID: uuid.New(), HostID: hostID, EbicsVersion: "H004"}
	if err := fillHostKeys(host); err != nil {
		return nil, err
	}
	if err := tx.Create(host).Error; err != nil {
		return nil, fmt.Errorf("create host %s: %w", hostID, err)
	}
	return host, nil
}

// ImportHostKeys installs externally supplied PKCS#8 key material, creating
// the host when it does not exist yet. Subscribers must pull HPB again
// afterwards.
func ImportHostKeys(tx *gorm.DB, hostID string, sig, auth, enc []byte) (*EbicsHost, error) {
	if hostID == "" {
		return nil, fmt.Errorf("host ID must not be empty")
	}
	for _, der := range [][]byte{sig, auth, enc} {
		if _, err := crypto.LoadRsaPrivateKey(der); err != nil {
			return nil, fmt.Errorf("check host key: %w", err)
		}
	}
	host, err := HostByID(tx, hostID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		host = &EbicsHost{
			ID:             uuid.New(),
			HostID:         hostID,
			EbicsVersion:   "H004",
			SigPrivateKey:  sig,
			AuthPrivateKey: auth,
			EncPrivateKey:  enc,
		}
		if err := tx.Create(host).Error; err != nil {
			return nil, fmt.Errorf("import host %s: %w", hostID, err)
		}
		return host, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up host %s: %w", hostID, err)
	}
	host.SigPrivateKey = sig
	host.AuthPrivateKey = auth
	host.EncPrivateKey = enc
	if err := tx.Save(host).Error; err != nil {
		return nil, fmt.Errorf("import keys of %s: %w", hostID, err)
	}
	return host, nil
}

// RotateHostKeys replaces all three key pairs of a host. Subscribers must
// pull HPB again afterwards.
func RotateHostKeys(tx *gorm.DB, host *EbicsHost) error {
	if err := fillHostKeys(host); err != nil {
		return err
	}
	if err := tx.Save(host).Error; err != nil {
		return fmt.Errorf("rotate keys of %s: %w", host.HostID, err)
	}
	return nil
}

func fillHostKeys(host *EbicsHost) error {
	for _, slot := range []*[]byte{&host.SigPrivateKey, &host.AuthPrivateKey, &host.EncPrivateKey} {
		priv, err := crypto.GenerateRsaKeyPair(0)
		if err != nil {
			return fmt.Errorf("generate host key: %w", err)
		}
		der, err := crypto.MarshalRsaPrivateKey(priv)
		if err != nil {
			return err
		}
		*slot = der
	}
	return nil
}

// CreateEbicsSubscriber registers the (partner, user, system) tuple under a
// host, in state NEW, optionally linked to a bank account.
func CreateEbicsSubscriber(tx *gorm.DB, hostID, partnerID, userID, systemID, accountLabel string) (*EbicsSubscriber, error) {
	if hostID == "" || partnerID == "" || userID == "" {
		return nil, fmt.Errorf("subscriber needs host, partner and user IDs")
	}
	if _, err := HostByID(tx, hostID); err != nil {
		return nil, fmt.Errorf("look up host %s: %w", hostID, err)
	}
	if _, err := SubscriberByIdentity(tx, hostID, partnerID, userID, systemID); err == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrSubscriberExists, partnerID, userID, systemID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up subscriber: %w", err)
	}
	if accountLabel != "" {
		if _, err := AccountByLabel(tx, accountLabel); err != nil {
			return nil, fmt.Errorf("look up account %s: %w", accountLabel, err)
		}
	}
	subscriber := &EbicsSubscriber{
		ID:           uuid.New(),
		HostID:       hostID,
		PartnerID:    partnerID,
		UserID:       userID,
		SystemID:     systemID,
		State:        SubscriberNew,
		AccountLabel: accountLabel,
	}
	if err := tx.Create(subscriber).Error; err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	return subscriber, nil
}

// LinkSubscriberAccount points the subscriber at a bank account; uploads
// debit and downloads report that account from then on.
func LinkSubscriberAccount(tx *gorm.DB, subscriber *EbicsSubscriber, accountLabel string) error {
	if _, err := AccountByLabel(tx, accountLabel); err != nil {
		return fmt.Errorf("look up account %s: %w", accountLabel, err)
	}
	subscriber.AccountLabel = accountLabel
	if err := tx.Save(subscriber).Error; err != nil {
		return fmt.Errorf("link subscriber to %s: %w", accountLabel, err)
	}
	return nil
}
