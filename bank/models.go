// Package bank holds the sandbox ledger: demobanks, customers, accounts,
// booked transactions, camt.053 statements, EBICS hosts and subscribers, and
// the digital-cash withdrawal operations layered on top.
package bank

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriberState tracks how far an EBICS subscriber has come through the
// INI/HIA/HPB key exchange.
type SubscriberState string

// All subscriber states.
const (
	SubscriberNew         SubscriberState = "NEW"
	SubscriberPartialINI  SubscriberState = "PARTIALLY_INITIALIZED_INI"
	SubscriberPartialHIA  SubscriberState = "PARTIALLY_INITIALIZED_HIA"
	SubscriberInitialized SubscriberState = "INITIALIZED"
	SubscriberReady       SubscriberState = "READY"
)

// KeyUsage distinguishes the three public keys a subscriber uploads.
type KeyUsage string

// Subscriber key usages.
const (
	KeyUsageSignature      KeyUsage = "SIG"
	KeyUsageAuthentication KeyUsage = "AUTH"
	KeyUsageEncryption     KeyUsage = "ENC"
)

// Credit/debit indicators on ledger rows.
const (
	DirectionCredit = "CRDT"
	DirectionDebit  = "DBIT"
)

// Demobank is one named bank instance with its currency and debt policy.
// A "default" demobank always exists at runtime.
type Demobank struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                     string    `gorm:"uniqueIndex;size:64"`
	Currency                 string    `gorm:"size:3"`
	UsersDebtLimit           int64     `gorm:"not null"`
	BankDebtLimit            int64     `gorm:"not null"`
	AllowRegistrations       bool
	WithSignupBonus          bool
	SuggestedExchangeBaseURL string `gorm:"size:255"`
	SuggestedExchangePayto   string `gorm:"size:255"`
	CaptchaURL               string `gorm:"size:255"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Customer is a bank login; accounts reference it by username.
type Customer struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"uniqueIndex;size:64"`
	PasswordHash string    `gorm:"size:128"`
	Name         string    `gorm:"size:128"`
	Email        string    `gorm:"size:128"`
	Phone        string    `gorm:"size:32"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BankAccount is one IBAN-addressable account inside a demobank.
type BankAccount struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label      string    `gorm:"uniqueIndex;size:64"`
	IBAN       string    `gorm:"uniqueIndex:idx_account_iban;size:34"`
	DemobankID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_account_iban;index"`
	BIC        string    `gorm:"size:11"`
	Owner      string    `gorm:"index;size:64"`
	IsPublic   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transaction is one booked ledger entry. Every logical credit transfer
// writes one DBIT row on the debit side and, when the creditor IBAN is
// local, one CRDT row on the credit side.
type Transaction struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`
	AccountLabel string    `gorm:"index;size:64"`
	DemobankID   uuid.UUID `gorm:"type:uuid;index"`
	Direction    string    `gorm:"size:4;uniqueIndex:idx_tx_pmtinf"`
	PmtInfID     *string   `gorm:"uniqueIndex:idx_tx_pmtinf;size:64"`
	Amount       string    `gorm:"size:32"`
	Currency     string    `gorm:"size:3"`
	Subject      string    `gorm:"size:255"`
	// Date is the booking instant in milliseconds since the Unix epoch.
	Date                     int64  `gorm:"index"`
	AccountServicerReference string `gorm:"uniqueIndex;size:32"`
	EndToEndID               string `gorm:"size:64"`
	MsgID                    string `gorm:"size:64"`
	DebtorIBAN               string `gorm:"size:34"`
	DebtorBIC                string `gorm:"size:11"`
	DebtorName               string `gorm:"size:128"`
	CreditorIBAN             string `gorm:"size:34"`
	CreditorBIC              string `gorm:"size:11"`
	CreditorName             string `gorm:"size:128"`
	CreatedAt                time.Time
}

// FreshTransaction marks a booked row as not yet swept into any camt.053
// statement. C52 reads it; the statement tick truncates it.
type FreshTransaction struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	AccountID     uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt     time.Time
}

// AccountStatement is one end-of-day camt.053 snapshot for an account.
type AccountStatement struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	StatementID  string    `gorm:"uniqueIndex;size:64"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`
	AccountLabel string    `gorm:"index;size:64"`
	// CreationTime is in milliseconds since the Unix epoch, comparable with
	// Transaction.Date.
	CreationTime int64  `gorm:"index"`
	Camt053      string `gorm:"type:text"`
	// BalanceClbd is the signed closing balance at creation time.
	BalanceClbd string `gorm:"size:32"`
	CreatedAt   time.Time
}

// EbicsHost is one EBICS server identity with its three private keys
// (PKCS#8 DER).
type EbicsHost struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	HostID         string    `gorm:"uniqueIndex;size:64"`
	EbicsVersion   string    `gorm:"size:8"`
	SigPrivateKey  []byte
	AuthPrivateKey []byte
	EncPrivateKey  []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EbicsSubscriber is one (partner, user, system?) tuple under a host.
// SystemID is empty when the subscriber has no technical system.
type EbicsSubscriber struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	HostID      string          `gorm:"uniqueIndex:idx_subscriber;size:64"`
	PartnerID   string          `gorm:"uniqueIndex:idx_subscriber;size:64"`
	UserID      string          `gorm:"uniqueIndex:idx_subscriber;size:64"`
	SystemID    string          `gorm:"uniqueIndex:idx_subscriber;size:64"`
	State       SubscriberState `gorm:"size:32;index"`
	NextOrderID int64           `gorm:"not null"`
	// AccountLabel links the subscriber to at most one bank account.
	AccountLabel string `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubscriberKey is one public key uploaded via INI or HIA (PKIX DER).
type SubscriberKey struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubscriberID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_subscriber_key"`
	Usage        KeyUsage  `gorm:"size:4;uniqueIndex:idx_subscriber_key"`
	PublicKey    []byte
	CreatedAt    time.Time
}

// EbicsDownloadTx is an in-flight download between Initialisation and
// Receipt. Payload holds the base64 of the E002-encrypted order data,
// precomputed at Initialisation.
type EbicsDownloadTx struct {
	TransactionID     string    `gorm:"primaryKey;size:32"`
	HostID            string    `gorm:"size:64"`
	SubscriberID      uuid.UUID `gorm:"type:uuid;index"`
	OrderType         string    `gorm:"size:3"`
	Payload           string    `gorm:"type:text"`
	TransactionKeyEnc []byte
	NumSegments       int
	SegmentSize       int
	CreatedAt         time.Time
}

// EbicsUploadTx is an in-flight upload between Initialisation and the final
// Transfer. TransactionKeyEnc is the RSA-wrapped AES key from the client's
// DataEncryptionInfo, needed again at Transfer time.
type EbicsUploadTx struct {
	TransactionID     string    `gorm:"primaryKey;size:32"`
	HostID            string    `gorm:"size:64"`
	SubscriberID      uuid.UUID `gorm:"type:uuid;index"`
	OrderType         string    `gorm:"size:3"`
	OrderID           string    `gorm:"size:4"`
	NumSegments       int
	TransactionKeyEnc []byte
	CreatedAt         time.Time
}

// OrderSignature is one A006 signature accompanying an uploaded order.
type OrderSignature struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID            string    `gorm:"index:idx_order_sig;size:4"`
	OrderType          string    `gorm:"index:idx_order_sig;size:3"`
	PartnerID          string    `gorm:"size:64"`
	UserID             string    `gorm:"size:64"`
	SignatureAlgorithm string    `gorm:"size:8"`
	SignatureValue     []byte
	CreatedAt          time.Time
}

// WithdrawalOperation is one digital-cash withdrawal moving through
// created -> selected -> confirmed|aborted.
type WithdrawalOperation struct {
	Wopid                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID             uuid.UUID `gorm:"type:uuid;index"`
	AccountLabel          string    `gorm:"index;size:64"`
	DemobankID            uuid.UUID `gorm:"type:uuid"`
	Amount                string    `gorm:"size:32"`
	Currency              string    `gorm:"size:3"`
	ReservePub            string    `gorm:"size:128"`
	SelectedExchangePayto string    `gorm:"size:255"`
	SelectionDone         bool
	ConfirmationDone      bool
	Aborted               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AutoMigrate performs all schema migrations for the sandbox.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}

// ResetTables drops every sandbox table. The next AutoMigrate starts from an
// empty schema.
func ResetTables(db *gorm.DB) error {
	return db.Migrator().DropTable(allModels()...)
}

func allModels() []any {
	return []any{
		&Demobank{},
		&Customer{},
		&BankAccount{},
		&Transaction{},
		&FreshTransaction{},
		&AccountStatement{},
		&EbicsHost{},
		&EbicsSubscriber{},
		&SubscriberKey{},
		&EbicsDownloadTx{},
		&EbicsUploadTx{},
		&OrderSignature{},
		&WithdrawalOperation{},
	}
}
