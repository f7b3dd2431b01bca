package bank

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultDemobankName is the instance that always exists at runtime.
const DefaultDemobankName = "default"

func DemobankByName(tx *gorm.DB, name string) (*Demobank, error) {
	var demobank Demobank
	if err := tx.First(&demobank, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &demobank, nil
}

func DemobankByID(tx *gorm.DB, id uuid.UUID) (*Demobank, error) {
	var demobank Demobank
	if err := tx.First(&demobank, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &demobank, nil
}

// AccountByLabel resolves an account by its globally unique label; callers
// scoped to one demobank compare DemobankID themselves.
func AccountByLabel(tx *gorm.DB, label string) (*BankAccount, error) {
	var account BankAccount
	if err := tx.First(&account, "label = ?", label).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func AccountByID(tx *gorm.DB, id uuid.UUID) (*BankAccount, error) {
	var account BankAccount
	if err := tx.First(&account, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func AccountByIBAN(tx *gorm.DB, demobankID uuid.UUID, iban string) (*BankAccount, error) {
	var account BankAccount
	if err := tx.First(&account, "demobank_id = ? AND iban = ?", demobankID, NormalizeIban(iban)).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func CustomerByUsername(tx *gorm.DB, username string) (*Customer, error) {
	var customer Customer
	if err := tx.First(&customer, "username = ?", username).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// HostByID matches the host ID case-insensitively, as EBICS clients are free
// to vary the case of what the bank handed out.
func HostByID(tx *gorm.DB, hostID string) (*EbicsHost, error) {
	var host EbicsHost
	if err := tx.First(&host, "UPPER(host_id) = UPPER(?)", hostID).Error; err != nil {
		return nil, err
	}
	return &host, nil
}

// ListEbicsHosts returns every configured host, host-ID order.
func ListEbicsHosts(tx *gorm.DB) ([]EbicsHost, error) {
	var hosts []EbicsHost
	if err := tx.Order("host_id ASC").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("list ebics hosts: %w", err)
	}
	return hosts, nil
}

// ListEbicsSubscribers returns every subscriber, (host, partner, user) order.
func ListEbicsSubscribers(tx *gorm.DB) ([]EbicsSubscriber, error) {
	var subscribers []EbicsSubscriber
	err := tx.Order("host_id ASC, partner_id ASC, user_id ASC").Find(&subscribers).Error
	if err != nil {
		return nil, fmt.Errorf("list ebics subscribers: %w", err)
	}
	return subscribers, nil
}

// SubscriberByIdentity resolves the (host, partner, user, system) tuple;
// systemID is empty when the client sent none.
func SubscriberByIdentity(tx *gorm.DB, hostID, partnerID, userID, systemID string) (*EbicsSubscriber, error) {
	var subscriber EbicsSubscriber
	err := tx.First(&subscriber,
		"host_id = ? AND partner_id = ? AND user_id = ? AND system_id = ?",
		hostID, partnerID, userID, systemID).Error
	if err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// SubscriberByID resolves a subscriber by primary key, as the transfer and
// receipt phases do from a stored transaction row.
func SubscriberByID(tx *gorm.DB, id uuid.UUID) (*EbicsSubscriber, error) {
	var subscriber EbicsSubscriber
	if err := tx.First(&subscriber, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// SubscribersOfPartner lists every subscriber under one (host, partner) pair,
// user order. HKD describes all of them.
func SubscribersOfPartner(tx *gorm.DB, hostID, partnerID string) ([]EbicsSubscriber, error) {
	var subscribers []EbicsSubscriber
	err := tx.Where("host_id = ? AND partner_id = ?", hostID, partnerID).
		Order("user_id ASC").Find(&subscribers).Error
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s/%s: %w", hostID, partnerID, err)
	}
	return subscribers, nil
}

// SubscriberKeysOf loads the uploaded public keys of a subscriber, keyed by
// usage. Missing usages are simply absent.
func SubscriberKeysOf(tx *gorm.DB, subscriberID uuid.UUID) (map[KeyUsage][]byte, error) {
	var rows []SubscriberKey
	if err := tx.Where("subscriber_id = ?", subscriberID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load subscriber keys: %w", err)
	}
	keys := make(map[KeyUsage][]byte, len(rows))
	for _, row := range rows {
		keys[row.Usage] = row.PublicKey
	}
	return keys, nil
}

func WithdrawalByWopid(tx *gorm.DB, wopid uuid.UUID) (*WithdrawalOperation, error) {
	var op WithdrawalOperation
	if err := tx.First(&op, "wopid = ?", wopid).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

// TransactionFilter bounds a history query. Page starts at 1; zero values
// fall back to the first page of twenty rows.
type TransactionFilter struct {
	FromMs  int64
	UntilMs int64
	Page    int
	Size    int
}

// TransactionsOf returns the booked rows of one account, oldest first.
func TransactionsOf(tx *gorm.DB, account *BankAccount, filter TransactionFilter) ([]Transaction, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.Size
	if size < 1 {
		size = 20
	}
	q := tx.Where("account_id = ?", account.ID)
	if filter.FromMs > 0 {
		q = q.Where("date >= ?", filter.FromMs)
	}
	if filter.UntilMs > 0 {
		q = q.Where("date <= ?", filter.UntilMs)
	}
	var rows []Transaction
	// created_at breaks ties between rows booked in the same millisecond,
	// keeping pagination stable.
	err := q.Order("date ASC, created_at ASC").Offset((page - 1) * size).Limit(size).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", account.Label, err)
	}
	return rows, nil
}

// TransactionByRef resolves a single booked row by its servicer reference.
func TransactionByRef(tx *gorm.DB, account *BankAccount, ref string) (*Transaction, error) {
	var row Transaction
	if err := tx.First(&row, "account_id = ? AND account_servicer_reference = ?", account.ID, ref).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FreshTransactionsOf returns the account rows not yet swept into any
// statement, oldest first.
func FreshTransactionsOf(tx *gorm.DB, account *BankAccount) ([]Transaction, error) {
	var fresh []FreshTransaction
	if err := tx.Where("account_id = ?", account.ID).Find(&fresh).Error; err != nil {
		return nil, fmt.Errorf("load fresh set of %s: %w", account.Label, err)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(fresh))
	for _, f := range fresh {
		ids = append(ids, f.TransactionID)
	}
	var rows []Transaction
	if err := tx.Where("id IN ?", ids).Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load fresh rows of %s: %w", account.Label, err)
	}
	return rows, nil
}

// ConsumeFreshTransactionsOf returns the fresh rows of the account and
// removes their fresh marks, as the C52 report does on delivery.
func ConsumeFreshTransactionsOf(tx *gorm.DB, account *BankAccount) ([]Transaction, error) {
	rows, err := FreshTransactionsOf(tx, account)
	if err != nil {
		return nil, err
	}
	if err := tx.Where("account_id = ?", account.ID).Delete(&FreshTransaction{}).Error; err != nil {
		return nil, fmt.Errorf("consume fresh set of %s: %w", account.Label, err)
	}
	return rows, nil
}

// LatestStatementOf returns the most recent statement of the account, or
// gorm.ErrRecordNotFound when none was closed yet.
func LatestStatementOf(tx *gorm.DB, account *BankAccount) (*AccountStatement, error) {
	var stmt AccountStatement
	err := tx.Where("account_id = ?", account.ID).
		Order("creation_time DESC").First(&stmt).Error
	if err != nil {
		return nil, err
	}
	return &stmt, nil
}

// StatementsInRange returns statements whose creation time falls inside the
// closed range, oldest first. Zero bounds are open.
func StatementsInRange(tx *gorm.DB, account *BankAccount, fromMs, untilMs int64) ([]AccountStatement, error) {
	q := tx.Where("account_id = ?", account.ID)
	if fromMs > 0 {
		q = q.Where("creation_time >= ?", fromMs)
	}
	if untilMs > 0 {
		q = q.Where("creation_time <= ?", untilMs)
	}
	var stmts []AccountStatement
	if err := q.Order("creation_time ASC").Find(&stmts).Error; err != nil {
		return nil, fmt.Errorf("load statements of %s: %w", account.Label, err)
	}
	return stmts, nil
}

// AccountsOfDemobank lists every account of one demobank, label order.
func AccountsOfDemobank(tx *gorm.DB, demobankID uuid.UUID) ([]BankAccount, error) {
	var accounts []BankAccount
	if err := tx.Where("demobank_id = ?", demobankID).Order("label ASC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// PublicAccountsOfDemobank lists the accounts flagged public.
func PublicAccountsOfDemobank(tx *gorm.DB, demobankID uuid.UUID) ([]BankAccount, error) {
	var accounts []BankAccount
	err := tx.Where("demobank_id = ? AND is_public = ?", demobankID, true).
		Order("label ASC").Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list public accounts: %w", err)
	}
	return accounts, nil
}
