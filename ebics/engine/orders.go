package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/ebics"
	"sandbank/iso20022"
)

// Order types served through the transaction phases. INI, HIA and HPB arrive
// on their own document roots and never reach this dispatch.
const (
	orderTypeCCT = "CCT"
	orderTypeC52 = "C52"
	orderTypeC53 = "C53"
	orderTypeHTD = "HTD"
	orderTypeHKD = "HKD"
	orderTypeTSD = "TSD"
	orderTypePTK = "PTK"
)

// supportedOrderTypes is what HTD and HKD advertise as subscriber permission.
const supportedOrderTypes = "C52 C53 CCT HKD HTD PTK TSD"

// orderPayload produces the cleartext payload of a download order. HPB is
// caught by the default arm: it travels on ebicsNoPubKeyDigestsRequest, never
// on ebicsRequest.
func orderPayload(tx *gorm.DB, rc *requestContext, req *ebics.Request, orderType string, now time.Time) ([]byte, error) {
	switch orderType {
	case orderTypeHTD:
		return partnerDescription(tx, rc, false)
	case orderTypeHKD:
		return partnerDescription(tx, rc, true)
	case orderTypeC52:
		return freshReport(tx, rc, now)
	case orderTypeC53:
		return statementBundle(tx, rc, req)
	case orderTypeTSD:
		return dummyTSDPayload()
	case orderTypePTK:
		return dummyPTKPayload(), nil
	default:
		return nil, ebics.Errf(ebics.CodeUnsupportedOrderType, "unsupported order type %s", orderType)
	}
}

// partnerDescription renders the HTD payload for the requesting subscriber,
// or the HKD payload covering every subscriber of the partner.
func partnerDescription(tx *gorm.DB, rc *requestContext, wholePartner bool) ([]byte, error) {
	partnerInfo := ebics.PartnerInfo{
		AddressInfo: ebics.AddressInfo{Name: rc.subscriber.PartnerID},
		BankInfo:    ebics.BankInfo{HostID: rc.host.HostID},
	}
	subscribers := []bank.EbicsSubscriber{*rc.subscriber}
	if wholePartner {
		var err error
		subscribers, err = bank.SubscribersOfPartner(tx, rc.host.HostID, rc.subscriber.PartnerID)
		if err != nil {
			return nil, err
		}
	}
	users := make([]ebics.UserInfo, 0, len(subscribers))
	for i := range subscribers {
		sub := &subscribers[i]
		account, err := linkedAccount(tx, sub)
		if err != nil {
			return nil, err
		}
		name := sub.UserID
		if account != nil {
			info, err := accountInfoOf(tx, account)
			if err != nil {
				return nil, err
			}
			partnerInfo.AccountInfo = append(partnerInfo.AccountInfo, info)
			name = bank.OwnerDisplayName(tx, account.Owner)
		}
		users = append(users, ebics.UserInfo{
			UserID: ebics.UserIDWithStatus{Status: 1, Value: sub.UserID},
			Name:   name,
			Permission: []ebics.Permission{
				{OrderTypes: supportedOrderTypes},
			},
		})
	}
	if wholePartner {
		return ebics.MarshalDocument(&ebics.HKDResponseOrderData{
			PartnerInfo: partnerInfo,
			UserInfo:    users,
		})
	}
	return ebics.MarshalDocument(&ebics.HTDResponseOrderData{
		PartnerInfo: partnerInfo,
		UserInfo:    users[0],
	})
}

func accountInfoOf(tx *gorm.DB, account *bank.BankAccount) (ebics.AccountInfo, error) {
	demobank, err := bank.DemobankByID(tx, account.DemobankID)
	if err != nil {
		return ebics.AccountInfo{}, fmt.Errorf("resolve demobank of %s: %w", account.Label, err)
	}
	return ebics.AccountInfo{
		Currency: demobank.Currency,
		ID:       account.Label,
		AccountNumber: []ebics.AccountNumber{
			{International: true, Value: account.IBAN},
		},
		BankCode: []ebics.BankCode{
			{International: true, Value: account.BIC},
		},
		AccountHolder: bank.OwnerDisplayName(tx, account.Owner),
	}, nil
}

// linkedAccount returns the subscriber's bank account, or nil when none is
// linked. HTD and HKD tolerate unlinked subscribers.
func linkedAccount(tx *gorm.DB, subscriber *bank.EbicsSubscriber) (*bank.BankAccount, error) {
	if subscriber.AccountLabel == "" {
		return nil, nil
	}
	account, err := bank.AccountByLabel(tx, subscriber.AccountLabel)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ebics.Errf(ebics.CodeProcessingError, "account %s vanished", subscriber.AccountLabel)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// subscriberAccount is linkedAccount for the order types that cannot work
// without one.
func subscriberAccount(tx *gorm.DB, subscriber *bank.EbicsSubscriber) (*bank.BankAccount, error) {
	account, err := linkedAccount(tx, subscriber)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ebics.Errf(ebics.CodeAuthorisationFailed,
			"subscriber %s has no bank account", subscriber.UserID)
	}
	return account, nil
}

// freshReport renders the C52 payload: a camt.052 report over the bookings
// not yet swept into a statement. Delivery consumes the fresh set.
func freshReport(tx *gorm.DB, rc *requestContext, now time.Time) ([]byte, error) {
	account, err := subscriberAccount(tx, rc.subscriber)
	if err != nil {
		return nil, err
	}
	demobank, err := bank.DemobankByID(tx, account.DemobankID)
	if err != nil {
		return nil, fmt.Errorf("resolve demobank of %s: %w", account.Label, err)
	}
	rows, err := bank.ConsumeFreshTransactionsOf(tx, account)
	if err != nil {
		return nil, err
	}
	messageID, err := iso20022.NewCamtMessageID(now)
	if err != nil {
		return nil, err
	}
	doc := iso20022.BuildCamt052(iso20022.ReportInput{
		MessageID:    messageID,
		CreationTime: now,
		IBAN:         account.IBAN,
		Currency:     demobank.Currency,
		OwnerName:    bank.OwnerDisplayName(tx, account.Owner),
		Entries:      bank.LedgerEntriesOf(rows),
	})
	raw, err := iso20022.MarshalCamt052(doc)
	if err != nil {
		return nil, err
	}
	return iso20022.ZipBundle([]iso20022.BundleFile{
		{Name: messageID + ".xml", Data: raw},
	})
}

// statementBundle renders the C53 payload: the closed camt.053 statements in
// the requested date range, or the latest statement when no range was given.
func statementBundle(tx *gorm.DB, rc *requestContext, req *ebics.Request) ([]byte, error) {
	account, err := subscriberAccount(tx, rc.subscriber)
	if err != nil {
		return nil, err
	}
	var statements []bank.AccountStatement
	if dateRange := dateRangeOf(req); dateRange != nil {
		fromMs, untilMs, err := rangeBounds(dateRange)
		if err != nil {
			return nil, err
		}
		statements, err = bank.StatementsInRange(tx, account, fromMs, untilMs)
		if err != nil {
			return nil, err
		}
	} else {
		latest, err := bank.LatestStatementOf(tx, account)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if latest != nil {
			statements = append(statements, *latest)
		}
	}
	if len(statements) == 0 {
		return nil, ebics.Errf(ebics.CodeNoDownloadData, "no statements for %s", account.Label)
	}
	files := make([]iso20022.BundleFile, 0, len(statements))
	for _, stmt := range statements {
		files = append(files, iso20022.BundleFile{
			Name: stmt.StatementID + ".xml",
			Data: []byte(stmt.Camt053),
		})
	}
	return iso20022.ZipBundle(files)
}

func dateRangeOf(req *ebics.Request) *ebics.DateRange {
	details := req.Header.Static.OrderDetails
	if details == nil || details.StandardOrderParams == nil {
		return nil
	}
	return details.StandardOrderParams.DateRange
}

// rangeBounds converts an ISO date range into the millisecond bounds of
// StatementsInRange. The end date counts in full, until its last millisecond.
func rangeBounds(dateRange *ebics.DateRange) (int64, int64, error) {
	start, err := time.Parse("2006-01-02", dateRange.Start)
	if err != nil {
		return 0, 0, ebics.Errf(ebics.CodeInvalidXML, "bad range start %q", dateRange.Start)
	}
	end, err := time.Parse("2006-01-02", dateRange.End)
	if err != nil {
		return 0, 0, ebics.Errf(ebics.CodeInvalidXML, "bad range end %q", dateRange.End)
	}
	if end.Before(start) {
		return 0, 0, ebics.Errf(ebics.CodeInvalidXML, "range end before start")
	}
	untilMs := end.Add(24*time.Hour).UnixMilli() - 1
	return start.UnixMilli(), untilMs, nil
}

// tsdPayloadSize keeps the TSD test download spanning several segments even
// after the order-data compression.
const tsdPayloadSize = 12 * 1024

func dummyTSDPayload() ([]byte, error) {
	payload := make([]byte, tsdPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("draw TSD payload: %w", err)
	}
	return payload, nil
}

func dummyPTKPayload() []byte {
	return []byte("sandbox PTK customer protocol: no entries\n")
}

// bookUpload books the pain.001 order data of a completed CCT upload against
// the subscriber's account.
func bookUpload(tx *gorm.DB, rc *requestContext, orderData []byte, now time.Time) error {
	ct, err := iso20022.ParsePain001(orderData)
	if err != nil {
		return ebics.Errf(ebics.CodeInvalidXML, "bad pain.001: %v", err)
	}
	account, err := subscriberAccount(tx, rc.subscriber)
	if err != nil {
		return err
	}
	if bank.NormalizeIban(ct.DebtorIBAN) != account.IBAN {
		return ebics.Errf(ebics.CodeAuthorisationFailed,
			"debtor IBAN %s is not the subscriber's account", ct.DebtorIBAN)
	}
	amount, err := bank.ParsePositiveAmount(ct.Amount)
	if err != nil {
		return ebics.Errf(ebics.CodeProcessingError, "bad amount %q", ct.Amount)
	}
	demobank, err := bank.DemobankByID(tx, account.DemobankID)
	if err != nil {
		return fmt.Errorf("resolve demobank of %s: %w", account.Label, err)
	}
	result, err := bank.BookPayment(tx, demobank, bank.Payment{
		DebtorAccount: account,
		CreditorIBAN:  ct.CreditorIBAN,
		CreditorBIC:   ct.CreditorBIC,
		CreditorName:  ct.CreditorName,
		Amount:        amount,
		Currency:      ct.Currency,
		Subject:       ct.Subject,
		PmtInfID:      ct.PmtInfID,
		EndToEndID:    ct.EndToEndID,
		MsgID:         ct.MsgID,
	}, now)
	if err != nil {
		return err
	}
	rc.notify = append(rc.notify, result.Labels...)
	return nil
}
