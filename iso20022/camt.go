package iso20022

import (
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"math/big"
	"time"
)

// Credit/debit indicators, from the perspective of the account the document
// is built for.
const (
	IndicatorCredit = "CRDT"
	IndicatorDebit  = "DBIT"
)

// Balance type codes used in camt.053 statements.
const (
	BalanceTypePRCD = "PRCD"
	BalanceTypeCLBD = "CLBD"
)

// --- document models (camt.052.001.02 / camt.053.001.02) ---

type Camt053Document struct {
	XMLName   xml.Name          `xml:"urn:iso:std:iso:20022:tech:xsd:camt.053.001.02 Document"`
	Statement CustomerStatement `xml:"BkToCstmrStmt"`
}

type CustomerStatement struct {
	GrpHdr GroupHeader `xml:"GrpHdr"`
	Stmt   []Statement `xml:"Stmt"`
}

type Camt052Document struct {
	XMLName xml.Name       `xml:"urn:iso:std:iso:20022:tech:xsd:camt.052.001.02 Document"`
	Report  CustomerReport `xml:"BkToCstmrAcctRpt"`
}

type CustomerReport struct {
	GrpHdr GroupHeader `xml:"GrpHdr"`
	Rpt    []Report    `xml:"Rpt"`
}

type GroupHeader struct {
	MsgID   string `xml:"MsgId"`
	CreDtTm string `xml:"CreDtTm"`
}

type Statement struct {
	ID           string    `xml:"Id"`
	ElctrncSeqNb string    `xml:"ElctrncSeqNb"`
	LglSeqNb     string    `xml:"LglSeqNb"`
	CreDtTm      string    `xml:"CreDtTm"`
	Acct         Account   `xml:"Acct"`
	Bal          []Balance `xml:"Bal"`
	Ntry         []Entry   `xml:"Ntry"`
}

type Report struct {
	ID           string  `xml:"Id"`
	ElctrncSeqNb string  `xml:"ElctrncSeqNb"`
	LglSeqNb     string  `xml:"LglSeqNb"`
	CreDtTm      string  `xml:"CreDtTm"`
	Acct         Account `xml:"Acct"`
	Ntry         []Entry `xml:"Ntry"`
}

type Account struct {
	IBAN  string `xml:"Id>IBAN"`
	Ccy   string `xml:"Ccy,omitempty"`
	Owner *Party `xml:"Ownr"`
}

type Party struct {
	Nm string `xml:"Nm,omitempty"`
}

type Balance struct {
	Type      string         `xml:"Tp>CdOrPrtry>Cd"`
	Amt       CurrencyAmount `xml:"Amt"`
	CdtDbtInd string         `xml:"CdtDbtInd"`
	Date      string         `xml:"Dt>Dt"`
}

type CurrencyAmount struct {
	Ccy   string `xml:"Ccy,attr"`
	Value string `xml:",chardata"`
}

type Entry struct {
	Amt         CurrencyAmount      `xml:"Amt"`
	CdtDbtInd   string              `xml:"CdtDbtInd"`
	Sts         string              `xml:"Sts"`
	BookgDt     string              `xml:"BookgDt>Dt"`
	ValDt       string              `xml:"ValDt>Dt"`
	AcctSvcrRef string              `xml:"AcctSvcrRef"`
	BkTxCd      BankTransactionCode `xml:"BkTxCd"`
	NtryDtls    EntryDetails        `xml:"NtryDtls"`
}

type BankTransactionCode struct {
	Domain      DomainCode      `xml:"Domn"`
	Proprietary ProprietaryCode `xml:"Prtry"`
}

type DomainCode struct {
	Code          string `xml:"Cd"`
	FamilyCode    string `xml:"Fmly>Cd"`
	SubFamilyCode string `xml:"Fmly>SubFmlyCd"`
}

type ProprietaryCode struct {
	Code   string `xml:"Cd"`
	Issuer string `xml:"Issr,omitempty"`
}

type EntryDetails struct {
	TxDtls TransactionDetails `xml:"TxDtls"`
}

type TransactionDetails struct {
	Refs     References      `xml:"Refs"`
	AmtDtls  AmountDetails   `xml:"AmtDtls"`
	RltdPts  *RelatedParties `xml:"RltdPties"`
	RltdAgts *RelatedAgents  `xml:"RltdAgts"`
	RmtInf   *RemittanceInfo `xml:"RmtInf"`
}

type References struct {
	MsgID      string `xml:"MsgId,omitempty"`
	PmtInfID   string `xml:"PmtInfId,omitempty"`
	EndToEndID string `xml:"EndToEndId"`
}

type AmountDetails struct {
	TxAmt CurrencyAmount `xml:"TxAmt>Amt"`
}

type RelatedParties struct {
	Dbtr     *Party        `xml:"Dbtr"`
	DbtrAcct *PartyAccount `xml:"DbtrAcct"`
	Cdtr     *Party        `xml:"Cdtr"`
	CdtrAcct *PartyAccount `xml:"CdtrAcct"`
}

type PartyAccount struct {
	IBAN string `xml:"Id>IBAN"`
}

type RelatedAgents struct {
	DbtrAgt *Agent `xml:"DbtrAgt"`
	CdtrAgt *Agent `xml:"CdtrAgt"`
}

type Agent struct {
	BIC string `xml:"FinInstnId>BIC"`
}

type RemittanceInfo struct {
	Ustrd string `xml:"Ustrd"`
}

// --- builder inputs ---

// LedgerEntry is the ledger's view of one booked transaction, already
// normalized to the account the document is built for.
type LedgerEntry struct {
	Amount                   string
	Currency                 string
	CreditDebitIndicator     string
	AccountServicerReference string
	MsgID                    string
	PmtInfID                 string
	EndToEndID               string
	DebtorName               string
	DebtorIBAN               string
	DebtorBIC                string
	CreditorName             string
	CreditorIBAN             string
	CreditorBIC              string
	Subject                  string
	BookingTime              time.Time
}

// SignedBalance is a non-negative amount with the side it sits on.
type SignedBalance struct {
	Amount               string
	CreditDebitIndicator string
}

// StatementInput collects everything a camt.053 statement needs.
type StatementInput struct {
	MessageID       string
	CreationTime    time.Time
	StatementID     string
	IBAN            string
	Currency        string
	OwnerName       string
	PreviousBalance SignedBalance
	ClosingBalance  SignedBalance
	Entries         []LedgerEntry
}

// ReportInput collects everything a camt.052 report needs.
type ReportInput struct {
	MessageID    string
	CreationTime time.Time
	IBAN         string
	Currency     string
	OwnerName    string
	Entries      []LedgerEntry
}

// NewCamtMessageID draws a fresh group-header message ID of the form
// sandbox-<epoch seconds>-<10 random alphanumerics>.
func NewCamtMessageID(now time.Time) (string, error) {
	suffix, err := randomAlnum(10)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sandbox-%d-%s", now.Unix(), suffix), nil
}

const alnumAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomAlnum(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alnumAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw random id: %w", err)
		}
		out[i] = alnumAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// BuildCamt053 assembles an end-of-day statement with its PRCD and CLBD
// balances.
func BuildCamt053(input StatementInput) *Camt053Document {
	balanceDate := input.CreationTime.Format("2006-01-02")
	stmt := Statement{
		ID:           input.StatementID,
		ElctrncSeqNb: "0",
		LglSeqNb:     "0",
		CreDtTm:      input.CreationTime.Format(time.RFC3339),
		Acct:         buildAccount(input.IBAN, input.Currency, input.OwnerName),
		Bal: []Balance{
			buildBalance(BalanceTypePRCD, input.PreviousBalance, input.Currency, balanceDate),
			buildBalance(BalanceTypeCLBD, input.ClosingBalance, input.Currency, balanceDate),
		},
	}
	for _, e := range input.Entries {
		stmt.Ntry = append(stmt.Ntry, buildEntry(e))
	}
	return &Camt053Document{
		Statement: CustomerStatement{
			GrpHdr: GroupHeader{
				MsgID:   input.MessageID,
				CreDtTm: input.CreationTime.Format(time.RFC3339),
			},
			Stmt: []Statement{stmt},
		},
	}
}

// BuildCamt052 assembles an intra-day report over the fresh transactions of
// one account.
func BuildCamt052(input ReportInput) *Camt052Document {
	rpt := Report{
		ID:           "0",
		ElctrncSeqNb: "0",
		LglSeqNb:     "0",
		CreDtTm:      input.CreationTime.Format(time.RFC3339),
		Acct:         buildAccount(input.IBAN, input.Currency, input.OwnerName),
	}
	for _, e := range input.Entries {
		rpt.Ntry = append(rpt.Ntry, buildEntry(e))
	}
	return &Camt052Document{
		Report: CustomerReport{
			GrpHdr: GroupHeader{
				MsgID:   input.MessageID,
				CreDtTm: input.CreationTime.Format(time.RFC3339),
			},
			Rpt: []Report{rpt},
		},
	}
}

// MarshalCamt053 serializes with the XML declaration, as stored in the
// statements table and shipped over C53.
func MarshalCamt053(doc *Camt053Document) ([]byte, error) {
	return marshalWithHeader(doc)
}

// MarshalCamt052 serializes with the XML declaration.
func MarshalCamt052(doc *Camt052Document) ([]byte, error) {
	return marshalWithHeader(doc)
}

// ParseCamt053 reads a stored statement back, e.g. to serve C53 metadata or
// in reconciliation.
func ParseCamt053(raw []byte) (*Camt053Document, error) {
	var doc Camt053Document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse camt.053: %w", err)
	}
	return &doc, nil
}

func marshalWithHeader(doc any) ([]byte, error) {
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal camt document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func buildAccount(iban, currency, owner string) Account {
	acct := Account{IBAN: iban, Ccy: currency}
	if owner != "" {
		acct.Owner = &Party{Nm: owner}
	}
	return acct
}

func buildBalance(balanceType string, balance SignedBalance, currency, date string) Balance {
	return Balance{
		Type:      balanceType,
		Amt:       CurrencyAmount{Ccy: currency, Value: balance.Amount},
		CdtDbtInd: balance.CreditDebitIndicator,
		Date:      date,
	}
}

func buildEntry(e LedgerEntry) Entry {
	endToEnd := e.EndToEndID
	if endToEnd == "" {
		endToEnd = EndToEndIDNotProvided
	}
	date := e.BookingTime.Format("2006-01-02")
	details := TransactionDetails{
		Refs: References{
			MsgID:      e.MsgID,
			PmtInfID:   e.PmtInfID,
			EndToEndID: endToEnd,
		},
		AmtDtls: AmountDetails{
			TxAmt: CurrencyAmount{Ccy: e.Currency, Value: e.Amount},
		},
		RltdPts: &RelatedParties{
			Dbtr:     &Party{Nm: e.DebtorName},
			DbtrAcct: &PartyAccount{IBAN: e.DebtorIBAN},
			Cdtr:     &Party{Nm: e.CreditorName},
			CdtrAcct: &PartyAccount{IBAN: e.CreditorIBAN},
		},
	}
	if e.DebtorBIC != "" || e.CreditorBIC != "" {
		agents := &RelatedAgents{}
		if e.DebtorBIC != "" {
			agents.DbtrAgt = &Agent{BIC: e.DebtorBIC}
		}
		if e.CreditorBIC != "" {
			agents.CdtrAgt = &Agent{BIC: e.CreditorBIC}
		}
		details.RltdAgts = agents
	}
	if e.Subject != "" {
		details.RmtInf = &RemittanceInfo{Ustrd: e.Subject}
	}
	return Entry{
		Amt:         CurrencyAmount{Ccy: e.Currency, Value: e.Amount},
		CdtDbtInd:   e.CreditDebitIndicator,
		Sts:         "BOOK",
		BookgDt:     date,
		ValDt:       date,
		AcctSvcrRef: e.AccountServicerReference,
		BkTxCd: BankTransactionCode{
			Domain: DomainCode{
				Code:          "PMNT",
				FamilyCode:    "ICDT",
				SubFamilyCode: "ESCT",
			},
			Proprietary: ProprietaryCode{Code: "0", Issuer: "XY"},
		},
		NtryDtls: EntryDetails{TxDtls: details},
	}
}
