// Package iso20022 covers the ISO-20022 payment messages the sandbox
// exchanges with its subscribers: pain.001 credit-transfer initiations on
// the way in, camt.052 reports and camt.053 statements on the way out.
package iso20022

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// EndToEndIDNotProvided is the placeholder ISO-20022 prescribes when the
// initiating party supplied no end-to-end reference.
const EndToEndIDNotProvided = "NOTPROVIDED"

// CreditTransfer is the flat view of a single-transaction pain.001 document.
type CreditTransfer struct {
	MsgID        string
	PmtInfID     string
	EndToEndID   string
	DebtorName   string
	DebtorIBAN   string
	DebtorBIC    string
	CreditorName string
	CreditorIBAN string
	CreditorBIC  string
	Amount       string
	Currency     string
	Subject      string
}

// The parse model matches pain.001.001.02 through .09 documents: the root
// tag carries no namespace so any pain.001 release binds.
type painDocument struct {
	XMLName    xml.Name       `xml:"Document"`
	Initiation painInitiation `xml:"CstmrCdtTrfInitn"`
}

type painInitiation struct {
	GrpHdr painGroupHeader `xml:"GrpHdr"`
	PmtInf []painPmtInf    `xml:"PmtInf"`
}

type painGroupHeader struct {
	MsgID string `xml:"MsgId"`
}

type painPmtInf struct {
	PmtInfID     string         `xml:"PmtInfId"`
	Debtor       painParty      `xml:"Dbtr"`
	DebtorAcct   painAccount    `xml:"DbtrAcct"`
	DebtorAgent  painAgent      `xml:"DbtrAgt"`
	Transactions []painCdtTrfTx `xml:"CdtTrfTxInf"`
}

type painParty struct {
	Name string `xml:"Nm"`
}

type painAccount struct {
	IBAN string `xml:"Id>IBAN"`
}

type painAgent struct {
	BIC string `xml:"FinInstnId>BIC"`
}

type painCdtTrfTx struct {
	EndToEndID    string      `xml:"PmtId>EndToEndId"`
	InstdAmt      painAmount  `xml:"Amt>InstdAmt"`
	CreditorAgent painAgent   `xml:"CdtrAgt"`
	Creditor      painParty   `xml:"Cdtr"`
	CreditorAcct  painAccount `xml:"CdtrAcct"`
	Ustrd         []string    `xml:"RmtInf>Ustrd"`
}

type painAmount struct {
	Ccy   string `xml:"Ccy,attr"`
	Value string `xml:",chardata"`
}

// ParsePain001 extracts the single credit transfer of a pain.001 document.
// Documents with more than one PmtInf or more than one CdtTrfTxInf are
// rejected: the sandbox books one payment per uploaded order.
func ParsePain001(raw []byte) (*CreditTransfer, error) {
	var doc painDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pain.001: %w", err)
	}
	if n := len(doc.Initiation.PmtInf); n != 1 {
		return nil, fmt.Errorf("pain.001 carries %d PmtInf blocks, want exactly 1", n)
	}
	pmtInf := doc.Initiation.PmtInf[0]
	if n := len(pmtInf.Transactions); n != 1 {
		return nil, fmt.Errorf("pain.001 carries %d transactions, want exactly 1", n)
	}
	tx := pmtInf.Transactions[0]

	ct := &CreditTransfer{
		MsgID:        strings.TrimSpace(doc.Initiation.GrpHdr.MsgID),
		PmtInfID:     strings.TrimSpace(pmtInf.PmtInfID),
		EndToEndID:   strings.TrimSpace(tx.EndToEndID),
		DebtorName:   strings.TrimSpace(pmtInf.Debtor.Name),
		DebtorIBAN:   strings.TrimSpace(pmtInf.DebtorAcct.IBAN),
		DebtorBIC:    strings.TrimSpace(pmtInf.DebtorAgent.BIC),
		CreditorName: strings.TrimSpace(tx.Creditor.Name),
		CreditorIBAN: strings.TrimSpace(tx.CreditorAcct.IBAN),
		CreditorBIC:  strings.TrimSpace(tx.CreditorAgent.BIC),
		Amount:       strings.TrimSpace(tx.InstdAmt.Value),
		Currency:     strings.TrimSpace(tx.InstdAmt.Ccy),
		Subject:      strings.TrimSpace(strings.Join(tx.Ustrd, " ")),
	}
	if ct.EndToEndID == "" {
		ct.EndToEndID = EndToEndIDNotProvided
	}

	switch {
	case ct.MsgID == "":
		return nil, fmt.Errorf("pain.001 lacks GrpHdr/MsgId")
	case ct.PmtInfID == "":
		return nil, fmt.Errorf("pain.001 lacks PmtInfId")
	case ct.DebtorIBAN == "":
		return nil, fmt.Errorf("pain.001 lacks debtor IBAN")
	case ct.CreditorIBAN == "":
		return nil, fmt.Errorf("pain.001 lacks creditor IBAN")
	case ct.Amount == "":
		return nil, fmt.Errorf("pain.001 lacks InstdAmt")
	case ct.Currency == "":
		return nil, fmt.Errorf("pain.001 lacks InstdAmt currency")
	case ct.Subject == "":
		return nil, fmt.Errorf("pain.001 lacks remittance information")
	}
	return ct, nil
}
