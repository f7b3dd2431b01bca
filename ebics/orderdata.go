package ebics

import "encoding/xml"

// RSAKeyValue carries the big-endian, base64 encoded modulus and exponent of
// an RSA public key, in the xmldsig namespace as the EBICS schemas require.
type RSAKeyValue struct {
	Modulus  string `xml:"http://www.w3.org/2000/09/xmldsig# Modulus"`
	Exponent string `xml:"http://www.w3.org/2000/09/xmldsig# Exponent"`
}

// PubKeyValue wraps an RSAKeyValue with an optional generation timestamp.
type PubKeyValue struct {
	RSAKeyValue RSAKeyValue `xml:"http://www.w3.org/2000/09/xmldsig# RSAKeyValue"`
	TimeStamp   string      `xml:"TimeStamp,omitempty"`
}

// SignaturePubKeyOrderData is the INI payload: the subscriber's A006 key.
type SignaturePubKeyOrderData struct {
	XMLName             xml.Name            `xml:"http://www.ebics.org/S001 SignaturePubKeyOrderData"`
	SignaturePubKeyInfo SignaturePubKeyInfo `xml:"SignaturePubKeyInfo"`
	PartnerID           string              `xml:"PartnerID"`
	UserID              string              `xml:"UserID"`
}

type SignaturePubKeyInfo struct {
	PubKeyValue      PubKeyValue `xml:"PubKeyValue"`
	SignatureVersion string      `xml:"SignatureVersion"`
}

// HIARequestOrderData is the HIA payload: the subscriber's X002 and E002 keys.
type HIARequestOrderData struct {
	XMLName                  xml.Name                 `xml:"urn:org:ebics:H004 HIARequestOrderData"`
	AuthenticationPubKeyInfo AuthenticationPubKeyInfo `xml:"AuthenticationPubKeyInfo"`
	EncryptionPubKeyInfo     EncryptionPubKeyInfo     `xml:"EncryptionPubKeyInfo"`
	PartnerID                string                   `xml:"PartnerID"`
	UserID                   string                   `xml:"UserID"`
}

type AuthenticationPubKeyInfo struct {
	PubKeyValue           PubKeyValue `xml:"PubKeyValue"`
	AuthenticationVersion string      `xml:"AuthenticationVersion"`
}

type EncryptionPubKeyInfo struct {
	PubKeyValue       PubKeyValue `xml:"PubKeyValue"`
	EncryptionVersion string      `xml:"EncryptionVersion"`
}

// HPBResponseOrderData is the HPB payload: the bank's X002 and E002 keys.
type HPBResponseOrderData struct {
	XMLName                  xml.Name                 `xml:"urn:org:ebics:H004 HPBResponseOrderData"`
	AuthenticationPubKeyInfo AuthenticationPubKeyInfo `xml:"AuthenticationPubKeyInfo"`
	EncryptionPubKeyInfo     EncryptionPubKeyInfo     `xml:"EncryptionPubKeyInfo"`
	HostID                   string                   `xml:"HostID"`
}

// UserSignatureData bundles the bank-technical signatures accompanying an
// upload initialisation.
type UserSignatureData struct {
	XMLName            xml.Name             `xml:"http://www.ebics.org/S001 UserSignatureData"`
	OrderSignatureData []OrderSignatureData `xml:"OrderSignatureData"`
}

type OrderSignatureData struct {
	SignatureVersion string `xml:"SignatureVersion"`
	SignatureValue   string `xml:"SignatureValue"`
	PartnerID        string `xml:"PartnerID"`
	UserID           string `xml:"UserID"`
}

// --- HTD / HKD self-description payloads ---

// HTDResponseOrderData describes the requesting subscriber and its accounts.
type HTDResponseOrderData struct {
	XMLName     xml.Name    `xml:"urn:org:ebics:H004 HTDResponseOrderData"`
	PartnerInfo PartnerInfo `xml:"PartnerInfo"`
	UserInfo    UserInfo    `xml:"UserInfo"`
}

// HKDResponseOrderData describes the partner with every subscriber under it.
type HKDResponseOrderData struct {
	XMLName     xml.Name    `xml:"urn:org:ebics:H004 HKDResponseOrderData"`
	PartnerInfo PartnerInfo `xml:"PartnerInfo"`
	UserInfo    []UserInfo  `xml:"UserInfo"`
}

type PartnerInfo struct {
	AddressInfo AddressInfo   `xml:"AddressInfo"`
	BankInfo    BankInfo      `xml:"BankInfo"`
	AccountInfo []AccountInfo `xml:"AccountInfo"`
}

type AddressInfo struct {
	Name string `xml:"Name,omitempty"`
}

type BankInfo struct {
	HostID string `xml:"HostID"`
}

type AccountInfo struct {
	Currency      string          `xml:"Currency,attr,omitempty"`
	ID            string          `xml:"ID,attr"`
	AccountNumber []AccountNumber `xml:"AccountNumber"`
	BankCode      []BankCode      `xml:"BankCode"`
	AccountHolder string          `xml:"AccountHolder,omitempty"`
}

type AccountNumber struct {
	International bool   `xml:"international,attr"`
	Value         string `xml:",chardata"`
}

type BankCode struct {
	International bool   `xml:"international,attr"`
	Value         string `xml:",chardata"`
}

type UserInfo struct {
	UserID     UserIDWithStatus `xml:"UserID"`
	Name       string           `xml:"Name,omitempty"`
	Permission []Permission     `xml:"Permission"`
}

type UserIDWithStatus struct {
	Status int    `xml:"Status,attr"`
	Value  string `xml:",chardata"`
}

type Permission struct {
	OrderTypes string `xml:"OrderTypes"`
	FileFormat string `xml:"FileFormat,omitempty"`
}
