// Package ebics implements the subset of the EBICS 2.5 (H004) wire protocol
// a bank-side sandbox needs: document models, the XML codec, EBICS order-data
// compression and encryption helpers, and the authentication signature.
package ebics

import "encoding/xml"

// Protocol namespaces.
const (
	NamespaceH004    = "urn:org:ebics:H004"
	NamespaceH000    = "http://www.ebics.org/H000"
	NamespaceS001    = "http://www.ebics.org/S001"
	NamespaceXMLDSig = "http://www.w3.org/2000/09/xmldsig#"
)

// Protocol identifiers carried in document root attributes.
const (
	ProtocolVersion  = "H004"
	ProtocolRevision = "1"
	ProtocolRelease  = "02.50"
)

// Transaction phases of the ebicsRequest/ebicsResponse exchange.
const (
	PhaseInitialisation = "Initialisation"
	PhaseTransfer       = "Transfer"
	PhaseReceipt        = "Receipt"
)

// Order attributes: DZHNN for downloads and unsigned orders, OZHNN for
// uploads accompanied by a bank-technical signature, DZNNN for the unsecured
// key management orders.
const (
	OrderAttributeDZHNN = "DZHNN"
	OrderAttributeOZHNN = "OZHNN"
	OrderAttributeDZNNN = "DZNNN"
)

// Key algorithm versions supported by the sandbox.
const (
	SignatureVersionA006      = "A006"
	AuthenticationVersionX002 = "X002"
	EncryptionVersionE002     = "E002"
)

// SecurityMediumNone is the only security medium the sandbox accepts.
const SecurityMediumNone = "0000"

// SegmentSize is the fixed size of one download segment, counted over the
// base64-encoded payload.
const SegmentSize = 4096

// Empty renders as an element without content, e.g. <mutable/>.
type Empty struct{}

// Product identifies the client software in request headers.
type Product struct {
	Language    string `xml:"Language,attr"`
	InstituteID string `xml:"InstituteID,attr,omitempty"`
	Value       string `xml:",chardata"`
}

// SegmentNumber is a segment counter with the lastSegment marker.
type SegmentNumber struct {
	LastSegment bool   `xml:"lastSegment,attr"`
	Value       string `xml:",chardata"`
}

// VersionedDigest is a base64 digest qualified by key version and hash
// algorithm, as used in PubKeyDigest-style elements.
type VersionedDigest struct {
	Version   string `xml:"Version,attr"`
	Algorithm string `xml:"Algorithm,attr"`
	Value     string `xml:",chardata"`
}

// BankPubKeyDigests pins the bank keys the client believes it talks to.
type BankPubKeyDigests struct {
	Authentication VersionedDigest `xml:"Authentication"`
	Encryption     VersionedDigest `xml:"Encryption"`
}

// DataEncryptionInfo carries the E002 transport key material.
type DataEncryptionInfo struct {
	Authenticate           bool            `xml:"authenticate,attr"`
	EncryptionPubKeyDigest VersionedDigest `xml:"EncryptionPubKeyDigest"`
	TransactionKey         string          `xml:"TransactionKey"`
}

// SignatureData is the encrypted, compressed UserSignatureData blob of an
// upload initialisation.
type SignatureData struct {
	Authenticate bool   `xml:"authenticate,attr"`
	Value        string `xml:",chardata"`
}

// TransferReceipt closes a download transaction. ReceiptCode 0 acknowledges
// successful postprocessing.
type TransferReceipt struct {
	Authenticate bool `xml:"authenticate,attr"`
	ReceiptCode  int  `xml:"ReceiptCode"`
}

// AuthenticatedReturnCode is the body-level return code bearing the
// authenticate marker.
type AuthenticatedReturnCode struct {
	Authenticate bool   `xml:"authenticate,attr"`
	Value        string `xml:",chardata"`
}

// DateRange restricts a download to bookings within [Start, End], dates in
// ISO form (2006-01-02).
type DateRange struct {
	Start string `xml:"Start"`
	End   string `xml:"End"`
}

// StandardOrderParams wraps the optional date range of download orders.
type StandardOrderParams struct {
	DateRange *DateRange `xml:"DateRange"`
}

// --- ebicsUnsecuredRequest (INI, HIA) ---

// UnsecuredRequest is the unauthenticated key upload document.
type UnsecuredRequest struct {
	XMLName  xml.Name               `xml:"urn:org:ebics:H004 ebicsUnsecuredRequest"`
	Version  string                 `xml:"Version,attr"`
	Revision string                 `xml:"Revision,attr"`
	Header   UnsecuredRequestHeader `xml:"header"`
	Body     UnsecuredRequestBody   `xml:"body"`
}

type UnsecuredRequestHeader struct {
	Authenticate bool                   `xml:"authenticate,attr"`
	Static       UnsecuredRequestStatic `xml:"static"`
	Mutable      Empty                  `xml:"mutable"`
}

type UnsecuredRequestStatic struct {
	HostID         string            `xml:"HostID"`
	PartnerID      string            `xml:"PartnerID"`
	UserID         string            `xml:"UserID"`
	SystemID       string            `xml:"SystemID,omitempty"`
	Product        *Product          `xml:"Product"`
	OrderDetails   PlainOrderDetails `xml:"OrderDetails"`
	SecurityMedium string            `xml:"SecurityMedium"`
}

// PlainOrderDetails is the two-element order details form used by the
// unsecured and no-pub-key-digests requests.
type PlainOrderDetails struct {
	OrderType      string `xml:"OrderType"`
	OrderAttribute string `xml:"OrderAttribute"`
}

type UnsecuredRequestBody struct {
	DataTransfer UnsecuredDataTransfer `xml:"DataTransfer"`
}

type UnsecuredDataTransfer struct {
	OrderData string `xml:"OrderData"`
}

// --- ebicsNoPubKeyDigestsRequest (HPB) ---

// NoPubKeyDigestsRequest fetches the bank keys before the client can pin
// them; it is authenticated but carries no BankPubKeyDigests.
type NoPubKeyDigestsRequest struct {
	XMLName       xml.Name                     `xml:"urn:org:ebics:H004 ebicsNoPubKeyDigestsRequest"`
	Version       string                       `xml:"Version,attr"`
	Revision      string                       `xml:"Revision,attr"`
	Header        NoPubKeyDigestsRequestHeader `xml:"header"`
	AuthSignature AuthSignature                `xml:"AuthSignature"`
	Body          Empty                        `xml:"body"`
}

type NoPubKeyDigestsRequestHeader struct {
	Authenticate bool                         `xml:"authenticate,attr"`
	Static       NoPubKeyDigestsRequestStatic `xml:"static"`
	Mutable      Empty                        `xml:"mutable"`
}

type NoPubKeyDigestsRequestStatic struct {
	HostID         string            `xml:"HostID"`
	Nonce          string            `xml:"Nonce"`
	Timestamp      string            `xml:"Timestamp"`
	PartnerID      string            `xml:"PartnerID"`
	UserID         string            `xml:"UserID"`
	SystemID       string            `xml:"SystemID,omitempty"`
	Product        *Product          `xml:"Product"`
	OrderDetails   PlainOrderDetails `xml:"OrderDetails"`
	SecurityMedium string            `xml:"SecurityMedium"`
}

// --- ebicsRequest (transaction phases) ---

// Request is the authenticated transaction document used for uploads and
// downloads across all three phases.
type Request struct {
	XMLName       xml.Name      `xml:"urn:org:ebics:H004 ebicsRequest"`
	Version       string        `xml:"Version,attr"`
	Revision      string        `xml:"Revision,attr"`
	Header        RequestHeader `xml:"header"`
	AuthSignature AuthSignature `xml:"AuthSignature"`
	Body          RequestBody   `xml:"body"`
}

type RequestHeader struct {
	Authenticate bool                 `xml:"authenticate,attr"`
	Static       RequestStaticHeader  `xml:"static"`
	Mutable      RequestMutableHeader `xml:"mutable"`
}

// RequestStaticHeader covers both header layouts: initialisation fills the
// identification block, transfer and receipt reference the TransactionID.
type RequestStaticHeader struct {
	HostID            string               `xml:"HostID"`
	Nonce             string               `xml:"Nonce,omitempty"`
	Timestamp         string               `xml:"Timestamp,omitempty"`
	PartnerID         string               `xml:"PartnerID,omitempty"`
	UserID            string               `xml:"UserID,omitempty"`
	SystemID          string               `xml:"SystemID,omitempty"`
	Product           *Product             `xml:"Product"`
	OrderDetails      *RequestOrderDetails `xml:"OrderDetails"`
	BankPubKeyDigests *BankPubKeyDigests   `xml:"BankPubKeyDigests"`
	SecurityMedium    string               `xml:"SecurityMedium,omitempty"`
	NumSegments       int                  `xml:"NumSegments,omitempty"`
	TransactionID     string               `xml:"TransactionID,omitempty"`
}

type RequestOrderDetails struct {
	OrderType           string               `xml:"OrderType"`
	OrderAttribute      string               `xml:"OrderAttribute"`
	StandardOrderParams *StandardOrderParams `xml:"StandardOrderParams"`
}

type RequestMutableHeader struct {
	TransactionPhase string         `xml:"TransactionPhase"`
	SegmentNumber    *SegmentNumber `xml:"SegmentNumber"`
}

type RequestBody struct {
	DataTransfer    *RequestDataTransfer `xml:"DataTransfer"`
	TransferReceipt *TransferReceipt     `xml:"TransferReceipt"`
}

type RequestDataTransfer struct {
	DataEncryptionInfo *DataEncryptionInfo `xml:"DataEncryptionInfo"`
	SignatureData      *SignatureData      `xml:"SignatureData"`
	OrderData          string              `xml:"OrderData,omitempty"`
}

// --- ebicsResponse ---

// Response answers an ebicsRequest.
type Response struct {
	XMLName       xml.Name       `xml:"urn:org:ebics:H004 ebicsResponse"`
	Version       string         `xml:"Version,attr"`
	Revision      string         `xml:"Revision,attr"`
	Header        ResponseHeader `xml:"header"`
	AuthSignature AuthSignature  `xml:"AuthSignature"`
	Body          ResponseBody   `xml:"body"`
}

type ResponseHeader struct {
	Authenticate bool                  `xml:"authenticate,attr"`
	Static       ResponseStaticHeader  `xml:"static"`
	Mutable      ResponseMutableHeader `xml:"mutable"`
}

type ResponseStaticHeader struct {
	TransactionID string `xml:"TransactionID,omitempty"`
	NumSegments   int    `xml:"NumSegments,omitempty"`
}

type ResponseMutableHeader struct {
	TransactionPhase string         `xml:"TransactionPhase"`
	SegmentNumber    *SegmentNumber `xml:"SegmentNumber"`
	OrderID          string         `xml:"OrderID,omitempty"`
	ReturnCode       string         `xml:"ReturnCode"`
	ReportText       string         `xml:"ReportText"`
}

type ResponseBody struct {
	DataTransfer *ResponseDataTransfer   `xml:"DataTransfer"`
	ReturnCode   AuthenticatedReturnCode `xml:"ReturnCode"`
}

type ResponseDataTransfer struct {
	DataEncryptionInfo *DataEncryptionInfo `xml:"DataEncryptionInfo"`
	OrderData          string              `xml:"OrderData"`
}

// --- ebicsKeyManagementResponse (INI, HIA, HPB) ---

// KeyManagementResponse answers the unsecured and no-pub-key-digests
// requests. Only HPB fills the DataTransfer. AuthSignature is nil only when
// the addressed host does not exist and no signing key is available.
type KeyManagementResponse struct {
	XMLName       xml.Name                    `xml:"urn:org:ebics:H004 ebicsKeyManagementResponse"`
	Version       string                      `xml:"Version,attr"`
	Revision      string                      `xml:"Revision,attr"`
	Header        KeyManagementResponseHeader `xml:"header"`
	AuthSignature *AuthSignature              `xml:"AuthSignature"`
	Body          KeyManagementResponseBody   `xml:"body"`
}

type KeyManagementResponseHeader struct {
	Authenticate bool                         `xml:"authenticate,attr"`
	Static       Empty                        `xml:"static"`
	Mutable      KeyManagementResponseMutable `xml:"mutable"`
}

type KeyManagementResponseMutable struct {
	OrderID    string `xml:"OrderID,omitempty"`
	ReturnCode string `xml:"ReturnCode"`
	ReportText string `xml:"ReportText"`
}

type KeyManagementResponseBody struct {
	DataTransfer *KeyManagementDataTransfer `xml:"DataTransfer"`
	ReturnCode   AuthenticatedReturnCode    `xml:"ReturnCode"`
}

type KeyManagementDataTransfer struct {
	DataEncryptionInfo DataEncryptionInfo `xml:"DataEncryptionInfo"`
	OrderData          string             `xml:"OrderData"`
}

// --- ebicsHEVRequest / ebicsHEVResponse (H000) ---

// HEVRequest asks which protocol versions the host supports.
type HEVRequest struct {
	XMLName xml.Name `xml:"http://www.ebics.org/H000 ebicsHEVRequest"`
	HostID  string   `xml:"HostID"`
}

// HEVResponse lists the supported protocol versions.
type HEVResponse struct {
	XMLName          xml.Name         `xml:"http://www.ebics.org/H000 ebicsHEVResponse"`
	SystemReturnCode SystemReturnCode `xml:"SystemReturnCode"`
	VersionNumber    []VersionNumber  `xml:"VersionNumber"`
}

type SystemReturnCode struct {
	ReturnCode string `xml:"ReturnCode"`
	ReportText string `xml:"ReportText"`
}

type VersionNumber struct {
	ProtocolVersion string `xml:"ProtocolVersion,attr"`
	Value           string `xml:",chardata"`
}

// NewHEVResponse advertises the single protocol version the sandbox speaks.
func NewHEVResponse() *HEVResponse {
	return &HEVResponse{
		SystemReturnCode: SystemReturnCode{
			ReturnCode: CodeOK.Code,
			ReportText: CodeOK.ReportText(),
		},
		VersionNumber: []VersionNumber{
			{ProtocolVersion: ProtocolVersion, Value: ProtocolRelease},
		},
	}
}
