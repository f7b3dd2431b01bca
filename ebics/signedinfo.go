package ebics

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"sandbank/crypto"
)

// Algorithm identifiers used in AuthSignature elements.
const (
	AlgorithmCanonicalXML = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmRSASHA256    = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmSHA256       = "http://www.w3.org/2001/04/xmlenc#sha256"
)

// SignatureReferenceURI selects every element flagged authenticate="true".
const SignatureReferenceURI = "#xpointer(//*[@authenticate='true'])"

// AuthSignature is the X002 authentication signature of a request or
// response, modeled on the xmldsig SignatureType.
type AuthSignature struct {
	SignedInfo     SignedInfo `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	SignatureValue string     `xml:"http://www.w3.org/2000/09/xmldsig# SignatureValue"`
}

type SignedInfo struct {
	CanonicalizationMethod AlgorithmAttr `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod"`
	SignatureMethod        AlgorithmAttr `xml:"http://www.w3.org/2000/09/xmldsig# SignatureMethod"`
	Reference              Reference     `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
}

type AlgorithmAttr struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type Reference struct {
	URI          string        `xml:"URI,attr"`
	Transforms   Transforms    `xml:"http://www.w3.org/2000/09/xmldsig# Transforms"`
	DigestMethod AlgorithmAttr `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	DigestValue  string        `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
}

type Transforms struct {
	Transform []AlgorithmAttr `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
}

// CanonicalPart is one authenticated subtree of a document, in document
// order.
type CanonicalPart struct {
	Local string
	Value any
}

// Signed is implemented by the documents that carry an AuthSignature.
type Signed interface {
	AuthenticatedParts() []CanonicalPart
}

func (r *NoPubKeyDigestsRequest) AuthenticatedParts() []CanonicalPart {
	return []CanonicalPart{{"header", &r.Header}}
}

func (r *Request) AuthenticatedParts() []CanonicalPart {
	parts := []CanonicalPart{{"header", &r.Header}}
	if dt := r.Body.DataTransfer; dt != nil {
		if dt.DataEncryptionInfo != nil && dt.DataEncryptionInfo.Authenticate {
			parts = append(parts, CanonicalPart{"DataEncryptionInfo", dt.DataEncryptionInfo})
		}
		if dt.SignatureData != nil && dt.SignatureData.Authenticate {
			parts = append(parts, CanonicalPart{"SignatureData", dt.SignatureData})
		}
	}
	if tr := r.Body.TransferReceipt; tr != nil && tr.Authenticate {
		parts = append(parts, CanonicalPart{"TransferReceipt", tr})
	}
	return parts
}

func (r *Response) AuthenticatedParts() []CanonicalPart {
	parts := []CanonicalPart{{"header", &r.Header}}
	if dt := r.Body.DataTransfer; dt != nil && dt.DataEncryptionInfo != nil && dt.DataEncryptionInfo.Authenticate {
		parts = append(parts, CanonicalPart{"DataEncryptionInfo", dt.DataEncryptionInfo})
	}
	if r.Body.ReturnCode.Authenticate {
		parts = append(parts, CanonicalPart{"ReturnCode", &r.Body.ReturnCode})
	}
	return parts
}

func (r *KeyManagementResponse) AuthenticatedParts() []CanonicalPart {
	parts := []CanonicalPart{{"header", &r.Header}}
	if dt := r.Body.DataTransfer; dt != nil && dt.DataEncryptionInfo.Authenticate {
		parts = append(parts, CanonicalPart{"DataEncryptionInfo", &dt.DataEncryptionInfo})
	}
	if r.Body.ReturnCode.Authenticate {
		parts = append(parts, CanonicalPart{"ReturnCode", &r.Body.ReturnCode})
	}
	return parts
}

// canonicalize renders one authenticated subtree deterministically: fields
// in schema order, no insignificant whitespace, only declared attributes.
// Both peers of the sandbox protocol derive digests from this rendering.
func canonicalize(part CanonicalPart) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Local: part.Local}}
	if err := enc.EncodeElement(part.Value, start); err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", part.Local, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalSignedInfo(si *SignedInfo) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Space: NamespaceXMLDSig, Local: "SignedInfo"}}
	if err := enc.EncodeElement(si, start); err != nil {
		return nil, fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AuthDigest hashes the authenticated subtrees of doc in document order.
func AuthDigest(doc Signed) ([]byte, error) {
	h := sha256.New()
	for _, part := range doc.AuthenticatedParts() {
		rendered, err := canonicalize(part)
		if err != nil {
			return nil, err
		}
		h.Write(rendered)
	}
	return h.Sum(nil), nil
}

// NewAuthSignature assembles the SignedInfo scaffolding around a digest,
// leaving the signature value for the signer.
func NewAuthSignature(digest []byte) AuthSignature {
	return AuthSignature{
		SignedInfo: SignedInfo{
			CanonicalizationMethod: AlgorithmAttr{AlgorithmCanonicalXML},
			SignatureMethod:        AlgorithmAttr{AlgorithmRSASHA256},
			Reference: Reference{
				URI:          SignatureReferenceURI,
				Transforms:   Transforms{Transform: []AlgorithmAttr{{AlgorithmCanonicalXML}}},
				DigestMethod: AlgorithmAttr{AlgorithmSHA256},
				DigestValue:  base64.StdEncoding.EncodeToString(digest),
			},
		},
	}
}

// SignDocument digests doc's authenticated subtrees and produces a complete
// AuthSignature under the given X002 key.
func SignDocument(doc Signed, key *rsa.PrivateKey) (*AuthSignature, error) {
	digest, err := AuthDigest(doc)
	if err != nil {
		return nil, err
	}
	sig := NewAuthSignature(digest)
	canonical, err := canonicalSignedInfo(&sig.SignedInfo)
	if err != nil {
		return nil, err
	}
	value, err := crypto.SignX002(canonical, key)
	if err != nil {
		return nil, err
	}
	sig.SignatureValue = base64.StdEncoding.EncodeToString(value)
	return &sig, nil
}

// VerifyDocument checks the reference digest and the signature value of
// doc's AuthSignature against the given X002 public key.
func VerifyDocument(doc Signed, sig *AuthSignature, pub *rsa.PublicKey) error {
	digest, err := AuthDigest(doc)
	if err != nil {
		return err
	}
	claimed, err := DecodeBase64(sig.SignedInfo.Reference.DigestValue)
	if err != nil {
		return fmt.Errorf("decode digest value: %w", err)
	}
	if !bytes.Equal(digest, claimed) {
		return fmt.Errorf("digest mismatch over authenticated elements")
	}
	canonical, err := canonicalSignedInfo(&sig.SignedInfo)
	if err != nil {
		return err
	}
	value, err := DecodeBase64(sig.SignatureValue)
	if err != nil {
		return fmt.Errorf("decode signature value: %w", err)
	}
	return crypto.VerifyX002(canonical, value, pub)
}
