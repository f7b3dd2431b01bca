package engine

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/crypto"
	"sandbank/ebics"
)

// Key management order types.
const (
	orderTypeINI = "INI"
	orderTypeHIA = "HIA"
	orderTypeHPB = "HPB"
)

// keyUpload answers ebicsUnsecuredRequest: INI stores the subscriber's
// signature key, HIA its authentication and encryption keys, both advancing
// the subscriber FSM.
func keyUpload(db *gorm.DB, raw []byte) *Reply {
	var req ebics.UnsecuredRequest
	if err := ebics.UnmarshalDocument(raw, &req); err != nil {
		return plainBadRequest("malformed ebicsUnsecuredRequest")
	}
	static := &req.Header.Static
	if static.HostID == "" {
		return plainBadRequest("missing host ID")
	}
	var host *bank.EbicsHost
	err := bank.RunSerializable(db, func(tx *gorm.DB) error {
		found, err := bank.HostByID(tx, static.HostID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ebics.Errf(ebics.CodeInvalidHostID, "unknown host %s", static.HostID)
		}
		if err != nil {
			return err
		}
		host = found
		return applyKeyUpload(tx, host, &req)
	})
	reply := keyManagementReply(host, nil, err)
	reply.Note.HostID = static.HostID
	reply.Note.OrderType = static.OrderDetails.OrderType
	return reply
}

func applyKeyUpload(tx *gorm.DB, host *bank.EbicsHost, req *ebics.UnsecuredRequest) error {
	static := &req.Header.Static
	subscriber, err := bank.SubscriberByIdentity(tx, host.HostID, static.PartnerID, static.UserID, static.SystemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ebics.Errf(ebics.CodeUserUnknown, "subscriber %s/%s unknown", static.PartnerID, static.UserID)
	}
	if err != nil {
		return err
	}
	compressed, err := ebics.DecodeBase64(req.Body.DataTransfer.OrderData)
	if err != nil {
		return ebics.Errf(ebics.CodeInvalidXML, "order data is not base64")
	}
	orderData, err := ebics.DecompressOrderData(compressed)
	if err != nil {
		return ebics.Errf(ebics.CodeInvalidXML, "order data does not inflate")
	}
	orderType := static.OrderDetails.OrderType
	var keys map[bank.KeyUsage][]byte
	switch orderType {
	case orderTypeINI:
		keys, err = signatureKeyOf(orderData)
	case orderTypeHIA:
		keys, err = identificationKeysOf(orderData)
	default:
		return ebics.Errf(ebics.CodeUnsupportedOrderType, "order type %s is not a key upload", orderType)
	}
	if err != nil {
		return err
	}
	return bank.ApplySubscriberOrder(tx, subscriber, orderType, keys)
}

// hostKeyDownload answers ebicsNoPubKeyDigestsRequest: the HPB pull of the
// host's public keys, encrypted under the subscriber encryption key.
func hostKeyDownload(db *gorm.DB, raw []byte) *Reply {
	var req ebics.NoPubKeyDigestsRequest
	if err := ebics.UnmarshalDocument(raw, &req); err != nil {
		return plainBadRequest("malformed ebicsNoPubKeyDigestsRequest")
	}
	static := &req.Header.Static
	if static.HostID == "" {
		return plainBadRequest("missing host ID")
	}
	var (
		host *bank.EbicsHost
		dt   *ebics.KeyManagementDataTransfer
	)
	err := bank.RunSerializable(db, func(tx *gorm.DB) error {
		dt = nil
		found, err := bank.HostByID(tx, static.HostID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ebics.Errf(ebics.CodeInvalidHostID, "unknown host %s", static.HostID)
		}
		if err != nil {
			return err
		}
		host = found
		if ot := static.OrderDetails.OrderType; ot != orderTypeHPB {
			return ebics.Errf(ebics.CodeUnsupportedOrderType, "order type %s not admitted without pub key digests", ot)
		}
		subscriber, err := bank.SubscriberByIdentity(tx, host.HostID, static.PartnerID, static.UserID, static.SystemID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ebics.Errf(ebics.CodeUserUnknown, "subscriber %s/%s unknown", static.PartnerID, static.UserID)
		}
		if err != nil {
			return err
		}
		if _, err := bank.NextSubscriberState(subscriber.State, orderTypeHPB); err != nil {
			return err
		}
		keys, err := bank.SubscriberKeysOf(tx, subscriber.ID)
		if err != nil {
			return err
		}
		authPub, err := subscriberKey(keys, bank.KeyUsageAuthentication)
		if err != nil {
			return err
		}
		if err := ebics.VerifyDocument(&req, &req.AuthSignature, authPub); err != nil {
			return ebics.Errf(ebics.CodeAuthorisationFailed, "authentication signature rejected")
		}
		encPub, err := subscriberKey(keys, bank.KeyUsageEncryption)
		if err != nil {
			return err
		}
		dt, err = hostKeyBundle(host, encPub)
		if err != nil {
			return err
		}
		return bank.ApplySubscriberOrder(tx, subscriber, orderTypeHPB, nil)
	})
	reply := keyManagementReply(host, dt, err)
	reply.Note.HostID = static.HostID
	reply.Note.OrderType = static.OrderDetails.OrderType
	return reply
}

// keyManagementReply renders the shared ebicsKeyManagementResponse envelope.
// A nil host leaves the response unsigned, which only happens when the
// addressed host does not exist.
func keyManagementReply(host *bank.EbicsHost, dt *ebics.KeyManagementDataTransfer, failure error) *Reply {
	code := ebics.CodeOK
	report := code.ReportText()
	if failure != nil {
		pe := protocolErrorOf(failure)
		code = pe.Code
		report = pe.ReportText()
		dt = nil
	}
	resp := &ebics.KeyManagementResponse{
		Version:  ebics.ProtocolVersion,
		Revision: ebics.ProtocolRevision,
		Header: ebics.KeyManagementResponseHeader{
			Authenticate: true,
			Mutable: ebics.KeyManagementResponseMutable{
				ReturnCode: code.Code,
				ReportText: report,
			},
		},
		Body: ebics.KeyManagementResponseBody{
			DataTransfer: dt,
			ReturnCode:   ebics.AuthenticatedReturnCode{Authenticate: true, Value: code.Code},
		},
	}
	if host != nil {
		key, err := crypto.LoadRsaPrivateKey(host.AuthPrivateKey)
		if err != nil {
			return plainError(http.StatusInternalServerError, "host signing key unusable")
		}
		sig, err := ebics.SignDocument(resp, key)
		if err != nil {
			return plainError(http.StatusInternalServerError, "cannot sign response")
		}
		resp.AuthSignature = sig
	}
	reply := marshalReply(resp)
	reply.Note.ReturnCode = code.Code
	return reply
}

func signatureKeyOf(orderData []byte) (map[bank.KeyUsage][]byte, error) {
	var doc ebics.SignaturePubKeyOrderData
	if err := ebics.UnmarshalDocument(orderData, &doc); err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "bad SignaturePubKeyOrderData")
	}
	if v := doc.SignaturePubKeyInfo.SignatureVersion; v != ebics.SignatureVersionA006 {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "unsupported signature version %s", v)
	}
	der, err := derOfKeyValue(doc.SignaturePubKeyInfo.PubKeyValue)
	if err != nil {
		return nil, err
	}
	return map[bank.KeyUsage][]byte{bank.KeyUsageSignature: der}, nil
}

func identificationKeysOf(orderData []byte) (map[bank.KeyUsage][]byte, error) {
	var doc ebics.HIARequestOrderData
	if err := ebics.UnmarshalDocument(orderData, &doc); err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "bad HIARequestOrderData")
	}
	if v := doc.AuthenticationPubKeyInfo.AuthenticationVersion; v != ebics.AuthenticationVersionX002 {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "unsupported authentication version %s", v)
	}
	if v := doc.EncryptionPubKeyInfo.EncryptionVersion; v != ebics.EncryptionVersionE002 {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "unsupported encryption version %s", v)
	}
	authDer, err := derOfKeyValue(doc.AuthenticationPubKeyInfo.PubKeyValue)
	if err != nil {
		return nil, err
	}
	encDer, err := derOfKeyValue(doc.EncryptionPubKeyInfo.PubKeyValue)
	if err != nil {
		return nil, err
	}
	return map[bank.KeyUsage][]byte{
		bank.KeyUsageAuthentication: authDer,
		bank.KeyUsageEncryption:     encDer,
	}, nil
}

// derOfKeyValue rebuilds the stored PKIX DER form from the wire's
// modulus/exponent pair.
func derOfKeyValue(v ebics.PubKeyValue) ([]byte, error) {
	modulus, err := ebics.DecodeBase64(v.RSAKeyValue.Modulus)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "bad key modulus")
	}
	exponent, err := ebics.DecodeBase64(v.RSAKeyValue.Exponent)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "bad key exponent")
	}
	pub, err := crypto.LoadRsaPublicFromComponents(modulus, exponent)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "unusable public key: %v", err)
	}
	return crypto.MarshalRsaPublicKey(pub)
}

// keyValueOf renders a public key in the wire's modulus/exponent form.
func keyValueOf(pub *rsa.PublicKey) ebics.PubKeyValue {
	return ebics.PubKeyValue{
		RSAKeyValue: ebics.RSAKeyValue{
			Modulus:  base64.StdEncoding.EncodeToString(pub.N.Bytes()),
			Exponent: base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		},
	}
}

// subscriberKey loads one uploaded public key. The FSM guarantees the key
// exists once the subscriber reached the state that requires it, so a miss is
// an internal inconsistency rather than a client error.
func subscriberKey(keys map[bank.KeyUsage][]byte, usage bank.KeyUsage) (*rsa.PublicKey, error) {
	der, ok := keys[usage]
	if !ok {
		return nil, ebics.Errf(ebics.CodeProcessingError, "subscriber has no %s key", usage)
	}
	pub, err := crypto.LoadRsaPublicKey(der)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeProcessingError, "stored %s key unusable", usage)
	}
	return pub, nil
}

// hostKeyBundle builds the HPB payload: both host public keys, compressed and
// E002-encrypted under the subscriber's encryption key.
func hostKeyBundle(host *bank.EbicsHost, recipient *rsa.PublicKey) (*ebics.KeyManagementDataTransfer, error) {
	authPriv, err := crypto.LoadRsaPrivateKey(host.AuthPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("host auth key: %w", err)
	}
	encPriv, err := crypto.LoadRsaPrivateKey(host.EncPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("host enc key: %w", err)
	}
	doc := ebics.HPBResponseOrderData{
		AuthenticationPubKeyInfo: ebics.AuthenticationPubKeyInfo{
			PubKeyValue:           keyValueOf(&authPriv.PublicKey),
			AuthenticationVersion: ebics.AuthenticationVersionX002,
		},
		EncryptionPubKeyInfo: ebics.EncryptionPubKeyInfo{
			PubKeyValue:       keyValueOf(&encPriv.PublicKey),
			EncryptionVersion: ebics.EncryptionVersionE002,
		},
		HostID: host.HostID,
	}
	rendered, err := ebics.MarshalDocument(&doc)
	if err != nil {
		return nil, err
	}
	compressed, err := ebics.CompressOrderData(rendered)
	if err != nil {
		return nil, err
	}
	envelope, err := crypto.EncryptE002(compressed, recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt host key bundle: %w", err)
	}
	return &ebics.KeyManagementDataTransfer{
		DataEncryptionInfo: ebics.DataEncryptionInfo{
			Authenticate: true,
			EncryptionPubKeyDigest: ebics.VersionedDigest{
				Version:   ebics.EncryptionVersionE002,
				Algorithm: ebics.AlgorithmSHA256,
				Value:     base64.StdEncoding.EncodeToString(envelope.PubKeyDigest),
			},
			TransactionKey: base64.StdEncoding.EncodeToString(envelope.EncryptedTransactionKey),
		},
		OrderData: base64.StdEncoding.EncodeToString(envelope.EncryptedData),
	}, nil
}
