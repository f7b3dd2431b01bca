package engine

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/crypto"
	"sandbank/ebics"
)

// requestContext carries what every transaction phase needs: the addressed
// host with its private keys and the subscriber the request speaks for, with
// its uploaded public keys. notify collects the account labels a booking
// touched, to be delivered to hub waiters after the commit.
type requestContext struct {
	host       *bank.EbicsHost
	hostAuth   *rsa.PrivateKey
	hostEnc    *rsa.PrivateKey
	subscriber *bank.EbicsSubscriber
	keys       map[bank.KeyUsage][]byte
	notify     []string
}

func (rc *requestContext) resolveHost(tx *gorm.DB, hostID string) error {
	host, err := bank.HostByID(tx, hostID)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", hostID, err)
	}
	auth, err := crypto.LoadRsaPrivateKey(host.AuthPrivateKey)
	if err != nil {
		return fmt.Errorf("host auth key: %w", err)
	}
	enc, err := crypto.LoadRsaPrivateKey(host.EncPrivateKey)
	if err != nil {
		return fmt.Errorf("host enc key: %w", err)
	}
	rc.host = host
	rc.hostAuth = auth
	rc.hostEnc = enc
	return nil
}

func (rc *requestContext) resolveSubscriber(tx *gorm.DB, partnerID, userID, systemID string) error {
	subscriber, err := bank.SubscriberByIdentity(tx, rc.host.HostID, partnerID, userID, systemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ebics.Errf(ebics.CodeUserUnknown, "subscriber %s/%s unknown", partnerID, userID)
	}
	if err != nil {
		return err
	}
	return rc.attachSubscriber(tx, subscriber)
}

func (rc *requestContext) resolveSubscriberByID(tx *gorm.DB, id uuid.UUID) error {
	subscriber, err := bank.SubscriberByID(tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ebics.Errf(ebics.CodeProcessingError, "transaction subscriber vanished")
	}
	if err != nil {
		return err
	}
	return rc.attachSubscriber(tx, subscriber)
}

func (rc *requestContext) attachSubscriber(tx *gorm.DB, subscriber *bank.EbicsSubscriber) error {
	keys, err := bank.SubscriberKeysOf(tx, subscriber.ID)
	if err != nil {
		return err
	}
	rc.subscriber = subscriber
	rc.keys = keys
	return nil
}

// transaction answers ebicsRequest across the Initialisation, Transfer and
// Receipt phases.
func transaction(db *gorm.DB, hub *bank.Hub, raw []byte, now time.Time) *Reply {
	var req ebics.Request
	if err := ebics.UnmarshalDocument(raw, &req); err != nil {
		return plainBadRequest("malformed ebicsRequest")
	}
	if req.Header.Static.HostID == "" {
		return plainBadRequest("missing host ID")
	}
	rc := &requestContext{}
	var resp *ebics.Response
	err := bank.RunSerializable(db, func(tx *gorm.DB) error {
		*rc = requestContext{}
		resp = nil
		if err := rc.resolveHost(tx, req.Header.Static.HostID); err != nil {
			return err
		}
		var err error
		resp, err = runPhase(tx, rc, &req, now)
		return err
	})
	if err != nil {
		if rc.host == nil {
			// Without host keys no signed EBICS answer is possible.
			return plainBadRequest("unknown EBICS host")
		}
		resp = errorResponse(&req, protocolErrorOf(err))
	}
	if err == nil && hub != nil {
		for _, label := range rc.notify {
			hub.Notify(label)
		}
	}
	reply := signedResponse(rc.host, resp)
	reply.Note.HostID = req.Header.Static.HostID
	reply.Note.Phase = req.Header.Mutable.TransactionPhase
	reply.Note.ReturnCode = resp.Header.Mutable.ReturnCode
	if od := req.Header.Static.OrderDetails; od != nil {
		reply.Note.OrderType = od.OrderType
	}
	return reply
}

func runPhase(tx *gorm.DB, rc *requestContext, req *ebics.Request, now time.Time) (*ebics.Response, error) {
	switch phase := req.Header.Mutable.TransactionPhase; phase {
	case ebics.PhaseInitialisation:
		return initialisation(tx, rc, req, now)
	case ebics.PhaseTransfer:
		return transfer(tx, rc, req, now)
	case ebics.PhaseReceipt:
		return receipt(tx, rc, req)
	default:
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "unknown transaction phase %q", phase)
	}
}

// admitTransaction accepts transaction phases from initialized subscribers.
// READY is not required in this sandbox.
func admitTransaction(subscriber *bank.EbicsSubscriber) error {
	switch subscriber.State {
	case bank.SubscriberInitialized, bank.SubscriberReady:
		return nil
	}
	return ebics.Errf(ebics.CodeInvalidUserOrUserState,
		"subscriber %s in state %s", subscriber.UserID, subscriber.State)
}

// verifyRequest checks the X002 document signature against the subscriber's
// uploaded authentication key.
func verifyRequest(rc *requestContext, req *ebics.Request) error {
	authPub, err := subscriberKey(rc.keys, bank.KeyUsageAuthentication)
	if err != nil {
		return err
	}
	if err := ebics.VerifyDocument(req, &req.AuthSignature, authPub); err != nil {
		return ebics.Errf(ebics.CodeAuthorisationFailed, "authentication signature rejected")
	}
	return nil
}

func initialisation(tx *gorm.DB, rc *requestContext, req *ebics.Request, now time.Time) (*ebics.Response, error) {
	static := &req.Header.Static
	if err := rc.resolveSubscriber(tx, static.PartnerID, static.UserID, static.SystemID); err != nil {
		return nil, err
	}
	if err := admitTransaction(rc.subscriber); err != nil {
		return nil, err
	}
	if err := verifyRequest(rc, req); err != nil {
		return nil, err
	}
	if static.OrderDetails == nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "initialisation without order details")
	}
	orderType := static.OrderDetails.OrderType
	if static.NumSegments > 0 {
		return uploadInitialisation(tx, rc, req, orderType)
	}
	return downloadInitialisation(tx, rc, req, orderType, now)
}

func uploadInitialisation(tx *gorm.DB, rc *requestContext, req *ebics.Request, orderType string) (*ebics.Response, error) {
	if orderType != orderTypeCCT {
		return nil, ebics.Errf(ebics.CodeUnsupportedOrderType, "unsupported upload order type %s", orderType)
	}
	dt := req.Body.DataTransfer
	if dt == nil || dt.DataEncryptionInfo == nil || dt.SignatureData == nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "upload initialisation without signature data")
	}
	wrappedKey, err := ebics.DecodeBase64(dt.DataEncryptionInfo.TransactionKey)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "transaction key is not base64")
	}
	signatures, err := decryptUserSignatures(rc, dt, wrappedKey)
	if err != nil {
		return nil, err
	}
	txID, err := ebics.NewTransactionID()
	if err != nil {
		return nil, err
	}
	orderID := ebics.OrderIDFromIndex(rc.subscriber.NextOrderID)
	rc.subscriber.NextOrderID++
	if err := tx.Save(rc.subscriber).Error; err != nil {
		return nil, fmt.Errorf("advance order counter of %s: %w", rc.subscriber.UserID, err)
	}
	row := bank.EbicsUploadTx{
		TransactionID:     txID,
		HostID:            rc.host.HostID,
		SubscriberID:      rc.subscriber.ID,
		OrderType:         orderType,
		OrderID:           orderID,
		NumSegments:       req.Header.Static.NumSegments,
		TransactionKeyEnc: wrappedKey,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("persist upload transaction: %w", err)
	}
	for _, sig := range signatures {
		value, err := ebics.DecodeBase64(sig.SignatureValue)
		if err != nil {
			return nil, ebics.Errf(ebics.CodeInvalidXML, "order signature is not base64")
		}
		sigRow := bank.OrderSignature{
			ID:                 uuid.New(),
			OrderID:            orderID,
			OrderType:          orderType,
			PartnerID:          sig.PartnerID,
			UserID:             sig.UserID,
			SignatureAlgorithm: sig.SignatureVersion,
			SignatureValue:     value,
		}
		if err := tx.Create(&sigRow).Error; err != nil {
			return nil, fmt.Errorf("persist order signature: %w", err)
		}
	}
	resp := newResponse(ebics.PhaseInitialisation, ebics.CodeOK)
	resp.Header.Static.TransactionID = txID
	resp.Header.Mutable.OrderID = orderID
	return resp, nil
}

// decryptUserSignatures opens the E002 envelope around the UserSignatureData
// of an upload initialisation and checks every entry names an A006 signature.
func decryptUserSignatures(rc *requestContext, dt *ebics.RequestDataTransfer, wrappedKey []byte) ([]ebics.OrderSignatureData, error) {
	ciphertext, err := ebics.DecodeBase64(dt.SignatureData.Value)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "signature data is not base64")
	}
	digest, err := ebics.DecodeBase64(dt.DataEncryptionInfo.EncryptionPubKeyDigest.Value)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "encryption key digest is not base64")
	}
	compressed, err := crypto.DecryptE002(&crypto.E002Envelope{
		EncryptedTransactionKey: wrappedKey,
		PubKeyDigest:            digest,
		EncryptedData:           ciphertext,
	}, rc.hostEnc)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "cannot decrypt signature data")
	}
	raw, err := ebics.DecompressOrderData(compressed)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "signature data does not inflate")
	}
	var doc ebics.UserSignatureData
	if err := ebics.UnmarshalDocument(raw, &doc); err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "bad UserSignatureData")
	}
	if len(doc.OrderSignatureData) == 0 {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "order carries no signatures")
	}
	for _, sig := range doc.OrderSignatureData {
		if sig.SignatureVersion != ebics.SignatureVersionA006 {
			return nil, ebics.Errf(ebics.CodeInvalidRequest, "unsupported signature version %s", sig.SignatureVersion)
		}
	}
	return doc.OrderSignatureData, nil
}

func downloadInitialisation(tx *gorm.DB, rc *requestContext, req *ebics.Request, orderType string, now time.Time) (*ebics.Response, error) {
	payload, err := orderPayload(tx, rc, req, orderType, now)
	if err != nil {
		return nil, err
	}
	encPub, err := subscriberKey(rc.keys, bank.KeyUsageEncryption)
	if err != nil {
		return nil, err
	}
	compressed, err := ebics.CompressOrderData(payload)
	if err != nil {
		return nil, err
	}
	envelope, err := crypto.EncryptE002(compressed, encPub)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s payload: %w", orderType, err)
	}
	encoded := base64.StdEncoding.EncodeToString(envelope.EncryptedData)
	numSegments := (len(encoded) + ebics.SegmentSize - 1) / ebics.SegmentSize
	if numSegments == 0 {
		numSegments = 1
	}
	txID, err := ebics.NewTransactionID()
	if err != nil {
		return nil, err
	}
	row := bank.EbicsDownloadTx{
		TransactionID:     txID,
		HostID:            rc.host.HostID,
		SubscriberID:      rc.subscriber.ID,
		OrderType:         orderType,
		Payload:           encoded,
		TransactionKeyEnc: envelope.EncryptedTransactionKey,
		NumSegments:       numSegments,
		SegmentSize:       ebics.SegmentSize,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("persist download transaction: %w", err)
	}
	resp := newResponse(ebics.PhaseInitialisation, ebics.CodeOK)
	resp.Header.Static.TransactionID = txID
	resp.Header.Static.NumSegments = numSegments
	resp.Header.Mutable.SegmentNumber = &ebics.SegmentNumber{
		LastSegment: numSegments == 1,
		Value:       "1",
	}
	resp.Body.DataTransfer = &ebics.ResponseDataTransfer{
		DataEncryptionInfo: &ebics.DataEncryptionInfo{
			Authenticate: true,
			EncryptionPubKeyDigest: ebics.VersionedDigest{
				Version:   ebics.EncryptionVersionE002,
				Algorithm: ebics.AlgorithmSHA256,
				Value:     base64.StdEncoding.EncodeToString(envelope.PubKeyDigest),
			},
			TransactionKey: base64.StdEncoding.EncodeToString(envelope.EncryptedTransactionKey),
		},
		OrderData: segmentOf(encoded, 1, ebics.SegmentSize),
	}
	return resp, nil
}

func transfer(tx *gorm.DB, rc *requestContext, req *ebics.Request, now time.Time) (*ebics.Response, error) {
	txID := req.Header.Static.TransactionID
	if txID == "" {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "transfer without transaction ID")
	}
	var upload bank.EbicsUploadTx
	err := tx.First(&upload, "transaction_id = ?", txID).Error
	if err == nil {
		return uploadTransfer(tx, rc, req, &upload, now)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up upload transaction: %w", err)
	}
	var download bank.EbicsDownloadTx
	err = tx.First(&download, "transaction_id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "unknown transaction %s", txID)
	}
	if err != nil {
		return nil, fmt.Errorf("look up download transaction: %w", err)
	}
	return downloadTransfer(tx, rc, req, &download)
}

func uploadTransfer(tx *gorm.DB, rc *requestContext, req *ebics.Request, row *bank.EbicsUploadTx, now time.Time) (*ebics.Response, error) {
	if err := rc.resolveSubscriberByID(tx, row.SubscriberID); err != nil {
		return nil, err
	}
	if err := verifyRequest(rc, req); err != nil {
		return nil, err
	}
	segment := req.Header.Mutable.SegmentNumber
	if segment == nil || strings.TrimSpace(segment.Value) != "1" || row.NumSegments != 1 {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "multi-segment uploads not supported")
	}
	dt := req.Body.DataTransfer
	if dt == nil || dt.OrderData == "" {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "transfer without order data")
	}
	ciphertext, err := ebics.DecodeBase64(dt.OrderData)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "order data is not base64")
	}
	compressed, err := crypto.DecryptE002(&crypto.E002Envelope{
		EncryptedTransactionKey: row.TransactionKeyEnc,
		EncryptedData:           ciphertext,
	}, rc.hostEnc)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "cannot decrypt order data")
	}
	orderData, err := ebics.DecompressOrderData(compressed)
	if err != nil {
		return nil, ebics.Errf(ebics.CodeInvalidXML, "order data does not inflate")
	}
	if err := verifyOrderSignatures(tx, rc, row, orderData); err != nil {
		return nil, err
	}
	if row.OrderType == orderTypeCCT {
		if err := bookUpload(tx, rc, orderData, now); err != nil {
			return nil, err
		}
	}
	resp := newResponse(ebics.PhaseTransfer, ebics.CodeOK)
	resp.Header.Static.TransactionID = row.TransactionID
	resp.Header.Mutable.SegmentNumber = &ebics.SegmentNumber{LastSegment: true, Value: "1"}
	resp.Header.Mutable.OrderID = row.OrderID
	return resp, nil
}

// verifyOrderSignatures checks every stored A006 signature of the order
// against the subscriber's signature key and the received order bytes.
func verifyOrderSignatures(tx *gorm.DB, rc *requestContext, row *bank.EbicsUploadTx, orderData []byte) error {
	sigPub, err := subscriberKey(rc.keys, bank.KeyUsageSignature)
	if err != nil {
		return err
	}
	var signatures []bank.OrderSignature
	err = tx.Where("order_id = ? AND order_type = ?", row.OrderID, row.OrderType).Find(&signatures).Error
	if err != nil {
		return fmt.Errorf("load order signatures: %w", err)
	}
	if len(signatures) == 0 {
		return ebics.Errf(ebics.CodeInvalidRequest, "order %s carries no signatures", row.OrderID)
	}
	digest := crypto.DigestA006(orderData)
	for _, sig := range signatures {
		if err := crypto.VerifyA006(digest, sig.SignatureValue, sigPub); err != nil {
			return ebics.Errf(ebics.CodeInvalidRequest, "order signature of %s rejected", sig.UserID)
		}
	}
	return nil
}

func downloadTransfer(tx *gorm.DB, rc *requestContext, req *ebics.Request, row *bank.EbicsDownloadTx) (*ebics.Response, error) {
	if err := rc.resolveSubscriberByID(tx, row.SubscriberID); err != nil {
		return nil, err
	}
	if err := verifyRequest(rc, req); err != nil {
		return nil, err
	}
	segment := req.Header.Mutable.SegmentNumber
	if segment == nil {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "transfer without segment number")
	}
	n, err := strconv.Atoi(strings.TrimSpace(segment.Value))
	if err != nil || n < 1 || n > row.NumSegments {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "segment %q out of range", segment.Value)
	}
	resp := newResponse(ebics.PhaseTransfer, ebics.CodeOK)
	resp.Header.Static.TransactionID = row.TransactionID
	resp.Header.Static.NumSegments = row.NumSegments
	resp.Header.Mutable.SegmentNumber = &ebics.SegmentNumber{
		LastSegment: n == row.NumSegments,
		Value:       strconv.Itoa(n),
	}
	resp.Body.DataTransfer = &ebics.ResponseDataTransfer{
		OrderData: segmentOf(row.Payload, n, row.SegmentSize),
	}
	return resp, nil
}

func receipt(tx *gorm.DB, rc *requestContext, req *ebics.Request) (*ebics.Response, error) {
	txID := req.Header.Static.TransactionID
	if txID == "" {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "receipt without transaction ID")
	}
	var row bank.EbicsDownloadTx
	err := tx.First(&row, "transaction_id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ebics.Errf(ebics.CodeProcessingError, "receipt for unknown transaction %s", txID)
	}
	if err != nil {
		return nil, fmt.Errorf("look up download transaction: %w", err)
	}
	if err := rc.resolveSubscriberByID(tx, row.SubscriberID); err != nil {
		return nil, err
	}
	if err := verifyRequest(rc, req); err != nil {
		return nil, err
	}
	if req.Body.TransferReceipt == nil {
		return nil, ebics.Errf(ebics.CodeInvalidRequest, "receipt without transfer receipt")
	}
	if err := tx.Delete(&row).Error; err != nil {
		return nil, fmt.Errorf("close download transaction: %w", err)
	}
	code := ebics.CodeDownloadPostprocessDone
	if req.Body.TransferReceipt.ReceiptCode != 0 {
		code = ebics.CodeDownloadPostprocessSkipped
	}
	resp := newResponse(ebics.PhaseReceipt, code)
	resp.Header.Static.TransactionID = row.TransactionID
	return resp, nil
}

// newResponse builds the ebicsResponse envelope for one phase with the given
// return code in the header and the authenticated body element.
func newResponse(phase string, code ebics.ReturnCode) *ebics.Response {
	return &ebics.Response{
		Version:  ebics.ProtocolVersion,
		Revision: ebics.ProtocolRevision,
		Header: ebics.ResponseHeader{
			Authenticate: true,
			Mutable: ebics.ResponseMutableHeader{
				TransactionPhase: phase,
				ReturnCode:       code.Code,
				ReportText:       code.ReportText(),
			},
		},
		Body: ebics.ResponseBody{
			ReturnCode: ebics.AuthenticatedReturnCode{Authenticate: true, Value: code.Code},
		},
	}
}

// errorResponse answers a failed ebicsRequest, echoing the phase and the
// transaction ID the client referenced.
func errorResponse(req *ebics.Request, pe *ebics.ProtocolError) *ebics.Response {
	resp := newResponse(req.Header.Mutable.TransactionPhase, pe.Code)
	resp.Header.Mutable.ReportText = pe.ReportText()
	resp.Header.Static.TransactionID = req.Header.Static.TransactionID
	return resp
}

// segmentOf slices the n-th fixed-size segment, 1-based, out of the encoded
// payload.
func segmentOf(encoded string, n, size int) string {
	start := (n - 1) * size
	if start >= len(encoded) {
		return ""
	}
	end := start + size
	if end > len(encoded) {
		end = len(encoded)
	}
	return encoded[start:end]
}
