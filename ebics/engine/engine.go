// Package engine drives the bank side of an EBICS H004 conversation. It
// dispatches incoming documents by their root element, walks the subscriber
// and transaction state machines against the store, and renders signed
// response documents. Every request is processed inside one serializable
// database transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/crypto"
	"sandbank/ebics"
)

// Document roots accepted on the EBICS endpoint.
const (
	rootUnsecuredRequest       = "ebicsUnsecuredRequest"
	rootNoPubKeyDigestsRequest = "ebicsNoPubKeyDigestsRequest"
	rootRequest                = "ebicsRequest"
	rootHEVRequest             = "ebicsHEVRequest"
)

// ContentTypeXML is the media type of every EBICS response body.
const ContentTypeXML = "application/xml"

// Reply is the finished HTTP answer to one EBICS request. Protocol-level
// failures still travel with status 200 inside a well-formed document; only
// requests whose host cannot be determined fall back to a plain 400.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
	Note        ReplyNote
}

// ReplyNote summarises one processed exchange for callers that journal or
// meter EBICS traffic. Fields stay empty when the request never got far
// enough to determine them.
type ReplyNote struct {
	HostID     string
	Root       string
	OrderType  string
	Phase      string
	ReturnCode string
}

// Engine processes EBICS documents against the sandbox store.
type Engine struct {
	db  *gorm.DB
	hub *bank.Hub
}

// New returns an engine bound to the given database handle.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// WithHub makes the engine wake the hub's waiters for every account label a
// committed booking touched.
func (e *Engine) WithHub(hub *bank.Hub) *Engine {
	e.hub = hub
	return e
}

// Process answers the body of one POST to the EBICS endpoint.
func (e *Engine) Process(ctx context.Context, raw []byte, now time.Time) *Reply {
	root, err := ebics.RootLocalName(raw)
	if err != nil {
		return plainBadRequest("request body is not an XML document")
	}
	db := e.db.WithContext(ctx)
	var reply *Reply
	switch root {
	case rootUnsecuredRequest:
		reply = keyUpload(db, raw)
	case rootNoPubKeyDigestsRequest:
		reply = hostKeyDownload(db, raw)
	case rootRequest:
		reply = transaction(db, e.hub, raw, now)
	case rootHEVRequest:
		reply = versions(db, raw)
	default:
		return plainBadRequest(fmt.Sprintf("unhandled document root %q", root))
	}
	reply.Note.Root = root
	return reply
}

// versions answers ebicsHEVRequest with the single protocol version the
// sandbox speaks. HEV responses are never signed.
func versions(db *gorm.DB, raw []byte) *Reply {
	var req ebics.HEVRequest
	if err := ebics.UnmarshalDocument(raw, &req); err != nil {
		return plainBadRequest("malformed ebicsHEVRequest")
	}
	if req.HostID == "" {
		return plainBadRequest("missing host ID")
	}
	err := bank.RunSerializable(db, func(tx *gorm.DB) error {
		_, err := bank.HostByID(tx, req.HostID)
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		reply := marshalReply(&ebics.HEVResponse{
			SystemReturnCode: ebics.SystemReturnCode{
				ReturnCode: ebics.CodeInvalidHostID.Code,
				ReportText: ebics.CodeInvalidHostID.ReportText(),
			},
		})
		reply.Note.HostID = req.HostID
		reply.Note.ReturnCode = ebics.CodeInvalidHostID.Code
		return reply
	}
	if err != nil {
		return plainError(http.StatusInternalServerError, "host lookup failed")
	}
	reply := marshalReply(ebics.NewHEVResponse())
	reply.Note.HostID = req.HostID
	reply.Note.ReturnCode = ebics.CodeOK.Code
	return reply
}

// protocolErrorOf maps an engine failure to the EBICS error it travels as.
// Typed errors of the subscriber FSM and the ledger keep their codes;
// anything unexpected becomes a processing error so a matched host never
// answers with a non-EBICS body.
func protocolErrorOf(err error) *ebics.ProtocolError {
	if pe, ok := ebics.AsProtocolError(err); ok {
		return pe
	}
	var te *bank.TransitionError
	if errors.As(err, &te) {
		return ebics.Errf(ebics.CodeInvalidUserOrUserState, "%s", te.Error())
	}
	switch {
	case errors.Is(err, bank.ErrDebtLimitExceeded):
		return &ebics.ProtocolError{Code: ebics.CodeAmountCheckFailed}
	case errors.Is(err, bank.ErrCurrencyMismatch):
		return ebics.Errf(ebics.CodeProcessingError, "currency mismatch")
	}
	return ebics.Errf(ebics.CodeProcessingError, "bank internal error")
}

func marshalReply(doc any) *Reply {
	body, err := ebics.MarshalDocument(doc)
	if err != nil {
		return plainError(http.StatusInternalServerError, "cannot render response")
	}
	return &Reply{Status: http.StatusOK, ContentType: ContentTypeXML, Body: body}
}

// signedResponse signs an ebicsResponse under the host auth key and renders
// it.
func signedResponse(host *bank.EbicsHost, resp *ebics.Response) *Reply {
	key, err := crypto.LoadRsaPrivateKey(host.AuthPrivateKey)
	if err != nil {
		return plainError(http.StatusInternalServerError, "host signing key unusable")
	}
	sig, err := ebics.SignDocument(resp, key)
	if err != nil {
		return plainError(http.StatusInternalServerError, "cannot sign response")
	}
	resp.AuthSignature = *sig
	return marshalReply(resp)
}

func plainError(status int, msg string) *Reply {
	return &Reply{
		Status:      status,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(msg + "\n"),
	}
}

func plainBadRequest(msg string) *Reply {
	return plainError(http.StatusBadRequest, msg)
}
