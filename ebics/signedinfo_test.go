package ebics

import (
	"encoding/base64"
	"testing"

	"sandbank/crypto"
)

func testRequest() *Request {
	return &Request{
		Version:  ProtocolVersion,
		Revision: ProtocolRevision,
		Header: RequestHeader{
			Authenticate: true,
			Static: RequestStaticHeader{
				HostID:    "SANDBOX",
				Nonce:     "0A141E28323C46505A646E78828C96A0",
				Timestamp: "2020-02-14T15:05:00Z",
				PartnerID: "PARTNER1",
				UserID:    "USER1",
				OrderDetails: &RequestOrderDetails{
					OrderType:      "C53",
					OrderAttribute: OrderAttributeDZHNN,
				},
				SecurityMedium: SecurityMediumNone,
			},
			Mutable: RequestMutableHeader{TransactionPhase: PhaseInitialisation},
		},
		Body: RequestBody{
			DataTransfer: &RequestDataTransfer{
				DataEncryptionInfo: &DataEncryptionInfo{
					Authenticate: true,
					EncryptionPubKeyDigest: VersionedDigest{
						Version:   EncryptionVersionE002,
						Algorithm: AlgorithmSHA256,
						Value:     base64.StdEncoding.EncodeToString(make([]byte, 32)),
					},
					TransactionKey: "dHJhbnNhY3Rpb24ga2V5",
				},
				SignatureData: &SignatureData{Authenticate: true, Value: "c2lnbmF0dXJl"},
			},
		},
	}
}

func TestSignVerifyAfterRoundTrip(t *testing.T) {
	key, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := testRequest()
	sig, err := SignDocument(req, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.AuthSignature = *sig

	raw, err := MarshalDocument(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed Request
	if err := UnmarshalDocument(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := VerifyDocument(&parsed, &parsed.AuthSignature, &key.PublicKey); err != nil {
		t.Fatalf("verify after round trip: %v", err)
	}
}

func TestVerifyDetectsHeaderTampering(t *testing.T) {
	key, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := testRequest()
	sig, err := SignDocument(req, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.AuthSignature = *sig
	req.Header.Static.UserID = "USER2"
	if err := VerifyDocument(req, &req.AuthSignature, &key.PublicKey); err == nil {
		t.Fatalf("tampered header verified")
	}
}

func TestVerifyDetectsAuthenticatedBodyTampering(t *testing.T) {
	key, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := testRequest()
	sig, err := SignDocument(req, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.AuthSignature = *sig
	req.Body.DataTransfer.SignatureData.Value = "dGFtcGVyZWQ="
	if err := VerifyDocument(req, &req.AuthSignature, &key.PublicKey); err == nil {
		t.Fatalf("tampered signature data verified")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	key, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := testRequest()
	sig, err := SignDocument(req, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyDocument(req, sig, &other.PublicKey); err == nil {
		t.Fatalf("signature verified under foreign key")
	}
}

func TestResponseSigningCoversBodyReturnCode(t *testing.T) {
	key, err := crypto.GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	resp := &Response{
		Version:  ProtocolVersion,
		Revision: ProtocolRevision,
		Header: ResponseHeader{
			Authenticate: true,
			Mutable: ResponseMutableHeader{
				TransactionPhase: PhaseInitialisation,
				ReturnCode:       CodeOK.Code,
				ReportText:       CodeOK.ReportText(),
			},
		},
		Body: ResponseBody{
			ReturnCode: AuthenticatedReturnCode{Authenticate: true, Value: CodeOK.Code},
		},
	}
	sig, err := SignDocument(resp, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp.AuthSignature = *sig
	if err := VerifyDocument(resp, &resp.AuthSignature, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
	resp.Body.ReturnCode.Value = CodeProcessingError.Code
	if err := VerifyDocument(resp, &resp.AuthSignature, &key.PublicKey); err == nil {
		t.Fatalf("tampered body return code verified")
	}
}
