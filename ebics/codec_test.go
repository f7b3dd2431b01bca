package ebics

import (
	"bytes"
	"strings"
	"testing"
)

func TestDocumentRoundTrip(t *testing.T) {
	doc := &UnsecuredRequest{
		Version:  ProtocolVersion,
		Revision: ProtocolRevision,
		Header: UnsecuredRequestHeader{
			Authenticate: true,
			Static: UnsecuredRequestStatic{
				HostID:    "SANDBOX",
				PartnerID: "PARTNER1",
				UserID:    "USER1",
				Product:   &Product{Language: "en", Value: "test client"},
				OrderDetails: PlainOrderDetails{
					OrderType:      "INI",
					OrderAttribute: OrderAttributeDZNNN,
				},
				SecurityMedium: SecurityMediumNone,
			},
		},
		Body: UnsecuredRequestBody{
			DataTransfer: UnsecuredDataTransfer{OrderData: "AAAA"},
		},
	}
	raw, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("<?xml")) {
		t.Fatalf("missing XML declaration: %q", raw[:20])
	}
	var parsed UnsecuredRequest
	if err := UnmarshalDocument(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Header.Static.HostID != "SANDBOX" ||
		parsed.Header.Static.OrderDetails.OrderType != "INI" ||
		parsed.Body.DataTransfer.OrderData != "AAAA" {
		t.Fatalf("round trip lost fields: %+v", parsed)
	}
	if !parsed.Header.Authenticate {
		t.Fatalf("authenticate attribute lost")
	}
}

func TestRootLocalName(t *testing.T) {
	raw := []byte(`<?xml version="1.0"?>
<!-- preamble -->
<ebicsRequest xmlns="urn:org:ebics:H004"/>`)
	name, err := RootLocalName(raw)
	if err != nil {
		t.Fatalf("sniff root: %v", err)
	}
	if name != "ebicsRequest" {
		t.Fatalf("root = %q, want ebicsRequest", name)
	}
	if _, err := RootLocalName([]byte("not xml at all")); err == nil {
		t.Fatalf("expected error for junk input")
	}
}

func TestUnmarshalLegacyCharset(t *testing.T) {
	raw := []byte(`<?xml version="1.0" encoding="ISO-8859-1"?>` +
		`<ebicsHEVRequest xmlns="http://www.ebics.org/H000"><HostID>M` + "\xfc" + `nchen</HostID></ebicsHEVRequest>`)
	var req HEVRequest
	if err := UnmarshalDocument(raw, &req); err != nil {
		t.Fatalf("unmarshal latin1: %v", err)
	}
	if req.HostID != "München" {
		t.Fatalf("HostID = %q, want München", req.HostID)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("<Stmt>camt</Stmt>"), 512)
	packed, err := CompressOrderData(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(packed) >= len(payload) {
		t.Fatalf("compression did not shrink repetitive payload")
	}
	restored, err := DecompressOrderData(packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Fatalf("round trip mismatch")
	}
	if _, err := DecompressOrderData([]byte("garbage")); err == nil {
		t.Fatalf("expected error for corrupt stream")
	}
}

func TestDecodeBase64Whitespace(t *testing.T) {
	got, err := DecodeBase64("aGV s\nbG8=\r\n")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("decoded %q, want hello", got)
	}
	if _, err := DecodeBase64("!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestHEVResponse(t *testing.T) {
	raw, err := MarshalDocument(NewHEVResponse())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(raw)
	for _, want := range []string{"ebicsHEVResponse", `ProtocolVersion="H004"`, "02.50", "[EBICS_OK]"} {
		if !strings.Contains(text, want) {
			t.Fatalf("response missing %q:\n%s", want, text)
		}
	}
}
