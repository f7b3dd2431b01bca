package ebics

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// maxOrderDataBytes caps inflated order data so a malicious client cannot
// feed the sandbox a decompression bomb.
const maxOrderDataBytes = 32 << 20

// MarshalDocument serializes an EBICS document with the XML declaration.
func MarshalDocument(doc any) ([]byte, error) {
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal EBICS document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// UnmarshalDocument parses an EBICS document, accepting the legacy charsets
// some client stacks still declare.
func UnmarshalDocument(raw []byte, doc any) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charsetReader
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("parse EBICS document: %w", err)
	}
	return nil
}

// RootLocalName sniffs the local name of the document element so the
// dispatcher can pick the schema before a full parse.
func RootLocalName(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charsetReader
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("no document element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "us-ascii":
		return input, nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "iso-8859-15":
		return charmap.ISO8859_15.NewDecoder().Reader(input), nil
	case "windows-1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
}

// DecodeBase64 decodes element content, tolerating the line breaks and
// indentation some client stacks insert into long values.
func DecodeBase64(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(cleaned)
}

// FormatTimestamp renders a header timestamp in the UTC ISO form H004 uses.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CompressOrderData applies the EBICS order-data compression (zlib).
func CompressOrderData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress order data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress order data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressOrderData inflates EBICS order data, bounded by
// maxOrderDataBytes.
func DecompressOrderData(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open order data stream: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxOrderDataBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflate order data: %w", err)
	}
	if len(out) > maxOrderDataBytes {
		return nil, fmt.Errorf("inflated order data exceeds %d bytes", maxOrderDataBytes)
	}
	return out, nil
}
