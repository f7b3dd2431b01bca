package ebics

import (
	"errors"
	"fmt"
)

// ReturnCode pairs a numeric EBICS technical code with its symbolic name.
type ReturnCode struct {
	Code   string
	Symbol string
}

// Technical return codes used by the sandbox.
var (
	CodeOK                         = ReturnCode{"000000", "EBICS_OK"}
	CodeDownloadPostprocessDone    = ReturnCode{"011000", "EBICS_DOWNLOAD_POSTPROCESS_DONE"}
	CodeDownloadPostprocessSkipped = ReturnCode{"011001", "EBICS_DOWNLOAD_POSTPROCESS_SKIPPED"}
	CodeInvalidRequest             = ReturnCode{"060102", "EBICS_INVALID_REQUEST"}
	CodeNoDownloadData             = ReturnCode{"090005", "EBICS_NO_DOWNLOAD_DATA_AVAILABLE"}
	CodeInvalidUserOrUserState     = ReturnCode{"091002", "EBICS_INVALID_USER_OR_USER_STATE"}
	CodeUserUnknown                = ReturnCode{"091003", "EBICS_USER_UNKNOWN"}
	CodeUnsupportedOrderType       = ReturnCode{"091005", "EBICS_UNSUPPORTED_ORDER_TYPE"}
	CodeInvalidXML                 = ReturnCode{"091010", "EBICS_INVALID_XML"}
	CodeInvalidHostID              = ReturnCode{"091011", "EBICS_INVALID_HOST_ID"}
	CodeProcessingError            = ReturnCode{"091116", "EBICS_PROCESSING_ERROR"}
	CodeAuthorisationFailed        = ReturnCode{"091302", "EBICS_ACCOUNT_AUTHORISATION_FAILED"}
	CodeAmountCheckFailed          = ReturnCode{"091303", "EBICS_AMOUNT_CHECK_FAILED"}
)

// ReportText renders the code the way responses report it, e.g. "[EBICS_OK]".
func (rc ReturnCode) ReportText() string {
	return "[" + rc.Symbol + "]"
}

// OK reports whether the code signals success, including the download
// postprocessing acknowledgements.
func (rc ReturnCode) OK() bool {
	return rc == CodeOK || rc == CodeDownloadPostprocessDone ||
		rc == CodeDownloadPostprocessSkipped
}

// ProtocolError is an EBICS-level failure. It travels inside a well-formed,
// HTTP 200 response document rather than as a transport error.
type ProtocolError struct {
	Code    ReturnCode
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s", e.Code.Code, e.Code.Symbol)
	}
	return fmt.Sprintf("%s %s: %s", e.Code.Code, e.Code.Symbol, e.Message)
}

// ReportText renders the failure for the ReportText response element.
func (e *ProtocolError) ReportText() string {
	if e.Message == "" {
		return e.Code.ReportText()
	}
	return e.Code.ReportText() + " " + e.Message
}

// Errf builds a ProtocolError with a formatted detail message.
func Errf(code ReturnCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsProtocolError unwraps err to a ProtocolError if one is in the chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
