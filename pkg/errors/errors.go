// payment-recon/pkg/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes used across the reconciliation core. Adapters and the
// engine branch on these codes, never on error strings.
const (
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeGatewayBlocked     = "GATEWAY_BLOCKED"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeAlreadyConsumed    = "ALREADY_CONSUMED"
	CodeTxNotFound         = "TX_NOT_FOUND"
)

type E struct {
	Code    string
	Message string
	Err     error
}

func (e E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e E) Unwrap() error { return e.Err }

func Wrap(code, msg string, err error) error {
	return E{Code: code, Message: msg, Err: err}
}

func New(code, msg string) error {
	return E{Code: code, Message: msg}
}

// Code returns the code carried by err if it is (or wraps) an E.
func Code(err error) string {
	var e E
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

func HasCode(err error, code string) bool { return Code(err) == code }
