package billing

import (
	"errors"
	"fmt"
)

// ResponseCode mirrors the platform billing response codes.
type ResponseCode int

const (
	CodeServiceTimeout      ResponseCode = -3
	CodeFeatureNotSupported ResponseCode = -2
	CodeServiceDisconnected ResponseCode = -1
	CodeOK                  ResponseCode = 0
	CodeUserCanceled        ResponseCode = 1
	CodeServiceUnavailable  ResponseCode = 2
	CodeBillingUnavailable  ResponseCode = 3
	CodeItemUnavailable     ResponseCode = 4
	CodeDeveloperError      ResponseCode = 5
	CodeError               ResponseCode = 6
	CodeItemAlreadyOwned    ResponseCode = 7
	CodeItemNotOwned        ResponseCode = 8
	CodeNetworkError        ResponseCode = 12
)

var codeNames = map[ResponseCode]string{
	CodeServiceTimeout:      "service_timeout",
	CodeFeatureNotSupported: "feature_not_supported",
	CodeServiceDisconnected: "service_disconnected",
	CodeOK:                  "ok",
	CodeUserCanceled:        "user_canceled",
	CodeServiceUnavailable:  "service_unavailable",
	CodeBillingUnavailable:  "billing_unavailable",
	CodeItemUnavailable:     "item_unavailable",
	CodeDeveloperError:      "developer_error",
	CodeError:               "error",
	CodeItemAlreadyOwned:    "item_already_owned",
	CodeItemNotOwned:        "item_not_owned",
	CodeNetworkError:        "network_error",
}

func (c ResponseCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// IsConnectionCode reports whether c describes a lost or unreachable service.
// These are the only codes treated as transient.
func (c ResponseCode) IsConnectionCode() bool {
	switch c {
	case CodeServiceDisconnected, CodeServiceUnavailable, CodeNetworkError:
		return true
	}
	return false
}

// Error is a classified billing failure.
type Error struct {
	Code    ResponseCode
	Message string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("billing %s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("billing: %s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns a classified error for op.
func NewError(op string, code ResponseCode, message string) *Error {
	return &Error{Op: op, Code: code, Message: message}
}

// AsError extracts a classified billing error from err's chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HasCode reports whether err is a billing error with the given code.
func HasCode(err error, code ResponseCode) bool {
	be, ok := AsError(err)
	return ok && be.Code == code
}

// classify turns an arbitrary platform failure into a billing error, keeping
// an existing classification.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if be, ok := AsError(err); ok {
		if be.Op == "" {
			return &Error{Op: op, Code: be.Code, Message: be.Message, Err: be.Err}
		}
		return err
	}
	return &Error{Op: op, Code: CodeError, Message: err.Error(), Err: err}
}

var (
	// ErrPurchaseInFlight is returned when a purchase flow is already waiting
	// for the platform on the same gateway.
	ErrPurchaseInFlight = errors.New("billing: another purchase flow is in progress")

	// ErrPendingPurchase is returned when the platform reports the purchase as
	// not yet completed (e.g. awaiting an out-of-band payment).
	ErrPendingPurchase = errors.New("billing: purchase is pending")
)
