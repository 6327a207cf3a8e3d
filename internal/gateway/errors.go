package gateway

import (
	"errors"
)

// Code names a gateway rejection kind.
type Code string

const (
	CodePaused                  Code = "paused"
	CodeInvalidRecipient        Code = "invalid_recipient"
	CodeInvalidAmount           Code = "invalid_amount"
	CodeInsufficientBalance     Code = "insufficient_balance"
	CodeTokenNotWhitelisted     Code = "token_not_whitelisted"
	CodeTokenAlreadyWhitelisted Code = "token_already_whitelisted"
	CodeInvalidOwner            Code = "invalid_owner"
	CodeInvalidPrice            Code = "invalid_price"
	CodeBelowMinCap             Code = "below_min_cap"
	CodeAboveMaxCap             Code = "above_max_cap"
	CodeWindowCapExceeded       Code = "window_cap_exceeded"
	CodeRateLimitExceeded       Code = "rate_limit_exceeded"
	CodeInvalidToken            Code = "invalid_token"
	CodeNotSupported            Code = "not_supported"
	CodeInvalidTxType           Code = "invalid_tx_type"
	CodeInvalidInput            Code = "invalid_input"
	CodeZeroAddress             Code = "zero_address"
	CodeInvalidCapRange         Code = "invalid_cap_range"
)

// Error is a policy rejection. Errors compare equal under errors.Is when
// their codes match, so wrapped rejections keep their kind.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return "gateway: " + e.Message
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrPaused                  = newError(CodePaused, "gateway is paused")
	ErrInvalidRecipient        = newError(CodeInvalidRecipient, "invalid recipient")
	ErrInvalidAmount           = newError(CodeInvalidAmount, "invalid amount")
	ErrInsufficientBalance     = newError(CodeInsufficientBalance, "insufficient balance")
	ErrTokenNotWhitelisted     = newError(CodeTokenNotWhitelisted, "token not whitelisted")
	ErrTokenAlreadyWhitelisted = newError(CodeTokenAlreadyWhitelisted, "token already whitelisted")
	ErrInvalidOwner            = newError(CodeInvalidOwner, "caller is not authorised")
	ErrInvalidPrice            = newError(CodeInvalidPrice, "invalid price")
	ErrBelowMinCap             = newError(CodeBelowMinCap, "usd amount below minimum cap")
	ErrAboveMaxCap             = newError(CodeAboveMaxCap, "usd amount above maximum cap")
	ErrWindowCapExceeded       = newError(CodeWindowCapExceeded, "window usd cap exceeded")
	ErrRateLimitExceeded       = newError(CodeRateLimitExceeded, "asset rate limit exceeded")
	ErrInvalidToken            = newError(CodeInvalidToken, "rate limit record does not match asset")
	ErrNotSupported            = newError(CodeNotSupported, "operation not supported")
	ErrInvalidTxType           = newError(CodeInvalidTxType, "invalid transaction type")
	ErrInvalidInput            = newError(CodeInvalidInput, "invalid input")
	ErrZeroAddress             = newError(CodeZeroAddress, "zero address")
	ErrInvalidCapRange         = newError(CodeInvalidCapRange, "min cap exceeds max cap")
)

// CodeOf returns the rejection code carried by err, or "" for
// infrastructure failures.
func CodeOf(err error) Code {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ""
}

// IsCapBreach reports whether err is one of the rate-limit rejections.
func IsCapBreach(err error) bool {
	return errors.Is(err, ErrWindowCapExceeded) || errors.Is(err, ErrRateLimitExceeded)
}
