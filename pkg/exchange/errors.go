package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class tells callers whether an error is worth retrying.
type Class int

const (
	ClassUnknown   Class = iota
	ClassTransient       // timeout, rate limited, temporary 5xx
	ClassAuth            // invalid key, bad signature, IP not whitelisted, expired
	ClassDomain          // insufficient balance, bad symbol, reduce-only violation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassDomain:
		return "domain"
	}
	return "unknown"
}

// ErrDuplicateOrderLink is matched (errors.Is) when the venue already has an
// order with the same client order id.
var ErrDuplicateOrderLink = errors.New("duplicate client order id")

// v5 return codes the engine cares about.
const (
	codeServerTimeout      = 10000
	codeTimestampWindow    = 10002
	codeInvalidAPIKey      = 10003
	codeInvalidSign        = 10004
	codePermissionDenied   = 10005
	codeTooManyVisits      = 10006
	codeAuthFailed         = 10007
	codeIPBanned           = 10009
	codeUnmatchedIP        = 10010
	codeServerError        = 10016
	codeIPRateLimit        = 10018
	codeServiceRestarting  = 10019
	codeAPIKeyExpired      = 33004
	codeDuplicateOrderLink = 110072
)

// Error is a failed venue call.
type Error struct {
	Class      Class
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("venue %s error: retCode=%d %s", e.Class, e.Code, e.Message)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("venue %s error: http %d %s", e.Class, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("venue %s error: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match ErrDuplicateOrderLink.
func (e *Error) Is(target error) bool {
	return target == ErrDuplicateOrderLink && e.Code == codeDuplicateOrderLink
}

// Classify maps any error to its class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	return ClassUnknown
}

func classifyCode(code int, msg string) Class {
	switch code {
	case codeInvalidAPIKey, codeInvalidSign, codePermissionDenied, codeAuthFailed,
		codeIPBanned, codeUnmatchedIP, codeAPIKeyExpired:
		return ClassAuth
	case codeServerTimeout, codeTimestampWindow, codeTooManyVisits, codeServerError,
		codeIPRateLimit, codeServiceRestarting:
		return ClassTransient
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "whitelist") || (strings.Contains(lower, "api key") && strings.Contains(lower, "invalid")) {
		return ClassAuth
	}
	return ClassDomain
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuth
	case status == http.StatusTooManyRequests, status == http.StatusForbidden, status >= 500:
		// 403 is how the venue reports IP-level throttling.
		return ClassTransient
	}
	return ClassDomain
}

func transportError(err error) *Error {
	return &Error{Class: ClassTransient, Message: err.Error(), Err: err}
}
