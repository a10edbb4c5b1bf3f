package login

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWrongCredentials indicates the server rejected the account or password
	ErrWrongCredentials = errors.New("wrong credentials")

	// ErrRetryLater indicates a transient server-side refusal
	ErrRetryLater = errors.New("server asked to retry later")

	// ErrSliderUnsupported indicates a slider captcha the solver cannot handle
	ErrSliderUnsupported = errors.New("slider captcha unsupported")

	// ErrSMSUnsupported indicates the server requires SMS verification
	ErrSMSUnsupported = errors.New("sms verification unsupported")

	// ErrRestartWithoutSlider asks the caller to reconnect and log in again
	// with slider captchas disabled
	ErrRestartWithoutSlider = errors.New("restart login with slider captcha disabled")

	// ErrTooManyRounds indicates the handshake did not finish within the round limit
	ErrTooManyRounds = errors.New("login exceeded round limit")

	// ErrMalformedResponse indicates a login response that could not be decoded
	ErrMalformedResponse = errors.New("malformed login response")
)

// Kind classifies a login failure.
type Kind int

const (
	// KindWrongCredentials covers rejected credentials and unclassified failures.
	KindWrongCredentials Kind = iota
	// KindRetryLater is a transient server refusal.
	KindRetryLater
	// KindSliderUnsupported means a slider was required but cannot be solved.
	KindSliderUnsupported
	// KindSMSUnsupported means the server demanded SMS verification.
	KindSMSUnsupported
)

func (k Kind) sentinel() error {
	switch k {
	case KindRetryLater:
		return ErrRetryLater
	case KindSliderUnsupported:
		return ErrSliderUnsupported
	case KindSMSUnsupported:
		return ErrSMSUnsupported
	default:
		return ErrWrongCredentials
	}
}

// Error is a classified login failure. It matches its kind's sentinel with
// errors.Is.
type Error struct {
	Kind    Kind
	Status  uint8
	Code    uint16
	Title   string
	Message string
	Tip     string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.sentinel().Error())
	if e.Title != "" || e.Message != "" {
		fmt.Fprintf(&b, ": status=%d title=%q message=%q", e.Status, e.Title, e.Message)
	}
	if e.Tip != "" {
		b.WriteString(", tip: ")
		b.WriteString(e.Tip)
	}
	return b.String()
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

const (
	retryLaterMarker  = "0x9a"
	unsafeNetworkText = "当前上网环境异常"
	unsafeNetworkTip  = "if this recurs, try enabling device lock on the account"
)

// classify maps a server failure to a typed error. Messages carrying the
// retry-later marker are transient; everything else is a credentials
// failure carrying the raw server text.
func classify(f Failure) *Error {
	e := &Error{
		Kind:    KindWrongCredentials,
		Status:  f.Status,
		Code:    f.Code,
		Title:   f.Title,
		Message: f.Message,
	}
	if strings.Contains(f.Message, retryLaterMarker) {
		e.Kind = KindRetryLater
		return e
	}
	if strings.Contains(f.Message, unsafeNetworkText) || strings.Contains(f.Title, unsafeNetworkText) {
		e.Tip = unsafeNetworkTip
	}
	return e
}
