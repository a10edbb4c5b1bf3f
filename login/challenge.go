package login

import (
	"fmt"

	"github.com/opd-ai/imcore/crypto"
)

// Challenge is the decoded outcome of one login response. It is a closed
// set: every implementation lives in this package.
type Challenge interface {
	challenge()
	fmt.Stringer
}

// Success carries the negotiated key material and refresh tickets.
type Success struct {
	Keys    crypto.KeyMaterial
	Tickets Tickets
}

// PictureCaptcha requires the text shown in Image.
type PictureCaptcha struct {
	Image []byte
	Sign  []byte
}

// SliderCaptcha requires a ticket obtained by completing the slider at URL.
type SliderCaptcha struct {
	URL string
}

// UnsafeDevice requires the user to acknowledge URL before a fresh login.
type UnsafeDevice struct {
	URL string
}

// DeviceLockRedirect requires verification at URL before a fresh login.
type DeviceLockRedirect struct {
	URL string
}

// DeviceLockPassed reports a completed device-lock verification; the next
// request is the device-lock login.
type DeviceLockPassed struct {
	T402 []byte
	T403 []byte
}

// SMSRequired reports that the server wants an SMS code sent to Phone.
type SMSRequired struct {
	CountryCode string
	Phone       string
}

// Failure is a server-declared login error.
type Failure struct {
	Status  uint8
	Code    uint16
	Title   string
	Message string
	Info    string
}

func (Success) challenge()            {}
func (PictureCaptcha) challenge()     {}
func (SliderCaptcha) challenge()      {}
func (UnsafeDevice) challenge()       {}
func (DeviceLockRedirect) challenge() {}
func (DeviceLockPassed) challenge()   {}
func (SMSRequired) challenge()        {}
func (Failure) challenge()            {}

func (Success) String() string          { return "Success" }
func (c PictureCaptcha) String() string { return fmt.Sprintf("PictureCaptcha(%d bytes)", len(c.Image)) }
func (c SliderCaptcha) String() string  { return "SliderCaptcha(" + c.URL + ")" }
func (c UnsafeDevice) String() string   { return "UnsafeDevice(" + c.URL + ")" }
func (c DeviceLockRedirect) String() string {
	return "DeviceLockRedirect(" + c.URL + ")"
}
func (DeviceLockPassed) String() string { return "DeviceLockPassed" }
func (c SMSRequired) String() string    { return "SMSRequired(+" + c.CountryCode + " " + c.Phone + ")" }
func (f Failure) String() string {
	return fmt.Sprintf("Failure(status=%d, title=%q, message=%q, info=%q)", f.Status, f.Title, f.Message, f.Info)
}

// State is the login state machine position.
type State int32

const (
	// StateInit is the position before the first login request.
	StateInit State = iota
	// StateAwaitingResponse means a request was sent and its reply is pending.
	StateAwaitingResponse
	// StatePictureCaptcha means the solver is reading a picture captcha.
	StatePictureCaptcha
	// StateSliderCaptcha means the solver is completing a slider captcha.
	StateSliderCaptcha
	// StateUnsafeDeviceConfirm means the user must verify the device at a URL.
	StateUnsafeDeviceConfirm
	// StateDeviceLockRedirect means device-lock verification is pending.
	StateDeviceLockRedirect
	// StateDeviceLockLogin means the follow-up device-lock login was sent.
	StateDeviceLockLogin
	// StateSMSRequired means the server asked for SMS verification.
	StateSMSRequired
	// StateSuccess is terminal: session keys were negotiated.
	StateSuccess
	// StateFatal is terminal: the login failed.
	StateFatal
)

var stateNames = map[State]string{
	StateInit:                "Init",
	StateAwaitingResponse:    "AwaitingChallengeResponse",
	StatePictureCaptcha:      "PictureCaptcha",
	StateSliderCaptcha:       "SliderCaptcha",
	StateUnsafeDeviceConfirm: "UnsafeDeviceConfirm",
	StateDeviceLockRedirect:  "DeviceLockRedirect",
	StateDeviceLockLogin:     "DeviceLockLogin",
	StateSMSRequired:         "SmsRequired",
	StateSuccess:             "Success",
	StateFatal:               "Fatal",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// stateFor returns the state a challenge moves the machine into.
func stateFor(c Challenge) State {
	switch c.(type) {
	case Success:
		return StateSuccess
	case PictureCaptcha:
		return StatePictureCaptcha
	case SliderCaptcha:
		return StateSliderCaptcha
	case UnsafeDevice:
		return StateUnsafeDeviceConfirm
	case DeviceLockRedirect:
		return StateDeviceLockRedirect
	case DeviceLockPassed:
		return StateDeviceLockLogin
	case SMSRequired:
		return StateSMSRequired
	default:
		return StateFatal
	}
}
