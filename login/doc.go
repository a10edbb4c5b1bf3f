// Package login implements the wtlogin handshake that turns a fresh
// connection into an authenticated session.
//
// # State machine
//
// Machine.Run sends the password login request and classifies each response
// into a Challenge:
//
//	Init -> AwaitingChallengeResponse -> {PictureCaptcha, SliderCaptcha,
//	    UnsafeDeviceConfirm, DeviceLockRedirect, SmsRequired}
//	    -> AwaitingChallengeResponse* -> Success | Fatal
//
// Interactive challenges are answered by a Solver. A picture captcha answer
// that is not four characters long is replaced with FallbackCaptchaAnswer.
// When the solver declines a slider captcha on the first connection attempt
// Run returns ErrRestartWithoutSlider and the caller reconnects with
// Config.AllowSlider cleared; a second decline is fatal.
//
// Failures are returned as *Error values that match ErrWrongCredentials,
// ErrRetryLater, ErrSliderUnsupported or ErrSMSUnsupported with errors.Is.
//
// # Keys
//
// The first request is sent under the zero key and the rest of the handshake
// under the static key. On success the session key is published to the
// crypto.KeyStore; Machine.Refresh later renegotiates it with the
// wtlogin.exchange_emp command.
package login
