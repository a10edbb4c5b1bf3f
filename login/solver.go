package login

import "context"

// Solver obtains the artifacts a human must supply during login. Each method
// may block waiting for input and must honour ctx.
type Solver interface {
	// SolvePictureCaptcha returns the text shown in image.
	SolvePictureCaptcha(ctx context.Context, image []byte) (string, error)
	// SolveSliderCaptcha returns the ticket produced by the slider at url.
	// Returning ErrSliderUnsupported declines the challenge.
	SolveSliderCaptcha(ctx context.Context, url string) (string, error)
	// ConfirmUnsafeDevice returns once the user has acknowledged url.
	ConfirmUnsafeDevice(ctx context.Context, url string) error
}

// SliderCapability is implemented by solvers that can declare up front
// whether they handle slider captchas.
type SliderCapability interface {
	SupportsSliderCaptcha() bool
}

// DeviceLockConfirmer is implemented by solvers with a dedicated flow for
// device-lock verification URLs. Solvers without it receive those URLs
// through ConfirmUnsafeDevice.
type DeviceLockConfirmer interface {
	ConfirmDeviceLock(ctx context.Context, url string) error
}

func supportsSlider(s Solver) bool {
	if c, ok := s.(SliderCapability); ok {
		return c.SupportsSliderCaptcha()
	}
	return true
}
