package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/imcore/login"
	"github.com/sirupsen/logrus"
)

// terminalSolver answers login challenges by prompting on the terminal.
type terminalSolver struct {
	in  *bufio.Reader
	out io.Writer
	// dir receives captcha images. Empty means the system temp directory.
	dir string
}

func newTerminalSolver(in io.Reader, out io.Writer) *terminalSolver {
	return &terminalSolver{in: bufio.NewReader(in), out: out}
}

// SolvePictureCaptcha saves image to a file and reads the answer.
func (s *terminalSolver) SolvePictureCaptcha(ctx context.Context, image []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, "imcore-captcha-*.png")
	if err != nil {
		return "", fmt.Errorf("save captcha: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(image); err != nil {
		return "", fmt.Errorf("save captcha: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "terminalSolver.SolvePictureCaptcha",
		"path":     f.Name(),
	}).Debug("Saved captcha image")
	fmt.Fprintf(s.out, "Captcha saved to %s\nEnter the captcha text: ", filepath.Clean(f.Name()))
	return s.readLine(ctx)
}

// SolveSliderCaptcha reads the ticket produced by the slider page. An
// empty answer declines the slider so the login restarts without it.
func (s *terminalSolver) SolveSliderCaptcha(ctx context.Context, url string) (string, error) {
	fmt.Fprintf(s.out, "Open %s and solve the slider.\nEnter the ticket (empty to decline): ", url)
	ticket, err := s.readLine(ctx)
	if err != nil {
		return "", err
	}
	if ticket == "" {
		return "", login.ErrSliderUnsupported
	}
	return ticket, nil
}

// ConfirmUnsafeDevice waits for Enter after the user has verified the device.
func (s *terminalSolver) ConfirmUnsafeDevice(ctx context.Context, url string) error {
	fmt.Fprintf(s.out, "Verify this device at %s\nPress Enter when done: ", url)
	_, err := s.readLine(ctx)
	return err
}

// readLine returns one trimmed line of input, or ctx's error if it ends first.
func (s *terminalSolver) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}
