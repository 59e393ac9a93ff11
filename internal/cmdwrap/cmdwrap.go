// Package cmdwrap runs shell commands, either collecting their output or
// streaming it line by line.
package cmdwrap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
)

// maxLineBytes caps a single streamed output line.
const maxLineBytes = 1 << 20

// ErrInvalidOutput is returned when a command's output is not valid UTF-8.
var ErrInvalidOutput = errors.New("cmdwrap: output is not valid UTF-8")

// Payload is one element of a streamed command run. Output lines carry
// Success false; the final element reports the exit outcome.
type Payload struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// ExitError reports a command that ran but did not succeed.
type ExitError struct {
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// shell builds the platform shell invocation for command.
func shell(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

// Run executes command through the shell and returns its stdout. A non-zero
// exit yields an *ExitError carrying stderr.
func Run(ctx context.Context, command string) (string, error) {
	cmd := shell(ctx, command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if !utf8.Valid(stderr.Bytes()) {
				return "", ErrInvalidOutput
			}
			return "", &ExitError{Stderr: stderr.String(), Err: err}
		}
		return "", err
	}

	if !utf8.Valid(out) {
		return "", ErrInvalidOutput
	}
	return string(out), nil
}

// RunStream executes command through the shell and streams each stdout line
// as a Payload. The channel ends with one final Payload: Success true when
// the command exits zero, otherwise Success false with the error text. A
// command that cannot be started yields a single failure Payload. The
// channel is closed when the run is over or ctx is done.
func RunStream(ctx context.Context, command string) <-chan Payload {
	ch := make(chan Payload)

	go func() {
		defer close(ch)

		send := func(p Payload) bool {
			select {
			case ch <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}

		cmd := shell(ctx, command)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			send(Payload{Output: err.Error()})
			return
		}
		if err := cmd.Start(); err != nil {
			send(Payload{Output: err.Error()})
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if !send(Payload{Output: scanner.Text()}) {
				// Wait reaps the process once the context kills it.
				_ = cmd.Wait()
				return
			}
		}
		scanErr := scanner.Err()
		if scanErr != nil {
			// Drain so the process is not blocked on a full pipe.
			_, _ = io.Copy(io.Discard, stdout)
		}

		err = multierr.Append(scanErr, cmd.Wait())
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				err = multierr.Append(err, errorFromStderr(stderr.String()))
			}
			send(Payload{Output: err.Error()})
			return
		}
		send(Payload{Success: true})
	}()

	return ch
}

func errorFromStderr(s string) error {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return errors.New(s)
}
