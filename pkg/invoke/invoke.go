// Package invoke runs backend command-line tools (git, hg, npm, docker) as
// subprocesses, capturing or streaming their output and turning nonzero
// exits into *CommandError values that carry the tool's stderr.
package invoke

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/repofetch/repofetch/pkg/logging"
)

// maxStderr bounds how much stderr a CommandError keeps.
const maxStderr = 64 << 10

// maxLine is the longest line Stream delivers in one piece. Longer lines
// arrive in maxLine chunks.
const maxLine = 1 << 20

// ErrInterrupted is returned by Stream when the line callback asked to stop.
var ErrInterrupted = errors.New("command interrupted by caller")

// Runner invokes a single backend binary.
type Runner struct {
	Binary string
	// Dir is the working directory for the command; empty means the
	// current process's directory.
	Dir string
	// Env entries are appended to the inherited environment.
	Env    []string
	Logger *logging.Logger
}

// CommandError reports a backend tool that could not be started or that
// exited nonzero.
type CommandError struct {
	Binary   string
	Args     []string
	ExitCode int // -1 when the process never ran
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Binary, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status carried by err, or -1 when err is not a
// CommandError for a process that ran.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// Output runs the command and returns its trimmed stdout.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	cmd := r.command(ctx, args)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{max: maxStderr, buf: &stderr}

	if err := cmd.Run(); err != nil {
		return "", r.commandError(args, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Run runs the command, discarding stdout.
func (r *Runner) Run(ctx context.Context, args ...string) error {
	_, err := r.Output(ctx, args...)
	return err
}

// Pipe runs the command with stdout connected to w. Use it for binary
// output such as "docker export".
func (r *Runner) Pipe(ctx context.Context, w io.Writer, args ...string) error {
	cmd := r.command(ctx, args)

	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &limitedBuffer{max: maxStderr, buf: &stderr}

	if err := cmd.Run(); err != nil {
		return r.commandError(args, err, stderr.String())
	}
	return nil
}

// Stream runs the command and calls onLine for every line written to stdout
// or stderr. Carriage returns count as line breaks so progress meters come
// through one update at a time. onLine is always called on the caller's
// goroutine; returning false kills the process and Stream returns
// ErrInterrupted.
func (r *Runner) Stream(ctx context.Context, onLine func(line string) bool, args ...string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := r.command(ctx, args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.commandError(args, err, "")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return r.commandError(args, err, "")
	}

	if err := cmd.Start(); err != nil {
		return r.commandError(args, err, "")
	}

	var stderr bytes.Buffer
	stderrTee := io.TeeReader(stderrPipe, &limitedBuffer{max: maxStderr, buf: &stderr})

	lines := make(chan string)
	var wg sync.WaitGroup
	for _, rd := range []io.Reader{stdout, stderrTee} {
		wg.Add(1)
		go func(rd io.Reader) {
			defer wg.Done()
			scanLines(ctx, rd, lines)
		}(rd)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	for line := range lines {
		if !onLine(line) {
			cancel()
			// Wait closes our ends of the pipes, which unblocks the
			// scanners even if a grandchild still holds the write ends.
			_ = cmd.Wait()
			for range lines {
			}
			return ErrInterrupted
		}
	}

	if err := cmd.Wait(); err != nil {
		return r.commandError(args, err, stderr.String())
	}
	return nil
}

func (r *Runner) command(ctx context.Context, args []string) *exec.Cmd {
	logging.OrNop(r.Logger).Debug().
		Str("binary", r.Binary).
		Strs("args", args).
		Str("dir", r.Dir).
		Msg("running backend command")

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	return cmd
}

func (r *Runner) commandError(args []string, err error, stderr string) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &CommandError{
		Binary:   r.Binary,
		Args:     args,
		ExitCode: code,
		Stderr:   strings.TrimSpace(stderr),
		Err:      err,
	}
}

func scanLines(ctx context.Context, rd io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	scanner.Split(splitLinesOrCR)
	// The child must never block on a full pipe, whatever stopped the scanner.
	defer io.Copy(io.Discard, rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			// Keep draining so the child never blocks on a full pipe.
		}
	}
}

// splitLinesOrCR is bufio.ScanLines that also breaks on a bare '\r' and
// cuts lines longer than maxLine.
func splitLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxLine {
		return maxLine, data[:maxLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// limitedBuffer keeps the first max bytes written and silently drops the rest.
type limitedBuffer struct {
	max int
	buf *bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
