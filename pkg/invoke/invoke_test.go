package invoke

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// requireSh skips the test if a POSIX shell is not available.
func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func TestOutput(t *testing.T) {
	requireSh(t)

	tests := map[string]struct {
		script       string
		want         string
		wantErr      bool
		wantExitCode int
		wantStderr   string
	}{
		"stdout is trimmed": {
			script: "echo '  hello  '",
			want:   "hello",
		},
		"stderr ignored on success": {
			script: "echo out; echo noise >&2",
			want:   "out",
		},
		"nonzero exit carries stderr": {
			script:       "echo 'abort: unknown revision' >&2; exit 255",
			wantErr:      true,
			wantExitCode: 255,
			wantStderr:   "abort: unknown revision",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := &Runner{Binary: "sh"}
			got, err := r.Output(context.Background(), "-c", tc.script)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Output() error = %v, wantErr = %v", err, tc.wantErr)
			}
			if err != nil {
				var cmdErr *CommandError
				if !errors.As(err, &cmdErr) {
					t.Fatalf("error %T is not a *CommandError", err)
				}
				if cmdErr.ExitCode != tc.wantExitCode {
					t.Errorf("ExitCode = %d, want %d", cmdErr.ExitCode, tc.wantExitCode)
				}
				if cmdErr.Stderr != tc.wantStderr {
					t.Errorf("Stderr = %q, want %q", cmdErr.Stderr, tc.wantStderr)
				}
				if !strings.Contains(err.Error(), tc.wantStderr) {
					t.Errorf("Error() = %q, want it to contain stderr", err.Error())
				}
				return
			}
			if got != tc.want {
				t.Errorf("Output() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOutputMissingBinary(t *testing.T) {
	r := &Runner{Binary: "repofetch-no-such-binary-abc123"}
	_, err := r.Output(context.Background(), "--version")
	if err == nil {
		t.Fatal("expected error for missing binary, got nil")
	}
	if code := ExitCode(err); code != -1 {
		t.Errorf("ExitCode() = %d, want -1", code)
	}
}

func TestRunnerDirAndEnv(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()

	r := &Runner{Binary: "sh", Dir: dir, Env: []string{"REPOFETCH_TEST_VAR=xyz"}}
	got, err := r.Output(context.Background(), "-c", "pwd; echo $REPOFETCH_TEST_VAR")
	if err != nil {
		t.Fatalf("Output() error: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("Output() = %q, want two lines", got)
	}
	if !strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", lines[0], dir)
	}
	if lines[1] != "xyz" {
		t.Errorf("env var = %q, want xyz", lines[1])
	}
}

func TestStream(t *testing.T) {
	requireSh(t)

	r := &Runner{Binary: "sh"}
	var got []string
	err := r.Stream(context.Background(), func(line string) bool {
		got = append(got, line)
		return true
	}, "-c", `printf 'one\ntwo\r'; printf 'three\n' >&2`)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	want := map[string]bool{"one": true, "two": true, "three": true}
	if len(got) != len(want) {
		t.Fatalf("Stream() lines = %q, want %d lines", got, len(want))
	}
	for _, line := range got {
		if !want[line] {
			t.Errorf("unexpected line %q", line)
		}
	}
}

func TestStreamLongLines(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := &Runner{Binary: "sh"}
	var got []string
	err := r.Stream(ctx, func(line string) bool {
		got = append(got, line)
		return true
	}, "-c", `for spec in a:102400 b:204800 c:1572864; do
	head -c "${spec#*:}" /dev/zero | tr '\000' "${spec%%:*}"
	echo
done`)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	want := []string{
		strings.Repeat("a", 100<<10),
		strings.Repeat("b", 200<<10),
		strings.Repeat("c", maxLine),
		strings.Repeat("c", 512<<10),
	}
	if len(got) != len(want) {
		t.Fatalf("Stream() delivered %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d has %d bytes starting %q, want %d bytes of %q",
				i, len(got[i]), got[i][:min(len(got[i]), 1)], len(want[i]), want[i][:1])
		}
	}
}

func TestStreamFailure(t *testing.T) {
	requireSh(t)

	r := &Runner{Binary: "sh"}
	err := r.Stream(context.Background(), func(string) bool { return true },
		"-c", "echo 'fatal: repository not found' >&2; exit 128")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Stream() error = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 128 {
		t.Errorf("ExitCode = %d, want 128", cmdErr.ExitCode)
	}
	if cmdErr.Stderr != "fatal: repository not found" {
		t.Errorf("Stderr = %q", cmdErr.Stderr)
	}
}

func TestStreamInterrupted(t *testing.T) {
	requireSh(t)

	r := &Runner{Binary: "sh"}
	calls := 0
	err := r.Stream(context.Background(), func(string) bool {
		calls++
		return false
	}, "-c", "echo first; exec sleep 30")

	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Stream() error = %v, want ErrInterrupted", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestPipe(t *testing.T) {
	requireSh(t)

	r := &Runner{Binary: "sh"}
	var buf bytes.Buffer
	if err := r.Pipe(context.Background(), &buf, "-c", `printf 'a\000b'; echo noise >&2`); err != nil {
		t.Fatalf("Pipe() error: %v", err)
	}
	if got := buf.String(); got != "a\x00b" {
		t.Errorf("Pipe() wrote %q, want %q", got, "a\x00b")
	}

	err := r.Pipe(context.Background(), &buf, "-c", "echo 'No such container: x' >&2; exit 1")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Stderr != "No such container: x" {
		t.Fatalf("Pipe() error = %v, want *CommandError with stderr", err)
	}
}
