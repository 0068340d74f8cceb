package source

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"sync/atomic"

	"github.com/repofetch/repofetch/pkg/invoke"
)

// emitFunc reports progress from inside a fetch. It returns errStopped once
// the consumer has stopped ranging; the fetch must then return promptly.
type emitFunc func(step Step, format string, args ...any) error

// fetchState is embedded by every provider. It enforces single use and holds
// the content id once a fetch completes.
type fetchState struct {
	started   atomic.Bool
	contentID string
}

func (f *fetchState) ContentID() string {
	return f.contentID
}

// sequence turns run into a Fetch sequence. run performs the backend steps,
// calling emit for each progress event, and returns the content id.
func (f *fetchState) sequence(provider string, run func(emit emitFunc) (string, error)) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		if !f.started.CompareAndSwap(false, true) {
			yield(Progress{Provider: provider}, ErrFetchReused)
			return
		}

		stopped := false
		emit := func(step Step, format string, args ...any) error {
			if stopped {
				return errStopped
			}
			p := Progress{Provider: provider, Step: step, Message: fmt.Sprintf(format, args...)}
			if !yield(p, nil) {
				stopped = true
				return errStopped
			}
			return nil
		}

		id, err := run(emit)
		if stopped {
			return
		}
		if err != nil {
			yield(Progress{Provider: provider}, err)
			return
		}

		f.contentID = id
		yield(Progress{Provider: provider, Step: StepDone, Message: "content id " + id}, nil)
	}
}

// streamTo adapts emit into an invoke.Runner line callback for step.
func streamTo(emit emitFunc, step Step) func(string) bool {
	return func(line string) bool {
		return emit(step, "%s", line) == nil
	}
}

// interrupted reports whether err means the consumer stopped the fetch.
func interrupted(err error) bool {
	return errors.Is(err, errStopped) || errors.Is(err, invoke.ErrInterrupted)
}

// prepareTarget creates dir if needed and checks that it is empty.
func prepareTarget(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating target directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("reading target directory: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotEmpty, dir)
	}
	return nil
}
