package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/repofetch/repofetch/pkg/source"
)

// progressView renders provider progress: a progress bar on a terminal and
// one plain line per event otherwise.
type progressView struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

// newProgressView creates a view for total sources, or a spinner when total
// is negative.
func newProgressView(out io.Writer, total int, description string) *progressView {
	v := &progressView{out: out}
	if !isTerminal(out) {
		return v
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionClearOnFinish(),
	}
	if total < 0 {
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		)
	} else {
		opts = append(opts, progressbar.OptionShowCount())
	}
	v.bar = progressbar.NewOptions(total, opts...)
	return v
}

// Report renders one event. name is empty for single fetches.
func (v *progressView) Report(name string, p source.Progress) {
	v.mu.Lock()
	defer v.mu.Unlock()

	label := p.String()
	if name != "" {
		label = name + " " + label
	}

	if v.bar == nil {
		fmt.Fprintln(v.out, label)
		return
	}
	v.bar.Describe(label)
	if name != "" && p.Step == source.StepDone {
		_ = v.bar.Add(1)
		return
	}
	_ = v.bar.RenderBlank()
}

func (v *progressView) Close() {
	if v.bar != nil {
		_ = v.bar.Finish()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
