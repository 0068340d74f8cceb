package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
)

// progressEvery is how many downloaded bytes pass between progress events.
const progressEvery = 4 << 20

// statusError reports an HTTP response with an unexpected status.
type statusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// blob is a downloaded or local file together with its sha256 digest.
type blob struct {
	path   string
	size   int64
	sha256 string
	// temp marks files that the caller must remove.
	temp bool
}

func (b *blob) cleanup() {
	if b != nil && b.temp {
		os.Remove(b.path)
	}
}

// download fetches url into a temporary file, hashing it as it is written
// and reporting progress through emit.
func download(ctx context.Context, client *http.Client, url string, emit emitFunc) (*blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.CreateTemp("", "repofetch-download-*")
	if err != nil {
		return nil, err
	}
	b := &blob{path: f.Name(), temp: true}

	h := sha256.New()
	pw := &progressWriter{emit: emit, total: resp.ContentLength}
	n, err := io.Copy(io.MultiWriter(f, h, pw), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.cleanup()
		if pw.stopped != nil {
			return nil, pw.stopped
		}
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}

	b.size = n
	b.sha256 = hex.EncodeToString(h.Sum(nil))
	if err := emit(StepMaterialize, "downloaded %s", humanize.Bytes(uint64(n))); err != nil {
		b.cleanup()
		return nil, err
	}
	return b, nil
}

// hashLocal returns a blob for an existing local file.
func hashLocal(path string) (*blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return &blob{path: path, size: n, sha256: hex.EncodeToString(h.Sum(nil))}, nil
}

// progressWriter emits a progress event every progressEvery bytes.
type progressWriter struct {
	emit    emitFunc
	total   int64
	written int64
	next    int64
	stopped error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.written < p.next {
		return len(b), nil
	}
	p.next = p.written + progressEvery

	var err error
	if p.total > 0 {
		err = p.emit(StepMaterialize, "%s of %s", humanize.Bytes(uint64(p.written)), humanize.Bytes(uint64(p.total)))
	} else {
		err = p.emit(StepMaterialize, "%s", humanize.Bytes(uint64(p.written)))
	}
	if err != nil {
		p.stopped = err
		return 0, err
	}
	return len(b), nil
}
