package source

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTar(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func tarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	buildTar(t, gz, entries)
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarZst(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	buildTar(t, enc, entries)
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zipFile(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// projectTar is a release-style tarball with a single wrapper directory.
var projectTar = []tarEntry{
	{name: "proj-1.0/", typeflag: tar.TypeDir},
	{name: "proj-1.0/test", body: "Hello", typeflag: tar.TypeReg},
	{name: "proj-1.0/sub/a.txt", body: "a", typeflag: tar.TypeReg},
	{name: "proj-1.0/link", typeflag: tar.TypeSymlink, linkname: "test"},
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestArchiveDetect(t *testing.T) {
	localTar := filepath.Join(t.TempDir(), "local.tar.gz")
	if err := os.WriteFile(localTar, tarGz(t, projectTar), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := map[string]struct {
		src     string
		ref     string
		want    bool
		wantErr bool
	}{
		"https tar.gz":         {src: "https://example.com/proj-1.0.tar.gz", want: true},
		"https zip with query": {src: "https://example.com/proj.zip?token=x", want: true},
		"http tzst":            {src: "http://example.com/proj.tzst", want: true},
		"local tarball":        {src: localTar, want: true},
		"digest ref":           {src: "https://example.com/p.tgz", ref: "sha256:ABCDEF0", want: true},
		"bad digest ref":       {src: "https://example.com/p.tgz", ref: "v1.0", wantErr: true},
		"missing local file":   {src: filepath.Join(t.TempDir(), "missing.tar.gz")},
		"html page":            {src: "https://example.com/download"},
		"git url":              {src: "https://github.com/owner/repo"},
		"bare suffix":          {src: "https://example.com/.tar"},
	}

	a := NewArchive(Options{})
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := a.Detect(context.Background(), tc.src, tc.ref)
			if tc.wantErr {
				if !errors.Is(err, ErrBadRef) {
					t.Fatalf("Detect() error = %v, want ErrBadRef", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect() error: %v", err)
			}
			if (got != nil) != tc.want {
				t.Fatalf("Detect(%q) = %+v, want match %v", tc.src, got, tc.want)
			}
			if got != nil && got.Repo != tc.src {
				t.Errorf("Repo = %q, want %q", got.Repo, tc.src)
			}
		})
	}
}

func TestArchiveDetectNormalizesDigest(t *testing.T) {
	got, err := NewArchive(Options{}).Detect(context.Background(), "https://example.com/p.tgz", " SHA256:ABCDEF0 ")
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if got.Ref != "sha256:abcdef0" {
		t.Errorf("Ref = %q, want sha256:abcdef0", got.Ref)
	}
}

func TestArchiveFetch(t *testing.T) {
	gzData := tarGz(t, projectTar)
	zstData := tarZst(t, projectTar)
	zipData := zipFile(t, map[string]string{"proj/test": "Hello", "proj/sub/a.txt": "a"})
	srv := serveFiles(t, map[string][]byte{
		"/proj-1.0.tar.gz":  gzData,
		"/proj-1.0.tar.zst": zstData,
		"/proj.zip":         zipData,
	})

	tests := map[string]struct {
		path string
		data []byte
		ref  string
	}{
		"tar.gz":        {path: "/proj-1.0.tar.gz", data: gzData},
		"tar.zst":       {path: "/proj-1.0.tar.zst", data: zstData},
		"zip":           {path: "/proj.zip", data: zipData},
		"pinned digest": {path: "/proj-1.0.tar.gz", data: gzData, ref: "sha256:" + sha256Hex(gzData)[:12]},
		"full digest":   {path: "/proj-1.0.tar.gz", data: gzData, ref: "sha256:" + sha256Hex(gzData)},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a := NewArchive(Options{HTTPClient: srv.Client()})
			dir := filepath.Join(t.TempDir(), "out")
			events, err := drain(a.Fetch(context.Background(), Spec{Repo: srv.URL + tc.path, Ref: tc.ref}, dir))
			if err != nil {
				t.Fatalf("Fetch() error: %v", err)
			}

			data, err := os.ReadFile(filepath.Join(dir, "test"))
			if err != nil {
				t.Fatalf("wrapper directory not stripped: %v", err)
			}
			if string(data) != "Hello" {
				t.Errorf("test = %q, want Hello", data)
			}
			if _, err := os.Stat(filepath.Join(dir, "sub", "a.txt")); err != nil {
				t.Errorf("missing sub/a.txt: %v", err)
			}
			if got, want := a.ContentID(), sha256Hex(tc.data)[:DefaultIDLength]; got != want {
				t.Errorf("ContentID() = %q, want %q", got, want)
			}
			assertSteps(t, events, StepMaterialize, StepCheckout, StepIdentify, StepDone)
		})
	}
}

func TestArchiveFetchLocalFile(t *testing.T) {
	data := tarGz(t, projectTar)
	path := filepath.Join(t.TempDir(), "proj-1.0.tgz")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewArchive(Options{})
	dir := t.TempDir()
	if _, err := drain(a.Fetch(context.Background(), Spec{Repo: path}, dir)); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if target, err := os.Readlink(filepath.Join(dir, "link")); err != nil || target != "test" {
		t.Errorf("link = %q, %v; want symlink to test", target, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("local archive was removed: %v", err)
	}
	if a.ContentID() != sha256Hex(data)[:DefaultIDLength] {
		t.Errorf("ContentID() = %q", a.ContentID())
	}
}

func TestArchiveFetchDigestMismatch(t *testing.T) {
	data := tarGz(t, projectTar)
	srv := serveFiles(t, map[string][]byte{"/proj.tar.gz": data})

	a := NewArchive(Options{HTTPClient: srv.Client()})
	dir := t.TempDir()
	_, err := drain(a.Fetch(context.Background(), Spec{Repo: srv.URL + "/proj.tar.gz", Ref: "sha256:0000000"}, dir))
	if !errors.Is(err, ErrBadRef) {
		t.Fatalf("Fetch() error = %v, want ErrBadRef", err)
	}
	if a.ContentID() != "" {
		t.Errorf("ContentID() = %q after mismatch, want empty", a.ContentID())
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("target populated despite digest mismatch: %d entries", len(entries))
	}
}

func TestArchiveFetchNotFound(t *testing.T) {
	srv := serveFiles(t, nil)

	_, err := drain(NewArchive(Options{HTTPClient: srv.Client()}).Fetch(context.Background(), Spec{Repo: srv.URL + "/gone.tar.gz"}, t.TempDir()))
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Fetch() error = %v, want ErrBackend", err)
	}
	if !isNotFound(err) {
		t.Errorf("error %v does not carry the 404", err)
	}
}

func TestExtractTarRejectsTraversal(t *testing.T) {
	tests := map[string][]tarEntry{
		"dot-dot path": {
			{name: "../evil", body: "x", typeflag: tar.TypeReg},
		},
		"nested dot-dot": {
			{name: "a/../../evil", body: "x", typeflag: tar.TypeReg},
		},
		"write through symlink": {
			{name: "escape", typeflag: tar.TypeSymlink, linkname: "../"},
			{name: "escape/evil", body: "x", typeflag: tar.TypeReg},
		},
		"hardlink outside": {
			{name: "hl", typeflag: tar.TypeLink, linkname: "../../etc/passwd"},
		},
	}

	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			dst := filepath.Join(parent, "out")
			var buf bytes.Buffer
			buildTar(t, &buf, entries)

			err := extractTar(context.Background(), &buf, dst)
			if !errors.Is(err, errUnsafePath) {
				t.Fatalf("extractTar() error = %v, want errUnsafePath", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
				t.Error("file written outside the target directory")
			}
		})
	}
}

func TestExtractTarHardlinkThroughSymlink(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	if err := os.WriteFile(secret, []byte("host data"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buildTar(t, &buf, []tarEntry{
		{name: "escape", typeflag: tar.TypeSymlink, linkname: outside},
		{name: "leak", typeflag: tar.TypeLink, linkname: "escape/secret"},
	})

	dst := t.TempDir()
	err := extractTar(context.Background(), &buf, dst)
	if !errors.Is(err, errUnsafePath) {
		t.Fatalf("extractTar() error = %v, want errUnsafePath", err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "leak")); !os.IsNotExist(err) {
		t.Error("hard link to a file outside the target directory was created")
	}
}

func TestExtractTarHardlink(t *testing.T) {
	var buf bytes.Buffer
	buildTar(t, &buf, []tarEntry{
		{name: "pkg/", typeflag: tar.TypeDir},
		{name: "pkg/orig", body: "shared", typeflag: tar.TypeReg},
		{name: "pkg/copy", typeflag: tar.TypeLink, linkname: "pkg/orig"},
	})

	dst := t.TempDir()
	if err := extractTar(context.Background(), &buf, dst); err != nil {
		t.Fatalf("extractTar() error: %v", err)
	}
	orig, err := os.Stat(filepath.Join(dst, "pkg", "orig"))
	if err != nil {
		t.Fatal(err)
	}
	linked, err := os.Stat(filepath.Join(dst, "pkg", "copy"))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(orig, linked) {
		t.Error("pkg/copy is not a hard link to pkg/orig")
	}
}

func TestExtractTarAbsoluteNames(t *testing.T) {
	var buf bytes.Buffer
	buildTar(t, &buf, []tarEntry{
		{name: "/etc/", typeflag: tar.TypeDir},
		{name: "/etc/hostname", body: "box", typeflag: tar.TypeReg},
		{name: "bin", typeflag: tar.TypeSymlink, linkname: "/usr/bin"},
	})

	dst := t.TempDir()
	if err := extractTar(context.Background(), &buf, dst); err != nil {
		t.Fatalf("extractTar() error: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname")); err != nil || string(data) != "box" {
		t.Errorf("etc/hostname = %q, %v", data, err)
	}
	if target, _ := os.Readlink(filepath.Join(dst, "bin")); target != "/usr/bin" {
		t.Errorf("bin -> %q, want /usr/bin", target)
	}
}

func TestFlattenSingleRoot(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"pkg/pkg/inner": "x", "pkg/top": "y"})

	if err := flattenSingleRoot(dir); err != nil {
		t.Fatalf("flattenSingleRoot() error: %v", err)
	}
	for _, name := range []string{"pkg/inner", "top"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			t.Errorf("missing %s after flatten: %v", name, err)
		}
	}

	// Two top-level entries stay as they are.
	if err := flattenSingleRoot(dir); err != nil {
		t.Fatalf("second flattenSingleRoot() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "top")); err != nil {
		t.Errorf("second flatten moved files: %v", err)
	}
}

func TestMatchArchive(t *testing.T) {
	tests := map[string]struct {
		name       string
		wantOK     bool
		wantFormat archiveFormat
		wantSuffix string
	}{
		"tar.gz":     {name: "x-1.0.tar.gz", wantOK: true, wantFormat: formatTarGz, wantSuffix: ".tar.gz"},
		"upper case": {name: "X.TGZ", wantOK: true, wantFormat: formatTarGz, wantSuffix: ".TGZ"},
		"zstd":       {name: "x.tar.zst", wantOK: true, wantFormat: formatTarZst, wantSuffix: ".tar.zst"},
		"plain tar":  {name: "x.tar", wantOK: true, wantFormat: formatTar, wantSuffix: ".tar"},
		"wheel":      {name: "x-1.0-py3-none-any.whl", wantOK: true, wantFormat: formatZip, wantSuffix: ".whl"},
		"gzip only":  {name: "x.gz"},
		"bare":       {name: ".zip"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			format, suffix, ok := matchArchive(tc.name)
			if ok != tc.wantOK {
				t.Fatalf("matchArchive(%q) ok = %v, want %v", tc.name, ok, tc.wantOK)
			}
			if ok && (format != tc.wantFormat || suffix != tc.wantSuffix) {
				t.Errorf("matchArchive(%q) = %v, %q; want %v, %q", tc.name, format, suffix, tc.wantFormat, tc.wantSuffix)
			}
		})
	}
}
