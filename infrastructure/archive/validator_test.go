package archive_test

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/archive"
)

func assertReason(t *testing.T, err error, want artifact.Reason) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s rejection, got nil", want)
	}
	if !errors.Is(err, artifact.ErrValidation) {
		t.Fatalf("error should match ErrValidation: %v", err)
	}
	got, _ := artifact.ReasonOf(err)
	if got != want {
		t.Fatalf("reason = %s, want %s (%v)", got, want, err)
	}
}

func TestValidate_ZipSuccess(t *testing.T) {
	t.Parallel()

	v := archive.NewValidator(archive.DefaultLimits())
	raw := buildZip(t, withManifest(file("b.txt", "bee"), file("a/x.txt", "ex")))

	res, err := v.Validate(raw)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Format != "zip" {
		t.Errorf("Format = %s, want zip", res.Format)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(res.Entries))
	}
	if res.Entries[0].Path != "a/x.txt" || res.Entries[1].Path != "b.txt" {
		t.Errorf("entries not sorted: %+v", res.Entries)
	}
	if res.Entries[1].Size != 3 {
		t.Errorf("Size = %d, want 3", res.Entries[1].Size)
	}
	if res.Manifest.Name != "demo" || res.Manifest.Version != "1.0.0" {
		t.Errorf("Manifest = %+v", res.Manifest)
	}

	desc := res.Manifest.Descriptor(time.Time{})
	if !desc.ReleaseTime.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("ReleaseTime = %v", desc.ReleaseTime)
	}
	if !desc.Flag("stable") {
		t.Error("stable flag should be set")
	}
}

func TestValidate_EntryOrderDoesNotChangeDigest(t *testing.T) {
	t.Parallel()

	v := archive.NewValidator(archive.DefaultLimits())
	forward := buildZip(t, withManifest(file("a.txt", "A"), file("b.txt", "B"), file("c/d.txt", "D")))
	backward := buildZip(t, []entry{
		file("c/d.txt", "D"), file("b.txt", "B"), file("a.txt", "A"), file("cassette.yaml", testManifest),
	})

	r1, err := v.Validate(forward)
	if err != nil {
		t.Fatalf("Validate(forward) error = %v", err)
	}
	r2, err := v.Validate(backward)
	if err != nil {
		t.Fatalf("Validate(backward) error = %v", err)
	}
	if !bytes.Equal(r1.Canonical, r2.Canonical) {
		t.Error("canonical bytes differ for the same file set")
	}
}

func TestValidate_FormatsAgree(t *testing.T) {
	t.Parallel()

	entries := withManifest(file("readme.md", "# demo"), file("bin/tool", strings.Repeat("x", 4096)))
	plain := buildTar(t, entries)

	payloads := map[string][]byte{
		"zip":      buildZip(t, entries),
		"tar":      plain,
		"tar+gzip": gzipBytes(t, plain),
		"tar+zstd": zstdBytes(t, plain),
		"tar+lz4":  lz4Bytes(t, plain),
	}

	v := archive.NewValidator(archive.DefaultLimits())
	var want string
	for format, raw := range payloads {
		res, err := v.Validate(raw)
		if err != nil {
			t.Fatalf("Validate(%s) error = %v", format, err)
		}
		if res.Format != format {
			t.Errorf("detected %s, want %s", res.Format, format)
		}
		got := blob.Compute(res.Canonical).String()
		if want == "" {
			want = got
		} else if got != want {
			t.Errorf("%s digest = %s, want %s", format, got, want)
		}
	}
}

func TestValidate_DirectoriesAreSkipped(t *testing.T) {
	t.Parallel()

	v := archive.NewValidator(archive.DefaultLimits())
	raw := buildTar(t, withManifest(
		entry{name: "dir/", typeflag: tar.TypeDir},
		file("dir/a.txt", "a"),
		file("./b.txt", "b"),
	))

	res, err := v.Validate(raw)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Path != "b.txt" || res.Entries[1].Path != "dir/a.txt" {
		t.Errorf("Entries = %+v", res.Entries)
	}
}

func TestValidate_Traversal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry entry
	}{
		{"parent segment", file("../escape.txt", "x")},
		{"nested parent", file("a/../../escape.txt", "x")},
		{"absolute", file("/etc/passwd", "x")},
		{"backslash", file(`a\..\b.txt`, "x")},
		{"drive letter", file("C:/windows/x", "x")},
		{"symlink", entry{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{"hard link", entry{name: "hard", typeflag: tar.TypeLink, linkname: "cassette.yaml"}},
	}

	v := archive.NewValidator(archive.DefaultLimits())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Validate(buildTar(t, withManifest(tt.entry)))
			assertReason(t, err, artifact.ReasonTraversal)
		})
	}
}

func TestValidate_ZipSymlinkIsTraversal(t *testing.T) {
	t.Parallel()

	v := archive.NewValidator(archive.DefaultLimits())
	raw := buildZip(t, withManifest(entry{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc"}))

	_, err := v.Validate(raw)
	assertReason(t, err, artifact.ReasonTraversal)
}

func TestValidate_Oversize(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("0", 8<<10)

	tests := []struct {
		name   string
		limits archive.Limits
		raw    func(t *testing.T) []byte
	}{
		{
			name:   "archive size",
			limits: archive.Limits{MaxArchiveSize: 64},
			raw:    func(t *testing.T) []byte { return buildTar(t, withManifest(file("a", "a"))) },
		},
		{
			name:   "zip entry declared size",
			limits: archive.Limits{MaxEntrySize: 1 << 10},
			raw:    func(t *testing.T) []byte { return buildZip(t, withManifest(file("zeros", big))) },
		},
		{
			name:   "zip total size",
			limits: archive.Limits{MaxEntrySize: 6 << 10, MaxTotalSize: 10 << 10},
			raw: func(t *testing.T) []byte {
				return buildZip(t, withManifest(file("a", big[:6<<10]), file("b", big[:6<<10])))
			},
		},
		{
			name:   "zip entry count",
			limits: archive.Limits{MaxEntries: 2},
			raw: func(t *testing.T) []byte {
				return buildZip(t, withManifest(file("a", "a"), file("b", "b")))
			},
		},
		{
			name:   "gzip tar entry size",
			limits: archive.Limits{MaxEntrySize: 1 << 10},
			raw:    func(t *testing.T) []byte { return gzipBytes(t, buildTar(t, withManifest(file("zeros", big)))) },
		},
		{
			name:   "tar entry count",
			limits: archive.Limits{MaxEntries: 2},
			raw: func(t *testing.T) []byte {
				return buildTar(t, withManifest(file("a", "a"), file("b", "b")))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := archive.NewValidator(tt.limits)
			_, err := v.Validate(tt.raw(t))
			assertReason(t, err, artifact.ReasonOversize)
		})
	}
}

func TestValidate_UnsupportedCodec(t *testing.T) {
	t.Parallel()

	v := archive.NewValidator(archive.DefaultLimits())

	t.Run("unknown container", func(t *testing.T) {
		t.Parallel()

		_, err := v.Validate([]byte("this is not an archive at all"))
		assertReason(t, err, artifact.ReasonUnsupportedCodec)
	})

	t.Run("zip method", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		zw.RegisterCompressor(99, func(w io.Writer) (io.WriteCloser, error) {
			return nopWriteCloser{w}, nil
		})
		w, err := zw.CreateHeader(&zip.FileHeader{Name: "cassette.yaml", Method: 99})
		if err != nil {
			t.Fatalf("CreateHeader() error = %v", err)
		}
		_, _ = io.WriteString(w, testManifest)
		if err := zw.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		_, err = v.Validate(buf.Bytes())
		assertReason(t, err, artifact.ReasonUnsupportedCodec)
	})

	t.Run("encrypted zip entry", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: "secret", Method: zip.Store, Flags: 0x1})
		if err != nil {
			t.Fatalf("CreateHeader() error = %v", err)
		}
		_, _ = io.WriteString(w, "ciphertext")
		if err := zw.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		_, err = v.Validate(buf.Bytes())
		assertReason(t, err, artifact.ReasonUnsupportedCodec)
	})
}

func TestValidate_Malformed(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("payload ", 512)

	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
	}{
		{"empty payload", func(t *testing.T) []byte { return nil }},
		{"truncated tar", func(t *testing.T) []byte {
			raw := buildTar(t, withManifest(file("big", body)))
			return raw[:len(raw)/2]
		}},
		{"truncated gzip", func(t *testing.T) []byte {
			raw := gzipBytes(t, buildTar(t, withManifest(file("big", body))))
			return raw[:len(raw)-12]
		}},
		{"gzip checksum", func(t *testing.T) []byte {
			raw := gzipBytes(t, buildTar(t, withManifest(file("big", body))))
			raw[len(raw)-8] ^= 0xff
			return raw
		}},
		{"truncated zip", func(t *testing.T) []byte {
			raw := buildZip(t, withManifest(file("big", body)))
			return raw[:len(raw)-30]
		}},
		{"duplicate path", func(t *testing.T) []byte {
			return buildTar(t, withManifest(file("a.txt", "1"), file("./a.txt", "2")))
		}},
		{"duplicate manifest", func(t *testing.T) []byte {
			return buildTar(t, withManifest(file("a.txt", "1"), file("cassette.yaml", testManifest)))
		}},
		{"file and directory", func(t *testing.T) []byte {
			return buildTar(t, withManifest(file("a", "1"), file("a/b", "2")))
		}},
		{"fifo", func(t *testing.T) []byte {
			return buildTar(t, withManifest(entry{name: "pipe", typeflag: tar.TypeFifo}))
		}},
		{"missing manifest", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("a.txt", "1")})
		}},
		{"manifest only", func(t *testing.T) []byte {
			return buildTar(t, withManifest())
		}},
		{"unknown manifest key", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("cassette.yaml", "name: demo\nversion: 1\nchannel: beta\n"), file("a", "a")})
		}},
		{"invalid manifest name", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("cassette.yaml", "name: ../demo\nversion: 1\n"), file("a", "a")})
		}},
		{"zero release time", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("cassette.yaml", "name: demo\nversion: 1\nrelease_time: 0001-01-01T00:00:00Z\n"), file("a", "a")})
		}},
		{"release time truncating to zero", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("cassette.yaml", "name: demo\nversion: 1\nrelease_time: 0001-01-01T00:00:00.0004Z\n"), file("a", "a")})
		}},
		{"empty manifest", func(t *testing.T) []byte {
			return buildTar(t, []entry{file("cassette.yaml", ""), file("a", "a")})
		}},
	}

	v := archive.NewValidator(archive.DefaultLimits())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Validate(tt.raw(t))
			assertReason(t, err, artifact.ReasonMalformed)
		})
	}
}

func TestManifest_DefaultReleaseTime(t *testing.T) {
	t.Parallel()

	m, err := archive.ParseManifest([]byte("name: demo\nversion: 2.0.0\n"))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	fallback := time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	desc := m.Descriptor(fallback)
	if !desc.ReleaseTime.Equal(fallback) {
		t.Errorf("ReleaseTime = %v, want %v", desc.ReleaseTime, fallback)
	}
	if len(desc.Flags) != 0 {
		t.Errorf("Flags = %v, want empty", desc.Flags)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	names := archive.DefaultRegistry().Names()
	want := []string{"zip", "tar+gzip", "tar+zstd", "tar+lz4", "tar"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", names, want)
	}
}

func TestCanonicalize_IsDeterministic(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"b": []byte("2"), "a": []byte("1"), "c/d": nil}
	first, err := archive.Canonicalize(files)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	for range 5 {
		again, err := archive.Canonicalize(files)
		if err != nil {
			t.Fatalf("Canonicalize() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("canonical bytes changed between calls")
		}
	}

	tr := tar.NewReader(bytes.NewReader(first))
	var order []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		order = append(order, hdr.Name)
		if !hdr.ModTime.Equal(time.Unix(0, 0)) {
			t.Errorf("%s ModTime = %v", hdr.Name, hdr.ModTime)
		}
	}
	if strings.Join(order, ",") != "a,b,c/d" {
		t.Errorf("order = %v", order)
	}
}
