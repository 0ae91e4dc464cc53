package archive_test

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const testManifest = "name: demo\nversion: 1.0.0\nrelease_time: 2024-05-01T12:00:00Z\nflags:\n  stable: true\n"

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func file(name, body string) entry {
	return entry{name: name, body: body, typeflag: tar.TypeReg}
}

func withManifest(entries ...entry) []entry {
	return append([]entry{file("cassette.yaml", testManifest)}, entries...)
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o600,
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s) error = %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, e.body); err != nil {
				t.Fatalf("Write(%s) error = %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		switch e.typeflag {
		case tar.TypeSymlink:
			fh.SetMode(fs.ModeSymlink | 0o777)
		case tar.TypeDir:
			fh.SetMode(fs.ModeDir | 0o755)
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			t.Fatalf("CreateHeader(%s) error = %v", e.name, err)
		}
		body := e.body
		if e.typeflag == tar.TypeSymlink {
			body = e.linkname
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("Write(%s) error = %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip write error = %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close error = %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, raw []byte) []byte {
	t.Helper()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter() error = %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}

func lz4Bytes(t *testing.T, raw []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("lz4 write error = %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("lz4 close error = %v", err)
	}
	return buf.Bytes()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
