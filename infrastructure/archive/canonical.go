package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"slices"
	"time"
)

var canonicalModTime = time.Unix(0, 0).UTC()

// Canonicalize serializes files as an uncompressed tar in path order
// with fixed metadata. Equal file sets produce equal bytes regardless
// of the container or entry order they arrived in.
func Canonicalize(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	var size int
	for p, data := range files {
		paths = append(paths, p)
		size += 1024 + len(data)
	}
	slices.Sort(paths)

	buf := bytes.NewBuffer(make([]byte, 0, size+1024))
	tw := tar.NewWriter(buf)
	for _, p := range paths {
		data := files[p]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Size:     int64(len(data)),
			Mode:     0o644,
			ModTime:  canonicalModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write header for %s: %w", p, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish canonical tar: %w", err)
	}
	return buf.Bytes(), nil
}
