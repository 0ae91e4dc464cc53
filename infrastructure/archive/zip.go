package archive

import (
	"bytes"
	"fmt"
	"io/fs"

	"github.com/klauspost/compress/zip"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

const zipFlagEncrypted = 0x1

var (
	zipLocalMagic = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
)

type zipFormat struct{}

// Zip returns the zip format. Only stored and deflated entries are
// accepted.
func Zip() Format {
	return zipFormat{}
}

func (zipFormat) Name() string { return "zip" }

func (zipFormat) Match(head []byte) bool {
	return bytes.HasPrefix(head, zipLocalMagic) || bytes.HasPrefix(head, zipEmptyMagic)
}

func (zipFormat) Walk(raw []byte, limits Limits, visit VisitFunc) error {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return &artifact.ValidationError{Reason: artifact.ReasonMalformed, Detail: "unreadable central directory", Err: err}
	}

	// The central directory is read up front, so every declared size
	// is checked before a single byte is inflated.
	if len(zr.File) > limits.MaxEntries {
		return artifact.NewValidationError(artifact.ReasonOversize, "",
			fmt.Sprintf("%d entries exceeds limit of %d", len(zr.File), limits.MaxEntries))
	}
	var total uint64
	for _, f := range zr.File {
		if f.Flags&zipFlagEncrypted != 0 {
			return artifact.NewValidationError(artifact.ReasonUnsupportedCodec, f.Name, "encrypted entry")
		}
		if f.Method != zip.Store && f.Method != zip.Deflate {
			return artifact.NewValidationError(artifact.ReasonUnsupportedCodec, f.Name,
				fmt.Sprintf("compression method %d", f.Method))
		}
		if f.UncompressedSize64 > uint64(limits.MaxEntrySize) {
			return artifact.NewValidationError(artifact.ReasonOversize, f.Name, "declared size exceeds entry limit")
		}
		total += f.UncompressedSize64
		if total > uint64(limits.MaxTotalSize) {
			return artifact.NewValidationError(artifact.ReasonOversize, f.Name, "declared sizes exceed total limit")
		}
	}

	for _, f := range zr.File {
		if err := visitZipEntry(f, visit); err != nil {
			return err
		}
	}
	return nil
}

func visitZipEntry(f *zip.File, visit VisitFunc) error {
	mode := f.Mode()
	h := Header{
		Name: f.Name,
		// Sizes were bounded by the central directory check.
		Size:           int64(f.UncompressedSize64), // #nosec G115
		CompressedSize: int64(f.CompressedSize64),   // #nosec G115
	}
	switch {
	case mode&fs.ModeSymlink != 0:
		h.Kind = KindLink
	case mode.IsDir():
		h.Kind = KindDir
	case mode.IsRegular():
		h.Kind = KindFile
	default:
		h.Kind = KindOther
	}
	if h.Kind != KindFile {
		return visit(h, bytes.NewReader(nil))
	}

	rc, err := f.Open()
	if err != nil {
		return &artifact.ValidationError{Reason: artifact.ReasonMalformed, Entry: f.Name, Err: err}
	}
	defer rc.Close()
	return visit(h, rc)
}
