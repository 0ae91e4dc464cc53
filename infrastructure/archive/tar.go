package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	tarMagic  = []byte("ustar")
)

const tarMagicOffset = 257

// errStreamBudget is returned when a decompressed stream outgrows every
// archive it could legitimately hold.
var errStreamBudget = errors.New("decompressed stream exceeds budget")

// decompressor opens the outer stream. The returned close function
// releases decoder resources.
type decompressor func(r io.Reader, limits Limits) (io.Reader, func(), error)

type tarFormat struct {
	name  string
	match func(head []byte) bool
	open  decompressor
}

// Tar returns the uncompressed tar format.
func Tar() Format {
	return tarFormat{
		name: "tar",
		match: func(head []byte) bool {
			return len(head) >= tarMagicOffset+len(tarMagic) &&
				bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic)
		},
		open: func(r io.Reader, _ Limits) (io.Reader, func(), error) {
			return r, func() {}, nil
		},
	}
}

// TarGzip returns the gzip compressed tar format.
func TarGzip() Format {
	return tarFormat{
		name:  "tar+gzip",
		match: prefixMatcher(gzipMagic),
		open: func(r io.Reader, _ Limits) (io.Reader, func(), error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, func() { _ = zr.Close() }, nil
		},
	}
}

// TarZstd returns the zstd compressed tar format.
func TarZstd() Format {
	return tarFormat{
		name:  "tar+zstd",
		match: prefixMatcher(zstdMagic),
		open: func(r io.Reader, limits Limits) (io.Reader, func(), error) {
			dec, err := zstd.NewReader(r,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(uint64(limits.streamBudget())), // #nosec G115
			)
			if err != nil {
				return nil, nil, err
			}
			return dec, dec.Close, nil
		},
	}
}

// TarLZ4 returns the lz4 frame compressed tar format.
func TarLZ4() Format {
	return tarFormat{
		name:  "tar+lz4",
		match: prefixMatcher(lz4Magic),
		open: func(r io.Reader, _ Limits) (io.Reader, func(), error) {
			return lz4.NewReader(r), func() {}, nil
		},
	}
}

func prefixMatcher(magic []byte) func([]byte) bool {
	return func(head []byte) bool {
		return bytes.HasPrefix(head, magic)
	}
}

func (f tarFormat) Name() string { return f.name }

func (f tarFormat) Match(head []byte) bool { return f.match(head) }

func (f tarFormat) Walk(raw []byte, limits Limits, visit VisitFunc) error {
	stream, closeFn, err := f.open(bytes.NewReader(raw), limits)
	if err != nil {
		return &artifact.ValidationError{Reason: artifact.ReasonMalformed, Detail: "unreadable " + f.name + " stream", Err: err}
	}
	defer closeFn()

	budgeted := &budgetReader{r: stream, remaining: limits.streamBudget()}
	tr := tar.NewReader(budgeted)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return streamError(err, "")
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		h := Header{Name: hdr.Name, Kind: tarKind(hdr.Typeflag), Size: hdr.Size}
		if f.name == "tar" {
			h.CompressedSize = hdr.Size
		}
		if err := visit(h, tr); err != nil {
			if !errors.Is(err, artifact.ErrValidation) {
				return streamError(err, hdr.Name)
			}
			return err
		}
	}

	// Reading past the end-of-archive marker surfaces trailing
	// corruption such as a bad gzip checksum.
	if _, err := io.Copy(io.Discard, budgeted); err != nil {
		return streamError(err, "")
	}
	return nil
}

func tarKind(flag byte) EntryKind {
	switch flag {
	case tar.TypeReg:
		return KindFile
	case tar.TypeDir:
		return KindDir
	case tar.TypeSymlink, tar.TypeLink:
		return KindLink
	default:
		return KindOther
	}
}

func streamError(err error, entry string) error {
	if errors.Is(err, errStreamBudget) {
		return &artifact.ValidationError{Reason: artifact.ReasonOversize, Entry: entry, Err: err}
	}
	detail := "corrupt stream"
	if errors.Is(err, io.ErrUnexpectedEOF) {
		detail = "truncated stream"
	}
	return &artifact.ValidationError{Reason: artifact.ReasonMalformed, Entry: entry, Detail: detail, Err: err}
}

// budgetReader fails once more than remaining bytes have been read.
type budgetReader struct {
	r         io.Reader
	remaining int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// Read one more byte to distinguish a stream ending
		// exactly at the budget.
		var one [1]byte
		n, err := b.r.Read(one[:])
		if n > 0 {
			return 0, errStreamBudget
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}
