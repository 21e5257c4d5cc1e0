// Package archive retrieves and validates the monthly compressed game
// archives that feed the pipeline.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the fixed 4-byte frame signature of the zstd container
// (little-endian 0xFD2FB528).
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Limits bounds the plausible size of a monthly archive. Files outside the
// window are presumed corrupt or mis-fetched (e.g. an HTML error page).
type Limits struct {
	MinSize int64
	MaxSize int64
}

// DefaultLimits returns the production size window: 100 MiB to 50 GiB.
func DefaultLimits() Limits {
	return Limits{
		MinSize: 100 * 1024 * 1024,
		MaxSize: 50 * 1024 * 1024 * 1024,
	}
}

// ValidationError reports why a cached archive was rejected.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid archive %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate is a pure predicate over a file path. It checks, in order:
// existence, size window, zstd magic, an untruncated header probe, and the
// ability to decode a minimal amount of output. Every call re-runs every
// check; nothing is cached.
func Validate(path string, limits Limits) error {
	info, err := os.Stat(path)
	if err != nil {
		return invalid(path, "stat failed: %v", err)
	}

	size := info.Size()
	if size < limits.MinSize {
		return invalid(path, "too small (%s), likely incomplete", humanize.IBytes(uint64(size)))
	}
	if size > limits.MaxSize {
		return invalid(path, "unusually large (%s)", humanize.IBytes(uint64(size)))
	}

	f, err := os.Open(path)
	if err != nil {
		return invalid(path, "open failed: %v", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return invalid(path, "truncated before magic: %v", err)
	}
	if !bytes.Equal(magic, zstdMagic) {
		return invalid(path, "bad magic %x: %s", magic, describeForeign(magic))
	}

	// Probe a header window without hitting a short read.
	probeLen := int64(1024)
	if size < probeLen {
		probeLen = size
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return invalid(path, "seek failed: %v", err)
	}
	probe := make([]byte, probeLen)
	if _, err := io.ReadFull(f, probe); err != nil {
		return invalid(path, "truncated header: %v", err)
	}

	// Decode a small amount of output to confirm the stream opens.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return invalid(path, "seek failed: %v", err)
	}
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return invalid(path, "zstd stream rejected: %v", err)
	}
	defer zr.Close()

	buf := make([]byte, 100)
	n, err := io.ReadFull(zr, buf)
	if err == io.EOF || n == 0 {
		return invalid(path, "empty after decompression")
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return invalid(path, "decode probe failed: %v", err)
	}

	return nil
}

// describeForeign names recognizable foreign content for diagnostics.
// Foreign files are still simply invalid.
func describeForeign(magic []byte) string {
	switch {
	case bytes.HasPrefix(magic, []byte("<!")) || bytes.HasPrefix(magic, []byte("<htm")):
		return "looks like HTML (an error page?)"
	case bytes.HasPrefix(magic, []byte("PK")):
		return "looks like a ZIP archive"
	default:
		return "not a zstd stream"
	}
}
