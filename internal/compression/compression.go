// Package compression selects and constructs the layer compressor: the
// pass-through, gzip, or zstd stage the tar stream is pushed through on
// its way into the blob store.
package compression

import (
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Kind is the compression applied to layer blobs.
type Kind int

const (
	None Kind = iota // None stores layers as plain tars.
	Gzip             // Gzip is DEFLATE at levels 1-9.
	Zstd             // Zstd is zstandard at levels 1-22.
)

const (
	defaultGzipLevel = 5
	defaultZstdLevel = 3
)

// Parse maps a configuration string to a Kind. The accepted values are
// "gzip", "zstd" and "disabled".
func Parse(s string) (Kind, error) {
	switch s {
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	case "disabled":
		return None, nil
	default:
		return None, fmt.Errorf("compression must be gzip, zstd, or disabled, got %q: %w", s, cerrdefs.ErrInvalidArgument)
	}
}

func (k Kind) String() string {
	switch k {
	case None:
		return "disabled"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// MediaType returns the OCI layer media type produced by this Kind.
func (k Kind) MediaType() string {
	switch k {
	case Gzip:
		return ocispec.MediaTypeImageLayerGzip
	case Zstd:
		return ocispec.MediaTypeImageLayerZstd
	default:
		return ocispec.MediaTypeImageLayer
	}
}

// FromMediaType maps a manifest layer media type back to its Kind. It
// fails for media types this builder does not produce.
func FromMediaType(mediaType string) (Kind, error) {
	switch mediaType {
	case ocispec.MediaTypeImageLayer:
		return None, nil
	case ocispec.MediaTypeImageLayerGzip:
		return Gzip, nil
	case ocispec.MediaTypeImageLayerZstd:
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown layer media type %q: %w", mediaType, cerrdefs.ErrInvalidArgument)
	}
}

// DefaultLevel returns the level used when the configuration does not
// name one.
func (k Kind) DefaultLevel() int {
	switch k {
	case Gzip:
		return defaultGzipLevel
	case Zstd:
		return defaultZstdLevel
	default:
		return 0
	}
}

// ValidateLevel checks that level is in range for the Kind.
func (k Kind) ValidateLevel(level int) error {
	switch k {
	case Gzip:
		if level < gzip.BestSpeed || level > gzip.BestCompression {
			return fmt.Errorf("gzip compression-level must be 1-9, got %d: %w", level, cerrdefs.ErrInvalidArgument)
		}
	case Zstd:
		if level < 1 || level > 22 {
			return fmt.Errorf("zstd compression-level must be 1-22, got %d: %w", level, cerrdefs.ErrInvalidArgument)
		}
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the compressor for k. The epoch is stamped into
// the gzip header mtime; zstd frames carry no timestamp. The gzip OS byte
// is pinned to 255 ("unknown") and the name and comment fields stay
// empty, so the header bytes depend only on the epoch.
//
// Both encoders run single-stream: output for a given (input, level) pair
// must not vary between runs.
func NewWriter(w io.Writer, k Kind, level int, epoch time.Time) (io.WriteCloser, error) {
	switch k {
	case Gzip:
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, err
		}
		zw.ModTime = epoch
		zw.OS = 255 // "unknown"
		return zw, nil
	case Zstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
	default:
		return nopWriteCloser{w}, nil
	}
}
