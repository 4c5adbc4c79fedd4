package tarlayer

import (
	"context"
	"time"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/moby/ocibuild/internal/blobstore"
	"github.com/moby/ocibuild/internal/compression"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// BuildOptions configure one layer build.
type BuildOptions struct {
	Compression compression.Kind
	Level       int
	Epoch       time.Time
	BufferSize  int // 0 means DefaultBufferSize
}

// Result describes a committed layer.
type Result struct {
	// Descriptor points at the blob as stored (compressed or not).
	Descriptor ocispec.Descriptor
	// DiffID is the digest of the uncompressed tar stream.
	DiffID digest.Digest
	// Entries is the number of archive entries serialized.
	Entries int
}

// BuildLayer streams the plan through the single-pass pipeline
//
//	tar writer -> diff-id hash -> compressor -> blob hash -> temp file
//
// and commits the result. The whole layer is never held in memory; both
// digests fall out of the one pass.
func BuildLayer(ctx context.Context, store *blobstore.Store, plan []*Entry, opts BuildOptions) (Result, error) {
	defer func() {
		for _, e := range plan {
			e.releaseContent()
		}
	}()

	bw, err := store.Writer()
	if err != nil {
		return Result{}, err
	}
	defer bw.Abort()

	cw, err := compression.NewWriter(bw, opts.Compression, opts.Level, opts.Epoch)
	if err != nil {
		return Result{}, errors.Wrap(err, "initializing layer compressor")
	}
	diffSink := blobstore.NewDigestWriter(cw)
	tw := NewWriterSize(diffSink, opts.Epoch, opts.BufferSize)

	for _, e := range plan {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := tw.WriteEntry(e); err != nil {
			return Result{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return Result{}, errors.Wrap(err, "closing layer tar")
	}
	if err := cw.Close(); err != nil {
		return Result{}, errors.Wrap(err, "closing layer compressor")
	}

	desc, err := bw.Commit(opts.Compression.MediaType())
	if err != nil {
		return Result{}, err
	}

	log.G(ctx).WithFields(log.Fields{
		"digest":  desc.Digest,
		"diffID":  diffSink.Digest(),
		"size":    units.HumanSize(float64(desc.Size)),
		"entries": len(plan),
	}).Debug("committed layer blob")

	return Result{
		Descriptor: desc,
		DiffID:     diffSink.Digest(),
		Entries:    len(plan),
	}, nil
}
