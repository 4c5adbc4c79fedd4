package imagebuilder

import (
	"context"
	"io"
	"os"

	"github.com/containerd/log"
	archivecomp "github.com/moby/go-archive/compression"
	"github.com/moby/ocibuild/internal/compression"
	"github.com/moby/ocibuild/internal/tarlayer"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// importParentLayers re-commits a parent image's layers into this
// build's blob store, in layer order, so the child manifest can
// reference them. A layer whose compression already matches the build's
// is copied byte for byte (its digest is verified in flight); otherwise
// it is decompressed and re-encoded, which changes the blob digest but
// not the diff-id.
func (b *builder) importParentLayers(ctx context.Context, parent *tarlayer.Parent) ([]ocispec.Descriptor, error) {
	descs := make([]ocispec.Descriptor, 0, len(parent.Manifest.Layers))
	for _, src := range parent.Manifest.Layers {
		desc, err := b.importLayer(ctx, parent, src)
		if err != nil {
			return nil, errors.Wrapf(err, "importing parent layer %s", src.Digest)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func (b *builder) importLayer(ctx context.Context, parent *tarlayer.Parent, src ocispec.Descriptor) (ocispec.Descriptor, error) {
	srcKind, err := compression.FromMediaType(src.MediaType)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	f, err := os.Open(parent.BlobPath(src.Digest))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer f.Close()

	verifier := src.Digest.Verifier()
	tee := io.TeeReader(f, verifier)

	w, err := b.store.Writer()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer w.Abort()

	dstKind := b.cfg.Kind()
	if srcKind == dstKind {
		if _, err := io.Copy(w, tee); err != nil {
			return ocispec.Descriptor{}, err
		}
	} else {
		decompressed, err := archivecomp.DecompressStream(tee)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		cw, err := compression.NewWriter(w, dstKind, b.cfg.Level(), b.epoch)
		if err != nil {
			decompressed.Close()
			return ocispec.Descriptor{}, err
		}
		if _, err := io.Copy(cw, decompressed); err != nil {
			decompressed.Close()
			return ocispec.Descriptor{}, err
		}
		if err := decompressed.Close(); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := cw.Close(); err != nil {
			return ocispec.Descriptor{}, err
		}
		// drain trailing source bytes the decompressor did not consume
		if _, err := io.Copy(io.Discard, tee); err != nil {
			return ocispec.Descriptor{}, err
		}
	}
	if !verifier.Verified() {
		return ocispec.Descriptor{}, errors.Errorf("content does not match digest %s", src.Digest)
	}

	desc, err := w.Commit(dstKind.MediaType())
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if srcKind == dstKind && desc.Digest != src.Digest {
		return ocispec.Descriptor{}, errors.Errorf("copied blob digested to %s, want %s", desc.Digest, src.Digest)
	}
	log.G(ctx).WithFields(log.Fields{
		"digest":     desc.Digest,
		"transcoded": srcKind != dstKind,
	}).Debug("imported parent layer")
	return desc, nil
}
