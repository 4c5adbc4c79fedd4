// Package imagebuilder assembles images from build documents: it runs
// the per-image layer pipeline, writes config and manifest blobs, and
// aggregates everything into the top-level index.
package imagebuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/containerd/log"
	"github.com/containerd/platforms"
	"github.com/moby/ocibuild/internal/buildconfig"
	"github.com/moby/ocibuild/internal/tarlayer"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// imageConfig is the OCI image config document. The field order here is
// the serialization order and must not change: consumers compare config
// blobs byte for byte. Config is the free-form user payload from the
// build document, carried through untouched (Go serializes map keys
// byte-sorted, which keeps the blob stable between runs).
type imageConfig struct {
	Created      time.Time         `json:"created"`
	Author       string            `json:"author,omitempty"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Variant      string            `json:"variant,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	RootFS       rootFS            `json:"rootfs"`
	History      []ocispec.History `json:"history"`
}

type rootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// marshalBlob renders JSON blobs without HTML escaping and without a
// trailing newline.
func marshalBlob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// buildImage builds one image and returns its index entry: the manifest
// descriptor decorated with platform and index annotations.
func (b *builder) buildImage(ctx context.Context, spec buildconfig.ImageSpec) (ocispec.Descriptor, error) {
	platform := ocispec.Platform{
		Architecture: spec.Architecture,
		OS:           spec.OS,
		OSVersion:    spec.OSVersion,
		OSFeatures:   spec.OSFeatures,
		Variant:      spec.Variant,
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("platform", platforms.FormatAll(platform)))

	layers := make([]ocispec.Descriptor, 0)
	diffIDs := make([]digest.Digest, 0)
	var history []ocispec.History

	var parentIndex *tarlayer.ParentIndex
	if spec.Parent != nil {
		parent, err := tarlayer.OpenParent(ctx, spec.Parent.Image, spec.Parent.Index, b.intra)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		imported, err := b.importParentLayers(ctx, parent)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		layers = append(layers, imported...)
		diffIDs = append(diffIDs, parent.DiffIDs...)
		history = append(history, parent.History...)
		parentIndex = parent.Index
	}

	emptyLayer := true
	if spec.Layer != "" {
		scanned, err := tarlayer.Scan(ctx, spec.Layer, tarlayer.ScanOptions{
			SkipXattrs:    b.cfg.SkipXattrs,
			Concurrency:   b.intra,
			PrefetchBytes: b.cfg.PrefetchLimitBytes(),
		})
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		plan := tarlayer.BuildPlan(ctx, scanned, parentIndex)
		if len(plan) > 0 {
			result, err := tarlayer.BuildLayer(ctx, b.store, plan, tarlayer.BuildOptions{
				Compression: b.cfg.Kind(),
				Level:       b.cfg.Level(),
				Epoch:       b.epoch,
			})
			if err != nil {
				return ocispec.Descriptor{}, err
			}
			layers = append(layers, result.Descriptor)
			diffIDs = append(diffIDs, result.DiffID)
			emptyLayer = false
		} else {
			log.G(ctx).Debug("layer fully deduplicated against parent, no layer emitted")
		}
	}

	created := b.epoch
	entry := ocispec.History{
		Created: &created,
		Author:  spec.Author,
		Comment: spec.Comment,
	}
	entry.EmptyLayer = emptyLayer
	history = append(history, entry)

	configBlob, err := marshalBlob(imageConfig{
		Created:      b.epoch,
		Author:       spec.Author,
		Architecture: spec.Architecture,
		OS:           spec.OS,
		Variant:      spec.Variant,
		Config:       spec.Config,
		RootFS:       rootFS{Type: "layers", DiffIDs: diffIDs},
		History:      history,
	})
	if err != nil {
		return ocispec.Descriptor{}, errors.Wrap(err, "serializing image config")
	}
	configDesc, err := b.store.Put(ocispec.MediaTypeImageConfig, configBlob)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifestBlob, err := marshalBlob(ocispec.Manifest{
		Versioned:   versioned2,
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      layers,
		Annotations: spec.Annotations,
	})
	if err != nil {
		return ocispec.Descriptor{}, errors.Wrap(err, "serializing image manifest")
	}
	manifestDesc, err := b.store.Put(ocispec.MediaTypeImageManifest, manifestBlob)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	log.G(ctx).WithFields(log.Fields{
		"manifest": manifestDesc.Digest,
		"layers":   len(layers),
	}).Debug("built image")

	manifestDesc.Platform = &platform
	manifestDesc.Annotations = spec.IndexAnnotations
	return manifestDesc, nil
}
