package imagebuilder

import (
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

var versioned2 = specs.Versioned{SchemaVersion: 2}

// writeIndex commits the top-level index.json and the oci-layout marker.
// Both are written atomically, and only after every image succeeded, so
// a failed run never leaves a readable-but-wrong index behind.
func writeIndex(outDir string, manifests []ocispec.Descriptor, annotations map[string]string) error {
	indexBlob, err := marshalBlob(ocispec.Index{
		Versioned:   versioned2,
		Manifests:   manifests,
		Annotations: annotations,
	})
	if err != nil {
		return errors.Wrap(err, "serializing image index")
	}
	if err := atomicwriter.WriteFile(filepath.Join(outDir, ocispec.ImageIndexFile), indexBlob, 0o644); err != nil {
		return errors.Wrap(err, "writing index.json")
	}

	layoutBlob, err := marshalBlob(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return errors.Wrap(err, "serializing oci-layout")
	}
	if err := atomicwriter.WriteFile(filepath.Join(outDir, ocispec.ImageLayoutFile), layoutBlob, 0o644); err != nil {
		return errors.Wrap(err, "writing oci-layout")
	}
	return nil
}
