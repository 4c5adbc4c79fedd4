package imagebuilder

import (
	"context"
	"runtime"
	"time"

	"github.com/containerd/log"
	"github.com/moby/ocibuild/internal/blobstore"
	"github.com/moby/ocibuild/internal/buildconfig"
	"github.com/moby/ocibuild/internal/epoch"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// Options configure one build run.
type Options struct {
	// OutputDir is the image layout root; blobs, index.json and
	// oci-layout land here.
	OutputDir string
	// Workers bounds how many images build in parallel. Values below 1
	// mean the logical CPU count.
	Workers int
}

type builder struct {
	cfg   *buildconfig.Config
	store *blobstore.Store
	epoch time.Time
	intra int // concurrency budget inside one image build
}

// Build runs the whole document: every image in parallel under the
// worker bound, then the index. Image manifests keep the document's
// order in index.json no matter which build finishes first. The first
// failure cancels outstanding work and no index is written.
func Build(ctx context.Context, cfg *buildconfig.Config, opts Options) error {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	store, err := blobstore.New(opts.OutputDir)
	if err != nil {
		return err
	}

	// keep total parallelism near the worker budget when several
	// images run at once
	intra := workers / len(cfg.Images)
	if intra < 1 {
		intra = 1
	}

	b := &builder{
		cfg:   cfg,
		store: store,
		epoch: epoch.Resolve(ctx),
		intra: intra,
	}
	log.G(ctx).WithFields(log.Fields{
		"images":  len(cfg.Images),
		"workers": workers,
		"epoch":   b.epoch.Unix(),
	}).Debug("starting build")

	manifests := make([]ocispec.Descriptor, len(cfg.Images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, spec := range cfg.Images {
		i, spec := i, spec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			desc, err := b.buildImage(gctx, spec)
			if err != nil {
				return err
			}
			manifests[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return writeIndex(opts.OutputDir, manifests, cfg.Annotations)
}
