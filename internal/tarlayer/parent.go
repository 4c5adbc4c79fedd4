package tarlayer

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	ocicomp "github.com/moby/ocibuild/internal/compression"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// parentEntry is what the planner needs to know about one path in the
// composed parent filesystem: its dedup fingerprint plus the ownership
// bits replicated onto whiteout markers.
type parentEntry struct {
	fp   Fingerprint
	Mode int64
	UID  int
	GID  int
}

// ParentIndex is the composed view over a parent image's layers:
// archive path to fingerprint, whiteouts and opaque markers already
// applied. It is immutable once built and may be shared across
// planners.
type ParentIndex struct {
	entries map[string]parentEntry
	paths   []string // sorted
}

// Paths returns the composed paths in byte-ascending order.
func (p *ParentIndex) Paths() []string {
	return p.paths
}

// Len returns the number of composed paths.
func (p *ParentIndex) Len() int {
	return len(p.entries)
}

// Parent is an opened parent image: the pieces of its manifest and
// config a child build inherits, plus the composed index for dedup.
type Parent struct {
	Dir      string
	Manifest ocispec.Manifest
	DiffIDs  []digest.Digest
	History  []ocispec.History
	Index    *ParentIndex
}

// BlobPath returns the on-disk location of one of the parent's blobs.
func (p *Parent) BlobPath(dgst digest.Digest) string {
	return blobPath(p.Dir, dgst)
}

// OpenParent reads the OCI directory at dir, selects the manifest at
// manifestIndex and builds the composed ParentIndex. Layer tars are
// analyzed concurrently (bounded by concurrency) and merged in layer
// order. Every blob read is digest-verified against its descriptor.
func OpenParent(ctx context.Context, dir string, manifestIndex, concurrency int) (*Parent, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "opening parent image %s", dir)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("parent image %s is not a directory: %w", dir, cerrdefs.ErrInvalidArgument)
	}

	rawIndex, err := os.ReadFile(filepath.Join(dir, ocispec.ImageIndexFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading parent index of %s", dir)
	}
	var index ocispec.Index
	if err := json.Unmarshal(rawIndex, &index); err != nil {
		return nil, errors.Wrapf(err, "parsing parent index of %s", dir)
	}
	if manifestIndex < 0 || manifestIndex >= len(index.Manifests) {
		return nil, fmt.Errorf("parent image %s has no manifest %d: %w", dir, manifestIndex, cerrdefs.ErrNotFound)
	}

	p := &Parent{Dir: dir}
	rawManifest, err := readVerifiedBlob(dir, index.Manifests[manifestIndex])
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawManifest, &p.Manifest); err != nil {
		return nil, errors.Wrapf(err, "parsing parent manifest of %s", dir)
	}

	rawConfig, err := readVerifiedBlob(dir, p.Manifest.Config)
	if err != nil {
		return nil, err
	}
	var img ocispec.Image
	if err := json.Unmarshal(rawConfig, &img); err != nil {
		return nil, errors.Wrapf(err, "parsing parent config of %s", dir)
	}
	p.DiffIDs = img.RootFS.DiffIDs
	p.History = img.History

	p.Index, err = buildParentIndex(ctx, dir, p.Manifest.Layers, concurrency)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{
		"parent": dir,
		"layers": len(p.Manifest.Layers),
		"paths":  p.Index.Len(),
	}).Debug("analyzed parent image")
	return p, nil
}

func readVerifiedBlob(dir string, desc ocispec.Descriptor) ([]byte, error) {
	if err := desc.Digest.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid digest in parent %s", dir)
	}
	b, err := os.ReadFile(blobPath(dir, desc.Digest))
	if err != nil {
		return nil, errors.Wrapf(err, "reading parent blob %s", desc.Digest)
	}
	if int64(len(b)) != desc.Size {
		return nil, errors.Errorf("parent blob %s: size %d does not match descriptor size %d", desc.Digest, len(b), desc.Size)
	}
	if actual := digest.FromBytes(b); actual != desc.Digest {
		return nil, errors.Errorf("parent blob %s: content digested to %s", desc.Digest, actual)
	}
	return b, nil
}

func blobPath(dir string, dgst digest.Digest) string {
	return filepath.Join(dir, ocispec.ImageBlobsDir, string(dgst.Algorithm()), dgst.Encoded())
}

// layerContents is one layer tar parsed in isolation, before the
// in-order merge that gives overlay semantics.
type layerContents struct {
	entries   []parsedEntry
	whiteouts []string
	opaques   []string
}

type parsedEntry struct {
	path  string
	entry parentEntry
}

func buildParentIndex(ctx context.Context, dir string, layers []ocispec.Descriptor, concurrency int) (*ParentIndex, error) {
	parsed := make([]layerContents, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 1 {
		g.SetLimit(concurrency)
	} else {
		g.SetLimit(1)
	}
	for i, desc := range layers {
		i, desc := i, desc
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lc, err := parseLayer(dir, desc)
			if err != nil {
				return err
			}
			parsed[i] = lc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// merge sequentially: later layers overwrite, whiteouts delete,
	// opaque markers clear a directory before the layer applies
	composed := make(map[string]parentEntry)
	for _, lc := range parsed {
		for _, d := range lc.opaques {
			prefix := d + "/"
			for p := range composed {
				if d == "" || strings.HasPrefix(p, prefix) {
					delete(composed, p)
				}
			}
		}
		for _, p := range lc.whiteouts {
			delete(composed, p)
			prefix := p + "/"
			for q := range composed {
				if strings.HasPrefix(q, prefix) {
					delete(composed, q)
				}
			}
		}
		for _, pe := range lc.entries {
			composed[pe.path] = pe.entry
		}
	}

	idx := &ParentIndex{entries: composed, paths: make([]string, 0, len(composed))}
	for p := range composed {
		idx.paths = append(idx.paths, p)
	}
	sort.Strings(idx.paths)
	return idx, nil
}

// parseLayer scans one layer blob into per-path fingerprints, verifying
// the blob digest on the way through. The media type must be one this
// builder understands.
func parseLayer(dir string, desc ocispec.Descriptor) (layerContents, error) {
	var lc layerContents

	if _, err := ocicomp.FromMediaType(desc.MediaType); err != nil {
		return lc, err
	}

	f, err := os.Open(blobPath(dir, desc.Digest))
	if err != nil {
		return lc, errors.Wrapf(err, "reading parent layer %s", desc.Digest)
	}
	defer f.Close()

	verifier := desc.Digest.Verifier()
	tee := io.TeeReader(f, verifier)
	decompressed, err := compression.DecompressStream(tee)
	if err != nil {
		return lc, errors.Wrapf(err, "decompressing parent layer %s", desc.Digest)
	}
	defer decompressed.Close()

	tr := tar.NewReader(decompressed)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return lc, errors.Wrapf(err, "reading parent layer %s", desc.Digest)
		}
		name := normalizeArchivePath(hdr.Name)
		if name == "" || name == "." {
			continue
		}
		base := path.Base(name)
		switch {
		case base == archive.WhiteoutOpaqueDir:
			lc.opaques = append(lc.opaques, parentDir(name))
		case strings.HasPrefix(base, archive.WhiteoutPrefix):
			real := strings.TrimPrefix(base, archive.WhiteoutPrefix)
			lc.whiteouts = append(lc.whiteouts, joinArchivePath(parentDir(name), real))
		default:
			pe, err := parseEntry(hdr, tr)
			if err != nil {
				return lc, errors.Wrapf(err, "parsing parent layer %s entry %s", desc.Digest, name)
			}
			lc.entries = append(lc.entries, parsedEntry{path: name, entry: pe})
		}
	}

	// drain any padding after the terminator so the verifier sees the
	// whole blob
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return lc, errors.Wrapf(err, "reading parent layer %s", desc.Digest)
	}
	if !verifier.Verified() {
		return lc, errors.Errorf("parent layer %s: content does not match digest", desc.Digest)
	}
	return lc, nil
}

func parseEntry(hdr *tar.Header, r io.Reader) (parentEntry, error) {
	pe := parentEntry{
		Mode: hdr.Mode & 0o7777,
		UID:  hdr.Uid,
		GID:  hdr.Gid,
	}

	var kind EntryKind
	switch hdr.Typeflag {
	case tar.TypeDir:
		kind = KindDirectory
	case tar.TypeReg:
		kind = KindRegular
	case tar.TypeSymlink:
		kind = KindSymlink
	case tar.TypeLink:
		kind = KindHardlink
	case tar.TypeChar:
		kind = KindCharDevice
	case tar.TypeBlock:
		kind = KindBlockDevice
	case tar.TypeFifo:
		kind = KindFifo
	default:
		return pe, errors.Errorf("unsupported tar entry type %q", hdr.Typeflag)
	}

	var xattrs []Xattr
	for key, value := range hdr.PAXRecords {
		if name, ok := strings.CutPrefix(key, paxXattrPrefix); ok {
			xattrs = append(xattrs, Xattr{Name: name, Value: []byte(value)})
		}
	}
	sort.Slice(xattrs, func(i, j int) bool { return xattrs[i].Name < xattrs[j].Name })

	var content digest.Digest
	if kind == KindRegular {
		var err error
		content, err = digest.FromReader(r)
		if err != nil {
			return pe, err
		}
	}

	link := hdr.Linkname
	if kind == KindHardlink {
		link = normalizeArchivePath(link)
	}

	pe.fp = encodeFingerprint(kind, hdr.Mode, hdr.Uid, hdr.Gid, hdr.Size, link, hdr.Devmajor, hdr.Devminor, xattrs, content)
	return pe, nil
}

func normalizeArchivePath(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	return strings.TrimSuffix(name, "/")
}

func joinArchivePath(dir, base string) string {
	if dir == "" {
		return base
	}
	return dir + "/" + base
}
