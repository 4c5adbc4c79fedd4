// Package blobstore implements the content-addressed blob directory of
// an OCI image layout. Writes stream into a temp file alongside the
// final location; the atomic rename to the digest name is the commit.
package blobstore

import (
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Store is a blobs/sha256 directory under an image layout root. It is
// safe for concurrent use: every writer owns a distinct temp file and
// commit renames are idempotent because the target name is the content
// hash.
type Store struct {
	root string
}

// New creates (if needed) the blob directory under root and returns the
// store.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating blob directory")
	}
	return s, nil
}

func (s *Store) dir() string {
	return filepath.Join(s.root, ocispec.ImageBlobsDir, string(digest.Canonical))
}

// Path returns the on-disk location for a committed digest.
func (s *Store) Path(dgst digest.Digest) string {
	return filepath.Join(s.dir(), dgst.Encoded())
}

// Writer begins a streamed blob write. The caller must finish with
// Commit or Abort.
func (s *Store) Writer() (*Writer, error) {
	f, err := os.CreateTemp(s.dir(), ".tmp-")
	if err != nil {
		return nil, errors.Wrap(err, "creating blob temp file")
	}
	return &Writer{store: s, f: f, dw: NewDigestWriter(f)}, nil
}

// Put commits an in-memory blob (config and manifest JSON) and returns
// its descriptor.
func (s *Store) Put(mediaType string, blob []byte) (ocispec.Descriptor, error) {
	w, err := s.Writer()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer w.Abort()
	if _, err := w.Write(blob); err != nil {
		return ocispec.Descriptor{}, err
	}
	return w.Commit(mediaType)
}

// Writer streams one blob into the store.
type Writer struct {
	store *Store
	f     *os.File
	dw    *DigestWriter
	done  bool
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.dw.Write(p)
}

// Commit closes the temp file and renames it to the computed digest.
// When an identical blob was already committed, the temp file is
// discarded and the existing name reused.
func (w *Writer) Commit(mediaType string) (ocispec.Descriptor, error) {
	if w.done {
		return ocispec.Descriptor{}, errors.New("blob writer already finished")
	}
	w.done = true

	name := w.f.Name()
	if err := w.f.Close(); err != nil {
		os.Remove(name)
		return ocispec.Descriptor{}, errors.Wrap(err, "closing blob temp file")
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    w.dw.Digest(),
		Size:      w.dw.Size(),
	}
	target := w.store.Path(desc.Digest)
	if _, err := os.Stat(target); err == nil {
		os.Remove(name)
		return desc, nil
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name)
		return ocispec.Descriptor{}, errors.Wrapf(err, "committing blob %s", desc.Digest)
	}
	return desc, nil
}

// Abort discards the temp file. It is a no-op after Commit, so it can
// sit in a defer.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	name := w.f.Name()
	w.f.Close()
	os.Remove(name)
}
