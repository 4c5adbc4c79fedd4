package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDigestWriter(t *testing.T) {
	var buf bytes.Buffer
	dw := NewDigestWriter(&buf)

	payload := []byte("some layer bytes")
	n, err := dw.Write(payload)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, len(payload)))

	assert.Check(t, is.Equal(dw.Digest(), digest.FromBytes(payload)))
	assert.Check(t, is.Equal(dw.Size(), int64(len(payload))))
	assert.Check(t, is.DeepEqual(buf.Bytes(), payload))
}

func TestDigestWriterDiscards(t *testing.T) {
	dw := NewDigestWriter(nil)
	_, err := dw.Write([]byte("abc"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(dw.Digest(), digest.FromString("abc")))
}

func TestPutNamesBlobByDigest(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	assert.NilError(t, err)

	blob := []byte(`{"schemaVersion":2}`)
	desc, err := store.Put(ocispec.MediaTypeImageManifest, blob)
	assert.NilError(t, err)

	assert.Check(t, is.Equal(desc.Digest, digest.FromBytes(blob)))
	assert.Check(t, is.Equal(desc.Size, int64(len(blob))))
	assert.Check(t, is.Equal(desc.MediaType, ocispec.MediaTypeImageManifest))

	onDisk, err := os.ReadFile(store.Path(desc.Digest))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(onDisk, blob))
	assert.Check(t, is.Equal(store.Path(desc.Digest), filepath.Join(root, "blobs", "sha256", desc.Digest.Encoded())))
}

func TestPutIdenticalBlobTwice(t *testing.T) {
	store, err := New(t.TempDir())
	assert.NilError(t, err)

	blob := []byte("shared config")
	first, err := store.Put(ocispec.MediaTypeImageConfig, blob)
	assert.NilError(t, err)
	second, err := store.Put(ocispec.MediaTypeImageConfig, blob)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first.Digest, second.Digest))

	entries, err := os.ReadDir(filepath.Join(store.root, "blobs", "sha256"))
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 1))
}

func TestAbortLeavesNothingBehind(t *testing.T) {
	store, err := New(t.TempDir())
	assert.NilError(t, err)

	w, err := store.Writer()
	assert.NilError(t, err)
	_, err = w.Write([]byte("partial"))
	assert.NilError(t, err)
	w.Abort()

	entries, err := os.ReadDir(filepath.Join(store.root, "blobs", "sha256"))
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 0))
}

func TestAbortAfterCommitKeepsBlob(t *testing.T) {
	store, err := New(t.TempDir())
	assert.NilError(t, err)

	w, err := store.Writer()
	assert.NilError(t, err)
	_, err = w.Write([]byte("kept"))
	assert.NilError(t, err)
	desc, err := w.Commit(ocispec.MediaTypeImageLayer)
	assert.NilError(t, err)
	w.Abort()

	_, err = os.Stat(store.Path(desc.Digest))
	assert.NilError(t, err)
}
