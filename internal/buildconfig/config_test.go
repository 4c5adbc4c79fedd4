package buildconfig

import (
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/ocibuild/internal/compression"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDecodeFullDocument(t *testing.T) {
	doc := `
compression: zstd
compression-level: 19
skip-xattrs: true
prefetch-limit-mb: 64
annotations:
  org.opencontainers.image.description: "Multi-arch test"
images:
  - architecture: amd64
    os: linux
    author: test-suite
    comment: Minimal test image
    layer: /srv/rootfs
    parent:
      image: /srv/base
      index: 1
    config:
      Env:
        - PATH=/usr/bin
      Cmd:
        - /bin/sh
    annotations:
      org.opencontainers.image.title: my-image
    index-annotations:
      org.opencontainers.image.ref.name: latest
  - architecture: arm64
    os: linux
    variant: v8
`
	cfg, err := Decode(strings.NewReader(doc))
	assert.NilError(t, err)

	assert.Check(t, is.Equal(cfg.Kind(), compression.Zstd))
	assert.Check(t, is.Equal(cfg.Level(), 19))
	assert.Check(t, cfg.SkipXattrs)
	assert.Check(t, is.Equal(cfg.PrefetchLimitBytes(), int64(64*1024*1024)))
	assert.Check(t, is.Equal(cfg.Annotations["org.opencontainers.image.description"], "Multi-arch test"))

	assert.Assert(t, is.Len(cfg.Images, 2))
	img := cfg.Images[0]
	assert.Check(t, is.Equal(img.Architecture, "amd64"))
	assert.Check(t, is.Equal(img.OS, "linux"))
	assert.Check(t, is.Equal(img.Author, "test-suite"))
	assert.Check(t, is.Equal(img.Comment, "Minimal test image"))
	assert.Check(t, is.Equal(img.Layer, "/srv/rootfs"))
	assert.Assert(t, img.Parent != nil)
	assert.Check(t, is.Equal(img.Parent.Image, "/srv/base"))
	assert.Check(t, is.Equal(img.Parent.Index, 1))
	assert.Check(t, is.Equal(img.Annotations["org.opencontainers.image.title"], "my-image"))
	assert.Check(t, is.Equal(img.IndexAnnotations["org.opencontainers.image.ref.name"], "latest"))

	env, ok := img.Config["Env"].([]any)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(env[0], any("PATH=/usr/bin")))

	assert.Check(t, is.Equal(cfg.Images[1].Variant, "v8"))
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader("images:\n  - {architecture: amd64, os: linux}\n"))
	assert.NilError(t, err)

	assert.Check(t, is.Equal(cfg.Kind(), compression.Gzip))
	assert.Check(t, is.Equal(cfg.Level(), 5))
	assert.Check(t, !cfg.SkipXattrs)
	assert.Check(t, is.Equal(cfg.PrefetchLimitMB, DefaultPrefetchLimitMB))
}

func TestDecodeZstdDefaultLevel(t *testing.T) {
	cfg, err := Decode(strings.NewReader("compression: zstd\nimages:\n  - {architecture: amd64, os: linux}\n"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.Level(), 3))
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"no images", "compression: gzip\n"},
		{"empty images", "images: []\n"},
		{"bad compression", "compression: lz4\nimages:\n  - {architecture: amd64, os: linux}\n"},
		{"gzip level out of range", "compression-level: 12\nimages:\n  - {architecture: amd64, os: linux}\n"},
		{"zstd level out of range", "compression: zstd\ncompression-level: 23\nimages:\n  - {architecture: amd64, os: linux}\n"},
		{"missing architecture", "images:\n  - {os: linux}\n"},
		{"missing os", "images:\n  - {architecture: amd64}\n"},
		{"parent without path", "images:\n  - {architecture: amd64, os: linux, parent: {index: 0}}\n"},
		{"negative prefetch", "prefetch-limit-mb: -1\nimages:\n  - {architecture: amd64, os: linux}\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.doc))
			assert.Check(t, cerrdefs.IsInvalidArgument(err), "got: %v", err)
		})
	}
}

func TestDecodeInvalidYAML(t *testing.T) {
	_, err := Decode(strings.NewReader("images: [unterminated"))
	assert.Check(t, err != nil)
}
