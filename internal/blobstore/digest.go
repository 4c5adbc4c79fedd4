package blobstore

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// DigestWriter forwards bytes to an underlying writer while folding them
// into a SHA-256 state. Two of these bracket the compressor in the layer
// pipeline: one sees the raw tar (the diff-id), one sees what lands on
// disk (the blob digest).
type DigestWriter struct {
	w        io.Writer
	digester digest.Digester
	n        int64
}

// NewDigestWriter wraps w. A nil w discards the bytes and only digests.
func NewDigestWriter(w io.Writer) *DigestWriter {
	if w == nil {
		w = io.Discard
	}
	return &DigestWriter{w: w, digester: digest.Canonical.Digester()}
}

func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if n > 0 {
		d.digester.Hash().Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Digest returns the digest of everything written so far.
func (d *DigestWriter) Digest() digest.Digest {
	return d.digester.Digest()
}

// Size returns the number of bytes written so far.
func (d *DigestWriter) Size() int64 {
	return d.n
}
