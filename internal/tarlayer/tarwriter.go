package tarlayer

import (
	"archive/tar"
	"bufio"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// paxXattrPrefix is the PAX record prefix for extended attributes, as
// understood by every mainstream tar consumer.
const paxXattrPrefix = "SCHILY.xattr."

// DefaultBufferSize is the write buffer between the tar encoder and the
// diff-id hasher.
const DefaultBufferSize = 128 * 1024

// Writer serializes planned entries as a reproducible tar stream:
// every mtime is the effective epoch, uname/gname stay empty, device
// numbers are zero for non-device entries, and xattrs become PAX
// SCHILY.xattr records in byte-ascending name order. Entries must be
// appended in archive-name order; the Writer does not reorder.
type Writer struct {
	bw    *bufio.Writer
	tw    *tar.Writer
	epoch time.Time
}

// NewWriter wraps w with the default buffer size.
func NewWriter(w io.Writer, epoch time.Time) *Writer {
	return NewWriterSize(w, epoch, DefaultBufferSize)
}

// NewWriterSize wraps w with an explicit buffer size.
func NewWriterSize(w io.Writer, epoch time.Time, size int) *Writer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bw := bufio.NewWriterSize(w, size)
	return &Writer{bw: bw, tw: tar.NewWriter(bw), epoch: epoch}
}

// WriteEntry appends one entry and its payload. Regular-file payloads
// stream from the source file unless the scan prefetched them; either
// way the prefetch budget is returned once the payload is on the wire.
func (w *Writer) WriteEntry(e *Entry) error {
	defer e.releaseContent()

	hdr := &tar.Header{
		Name:    e.archiveName(),
		Mode:    e.Mode,
		Uid:     e.UID,
		Gid:     e.GID,
		ModTime: w.epoch,
	}

	switch e.Kind {
	case KindDirectory:
		hdr.Typeflag = tar.TypeDir
	case KindRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case KindWhiteout, KindOpaque:
		hdr.Typeflag = tar.TypeReg
	case KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
	case KindHardlink:
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = e.Linkname
	case KindCharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor, hdr.Devminor = e.DevMajor, e.DevMinor
	case KindBlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor, hdr.Devminor = e.DevMajor, e.DevMinor
	case KindFifo:
		hdr.Typeflag = tar.TypeFifo
	default:
		return errors.Errorf("cannot serialize entry kind %s at %s", e.Kind, e.Path)
	}

	if len(e.Xattrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(e.Xattrs))
		for _, x := range e.Xattrs {
			hdr.PAXRecords[paxXattrPrefix+x.Name] = string(x.Value)
		}
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing tar header for %s", e.Path)
	}

	if e.Kind != KindRegular || e.Size == 0 {
		return nil
	}
	if e.data != nil {
		_, err := w.tw.Write(e.data)
		return errors.Wrapf(err, "writing tar payload for %s", e.Path)
	}
	f, err := os.Open(e.source)
	if err != nil {
		return errors.Wrapf(err, "opening %s", e.source)
	}
	defer f.Close()
	if _, err := io.Copy(w.tw, f); err != nil {
		return errors.Wrapf(err, "writing tar payload for %s", e.Path)
	}
	return nil
}

// Close writes the two-block terminator and flushes the buffer.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	return w.bw.Flush()
}
