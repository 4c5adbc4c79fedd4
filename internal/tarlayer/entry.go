// Package tarlayer builds deterministic OCI layer tars: it scans source
// filesystems, plans them against parent layers (dedup, whiteouts,
// opaque markers) and serializes the plan through the double-hash
// compression pipeline into the blob store.
package tarlayer

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// EntryKind classifies one archive entry.
type EntryKind int

const (
	KindDirectory EntryKind = iota
	KindRegular
	KindSymlink
	KindHardlink
	KindCharDevice
	KindBlockDevice
	KindFifo
	KindWhiteout
	KindOpaque
)

func (k EntryKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	case KindCharDevice:
		return "char-device"
	case KindBlockDevice:
		return "block-device"
	case KindFifo:
		return "fifo"
	case KindWhiteout:
		return "whiteout"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Xattr is one extended attribute. Entry xattr slices are sorted by
// name, which is also the order of the emitted PAX records.
type Xattr struct {
	Name  string
	Value []byte
}

// Entry is one planned archive entry. Path is relative to the layer
// root with forward slashes and no leading "./" or "/".
type Entry struct {
	Path     string
	Kind     EntryKind
	Mode     int64 // permission, setuid/setgid and sticky bits
	UID      int
	GID      int
	Size     int64
	Linkname string // symlink target, or first-seen path for hardlinks
	DevMajor int64
	DevMinor int64
	Xattrs   []Xattr

	source  string // file to stream the payload from
	data    []byte // prefetched payload, when the budget allowed it
	release func()
	content digest.Digest

	// inode identity from the scan, for hardlink resolution
	dev, ino, nlink uint64
}

// archiveName is the name written into the tar header; directories get
// the conventional trailing slash. All ordering in this package is byte
// order over archive names, which keeps parents ahead of their children.
func (e *Entry) archiveName() string {
	if e.Kind == KindDirectory {
		return e.Path + "/"
	}
	return e.Path
}

func (e *Entry) releaseContent() {
	e.data = nil
	if e.release != nil {
		e.release()
		e.release = nil
	}
}

// Fingerprint is the canonical encoding of the attribute tuple used for
// dedup against parent layers. Two entries with equal fingerprints are
// interchangeable in a composed filesystem. Timestamps are deliberately
// not part of the tuple.
type Fingerprint string

// Fingerprint computes the entry's dedup fingerprint. Every kind covers
// (kind, mode, uid, gid, xattrs); regular files add size and content
// digest, symlinks and hardlinks the link target, and devices the device
// numbers.
func (e *Entry) Fingerprint() Fingerprint {
	return encodeFingerprint(e.Kind, e.Mode, e.UID, e.GID, e.Size, e.Linkname, e.DevMajor, e.DevMinor, e.Xattrs, e.content)
}

func encodeFingerprint(kind EntryKind, mode int64, uid, gid int, size int64, link string, devMajor, devMinor int64, xattrs []Xattr, content digest.Digest) Fingerprint {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%o|%d|%d", kind, mode&0o7777, uid, gid)
	switch kind {
	case KindRegular:
		fmt.Fprintf(&b, "|%d|%s", size, content)
	case KindSymlink, KindHardlink:
		fmt.Fprintf(&b, "|%s", link)
	case KindCharDevice, KindBlockDevice:
		fmt.Fprintf(&b, "|%d,%d", devMajor, devMinor)
	}
	for _, x := range xattrs {
		fmt.Fprintf(&b, "|x:%s=%x", x.Name, x.Value)
	}
	return Fingerprint(b.String())
}
