package tarlayer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ScanOptions tune one source-directory scan.
type ScanOptions struct {
	// SkipXattrs suppresses extended attribute collection (and with it
	// xattr PAX records in the output).
	SkipXattrs bool
	// Concurrency bounds the parallel content-hashing goroutines.
	// Values below 1 mean sequential.
	Concurrency int
	// PrefetchBytes is the soft cap on file contents held in memory
	// between hashing and serialization. Zero disables prefetch.
	PrefetchBytes int64
}

// Scan walks the filesystem tree under root and returns its entries in
// byte-ascending archive-name order, fingerprinted and ready for
// planning. The root directory itself is not an entry. Unix sockets are
// dropped with a warning.
//
// Traversal metadata is collected sequentially; content hashing (the
// expensive part) fans out across Concurrency goroutines, with results
// merged back into the already-ordered slice.
func Scan(ctx context.Context, root string, opts ScanOptions) ([]*Entry, error) {
	fi, err := os.Lstat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning layer source %s", root)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("layer source %s is not a directory", root)
	}

	var entries []*Entry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		e, err := scanOne(ctx, p, filepath.ToSlash(rel), d, opts)
		if err != nil || e == nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning layer source %s", root)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].archiveName() < entries[j].archiveName()
	})

	resolveHardlinks(entries)

	if err := hashContents(ctx, entries, opts); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanOne(ctx context.Context, p, rel string, d fs.DirEntry, opts ScanOptions) (*Entry, error) {
	fi, err := d.Info()
	if err != nil {
		return nil, err
	}
	st := sysStat(fi)

	e := &Entry{
		Path: rel,
		Mode: st.mode,
		UID:  st.uid,
		GID:  st.gid,
	}

	switch fi.Mode() & os.ModeType {
	case os.ModeDir:
		e.Kind = KindDirectory
	case 0:
		e.Kind = KindRegular
		e.Size = fi.Size()
		e.source = p
	case os.ModeSymlink:
		e.Kind = KindSymlink
		target, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}
		e.Linkname = target
	case os.ModeDevice | os.ModeCharDevice:
		e.Kind = KindCharDevice
		e.DevMajor, e.DevMinor = st.rdevMajor, st.rdevMinor
	case os.ModeDevice:
		e.Kind = KindBlockDevice
		e.DevMajor, e.DevMinor = st.rdevMajor, st.rdevMinor
	case os.ModeNamedPipe:
		e.Kind = KindFifo
	case os.ModeSocket:
		log.G(ctx).WithField("path", p).Warn("dropping unix socket from layer")
		return nil, nil
	default:
		return nil, errors.Errorf("unsupported entry kind %s at %s", fi.Mode().Type(), p)
	}

	if !opts.SkipXattrs {
		xattrs, err := listXattrs(p)
		if err != nil {
			return nil, err
		}
		e.Xattrs = xattrs
	}

	// hardlink resolution needs identity, not just metadata
	e.dev, e.ino, e.nlink = st.dev, st.ino, st.nlink
	return e, nil
}

// resolveHardlinks rewrites second and later references to an inode as
// hardlink entries pointing at the first-seen archive path. Entries must
// already be in archive-name order so the choice of "first" is stable.
func resolveHardlinks(entries []*Entry) {
	type devino struct{ dev, ino uint64 }
	seen := make(map[devino]string)
	for _, e := range entries {
		if e.Kind != KindRegular || e.nlink < 2 {
			continue
		}
		key := devino{e.dev, e.ino}
		if first, ok := seen[key]; ok {
			e.Kind = KindHardlink
			e.Linkname = first
			e.Size = 0
			e.source = ""
		} else {
			seen[key] = e.Path
		}
	}
}

func hashContents(ctx context.Context, entries []*Entry, opts ScanOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 1 {
		g.SetLimit(opts.Concurrency)
	} else {
		g.SetLimit(1)
	}

	var budget *semaphore.Weighted
	if opts.PrefetchBytes > 0 {
		budget = semaphore.NewWeighted(opts.PrefetchBytes)
	}

	for _, e := range entries {
		if e.Kind != KindRegular {
			continue
		}
		e := e
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return e.hashContent(budget)
		})
	}
	return g.Wait()
}

// hashContent computes the entry's content digest, caching the bytes in
// memory when they fit the prefetch budget so serialization does not
// read the file a second time.
func (e *Entry) hashContent(budget *semaphore.Weighted) error {
	if e.Size == 0 {
		e.content = digest.FromBytes(nil)
		return nil
	}
	if budget != nil && budget.TryAcquire(e.Size) {
		data, err := os.ReadFile(e.source)
		if err != nil {
			budget.Release(e.Size)
			return errors.Wrapf(err, "reading %s", e.source)
		}
		size := e.Size
		e.data = data
		e.release = func() { budget.Release(size) }
		e.content = digest.FromBytes(data)
		return nil
	}

	f, err := os.Open(e.source)
	if err != nil {
		return errors.Wrapf(err, "reading %s", e.source)
	}
	defer f.Close()
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return errors.Wrapf(err, "hashing %s", e.source)
	}
	e.content = digester.Digest()
	return nil
}
