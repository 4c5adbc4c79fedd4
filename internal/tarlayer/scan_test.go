package tarlayer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func scanNames(entries []*Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.archiveName()
	}
	return names
}

func entryByPath(entries []*Entry, p string) *Entry {
	for _, e := range entries {
		if e.Path == p {
			return e
		}
	}
	return nil
}

func TestScanOrderAndKinds(t *testing.T) {
	dir := fs.NewDir(t, "scan",
		fs.WithDir("usr", fs.WithMode(0o755),
			fs.WithDir("bin", fs.WithMode(0o755),
				fs.WithFile("hello", "#!/bin/sh\necho hello\n", fs.WithMode(0o755)),
				// fs.WithSymlink would join the target onto the fixture
				// directory; create the absolute link directly
				func(p fs.Path) error {
					return os.Symlink("/usr/bin/hello", filepath.Join(p.Path(), "hi"))
				},
			),
		),
		fs.WithDir("var", fs.WithMode(0o755),
			fs.WithDir("empty", fs.WithMode(0o755)),
		),
		fs.WithFile("usr.conf", "k=v\n", fs.WithMode(0o644)),
	)

	entries, err := Scan(context.Background(), dir.Path(), ScanOptions{Concurrency: 4, PrefetchBytes: 1 << 20})
	assert.NilError(t, err)

	names := scanNames(entries)
	assert.Check(t, is.DeepEqual(names, []string{
		"usr.conf",
		"usr/",
		"usr/bin/",
		"usr/bin/hello",
		"usr/bin/hi",
		"var/",
		"var/empty/",
	}))
	assert.Check(t, sort.StringsAreSorted(names))

	hello := entryByPath(entries, "usr/bin/hello")
	assert.Assert(t, hello != nil)
	assert.Check(t, is.Equal(hello.Kind, KindRegular))
	assert.Check(t, is.Equal(hello.Mode, int64(0o755)))
	assert.Check(t, is.Equal(hello.Size, int64(len("#!/bin/sh\necho hello\n"))))
	assert.Check(t, is.Equal(hello.content, digest.FromString("#!/bin/sh\necho hello\n")))

	hi := entryByPath(entries, "usr/bin/hi")
	assert.Assert(t, hi != nil)
	assert.Check(t, is.Equal(hi.Kind, KindSymlink))
	assert.Check(t, is.Equal(hi.Linkname, "/usr/bin/hello"))

	empty := entryByPath(entries, "var/empty")
	assert.Assert(t, empty != nil)
	assert.Check(t, is.Equal(empty.Kind, KindDirectory))
}

func TestScanHardlinks(t *testing.T) {
	dir := fs.NewDir(t, "scan-hardlink",
		fs.WithFile("b-original", "shared bytes", fs.WithMode(0o600)),
		fs.WithHardlink("a-link", "b-original"),
	)

	entries, err := Scan(context.Background(), dir.Path(), ScanOptions{})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 2))

	// first in archive order is the regular entry, later ones link to it
	assert.Check(t, is.Equal(entries[0].Path, "a-link"))
	assert.Check(t, is.Equal(entries[0].Kind, KindRegular))
	assert.Check(t, is.Equal(entries[1].Path, "b-original"))
	assert.Check(t, is.Equal(entries[1].Kind, KindHardlink))
	assert.Check(t, is.Equal(entries[1].Linkname, "a-link"))
	assert.Check(t, is.Equal(entries[1].Size, int64(0)))
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), ScanOptions{})
	assert.Check(t, err != nil)
}

func TestScanRootNotADirectory(t *testing.T) {
	dir := fs.NewDir(t, "scan-file", fs.WithFile("f", "x"))
	_, err := Scan(context.Background(), dir.Join("f"), ScanOptions{})
	assert.Check(t, is.ErrorContains(err, "not a directory"))
}

func TestScanPrefetchBudget(t *testing.T) {
	dir := fs.NewDir(t, "scan-prefetch",
		fs.WithFile("big", string(make([]byte, 4096)), fs.WithMode(0o644)),
		fs.WithFile("small", "tiny", fs.WithMode(0o644)),
	)

	// budget fits only the small file; the big one must still hash
	entries, err := Scan(context.Background(), dir.Path(), ScanOptions{PrefetchBytes: 64})
	assert.NilError(t, err)

	big := entryByPath(entries, "big")
	assert.Assert(t, big != nil)
	assert.Check(t, is.Nil(big.data))
	assert.Check(t, is.Equal(big.content, digest.FromBytes(make([]byte, 4096))))

	small := entryByPath(entries, "small")
	assert.Assert(t, small != nil)
	assert.Check(t, is.DeepEqual(small.data, []byte("tiny")))
	assert.Check(t, is.Equal(small.content, digest.FromString("tiny")))

	small.releaseContent()
	assert.Check(t, is.Nil(small.data))
}

func TestScanFingerprintStability(t *testing.T) {
	dir := fs.NewDir(t, "scan-fp",
		fs.WithFile("f", "content", fs.WithMode(0o640)),
	)

	first, err := Scan(context.Background(), dir.Path(), ScanOptions{})
	assert.NilError(t, err)
	second, err := Scan(context.Background(), dir.Path(), ScanOptions{})
	assert.NilError(t, err)

	assert.Check(t, is.Equal(first[0].Fingerprint(), second[0].Fingerprint()))

	// touching the mtime must not change the fingerprint
	stamp := time.Unix(941068800, 0)
	assert.NilError(t, os.Chtimes(dir.Join("f"), stamp, stamp))
	third, err := Scan(context.Background(), dir.Path(), ScanOptions{})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first[0].Fingerprint(), third[0].Fingerprint()))

	// changing content must
	assert.NilError(t, os.WriteFile(dir.Join("f"), []byte("changed"), 0o640))
	fourth, err := Scan(context.Background(), dir.Path(), ScanOptions{})
	assert.NilError(t, err)
	assert.Check(t, first[0].Fingerprint() != fourth[0].Fingerprint())
}
