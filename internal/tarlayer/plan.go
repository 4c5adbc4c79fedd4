package tarlayer

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/go-archive"
)

// BuildPlan combines a scanned entry list with a parent index and
// returns the final ordered entry sequence for the tar writer:
//
//   - entries whose fingerprint matches the parent's are omitted;
//   - paths present in the parent but absent from the scan become
//     whiteout markers in their parent directory;
//   - a source-side opaque marker file suppresses both dedup and
//     whiteouts for its subtree;
//   - directories on the path to any surviving entry are kept even when
//     they dedup, so consumers see the directory header first.
//
// With a nil parent the plan is the scan unchanged (markers aside).
func BuildPlan(ctx context.Context, scanned []*Entry, parent *ParentIndex) []*Entry {
	byPath := make(map[string]*Entry, len(scanned))
	dirs := map[string]bool{"": true}
	opaque := map[string]bool{}
	pinned := map[string]bool{} // hardlink targets must stay in the archive

	for _, e := range scanned {
		if e.Kind == KindRegular && path.Base(e.Path) == archive.WhiteoutOpaqueDir {
			e.Kind = KindOpaque
			e.Size = 0
			e.releaseContent()
			opaque[parentDir(e.Path)] = true
		}
		byPath[e.Path] = e
		if e.Kind == KindDirectory {
			dirs[e.Path] = true
		}
		if e.Kind == KindHardlink {
			pinned[e.Linkname] = true
		}
	}

	underOpaque := func(p string) bool {
		for d := range opaque {
			if d == "" || strings.HasPrefix(p, d+"/") {
				return true
			}
		}
		return false
	}

	var plan []*Entry
	kept := make(map[string]bool, len(scanned))
	deduped := 0
	for _, e := range scanned {
		if parent != nil && dedupable(e) && !pinned[e.Path] && !underOpaque(e.Path) {
			if pe, ok := parent.entries[e.Path]; ok && pe.fp == e.Fingerprint() {
				e.releaseContent()
				deduped++
				continue
			}
		}
		plan = append(plan, e)
		kept[e.Path] = true
	}

	if parent != nil {
		for _, q := range parent.Paths() {
			if byPath[q] != nil {
				continue
			}
			dir := parentDir(q)
			if !dirs[dir] || underOpaque(q) {
				continue
			}
			pe := parent.entries[q]
			wh := &Entry{
				Path: whiteoutPath(dir, path.Base(q)),
				Kind: KindWhiteout,
				Mode: pe.Mode,
				UID:  pe.UID,
				GID:  pe.GID,
			}
			plan = append(plan, wh)
			kept[wh.Path] = true
		}
	}

	// revive deduped ancestors of everything that survived
	for _, e := range plan {
		for dir := parentDir(e.Path); dir != ""; dir = parentDir(dir) {
			if kept[dir] {
				continue
			}
			if d := byPath[dir]; d != nil && d.Kind == KindDirectory {
				plan = append(plan, d)
				kept[dir] = true
				deduped--
			}
		}
	}

	if deduped > 0 {
		log.G(ctx).WithField("entries", deduped).Debug("deduplicated against parent layers")
	}

	sort.Slice(plan, func(i, j int) bool {
		return plan[i].archiveName() < plan[j].archiveName()
	})
	return plan
}

func dedupable(e *Entry) bool {
	switch e.Kind {
	case KindWhiteout, KindOpaque, KindHardlink:
		return false
	default:
		return true
	}
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

func whiteoutPath(dir, base string) string {
	if dir == "" {
		return archive.WhiteoutPrefix + base
	}
	return dir + "/" + archive.WhiteoutPrefix + base
}
