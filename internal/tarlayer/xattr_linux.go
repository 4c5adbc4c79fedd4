package tarlayer

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listXattrs returns the entry's extended attributes sorted by name.
// Filesystems without xattr support yield an empty list.
func listXattrs(path string) ([]Xattr, error) {
	names, err := llistxattrAll(path)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing xattrs of %s", path)
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	xattrs := make([]Xattr, 0, len(names))
	for _, name := range names {
		value, err := lgetxattrAll(path, name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading xattr %s of %s", name, path)
		}
		xattrs = append(xattrs, Xattr{Name: name, Value: value})
	}
	return xattrs, nil
}

func llistxattrAll(path string) ([]string, error) {
	for {
		sz, err := unix.Llistxattr(path, nil)
		if err != nil {
			return nil, err
		}
		if sz == 0 {
			return nil, nil
		}
		buf := make([]byte, sz)
		sz, err = unix.Llistxattr(path, buf)
		if errors.Is(err, unix.ERANGE) {
			continue // attribute list grew between calls
		}
		if err != nil {
			return nil, err
		}
		var names []string
		for _, name := range strings.Split(string(buf[:sz]), "\x00") {
			if name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}
}

func lgetxattrAll(path, name string) ([]byte, error) {
	for {
		sz, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, sz)
		sz, err = unix.Lgetxattr(path, name, buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:sz], nil
	}
}
