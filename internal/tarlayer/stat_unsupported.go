//go:build !linux

package tarlayer

import "io/fs"

type statDetail struct {
	uid, gid  int
	mode      int64
	dev, ino  uint64
	nlink     uint64
	rdevMajor int64
	rdevMinor int64
}

func sysStat(fi fs.FileInfo) statDetail {
	return statDetail{mode: int64(fi.Mode().Perm())}
}
