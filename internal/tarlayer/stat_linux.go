package tarlayer

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

type statDetail struct {
	uid, gid  int
	mode      int64 // permission and setuid/setgid/sticky bits
	dev, ino  uint64
	nlink     uint64
	rdevMajor int64
	rdevMinor int64
}

func sysStat(fi fs.FileInfo) statDetail {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return statDetail{mode: int64(fi.Mode().Perm())}
	}
	return statDetail{
		uid:       int(st.Uid),
		gid:       int(st.Gid),
		mode:      int64(st.Mode &^ unix.S_IFMT),
		dev:       st.Dev,
		ino:       st.Ino,
		nlink:     uint64(st.Nlink),
		rdevMajor: int64(unix.Major(uint64(st.Rdev))),
		rdevMinor: int64(unix.Minor(uint64(st.Rdev))),
	}
}
