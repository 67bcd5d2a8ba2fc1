// Copyright 2024 The udavfs3 Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/inpos/udavfs3/internal/meta"
)

// How long the kernel may cache entries and attributes. Purely advisory.
const cacheTTL = 300 * time.Second

func expiration() time.Time {
	return time.Now().Add(cacheTTL)
}

func fillChildEntry(e *fuseops.ChildInodeEntry, src *meta.Entry) {
	e.Child = fuseops.InodeID(src.Inode.ID)
	e.Attributes = attributes(src)
	e.AttributesExpiration = expiration()
	e.EntryExpiration = e.AttributesExpiration
}

func attributes(e *meta.Entry) fuseops.InodeAttributes {
	in := e.Inode
	return fuseops.InodeAttributes{
		Size:   in.Size,
		Nlink:  e.Nlink,
		Mode:   fileMode(in.Mode),
		Rdev:   in.Rdev,
		Atime:  time.Unix(0, in.AtimeNs),
		Mtime:  time.Unix(0, in.MtimeNs),
		Ctime:  time.Unix(0, in.CtimeNs),
		Crtime: time.Unix(0, in.CtimeNs),
		Uid:    in.UID,
		Gid:    in.GID,
	}
}

// fileMode converts raw POSIX mode bits to an os.FileMode.
func fileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)

	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	}

	if m&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	return mode
}

// rawMode is the inverse of fileMode.
func rawMode(mode os.FileMode) uint32 {
	m := uint32(mode & os.ModePerm)

	switch {
	case mode&os.ModeDir != 0:
		m |= unix.S_IFDIR
	case mode&os.ModeSymlink != 0:
		m |= unix.S_IFLNK
	case mode&os.ModeNamedPipe != 0:
		m |= unix.S_IFIFO
	case mode&os.ModeSocket != 0:
		m |= unix.S_IFSOCK
	case mode&os.ModeCharDevice != 0:
		m |= unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		m |= unix.S_IFBLK
	default:
		m |= unix.S_IFREG
	}

	if mode&os.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}

	return m
}

func direntType(in *meta.Inode) fuseutil.DirentType {
	switch {
	case in.IsDir():
		return fuseutil.DT_Directory
	case in.IsSymlink():
		return fuseutil.DT_Link
	case in.IsRegular():
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}
