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

// Package meta implements the translation layer between the POSIX file
// system surface and the relational store: the inode and directory-entry
// model, the block-aligned file body engine, and the open/unlink orphan
// lifecycle.
package meta

import (
	"golang.org/x/sys/unix"
)

// The inode ID of the root directory. Matches the well-known root inode
// value of the kernel bridge.
const RootInodeID = 1

// Inode is the metadata row for a file system object. Mode holds raw POSIX
// mode bits (type and permissions); timestamps are nanoseconds since the
// epoch.
type Inode struct {
	ID   uint64
	Mode uint32
	UID  uint32
	GID  uint32

	// Symlink target; nil for everything that is not a symlink.
	Target []byte

	// Device number for device nodes, else zero.
	Rdev uint32

	Size    uint64
	AtimeNs int64
	MtimeNs int64
	CtimeNs int64
}

func (in *Inode) IsDir() bool     { return in.Mode&unix.S_IFMT == unix.S_IFDIR }
func (in *Inode) IsRegular() bool { return in.Mode&unix.S_IFMT == unix.S_IFREG }
func (in *Inode) IsSymlink() bool { return in.Mode&unix.S_IFMT == unix.S_IFLNK }

// Dirent is one (parent, name) -> inode binding. RowID is the monotonic
// cursor readdir hands back to the kernel.
type Dirent struct {
	RowID  uint64
	Parent uint64
	Name   string
	Inode  uint64
}

// Block is one fixed-size chunk of a file body. The payload holds at most
// the file system block size, and may be shorter for the block covering the
// end of the file.
type Block struct {
	No   uint64
	Data []byte
}

// FSInfo is the per-file-system header row.
type FSInfo struct {
	BlockSize uint64
	Capacity  uint64
}

// Creds identifies the caller of an operation.
type Creds struct {
	UID uint32
	GID uint32
}

// Entry is the full attribute record returned by lookup and getattr:
// the inode row plus the link and block counts derived from the directory
// entries and stored blocks.
type Entry struct {
	Inode  *Inode
	Nlink  uint32
	Blocks uint64
}

// DirEntry is one readdir result. Offset is the entry's row ID, to be passed
// back as the cursor for the following call.
type DirEntry struct {
	Name   string
	Offset uint64
	Inode  *Inode
}

// FSStat is the statfs result.
type FSStat struct {
	BlockSize       uint64
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Inodes          uint64
	InodesFree      uint64
}

// SetAttrReq names the attribute changes requested by setattr. The pointer
// fields apply only when present in the record; CtimeNs is applied always,
// without a flag.
type SetAttrReq struct {
	Mode    *uint32
	UID     *uint32
	GID     *uint32
	Size    *uint64
	AtimeNs *int64
	MtimeNs *int64
	Rdev    *uint32

	CtimeNs int64
}
