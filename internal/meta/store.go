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

package meta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// StoreConfig carries the dependencies and first-mount parameters of a
// store.
type StoreConfig struct {
	Backend Backend

	// A clock used for inode timestamps.
	Clock timeutil.Clock

	// The identity owning the root inode on first mount.
	UID uint32
	GID uint32

	// Desired geometry, honored only when the file system does not exist in
	// the database yet. Both must be non-zero in that case.
	BlockSize uint64
	Capacity  uint64
}

// Store implements the POSIX operation vocabulary over a Backend. It holds
// the only piece of non-persistent state: the open-count map keeping orphan
// inodes alive for descriptors that still reference them.
type Store struct {
	backend Backend
	clock   timeutil.Clock

	// Fixed at creation; read back from the header row on every remount.
	blockSize uint64
	capacity  uint64

	mu sync.Mutex

	// Number of outstanding handles per inode ID. Absent means zero.
	//
	// GUARDED_BY(mu)
	openCount map[uint64]uint32
}

// NewStore probes the file system header, creating the schema, the header
// row and the root directory on first mount, and returns a ready store. On
// remounts the stored block size and capacity supersede the configured ones.
func NewStore(ctx context.Context, cfg *StoreConfig) (*Store, error) {
	s := &Store{
		backend:   cfg.Backend,
		clock:     cfg.Clock,
		openCount: make(map[uint64]uint32),
	}

	info, err := cfg.Backend.FSInfo(ctx)
	switch {
	case err == nil:
		s.blockSize = info.BlockSize
		s.capacity = info.Capacity
		return s, nil

	case errors.Is(err, ErrNoSuchRow):
		// First mount of this file system; fall through to bootstrap.

	default:
		return nil, fmt.Errorf("probing file system header: %w", err)
	}

	if cfg.BlockSize == 0 || cfg.Capacity == 0 {
		return nil, fmt.Errorf("file system does not exist yet; blocksize and fssize are required")
	}

	if err := cfg.Backend.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := cfg.Backend.InsertFSInfo(ctx, cfg.BlockSize, cfg.Capacity); err != nil {
		return nil, fmt.Errorf("inserting file system header: %w", err)
	}

	now := s.clock.Now().UnixNano()
	root := &Inode{
		ID:      RootInodeID,
		Mode:    unix.S_IFDIR | 0755,
		UID:     cfg.UID,
		GID:     cfg.GID,
		AtimeNs: now,
		MtimeNs: now,
		CtimeNs: now,
	}
	if _, err := cfg.Backend.InsertInode(ctx, root); err != nil {
		return nil, fmt.Errorf("inserting root inode: %w", err)
	}
	if err := cfg.Backend.InsertDirent(ctx, RootInodeID, "..", RootInodeID); err != nil {
		return nil, fmt.Errorf("inserting root dot-dot entry: %w", err)
	}

	s.blockSize = cfg.BlockSize
	s.capacity = cfg.Capacity

	return s, nil
}

// BlockSize returns the fixed block size of the file system.
func (s *Store) BlockSize() uint64 { return s.blockSize }

// Now returns the store clock's current time in nanoseconds.
func (s *Store) Now() int64 { return s.clock.Now().UnixNano() }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Store) entry(ctx context.Context, in *Inode) (*Entry, error) {
	nlink, err := s.backend.CountLinks(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	blocks, err := s.backend.CountBlocks(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	return &Entry{Inode: in, Nlink: nlink, Blocks: blocks}, nil
}

func (s *Store) isOpen(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount[id] > 0
}

////////////////////////////////////////////////////////////////////////
// Resolution and attributes
////////////////////////////////////////////////////////////////////////

// Lookup resolves a name within a parent directory. "." resolves to the
// parent itself; ".." resolves through the parent's recorded dot-dot entry,
// which for the root points back at the root.
func (s *Store) Lookup(ctx context.Context, parent uint64, name string) (*Entry, error) {
	if name == "." {
		in, err := s.backend.GetInode(ctx, parent)
		if err != nil {
			return nil, lookupErr(err)
		}
		return s.entry(ctx, in)
	}

	de, err := s.backend.GetDirent(ctx, parent, name)
	if err != nil {
		return nil, lookupErr(err)
	}

	in, err := s.backend.GetInode(ctx, de.Inode)
	if err != nil {
		return nil, lookupErr(err)
	}

	return s.entry(ctx, in)
}

// GetAttr fetches the full attribute record of an inode.
func (s *Store) GetAttr(ctx context.Context, id uint64) (*Entry, error) {
	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}
	return s.entry(ctx, in)
}

// ReadDir returns the directory entries of the given directory whose row ID
// is strictly greater than off, in ascending row ID order. An off of zero
// reads from the beginning. The listing is not a snapshot: concurrent
// additions may appear and removals may disappear.
func (s *Store) ReadDir(ctx context.Context, dir, off uint64) ([]DirEntry, error) {
	dirents, err := s.backend.DirentsAfter(ctx, dir, off)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(dirents))
	for _, de := range dirents {
		in, err := s.backend.GetInode(ctx, de.Inode)
		if err != nil {
			if errors.Is(err, ErrNoSuchRow) {
				// Removed while we were iterating.
				continue
			}
			return nil, err
		}
		out = append(out, DirEntry{Name: de.Name, Offset: de.RowID, Inode: in})
	}

	return out, nil
}

// ReadLink returns the stored symlink target verbatim.
func (s *Store) ReadLink(ctx context.Context, id uint64) ([]byte, error) {
	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}
	if !in.IsSymlink() {
		return nil, syscall.EINVAL
	}
	return in.Target, nil
}

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

// create is the common creation path behind MkNod, MkDir, Symlink and
// Create: a fresh inode owned by the caller plus one directory entry binding
// it into the parent.
func (s *Store) create(
	ctx context.Context,
	parent uint64,
	name string,
	mode uint32,
	creds Creds,
	rdev uint32,
	target []byte) (*Entry, error) {
	// A parent that nothing points at anymore is an orphan kept alive only
	// by open handles; nothing may be created under it.
	nlink, err := s.backend.CountLinks(ctx, parent)
	if err != nil {
		return nil, err
	}
	if nlink == 0 {
		return nil, syscall.EINVAL
	}

	now := s.Now()
	in := &Inode{
		Mode:    mode,
		UID:     creds.UID,
		GID:     creds.GID,
		Target:  target,
		Rdev:    rdev,
		AtimeNs: now,
		MtimeNs: now,
		CtimeNs: now,
	}

	id, err := s.backend.InsertInode(ctx, in)
	if err != nil {
		return nil, err
	}
	in.ID = id

	if err := s.backend.InsertDirent(ctx, parent, name, id); err != nil {
		// Don't leave the fresh inode orphaned behind a name collision.
		_ = s.backend.DeleteInode(ctx, id)
		if errors.Is(err, ErrExists) {
			return nil, syscall.EEXIST
		}
		return nil, err
	}

	return &Entry{Inode: in, Nlink: 1}, nil
}

// MkNod creates a file, fifo or device node.
func (s *Store) MkNod(ctx context.Context, parent uint64, name string, mode uint32, creds Creds, rdev uint32) (*Entry, error) {
	return s.create(ctx, parent, name, mode, creds, rdev, nil)
}

// MkDir creates a directory. The mode is expected to carry the directory
// type bit.
func (s *Store) MkDir(ctx context.Context, parent uint64, name string, mode uint32, creds Creds) (*Entry, error) {
	return s.create(ctx, parent, name, mode, creds, 0, nil)
}

// Symlink creates a symbolic link holding the given target.
func (s *Store) Symlink(ctx context.Context, parent uint64, name string, target []byte, creds Creds) (*Entry, error) {
	return s.create(ctx, parent, name, unix.S_IFLNK|0777, creds, 0, target)
}

// Create creates a regular file and opens it, returning the new entry and
// the handle referencing it.
func (s *Store) Create(ctx context.Context, parent uint64, name string, mode uint32, creds Creds) (*Entry, uint64, error) {
	e, err := s.create(ctx, parent, name, mode, creds, 0, nil)
	if err != nil {
		return nil, 0, err
	}

	fh := s.Open(e.Inode.ID)
	return e, fh, nil
}

// Link binds an existing inode under an additional name.
func (s *Store) Link(ctx context.Context, id, newParent uint64, newName string) (*Entry, error) {
	nlink, err := s.backend.CountLinks(ctx, newParent)
	if err != nil {
		return nil, err
	}
	if nlink == 0 {
		return nil, syscall.EINVAL
	}

	if err := s.backend.InsertDirent(ctx, newParent, newName, id); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, syscall.EEXIST
		}
		return nil, err
	}

	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}
	return s.entry(ctx, in)
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

// Unlink removes a non-directory name.
func (s *Store) Unlink(ctx context.Context, parent uint64, name string) error {
	de, err := s.backend.GetDirent(ctx, parent, name)
	if err != nil {
		return lookupErr(err)
	}

	in, err := s.backend.GetInode(ctx, de.Inode)
	if err != nil {
		return lookupErr(err)
	}
	if in.IsDir() {
		return syscall.EISDIR
	}

	return s.remove(ctx, parent, name, in)
}

// RmDir removes an empty directory.
func (s *Store) RmDir(ctx context.Context, parent uint64, name string) error {
	de, err := s.backend.GetDirent(ctx, parent, name)
	if err != nil {
		return lookupErr(err)
	}

	in, err := s.backend.GetInode(ctx, de.Inode)
	if err != nil {
		return lookupErr(err)
	}
	if !in.IsDir() {
		return syscall.ENOTDIR
	}

	return s.remove(ctx, parent, name, in)
}

func (s *Store) remove(ctx context.Context, parent uint64, name string, in *Inode) error {
	if in.IsDir() {
		populated, err := s.backend.HasChildren(ctx, in.ID)
		if err != nil {
			return err
		}
		if populated {
			return syscall.ENOTEMPTY
		}
	}

	// The pre-removal link count decides whether the entry we are about to
	// delete was the last reference.
	nlink, err := s.backend.CountLinks(ctx, in.ID)
	if err != nil {
		return err
	}

	if err := s.backend.DeleteDirent(ctx, parent, name); err != nil {
		return lookupErr(err)
	}

	if nlink == 1 && !s.isOpen(in.ID) {
		// Cascades to the inode's blocks.
		return s.backend.DeleteInode(ctx, in.ID)
	}

	return nil
}

// Rename moves a name, replacing an existing empty target if there is one.
func (s *Store) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	old, err := s.backend.GetDirent(ctx, oldParent, oldName)
	if err != nil {
		return lookupErr(err)
	}

	// Renaming a name onto itself is a no-op (the kernel normally
	// short-circuits this, but don't rely on it).
	if oldParent == newParent && oldName == newName {
		return nil
	}

	_, err = s.backend.GetDirent(ctx, newParent, newName)
	switch {
	case errors.Is(err, ErrNoSuchRow):
		// Plain move: update the entry in place.
		return s.backend.MoveDirent(ctx, oldParent, oldName, newParent, newName)

	case err != nil:
		return err
	}

	return s.replace(ctx, old, newParent, newName)
}

// replace implements rename over an existing target: the target entry is
// repointed at the source inode, the source entry removed, and the displaced
// inode reaped if this was its last reference and it isn't open.
func (s *Store) replace(ctx context.Context, old *Dirent, newParent uint64, newName string) error {
	displacedEnt, err := s.backend.GetDirent(ctx, newParent, newName)
	if err != nil {
		return lookupErr(err)
	}

	populated, err := s.backend.HasChildren(ctx, displacedEnt.Inode)
	if err != nil {
		return err
	}
	if populated {
		return syscall.ENOTEMPTY
	}

	nlink, err := s.backend.CountLinks(ctx, displacedEnt.Inode)
	if err != nil {
		return err
	}

	if err := s.backend.RepointDirent(ctx, newParent, newName, old.Inode); err != nil {
		return err
	}
	if err := s.backend.DeleteDirent(ctx, old.Parent, old.Name); err != nil {
		return err
	}

	if nlink == 1 && !s.isOpen(displacedEnt.Inode) {
		// The displaced inode's blocks go with it via the cascade.
		return s.backend.DeleteInode(ctx, displacedEnt.Inode)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Attributes and statistics
////////////////////////////////////////////////////////////////////////

// SetAttr applies the requested attribute changes and returns the updated
// record. A size change goes through the truncation path of the file body
// engine.
func (s *Store) SetAttr(ctx context.Context, id uint64, req *SetAttrReq) (*Entry, error) {
	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}

	if req.Size != nil && *req.Size != in.Size {
		if err := s.truncate(ctx, in, *req.Size); err != nil {
			return nil, err
		}
	}

	if req.Mode != nil {
		in.Mode = *req.Mode
	}
	if req.UID != nil {
		in.UID = *req.UID
	}
	if req.GID != nil {
		in.GID = *req.GID
	}
	if req.AtimeNs != nil {
		in.AtimeNs = *req.AtimeNs
	}
	if req.MtimeNs != nil {
		in.MtimeNs = *req.MtimeNs
	}

	if req.Rdev != nil {
		in.Rdev = *req.Rdev
	}
	in.CtimeNs = req.CtimeNs

	if err := s.backend.UpdateInode(ctx, in); err != nil {
		return nil, err
	}

	return s.entry(ctx, in)
}

// StatFS reports the file system geometry and usage.
func (s *Store) StatFS(ctx context.Context) (*FSStat, error) {
	used, err := s.backend.SumInodeSizes(ctx)
	if err != nil {
		return nil, err
	}

	count, err := s.backend.CountInodes(ctx)
	if err != nil {
		return nil, err
	}

	st := &FSStat{
		BlockSize: s.blockSize,
		Blocks:    s.capacity / s.blockSize,
		Inodes:    count,
	}
	st.BlocksFree = st.Blocks - used/s.blockSize
	st.BlocksAvailable = st.BlocksFree

	// The inode table has no fixed capacity; report a floor so tools always
	// see room.
	st.InodesFree = count
	if st.InodesFree < 100 {
		st.InodesFree = 100
	}

	return st, nil
}

// Access checks the requested access bits against the inode's mode using
// the classic owner/group/other triage. A zero mask (F_OK) succeeds: the
// caller already resolved the inode.
func (s *Store) Access(ctx context.Context, id uint64, mask uint32, creds Creds) error {
	if mask == 0 {
		return nil
	}

	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return lookupErr(err)
	}

	var perms uint32
	switch {
	case creds.UID == in.UID:
		perms = (in.Mode >> 6) & 7
	case creds.GID == in.GID:
		perms = (in.Mode >> 3) & 7
	default:
		perms = in.Mode & 7
	}

	var want uint32
	if mask&unix.R_OK != 0 {
		want |= 4
	}
	if mask&unix.W_OK != 0 {
		want |= 2
	}
	if mask&unix.X_OK != 0 {
		want |= 1
	}

	if perms&want != want {
		return syscall.EACCES
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Open-file lifecycle
////////////////////////////////////////////////////////////////////////

// Open records a new handle for the inode and returns it. The handle is the
// inode ID itself.
func (s *Store) Open(id uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCount[id]++
	return id
}

// Release drops one handle. When the last handle goes away and no directory
// entry points at the inode anymore, the inode row (and, by cascade, its
// blocks) is deleted.
func (s *Store) Release(ctx context.Context, fh uint64) error {
	s.mu.Lock()
	c, ok := s.openCount[fh]
	last := ok && c <= 1
	if last {
		delete(s.openCount, fh)
	} else if ok {
		s.openCount[fh] = c - 1
	}
	s.mu.Unlock()

	if !last {
		return nil
	}

	nlink, err := s.backend.CountLinks(ctx, fh)
	if err != nil {
		return err
	}
	if nlink == 0 {
		return s.backend.DeleteInode(ctx, fh)
	}

	return nil
}

// lookupErr turns a missing row into the POSIX miss; everything else
// propagates as an internal error.
func lookupErr(err error) error {
	if errors.Is(err, ErrNoSuchRow) {
		return syscall.ENOENT
	}
	return err
}
