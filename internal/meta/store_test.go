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
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	testUID = uint32(1000)
	testGID = uint32(1000)
)

var testCreds = Creds{UID: testUID, GID: testGID}

func newTestStoreWithBlockSize(t *testing.T, blockSize uint64) (context.Context, *Store, *MemBackend) {
	t.Helper()

	ctx := context.Background()
	backend := NewMemBackend()

	var clock timeutil.SimulatedClock
	clock.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	s, err := NewStore(ctx, &StoreConfig{
		Backend:   backend,
		Clock:     &clock,
		UID:       testUID,
		GID:       testGID,
		BlockSize: blockSize,
		Capacity:  64 << 20,
	})
	require.NoError(t, err)

	return ctx, s, backend
}

func newTestStore(t *testing.T) (context.Context, *Store, *MemBackend) {
	return newTestStoreWithBlockSize(t, 4096)
}

////////////////////////////////////////////////////////////////////////
// Bootstrap
////////////////////////////////////////////////////////////////////////

func TestBootstrapCreatesRoot(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	root, err := s.GetAttr(ctx, RootInodeID)
	require.NoError(t, err)
	assert.True(t, root.Inode.IsDir())
	assert.Equal(t, uint32(unix.S_IFDIR|0755), root.Inode.Mode)
	assert.Equal(t, testUID, root.Inode.UID)
	assert.Equal(t, testGID, root.Inode.GID)

	// The root's dot-dot entry resolves to itself and accounts for its link
	// count.
	dotdot, err := s.Lookup(ctx, RootInodeID, "..")
	require.NoError(t, err)
	assert.Equal(t, uint64(RootInodeID), dotdot.Inode.ID)
	assert.Equal(t, uint32(1), root.Nlink)

	dot, err := s.Lookup(ctx, RootInodeID, ".")
	require.NoError(t, err)
	assert.Equal(t, uint64(RootInodeID), dot.Inode.ID)
}

func TestRemountUsesStoredGeometry(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	var clock timeutil.SimulatedClock
	clock.SetTime(time.Now())

	// Remount with conflicting command-line geometry.
	s2, err := NewStore(ctx, &StoreConfig{
		Backend:   backend,
		Clock:     &clock,
		UID:       testUID,
		GID:       testGID,
		BlockSize: 1234,
		Capacity:  5 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, s.BlockSize(), s2.BlockSize())
}

func TestFirstMountRequiresGeometry(t *testing.T) {
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Now())

	_, err := NewStore(context.Background(), &StoreConfig{
		Backend: NewMemBackend(),
		Clock:   &clock,
		UID:     testUID,
		GID:     testGID,
	})
	require.Error(t, err)
}

////////////////////////////////////////////////////////////////////////
// Creation and resolution
////////////////////////////////////////////////////////////////////////

func TestCreateReadDelete(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	d, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)

	f, fh, err := s.Create(ctx, d.Inode.ID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)

	n, err := s.WriteAt(ctx, fh, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := s.ReadAt(ctx, f.Inode.ID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	got, err := s.GetAttr(ctx, f.Inode.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Inode.Size)

	require.NoError(t, s.Release(ctx, fh))
	require.NoError(t, s.Unlink(ctx, d.Inode.ID, "f"))

	_, err = s.GetAttr(ctx, f.Inode.ID)
	assert.Equal(t, syscall.ENOENT, err)
	_, err = s.Lookup(ctx, d.Inode.ID, "f")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestLookupMiss(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	_, err := s.Lookup(ctx, RootInodeID, "nope")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestCreateDuplicateName(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	_, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	before, err := backend.CountInodes(ctx)
	require.NoError(t, err)

	_, err = s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	assert.Equal(t, syscall.EEXIST, err)

	// The colliding inode must not linger.
	after, err := backend.CountInodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreateUnderOrphanParent(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	d, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)

	// Keep the directory's inode alive through a handle while its last name
	// goes away.
	fh := s.Open(d.Inode.ID)
	require.NoError(t, s.RmDir(ctx, RootInodeID, "d"))

	_, err = s.MkNod(ctx, d.Inode.ID, "f", unix.S_IFREG|0644, testCreds, 0)
	assert.Equal(t, syscall.EINVAL, err)

	require.NoError(t, s.Release(ctx, fh))
}

func TestSymlinkRoundTrip(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	target := []byte("/some/where/else")
	e, err := s.Symlink(ctx, RootInodeID, "l", target, testCreds)
	require.NoError(t, err)
	assert.True(t, e.Inode.IsSymlink())
	assert.Equal(t, uint32(unix.S_IFLNK|0777), e.Inode.Mode)

	got, err := s.ReadLink(ctx, e.Inode.ID)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestReadLinkOnRegularFile(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	e, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	_, err = s.ReadLink(ctx, e.Inode.ID)
	assert.Equal(t, syscall.EINVAL, err)
}

func TestMkNodDevice(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	e, err := s.MkNod(ctx, RootInodeID, "dev", unix.S_IFCHR|0600, testCreds, 0x0103)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0103), e.Inode.Rdev)
}

////////////////////////////////////////////////////////////////////////
// Hard links
////////////////////////////////////////////////////////////////////////

func TestHardLink(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	a, fh, err := s.Create(ctx, RootInodeID, "a", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)
	_, err = s.WriteAt(ctx, fh, 0, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))

	linked, err := s.Link(ctx, a.Inode.ID, RootInodeID, "b")
	require.NoError(t, err)
	assert.Equal(t, a.Inode.ID, linked.Inode.ID)
	assert.Equal(t, uint32(2), linked.Nlink)

	require.NoError(t, s.Unlink(ctx, RootInodeID, "a"))

	// Content is reachable through the remaining name.
	b, err := s.Lookup(ctx, RootInodeID, "b")
	require.NoError(t, err)
	data, err := s.ReadAt(ctx, b.Inode.ID, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, uint32(1), b.Nlink)

	require.NoError(t, s.Unlink(ctx, RootInodeID, "b"))

	_, err = backend.GetInode(ctx, a.Inode.ID)
	assert.ErrorIs(t, err, ErrNoSuchRow)
	blocks, err := backend.CountBlocks(ctx, a.Inode.ID)
	require.NoError(t, err)
	assert.Zero(t, blocks)
}

func TestLinkToExistingName(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	a, err := s.MkNod(ctx, RootInodeID, "a", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)
	_, err = s.MkNod(ctx, RootInodeID, "b", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	_, err = s.Link(ctx, a.Inode.ID, RootInodeID, "b")
	assert.Equal(t, syscall.EEXIST, err)
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

func TestUnlinkDirectory(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	_, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)

	assert.Equal(t, syscall.EISDIR, s.Unlink(ctx, RootInodeID, "d"))
}

func TestRmDirOnFile(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	_, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	assert.Equal(t, syscall.ENOTDIR, s.RmDir(ctx, RootInodeID, "f"))
}

func TestRmDirNotEmpty(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	d, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)
	_, err = s.MkNod(ctx, d.Inode.ID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	assert.Equal(t, syscall.ENOTEMPTY, s.RmDir(ctx, RootInodeID, "d"))

	require.NoError(t, s.Unlink(ctx, d.Inode.ID, "f"))
	require.NoError(t, s.RmDir(ctx, RootInodeID, "d"))
}

func TestRemoveMissingName(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	assert.Equal(t, syscall.ENOENT, s.Unlink(ctx, RootInodeID, "nope"))
	assert.Equal(t, syscall.ENOENT, s.RmDir(ctx, RootInodeID, "nope"))
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func TestRenamePlain(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	d, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)
	f, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	require.NoError(t, s.Rename(ctx, RootInodeID, "f", d.Inode.ID, "g"))

	_, err = s.Lookup(ctx, RootInodeID, "f")
	assert.Equal(t, syscall.ENOENT, err)

	got, err := s.Lookup(ctx, d.Inode.ID, "g")
	require.NoError(t, err)
	assert.Equal(t, f.Inode.ID, got.Inode.ID)
}

func TestRenameOverEmptyTarget(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	x, err := s.MkDir(ctx, RootInodeID, "x", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)
	y, err := s.MkDir(ctx, RootInodeID, "y", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)

	require.NoError(t, s.Rename(ctx, RootInodeID, "x", RootInodeID, "y"))

	_, err = s.Lookup(ctx, RootInodeID, "x")
	assert.Equal(t, syscall.ENOENT, err)

	got, err := s.Lookup(ctx, RootInodeID, "y")
	require.NoError(t, err)
	assert.Equal(t, x.Inode.ID, got.Inode.ID)
	assert.True(t, got.Inode.IsDir())

	// The displaced directory's inode is gone.
	_, err = backend.GetInode(ctx, y.Inode.ID)
	assert.ErrorIs(t, err, ErrNoSuchRow)
}

func TestRenameOverNonEmptyTarget(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	_, err := s.MkDir(ctx, RootInodeID, "x", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)
	y, err := s.MkDir(ctx, RootInodeID, "y", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)
	_, err = s.MkNod(ctx, y.Inode.ID, "z", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)

	assert.Equal(t, syscall.ENOTEMPTY, s.Rename(ctx, RootInodeID, "x", RootInodeID, "y"))
}

func TestRenameMissingSource(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	assert.Equal(t, syscall.ENOENT, s.Rename(ctx, RootInodeID, "nope", RootInodeID, "other"))
}

func TestRenameOverOpenFileKeepsOrphan(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	_, err := s.MkNod(ctx, RootInodeID, "src", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)
	dst, fh, err := s.Create(ctx, RootInodeID, "dst", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)

	require.NoError(t, s.Rename(ctx, RootInodeID, "src", RootInodeID, "dst"))

	// Displaced but open: the inode row stays until the handle goes away.
	_, err = backend.GetInode(ctx, dst.Inode.ID)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, fh))
	_, err = backend.GetInode(ctx, dst.Inode.ID)
	assert.ErrorIs(t, err, ErrNoSuchRow)
}

////////////////////////////////////////////////////////////////////////
// Open-file lifecycle
////////////////////////////////////////////////////////////////////////

func TestOpenAcrossUnlink(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	f, fh, err := s.Create(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)

	require.NoError(t, s.Unlink(ctx, RootInodeID, "f"))

	// The inode is orphaned but alive: writes and reads through the handle
	// keep working.
	_, err = s.WriteAt(ctx, fh, 0, []byte("still here"))
	require.NoError(t, err)

	data, err := s.ReadAt(ctx, fh, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), data)

	require.NoError(t, s.Release(ctx, fh))

	_, err = backend.GetInode(ctx, f.Inode.ID)
	assert.ErrorIs(t, err, ErrNoSuchRow)
}

func TestMultipleHandles(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	f, fh1, err := s.Create(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)
	fh2 := s.Open(f.Inode.ID)

	require.NoError(t, s.Unlink(ctx, RootInodeID, "f"))
	require.NoError(t, s.Release(ctx, fh1))

	// One handle remains.
	_, err = backend.GetInode(ctx, f.Inode.ID)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, fh2))
	_, err = backend.GetInode(ctx, f.Inode.ID)
	assert.ErrorIs(t, err, ErrNoSuchRow)
}

func TestReleaseOfLinkedInodeKeepsIt(t *testing.T) {
	ctx, s, backend := newTestStore(t)

	f, fh, err := s.Create(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))

	_, err = backend.GetInode(ctx, f.Inode.ID)
	assert.NoError(t, err)
}

////////////////////////////////////////////////////////////////////////
// Readdir
////////////////////////////////////////////////////////////////////////

func TestReadDirCursor(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	d, err := s.MkDir(ctx, RootInodeID, "d", unix.S_IFDIR|0755, testCreds)
	require.NoError(t, err)

	names := []string{"one", "two", "three", "four"}
	for _, name := range names {
		_, err := s.MkNod(ctx, d.Inode.ID, name, unix.S_IFREG|0644, testCreds, 0)
		require.NoError(t, err)
	}

	all, err := s.ReadDir(ctx, d.Inode.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, len(names))
	assert.Equal(t, names, []string{all[0].Name, all[1].Name, all[2].Name, all[3].Name})
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Offset, all[i-1].Offset)
	}

	// Resume from the middle using the yielded cursor.
	rest, err := s.ReadDir(ctx, d.Inode.ID, all[1].Offset)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "three", rest[0].Name)
	assert.Equal(t, "four", rest[1].Name)

	// Past the end.
	tail, err := s.ReadDir(ctx, d.Inode.ID, all[3].Offset)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestReadDirRootListsDotDot(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	entries, err := s.ReadDir(ctx, RootInodeID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "..", entries[0].Name)
	assert.Equal(t, uint64(RootInodeID), entries[0].Inode.ID)
}

////////////////////////////////////////////////////////////////////////
// Attributes, statfs, access
////////////////////////////////////////////////////////////////////////

func TestSetAttrFlaggedFields(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	e, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds, 0)
	require.NoError(t, err)
	origMtime := e.Inode.MtimeNs

	mode := uint32(unix.S_IFREG | 0600)
	uid := uint32(1234)
	atime := int64(111222333)
	ctime := s.Now() + 5

	got, err := s.SetAttr(ctx, e.Inode.ID, &SetAttrReq{
		Mode:    &mode,
		UID:     &uid,
		AtimeNs: &atime,
		CtimeNs: ctime,
	})
	require.NoError(t, err)

	assert.Equal(t, mode, got.Inode.Mode)
	assert.Equal(t, uid, got.Inode.UID)
	assert.Equal(t, testGID, got.Inode.GID)
	assert.Equal(t, atime, got.Inode.AtimeNs)
	assert.Equal(t, origMtime, got.Inode.MtimeNs)
	assert.Equal(t, ctime, got.Inode.CtimeNs)
}

func TestGetAttrCounts(t *testing.T) {
	ctx, s, _ := newTestStoreWithBlockSize(t, 8)

	f, fh, err := s.Create(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)
	_, err = s.WriteAt(ctx, fh, 0, make([]byte, 20))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))

	got, err := s.GetAttr(ctx, f.Inode.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Inode.Size)
	assert.Equal(t, uint64(3), got.Blocks)
	assert.Equal(t, uint32(1), got.Nlink)
}

func TestStatFS(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	_, fh, err := s.Create(ctx, RootInodeID, "f", unix.S_IFREG|0644, testCreds)
	require.NoError(t, err)
	_, err = s.WriteAt(ctx, fh, 0, make([]byte, 2*4096))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))

	st, err := s.StatFS(ctx)
	require.NoError(t, err)

	total := uint64(64<<20) / 4096
	assert.Equal(t, uint64(4096), st.BlockSize)
	assert.Equal(t, total, st.Blocks)
	assert.Equal(t, total-2, st.BlocksFree)
	assert.Equal(t, st.BlocksFree, st.BlocksAvailable)
	assert.Equal(t, uint64(2), st.Inodes) // root + f
	assert.Equal(t, uint64(100), st.InodesFree)
}

func TestAccess(t *testing.T) {
	ctx, s, _ := newTestStore(t)

	e, err := s.MkNod(ctx, RootInodeID, "f", unix.S_IFREG|0640, testCreds, 0)
	require.NoError(t, err)
	id := e.Inode.ID

	owner := Creds{UID: testUID, GID: testGID}
	group := Creds{UID: 2000, GID: testGID}
	other := Creds{UID: 2000, GID: 2000}

	// F_OK always passes once the inode resolved.
	assert.NoError(t, s.Access(ctx, id, 0, other))

	assert.NoError(t, s.Access(ctx, id, unix.R_OK|unix.W_OK, owner))
	assert.Equal(t, syscall.EACCES, s.Access(ctx, id, unix.X_OK, owner))

	assert.NoError(t, s.Access(ctx, id, unix.R_OK, group))
	assert.Equal(t, syscall.EACCES, s.Access(ctx, id, unix.W_OK, group))

	assert.Equal(t, syscall.EACCES, s.Access(ctx, id, unix.R_OK, other))
}
