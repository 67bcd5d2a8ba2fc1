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

// Package fs binds the store's operation vocabulary to the kernel bridge.
// The binding is deliberately thin: every method translates one fuse op into
// one store operation and converts the attribute records.
package fs

import (
	"context"
	"fmt"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/inpos/udavfs3/internal/logger"
	"github.com/inpos/udavfs3/internal/meta"
)

type ServerConfig struct {
	Store *meta.Store

	// The identity assumed for every operation. The kernel itself enforces
	// permissions, since the file system is mounted with
	// default_permissions.
	Uid uint32
	Gid uint32
}

// NewServer creates a fuse server dispatching into the store.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("a store is required")
	}

	fs := &fileSystem{
		store: cfg.Store,
		creds: meta.Creds{UID: cfg.Uid, GID: cfg.Gid},
	}

	return fuseutil.NewFileSystemServer(fs), nil
}

// fileSystem adapts meta.Store to fuseutil.FileSystem. The store is safe for
// concurrent upcalls; no locking happens at this layer.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	store *meta.Store
	creds meta.Creds
}

////////////////////////////////////////////////////////////////////////
// FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.store.StatFS(ctx)
	if err != nil {
		return errno(err)
	}

	op.BlockSize = uint32(st.BlockSize)
	op.IoSize = uint32(st.BlockSize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksAvailable
	op.Inodes = st.Inodes
	op.InodesFree = st.InodesFree

	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	e, err := fs.store.Lookup(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	e, err := fs.store.GetAttr(ctx, uint64(op.Inode))
	if err != nil {
		return errno(err)
	}

	op.Attributes = attributes(e)
	op.AttributesExpiration = expiration()

	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	req := &meta.SetAttrReq{
		CtimeNs: fs.store.Now(),
	}
	if op.Mode != nil {
		m := rawMode(*op.Mode)
		req.Mode = &m
	}
	if op.Size != nil {
		req.Size = op.Size
	}
	if op.Atime != nil {
		ns := op.Atime.UnixNano()
		req.AtimeNs = &ns
	}
	if op.Mtime != nil {
		ns := op.Mtime.UnixNano()
		req.MtimeNs = &ns
	}

	e, err := fs.store.SetAttr(ctx, uint64(op.Inode), req)
	if err != nil {
		return errno(err)
	}

	op.Attributes = attributes(e)
	op.AttributesExpiration = expiration()

	return nil
}

// The kernel's lookup counts have no bearing on inode lifetime here; that is
// governed by link counts and open handles in the store.
func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	e, err := fs.store.MkDir(ctx, uint64(op.Parent), op.Name, rawMode(op.Mode), fs.creds)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	return nil
}

func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	e, err := fs.store.MkNod(ctx, uint64(op.Parent), op.Name, rawMode(op.Mode), fs.creds, op.Rdev)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	e, fh, err := fs.store.Create(ctx, uint64(op.Parent), op.Name, rawMode(op.Mode), fs.creds)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	op.Handle = fuseops.HandleID(fh)

	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	e, err := fs.store.Symlink(ctx, uint64(op.Parent), op.Name, []byte(op.Target), fs.creds)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	return nil
}

func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	e, err := fs.store.Link(ctx, uint64(op.Target), uint64(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}

	fillChildEntry(&op.Entry, e)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	err := fs.store.Rename(ctx,
		uint64(op.OldParent), op.OldName,
		uint64(op.NewParent), op.NewName)
	return errno(err)
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(fs.store.RmDir(ctx, uint64(op.Parent), op.Name))
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(fs.store.Unlink(ctx, uint64(op.Parent), op.Name))
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := fs.store.ReadDir(ctx, uint64(op.Inode), uint64(op.Offset))
	if err != nil {
		return errno(err)
	}

	for _, e := range entries {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.Offset),
			Inode:  fuseops.InodeID(e.Inode.ID),
			Name:   e.Name,
			Type:   direntType(e.Inode),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	op.Handle = fuseops.HandleID(fs.store.Open(uint64(op.Inode)))
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	data, err := fs.store.ReadAt(ctx, uint64(op.Handle), uint64(op.Offset), uint64(len(op.Dst)))
	if err != nil {
		return errno(err)
	}

	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	// Writes go through the handle, which stays valid after the last name of
	// the file is unlinked.
	_, err := fs.store.WriteAt(ctx, uint64(op.Handle), uint64(op.Offset), op.Data)
	return errno(err)
}

// Every statement has already committed; there is nothing to sync.
func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errno(fs.store.Release(ctx, uint64(op.Handle)))
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := fs.store.ReadLink(ctx, uint64(op.Inode))
	if err != nil {
		return errno(err)
	}

	op.Target = string(target)
	return nil
}

// errno passes POSIX errors through to the kernel and folds anything else
// (database trouble, broken invariants) into EIO after logging it.
func errno(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(syscall.Errno); ok {
		return err
	}

	logger.Errorf("internal error: %v", err)
	return fuse.EIO
}
