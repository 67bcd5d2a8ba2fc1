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
)

// Errors reported by Backend implementations. The store treats ErrNoSuchRow
// as a lookup miss; ErrNotUnique indicates a broken invariant and is never
// expected under correct operation.
var (
	ErrNoSuchRow = errors.New("no such row")
	ErrNotUnique = errors.New("more than one row")
	ErrExists    = errors.New("row already exists")
)

// Backend is the typed query vocabulary the store consumes. The production
// implementation issues one autocommitted SQL statement per call; tests use
// an in-memory substitute. Every row a Backend touches is implicitly scoped
// to one file system.
type Backend interface {
	// Bootstrap.
	FSInfo(ctx context.Context) (FSInfo, error)
	CreateSchema(ctx context.Context) error
	InsertFSInfo(ctx context.Context, blockSize, capacity uint64) error

	// Inodes. InsertInode assigns and returns a fresh ID unless in.ID is
	// already set (the root).
	InsertInode(ctx context.Context, in *Inode) (uint64, error)
	GetInode(ctx context.Context, id uint64) (*Inode, error)
	UpdateInode(ctx context.Context, in *Inode) error
	DeleteInode(ctx context.Context, id uint64) error
	CountInodes(ctx context.Context) (uint64, error)
	SumInodeSizes(ctx context.Context) (uint64, error)

	// Directory entries.
	InsertDirent(ctx context.Context, parent uint64, name string, inode uint64) error
	GetDirent(ctx context.Context, parent uint64, name string) (*Dirent, error)
	DeleteDirent(ctx context.Context, parent uint64, name string) error
	MoveDirent(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error
	RepointDirent(ctx context.Context, parent uint64, name string, inode uint64) error
	DirentsAfter(ctx context.Context, parent, off uint64) ([]Dirent, error)
	CountLinks(ctx context.Context, inode uint64) (uint32, error)
	HasChildren(ctx context.Context, inode uint64) (bool, error)

	// File body blocks.
	GetBlock(ctx context.Context, inode, blockNo uint64) ([]byte, error)
	GetBlockRange(ctx context.Context, inode, first, last uint64) ([]Block, error)
	InsertBlock(ctx context.Context, inode, blockNo uint64, data []byte) error
	UpdateBlock(ctx context.Context, inode, blockNo uint64, data []byte) error
	DeleteBlocksFrom(ctx context.Context, inode, blockNo uint64) error
	CountBlocks(ctx context.Context, inode uint64) (uint64, error)
}
