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
	"sort"
	"sync"
)

// MemBackend is an in-memory Backend with the same observable behavior as
// the SQL gateway, including the cascading deletes. Used by tests of the
// store, the body engine and the fuse binding.
type MemBackend struct {
	mu sync.Mutex

	info      *FSInfo
	nextID    uint64
	nextRowID uint64

	inodes  map[uint64]Inode
	dirents map[uint64]map[string]Dirent // keyed by parent, then name
	blocks  map[uint64]map[uint64][]byte // keyed by inode, then block number
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		nextID:    RootInodeID + 1,
		nextRowID: 1,
		inodes:    make(map[uint64]Inode),
		dirents:   make(map[uint64]map[string]Dirent),
		blocks:    make(map[uint64]map[uint64][]byte),
	}
}

func (b *MemBackend) FSInfo(ctx context.Context) (FSInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info == nil {
		return FSInfo{}, ErrNoSuchRow
	}
	return *b.info, nil
}

func (b *MemBackend) CreateSchema(ctx context.Context) error { return nil }

func (b *MemBackend) InsertFSInfo(ctx context.Context, blockSize, capacity uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info != nil {
		return ErrExists
	}
	b.info = &FSInfo{BlockSize: blockSize, Capacity: capacity}
	return nil
}

func (b *MemBackend) InsertInode(ctx context.Context, in *Inode) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := in.ID
	if id == 0 {
		id = b.nextID
		b.nextID++
	}
	if _, ok := b.inodes[id]; ok {
		return 0, ErrExists
	}

	stored := *in
	stored.ID = id
	b.inodes[id] = stored

	return id, nil
}

func (b *MemBackend) GetInode(ctx context.Context, id uint64) (*Inode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	in, ok := b.inodes[id]
	if !ok {
		return nil, ErrNoSuchRow
	}
	out := in
	return &out, nil
}

func (b *MemBackend) UpdateInode(ctx context.Context, in *Inode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inodes[in.ID]; !ok {
		return ErrNoSuchRow
	}
	b.inodes[in.ID] = *in
	return nil
}

func (b *MemBackend) DeleteInode(ctx context.Context, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inodes, id)

	// Cascade: entries out of the inode, entries pointing at it, its blocks.
	delete(b.dirents, id)
	for parent, siblings := range b.dirents {
		for name, de := range siblings {
			if de.Inode == id {
				delete(siblings, name)
			}
		}
		if len(siblings) == 0 {
			delete(b.dirents, parent)
		}
	}
	delete(b.blocks, id)

	return nil
}

func (b *MemBackend) CountInodes(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.inodes)), nil
}

func (b *MemBackend) SumInodeSizes(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sum uint64
	for _, in := range b.inodes {
		sum += in.Size
	}
	return sum, nil
}

func (b *MemBackend) InsertDirent(ctx context.Context, parent uint64, name string, inode uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	siblings, ok := b.dirents[parent]
	if !ok {
		siblings = make(map[string]Dirent)
		b.dirents[parent] = siblings
	}
	if _, ok := siblings[name]; ok {
		return ErrExists
	}

	siblings[name] = Dirent{
		RowID:  b.nextRowID,
		Parent: parent,
		Name:   name,
		Inode:  inode,
	}
	b.nextRowID++

	return nil
}

func (b *MemBackend) GetDirent(ctx context.Context, parent uint64, name string) (*Dirent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	de, ok := b.dirents[parent][name]
	if !ok {
		return nil, ErrNoSuchRow
	}
	out := de
	return &out, nil
}

func (b *MemBackend) DeleteDirent(ctx context.Context, parent uint64, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.dirents[parent][name]; !ok {
		return ErrNoSuchRow
	}
	delete(b.dirents[parent], name)
	return nil
}

func (b *MemBackend) MoveDirent(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	de, ok := b.dirents[parent][name]
	if !ok {
		return ErrNoSuchRow
	}
	if _, ok := b.dirents[newParent][newName]; ok {
		return ErrExists
	}

	delete(b.dirents[parent], name)
	de.Parent = newParent
	de.Name = newName

	siblings, ok := b.dirents[newParent]
	if !ok {
		siblings = make(map[string]Dirent)
		b.dirents[newParent] = siblings
	}
	siblings[newName] = de

	return nil
}

func (b *MemBackend) RepointDirent(ctx context.Context, parent uint64, name string, inode uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	de, ok := b.dirents[parent][name]
	if !ok {
		return ErrNoSuchRow
	}
	de.Inode = inode
	b.dirents[parent][name] = de
	return nil
}

func (b *MemBackend) DirentsAfter(ctx context.Context, parent, off uint64) ([]Dirent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Dirent
	for _, de := range b.dirents[parent] {
		if de.RowID > off {
			out = append(out, de)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })

	return out, nil
}

func (b *MemBackend) CountLinks(ctx context.Context, inode uint64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n uint32
	for _, siblings := range b.dirents {
		for _, de := range siblings {
			if de.Inode == inode {
				n++
			}
		}
	}
	return n, nil
}

func (b *MemBackend) HasChildren(ctx context.Context, inode uint64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirents[inode]) > 0, nil
}

func (b *MemBackend) GetBlock(ctx context.Context, inode, blockNo uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.blocks[inode][blockNo]
	if !ok {
		return nil, ErrNoSuchRow
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemBackend) GetBlockRange(ctx context.Context, inode, first, last uint64) ([]Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Block
	for no, data := range b.blocks[inode] {
		if no >= first && no <= last {
			d := make([]byte, len(data))
			copy(d, data)
			out = append(out, Block{No: no, Data: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })

	return out, nil
}

func (b *MemBackend) InsertBlock(ctx context.Context, inode, blockNo uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	body, ok := b.blocks[inode]
	if !ok {
		body = make(map[uint64][]byte)
		b.blocks[inode] = body
	}
	if _, ok := body[blockNo]; ok {
		return ErrExists
	}

	d := make([]byte, len(data))
	copy(d, data)
	body[blockNo] = d

	return nil
}

func (b *MemBackend) UpdateBlock(ctx context.Context, inode, blockNo uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	body := b.blocks[inode]
	if _, ok := body[blockNo]; !ok {
		return ErrNoSuchRow
	}

	d := make([]byte, len(data))
	copy(d, data)
	body[blockNo] = d

	return nil
}

func (b *MemBackend) DeleteBlocksFrom(ctx context.Context, inode, blockNo uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for no := range b.blocks[inode] {
		if no >= blockNo {
			delete(b.blocks[inode], no)
		}
	}
	return nil
}

func (b *MemBackend) CountBlocks(ctx context.Context, inode uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.blocks[inode])), nil
}

var _ Backend = (*MemBackend)(nil)
