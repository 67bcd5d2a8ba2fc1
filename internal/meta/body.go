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

// blockExtent computes the block span covered by the byte range
// (offset, length), plus the intra-block bounds of its first and last
// fragments. length must be positive. Integer arithmetic only.
func blockExtent(offset, length, bs uint64) (first, last, startIdx, endIdx uint64) {
	first = offset / bs
	startIdx = offset % bs
	last = (offset+length+bs-1)/bs - 1
	endIdx = (offset + length) % bs
	if endIdx == 0 {
		endIdx = bs
	}
	return
}

// ceilBlocks returns the number of blocks a file of the given size spans.
func ceilBlocks(size, bs uint64) uint64 {
	return (size + bs - 1) / bs
}

// ReadAt returns up to length bytes of the file body starting at offset.
// Reads past the end of the file return nothing; reads straddling it are
// clamped. Blocks missing within the live range (holes left by writes that
// start past the end of the file) and bytes past the end of a short stored
// block read as zeros.
func (s *Store) ReadAt(ctx context.Context, id uint64, offset, length uint64) ([]byte, error) {
	in, err := s.backend.GetInode(ctx, id)
	if err != nil {
		return nil, lookupErr(err)
	}

	if offset >= in.Size || length == 0 {
		return nil, nil
	}
	if offset+length > in.Size {
		length = in.Size - offset
	}

	bs := s.blockSize
	first, last, startIdx, _ := blockExtent(offset, length, bs)

	blocks, err := s.backend.GetBlockRange(ctx, id, first, last)
	if err != nil {
		return nil, err
	}

	// Lay the fetched payloads out over a zeroed span and cut the requested
	// range out of it. Anything not covered by a stored payload reads as
	// zero.
	span := make([]byte, (last-first+1)*bs)
	for _, b := range blocks {
		copy(span[(b.No-first)*bs:], b.Data)
	}

	return span[startIdx : startIdx+length], nil
}

// WriteAt writes buf into the file body at offset, growing the file if the
// write extends past its current end, and returns the number of bytes
// written. Blocks fully or partially covered by the write are spliced with
// the previous content; blocks past the old tail start out as zeros.
func (s *Store) WriteAt(ctx context.Context, fh uint64, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	in, err := s.backend.GetInode(ctx, fh)
	if err != nil {
		return 0, lookupErr(err)
	}

	bs := s.blockSize
	length := uint64(len(buf))
	oldBlocks := ceilBlocks(in.Size, bs)

	newSize := in.Size
	if offset+length > newSize {
		newSize = offset + length
	}

	first, last, startIdx, endIdx := blockExtent(offset, length, bs)

	var bufPos uint64
	for b := first; b <= last; b++ {
		// A block is stored already unless it lies past the old tail or is a
		// hole left by an earlier write that started past the end of the file.
		stored := false

		page := make([]byte, bs)
		if b < oldBlocks {
			old, err := s.backend.GetBlock(ctx, fh, b)
			switch {
			case err == nil:
				stored = true
				copy(page, old)
			case !errors.Is(err, ErrNoSuchRow):
				return 0, err
			}
		}

		var lo, hi uint64
		switch {
		case b == first && b == last:
			lo, hi = startIdx, endIdx
		case b == first:
			lo, hi = startIdx, bs
		case b == last:
			lo, hi = 0, endIdx
		default:
			lo, hi = 0, bs
		}

		copy(page[lo:hi], buf[bufPos:bufPos+(hi-lo)])
		bufPos += hi - lo

		// The block covering the end of the file holds exactly the bytes up
		// to the new size.
		keep := bs
		if (b+1)*bs > newSize {
			keep = newSize - b*bs
		}

		if stored {
			err = s.backend.UpdateBlock(ctx, fh, b, page[:keep])
		} else {
			err = s.backend.InsertBlock(ctx, fh, b, page[:keep])
		}
		if err != nil {
			return 0, err
		}
	}

	if newSize != in.Size {
		in.Size = newSize
		if err := s.backend.UpdateInode(ctx, in); err != nil {
			return 0, err
		}
	}

	return len(buf), nil
}

// truncate adjusts the file body to newSize, allocating literal zero blocks
// on growth and trimming or deleting trailing blocks on shrink, then records
// the new size.
func (s *Store) truncate(ctx context.Context, in *Inode, newSize uint64) error {
	switch {
	case newSize > in.Size:
		if err := s.grow(ctx, in, newSize); err != nil {
			return err
		}

	case newSize < in.Size:
		if err := s.shrink(ctx, in, newSize); err != nil {
			return err
		}
	}

	in.Size = newSize

	return s.backend.UpdateInode(ctx, in)
}

// grow extends the file body to newSize. When the growth fits in the slack
// of the current tail block no storage changes at all (the gap reads as
// zeros); otherwise zero-filled blocks cover the new range, with no holes
// left inside it.
func (s *Store) grow(ctx context.Context, in *Inode, newSize uint64) error {
	bs := s.blockSize
	endLen := in.Size % bs

	d := newSize - in.Size
	if endLen > 0 && d <= bs-endLen {
		return nil
	}

	oldCeil := ceilBlocks(in.Size, bs)
	newCeil := ceilBlocks(newSize, bs)

	zeros := make([]byte, bs)
	for b := oldCeil; b < newCeil; b++ {
		keep := bs
		if (b+1)*bs > newSize {
			keep = newSize - b*bs
		}
		if err := s.backend.InsertBlock(ctx, in.ID, b, zeros[:keep]); err != nil {
			return err
		}
	}

	return nil
}

// shrink cuts the file body down to newSize: trailing blocks past the new
// end are deleted, and the block containing the new end is trimmed to the
// remainder.
func (s *Store) shrink(ctx context.Context, in *Inode, newSize uint64) error {
	bs := s.blockSize
	newCeil := ceilBlocks(newSize, bs)

	if err := s.backend.DeleteBlocksFrom(ctx, in.ID, newCeil); err != nil {
		return err
	}

	rem := newSize % bs
	if rem == 0 {
		return nil
	}

	data, err := s.backend.GetBlock(ctx, in.ID, newCeil-1)
	if errors.Is(err, ErrNoSuchRow) {
		// A hole; reads there were zero before and stay zero.
		return nil
	}
	if err != nil {
		return err
	}

	if uint64(len(data)) > rem {
		return s.backend.UpdateBlock(ctx, in.ID, newCeil-1, data[:rem])
	}

	return nil
}
