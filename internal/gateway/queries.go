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

package gateway

import (
	"context"

	"github.com/inpos/udavfs3/internal/meta"
)

// The four tables, all scoped by fsid: fsinfo (one header row per file
// system), inodes, contents (directory entries) and body (file blocks).
// Deleting an inode cascades to its directory entries and blocks; deleting
// a header row cascades to everything.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS fsinfo (
		fsid CHAR(40) PRIMARY KEY,
		blocksize BIGINT NOT NULL,
		fssize BIGINT NOT NULL
	)`,

	`CREATE SEQUENCE IF NOT EXISTS inodes_id_seq START WITH 2`,

	`CREATE TABLE IF NOT EXISTS inodes (
		fsid CHAR(40) NOT NULL REFERENCES fsinfo (fsid) ON DELETE CASCADE,
		id BIGINT NOT NULL DEFAULT nextval('inodes_id_seq'),
		mode INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		gid INTEGER NOT NULL,
		target BYTEA,
		rdev BIGINT NOT NULL DEFAULT 0,
		size BIGINT NOT NULL DEFAULT 0,
		atime_ns BIGINT NOT NULL,
		mtime_ns BIGINT NOT NULL,
		ctime_ns BIGINT NOT NULL,
		PRIMARY KEY (fsid, id)
	)`,

	`CREATE TABLE IF NOT EXISTS contents (
		fsid CHAR(40) NOT NULL,
		rowid BIGSERIAL,
		parent BIGINT NOT NULL,
		name TEXT NOT NULL,
		inode BIGINT NOT NULL,
		PRIMARY KEY (fsid, parent, name),
		UNIQUE (fsid, rowid),
		FOREIGN KEY (fsid, parent) REFERENCES inodes (fsid, id) ON DELETE CASCADE,
		FOREIGN KEY (fsid, inode) REFERENCES inodes (fsid, id) ON DELETE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS contents_inode_idx ON contents (fsid, inode)`,

	`CREATE TABLE IF NOT EXISTS body (
		fsid CHAR(40) NOT NULL,
		inode BIGINT NOT NULL,
		block_no BIGINT NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY (fsid, inode, block_no),
		FOREIGN KEY (fsid, inode) REFERENCES inodes (fsid, id) ON DELETE CASCADE
	)`,
}

func (g *PG) CreateSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := g.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// fsinfo
////////////////////////////////////////////////////////////////////////

func (g *PG) FSInfo(ctx context.Context) (meta.FSInfo, error) {
	var info meta.FSInfo
	err := g.oneRow(ctx,
		`SELECT blocksize, fssize FROM fsinfo WHERE fsid = $1`,
		[]any{g.fsid},
		&info.BlockSize, &info.Capacity)
	if isUndefinedTable(err) {
		// Nothing has ever been created in this database.
		return info, meta.ErrNoSuchRow
	}
	return info, err
}

func (g *PG) InsertFSInfo(ctx context.Context, blockSize, capacity uint64) error {
	return g.exec(ctx,
		`INSERT INTO fsinfo (fsid, blocksize, fssize) VALUES ($1, $2, $3)`,
		g.fsid, blockSize, capacity)
}

////////////////////////////////////////////////////////////////////////
// inodes
////////////////////////////////////////////////////////////////////////

func (g *PG) InsertInode(ctx context.Context, in *meta.Inode) (uint64, error) {
	if in.ID != 0 {
		err := g.exec(ctx,
			`INSERT INTO inodes
				(fsid, id, mode, uid, gid, target, rdev, size, atime_ns, mtime_ns, ctime_ns)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			g.fsid, in.ID, in.Mode, in.UID, in.GID, in.Target, in.Rdev,
			in.Size, in.AtimeNs, in.MtimeNs, in.CtimeNs)
		return in.ID, err
	}

	var id uint64
	err := g.oneRow(ctx,
		`INSERT INTO inodes
			(fsid, mode, uid, gid, target, rdev, size, atime_ns, mtime_ns, ctime_ns)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		[]any{
			g.fsid, in.Mode, in.UID, in.GID, in.Target, in.Rdev,
			in.Size, in.AtimeNs, in.MtimeNs, in.CtimeNs,
		},
		&id)
	return id, err
}

func (g *PG) GetInode(ctx context.Context, id uint64) (*meta.Inode, error) {
	in := &meta.Inode{ID: id}
	err := g.oneRow(ctx,
		`SELECT mode, uid, gid, target, rdev, size, atime_ns, mtime_ns, ctime_ns
		 FROM inodes WHERE fsid = $1 AND id = $2`,
		[]any{g.fsid, id},
		&in.Mode, &in.UID, &in.GID, &in.Target, &in.Rdev,
		&in.Size, &in.AtimeNs, &in.MtimeNs, &in.CtimeNs)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (g *PG) UpdateInode(ctx context.Context, in *meta.Inode) error {
	return g.exec(ctx,
		`UPDATE inodes
		 SET mode = $3, uid = $4, gid = $5, target = $6, rdev = $7,
		     size = $8, atime_ns = $9, mtime_ns = $10, ctime_ns = $11
		 WHERE fsid = $1 AND id = $2`,
		g.fsid, in.ID, in.Mode, in.UID, in.GID, in.Target, in.Rdev,
		in.Size, in.AtimeNs, in.MtimeNs, in.CtimeNs)
}

func (g *PG) DeleteInode(ctx context.Context, id uint64) error {
	return g.exec(ctx,
		`DELETE FROM inodes WHERE fsid = $1 AND id = $2`,
		g.fsid, id)
}

func (g *PG) CountInodes(ctx context.Context) (uint64, error) {
	var n uint64
	err := g.oneRow(ctx,
		`SELECT COUNT(*) FROM inodes WHERE fsid = $1`,
		[]any{g.fsid}, &n)
	return n, err
}

func (g *PG) SumInodeSizes(ctx context.Context) (uint64, error) {
	var n uint64
	err := g.oneRow(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM inodes WHERE fsid = $1`,
		[]any{g.fsid}, &n)
	return n, err
}

////////////////////////////////////////////////////////////////////////
// contents
////////////////////////////////////////////////////////////////////////

func (g *PG) InsertDirent(ctx context.Context, parent uint64, name string, inode uint64) error {
	return g.exec(ctx,
		`INSERT INTO contents (fsid, parent, name, inode) VALUES ($1, $2, $3, $4)`,
		g.fsid, parent, name, inode)
}

func (g *PG) GetDirent(ctx context.Context, parent uint64, name string) (*meta.Dirent, error) {
	de := &meta.Dirent{Parent: parent, Name: name}
	err := g.oneRow(ctx,
		`SELECT rowid, inode FROM contents WHERE fsid = $1 AND parent = $2 AND name = $3`,
		[]any{g.fsid, parent, name},
		&de.RowID, &de.Inode)
	if err != nil {
		return nil, err
	}
	return de, nil
}

func (g *PG) DeleteDirent(ctx context.Context, parent uint64, name string) error {
	return g.exec(ctx,
		`DELETE FROM contents WHERE fsid = $1 AND parent = $2 AND name = $3`,
		g.fsid, parent, name)
}

func (g *PG) MoveDirent(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	return g.exec(ctx,
		`UPDATE contents SET parent = $4, name = $5
		 WHERE fsid = $1 AND parent = $2 AND name = $3`,
		g.fsid, parent, name, newParent, newName)
}

func (g *PG) RepointDirent(ctx context.Context, parent uint64, name string, inode uint64) error {
	return g.exec(ctx,
		`UPDATE contents SET inode = $4
		 WHERE fsid = $1 AND parent = $2 AND name = $3`,
		g.fsid, parent, name, inode)
}

func (g *PG) DirentsAfter(ctx context.Context, parent, off uint64) ([]meta.Dirent, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT rowid, name, inode FROM contents
		 WHERE fsid = $1 AND parent = $2 AND rowid > $3
		 ORDER BY rowid ASC`,
		g.fsid, parent, off)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meta.Dirent
	for rows.Next() {
		de := meta.Dirent{Parent: parent}
		if err := rows.Scan(&de.RowID, &de.Name, &de.Inode); err != nil {
			return nil, err
		}
		out = append(out, de)
	}

	return out, rows.Err()
}

func (g *PG) CountLinks(ctx context.Context, inode uint64) (uint32, error) {
	var n uint32
	err := g.oneRow(ctx,
		`SELECT COUNT(*) FROM contents WHERE fsid = $1 AND inode = $2`,
		[]any{g.fsid, inode}, &n)
	return n, err
}

func (g *PG) HasChildren(ctx context.Context, inode uint64) (bool, error) {
	var n uint64
	err := g.oneRow(ctx,
		`SELECT COUNT(*) FROM contents WHERE fsid = $1 AND parent = $2`,
		[]any{g.fsid, inode}, &n)
	return n > 0, err
}

////////////////////////////////////////////////////////////////////////
// body
////////////////////////////////////////////////////////////////////////

func (g *PG) GetBlock(ctx context.Context, inode, blockNo uint64) ([]byte, error) {
	var data []byte
	err := g.oneRow(ctx,
		`SELECT data FROM body WHERE fsid = $1 AND inode = $2 AND block_no = $3`,
		[]any{g.fsid, inode, blockNo}, &data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (g *PG) GetBlockRange(ctx context.Context, inode, first, last uint64) ([]meta.Block, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT block_no, data FROM body
		 WHERE fsid = $1 AND inode = $2 AND block_no BETWEEN $3 AND $4
		 ORDER BY block_no ASC`,
		g.fsid, inode, first, last)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meta.Block
	for rows.Next() {
		var b meta.Block
		if err := rows.Scan(&b.No, &b.Data); err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	return out, rows.Err()
}

func (g *PG) InsertBlock(ctx context.Context, inode, blockNo uint64, data []byte) error {
	return g.exec(ctx,
		`INSERT INTO body (fsid, inode, block_no, data) VALUES ($1, $2, $3, $4)`,
		g.fsid, inode, blockNo, data)
}

func (g *PG) UpdateBlock(ctx context.Context, inode, blockNo uint64, data []byte) error {
	return g.exec(ctx,
		`UPDATE body SET data = $4
		 WHERE fsid = $1 AND inode = $2 AND block_no = $3`,
		g.fsid, inode, blockNo, data)
}

func (g *PG) DeleteBlocksFrom(ctx context.Context, inode, blockNo uint64) error {
	return g.exec(ctx,
		`DELETE FROM body WHERE fsid = $1 AND inode = $2 AND block_no >= $3`,
		g.fsid, inode, blockNo)
}

func (g *PG) CountBlocks(ctx context.Context, inode uint64) (uint64, error) {
	var n uint64
	err := g.oneRow(ctx,
		`SELECT COUNT(*) FROM body WHERE fsid = $1 AND inode = $2`,
		[]any{g.fsid, inode}, &n)
	return n, err
}

// isUndefinedTable reports whether the error is Postgres' undefined_table.
func isUndefinedTable(err error) bool {
	return pgErrCode(err) == "42P01"
}

var _ meta.Backend = (*PG)(nil)
