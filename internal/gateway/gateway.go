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

// Package gateway is the thin adapter around the database connection: it
// issues parameterized statements in autocommit mode and implements the
// typed query vocabulary of meta.Backend, scoped to one file system ID.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inpos/udavfs3/internal/meta"
)

// Dial opens a connection pool to the given Postgres-compatible server. TLS
// is not optional: the connection string is forced to sslmode=require.
func Dial(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, forceSSLMode(connString))
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// forceSSLMode appends sslmode=require to a connection string, in whichever
// of the two syntaxes pgx accepts it came in.
func forceSSLMode(connString string) string {
	if strings.Contains(connString, "://") {
		if strings.Contains(connString, "?") {
			return connString + "&sslmode=require"
		}
		return connString + "?sslmode=require"
	}
	return strings.TrimSpace(connString + " sslmode=require")
}

// PG implements meta.Backend on a connection pool. Every statement commits
// independently; there is no multi-statement atomicity.
type PG struct {
	pool *pgxpool.Pool
	fsid string
}

func New(pool *pgxpool.Pool, fsid string) *PG {
	return &PG{pool: pool, fsid: fsid}
}

////////////////////////////////////////////////////////////////////////
// Row helpers
////////////////////////////////////////////////////////////////////////

// oneRow runs the query and scans the single matching row. Zero rows yield
// meta.ErrNoSuchRow; more than one yields meta.ErrNotUnique, as an assertion
// on uniquely-keyed queries.
func (g *PG) oneRow(ctx context.Context, sql string, args []any, dest ...any) error {
	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return meta.ErrNoSuchRow
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	if rows.Next() {
		return meta.ErrNotUnique
	}

	return rows.Err()
}

// exec runs a statement, discarding the result.
func (g *PG) exec(ctx context.Context, sql string, args ...any) error {
	_, err := g.pool.Exec(ctx, sql, args...)
	return mapConstraint(err)
}

// mapConstraint turns a unique-key violation into meta.ErrExists.
func mapConstraint(err error) error {
	if pgErrCode(err) == "23505" {
		return meta.ErrExists
	}
	return err
}

// pgErrCode returns the SQLSTATE of a server-reported error, or the empty
// string.
func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
