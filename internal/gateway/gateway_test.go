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
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/inpos/udavfs3/internal/meta"
)

func TestForceSSLMode(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{
			"url without query",
			"postgres://user:pw@db.example.com:5432/udavfs",
			"postgres://user:pw@db.example.com:5432/udavfs?sslmode=require",
		},
		{
			"url with query",
			"postgres://db.example.com/udavfs?connect_timeout=10",
			"postgres://db.example.com/udavfs?connect_timeout=10&sslmode=require",
		},
		{
			"keyword dsn",
			"host=db.example.com dbname=udavfs",
			"host=db.example.com dbname=udavfs sslmode=require",
		},
		{
			"empty",
			"",
			"sslmode=require",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, forceSSLMode(tc.in))
		})
	}
}

func TestMapConstraint(t *testing.T) {
	assert.NoError(t, mapConstraint(nil))

	unique := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, mapConstraint(unique), meta.ErrExists)

	other := &pgconn.PgError{Code: "42P01"}
	assert.Equal(t, error(other), mapConstraint(other))
}
