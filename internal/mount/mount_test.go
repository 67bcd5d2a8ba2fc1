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

package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, opts ...string) (*Options, error) {
	t.Helper()
	m := make(map[string]string)
	for _, o := range opts {
		ParseOptions(m, o)
	}
	return ExtractOptions(m)
}

func TestParseOptions(t *testing.T) {
	m := make(map[string]string)
	ParseOptions(m, "fsname=data,blocksize=4096")
	ParseOptions(m, "ro")
	ParseOptions(m, "subdir=a=b")

	assert.Equal(t, map[string]string{
		"fsname":    "data",
		"blocksize": "4096",
		"ro":        "",
		"subdir":    "a=b",
	}, m)
}

func TestExtractOptions(t *testing.T) {
	o, err := parse(t, "fsname=shared,blocksize=4096,fssize=1g,ro,noatime")
	require.NoError(t, err)

	assert.Equal(t, "shared", o.FSName)
	assert.Equal(t, uint64(4096), o.BlockSize)
	assert.Equal(t, uint64(1<<30), o.FSSize)
	assert.Equal(t, map[string]string{"ro": "", "noatime": ""}, o.Passthrough)
}

func TestFSNameMandatory(t *testing.T) {
	_, err := parse(t, "blocksize=4096,fssize=1g")
	require.Error(t, err)
}

func TestFSSizeScaling(t *testing.T) {
	testCases := []struct {
		in   string
		want uint64
	}{
		{"8192k", 8192 << 10},
		{"64m", 64 << 20},
		{"2g", 2 << 30},
		{"1t", 1 << 40},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			o, err := parse(t, "fsname=x,fssize="+tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, o.FSSize)
		})
	}
}

func TestFSSizeRoundedUpToBlockSize(t *testing.T) {
	// 5m is not a multiple of a 3000-byte block.
	o, err := parse(t, "fsname=x,blocksize=3000,fssize=5m")
	require.NoError(t, err)

	assert.Zero(t, o.FSSize%o.BlockSize)
	assert.GreaterOrEqual(t, o.FSSize, uint64(5<<20))
	assert.Less(t, o.FSSize-uint64(5<<20), o.BlockSize)
}

func TestFSSizeMinimum(t *testing.T) {
	_, err := parse(t, "fsname=x,fssize=2m")
	require.Error(t, err)

	_, err = parse(t, "fsname=x,fssize=4m")
	require.NoError(t, err)
}

func TestFSSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"12", "g", "12q", "x1g", ""} {
		t.Run(in, func(t *testing.T) {
			_, err := parse(t, "fsname=x,fssize="+in)
			require.Error(t, err)
		})
	}
}

func TestFSID(t *testing.T) {
	o, err := parse(t, "fsname=myfs")
	require.NoError(t, err)

	// SHA-1 of "myfs", as a 40-char hex digest.
	assert.Len(t, o.FSID(), 40)
	assert.Equal(t, "59c46eae53b21dddd86a0ccea8fb9fb6739cc9c9", o.FSID())

	other, err := parse(t, "fsname=otherfs")
	require.NoError(t, err)
	assert.NotEqual(t, o.FSID(), other.FSID())
}
