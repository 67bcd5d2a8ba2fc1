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

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetResolvedPathAbsolute(t *testing.T) {
	got, err := GetResolvedPath("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", got)
}

func TestGetResolvedPathRelative(t *testing.T) {
	t.Setenv(ParentProcessDirEnv, "")

	wd, err := os.Getwd()
	require.NoError(t, err)

	got, err := GetResolvedPath("x/y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "x/y"), got)
}

func TestGetResolvedPathUsesParentDir(t *testing.T) {
	t.Setenv(ParentProcessDirEnv, "/parent/wd")

	got, err := GetResolvedPath("mnt")
	require.NoError(t, err)
	assert.Equal(t, "/parent/wd/mnt", got)
}

func TestGetResolvedPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := GetResolvedPath("~/mnt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "mnt"), got)
}

func TestGetResolvedPathEmpty(t *testing.T) {
	got, err := GetResolvedPath("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
