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
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Name of the environment variable through which the parent process hands
// its working directory to the daemonized child, so that relative paths on
// the command line keep meaning what they meant to the user.
const ParentProcessDirEnv = "UDAVFS3_PARENT_PROCESS_DIR"

// GetResolvedPath expands a leading ~ and makes the path absolute. When
// running as the daemonized child, relative paths are resolved against the
// parent's working directory rather than our own (the daemon has chdir'd
// away).
func GetResolvedPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}

	if !filepath.IsAbs(path) {
		if base := os.Getenv(ParentProcessDirEnv); base != "" {
			return filepath.Join(base, path), nil
		}
	}

	return filepath.Abs(path)
}
