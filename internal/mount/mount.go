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

// Package mount parses the -o mount options.
package mount

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// The minimum total capacity a file system may be created with.
const MinFSSize = 4 << 20

// Options is the result of parsing the repeated -o flag.
type Options struct {
	// The user-chosen name of the logical file system. Mandatory.
	FSName string

	// Block size in bytes. Zero when not given; required when the file system
	// does not yet exist in the database.
	BlockSize uint64

	// Declared capacity in bytes, already scaled and rounded up to a multiple
	// of BlockSize. Zero when not given.
	FSSize uint64

	// Options we don't interpret ourselves, passed through to the kernel.
	Passthrough map[string]string
}

// FSID returns the 40-character hex digest scoping every database row to
// this logical file system.
func (o *Options) FSID() string {
	sum := sha1.Sum([]byte(o.FSName))
	return hex.EncodeToString(sum[:])
}

// ParseOptions parses a single comma-separated mount option string in the
// format accepted by mount(8), accumulating into m. Bare keys map to the
// empty string.
func ParseOptions(m map[string]string, s string) {
	for _, p := range strings.Split(s, ",") {
		if p == "" {
			continue
		}
		var name, value string
		if eq := strings.IndexByte(p, '='); eq != -1 {
			name = p[:eq]
			value = p[eq+1:]
		} else {
			name = p
		}
		m[name] = value
	}
}

// ExtractOptions interprets the accumulated option map, validating the
// options we own and collecting the rest for pass-through.
func ExtractOptions(m map[string]string) (*Options, error) {
	o := &Options{
		Passthrough: make(map[string]string),
	}

	for name, value := range m {
		switch name {
		case "fsname":
			o.FSName = value

		case "blocksize":
			bs, err := strconv.ParseUint(value, 10, 64)
			if err != nil || bs == 0 {
				return nil, fmt.Errorf("invalid blocksize: %q", value)
			}
			o.BlockSize = bs

		case "fssize":
			size, err := parseSize(value)
			if err != nil {
				return nil, err
			}
			o.FSSize = size

		default:
			o.Passthrough[name] = value
		}
	}

	if o.FSName == "" {
		return nil, fmt.Errorf("the fsname option is mandatory")
	}

	if o.FSSize != 0 {
		if o.FSSize < MinFSSize {
			return nil, fmt.Errorf("fssize must be at least 4m")
		}
		if o.BlockSize != 0 {
			// Round up to a multiple of the block size.
			o.FSSize = (o.FSSize + o.BlockSize - 1) / o.BlockSize * o.BlockSize
		}
	}

	return o, nil
}

// parseSize parses "<number><k|m|g|t>", scaling by the corresponding power
// of 1024.
func parseSize(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid fssize: %q", s)
	}

	var scale uint64
	switch s[len(s)-1] {
	case 'k':
		scale = 1 << 10
	case 'm':
		scale = 1 << 20
	case 'g':
		scale = 1 << 30
	case 't':
		scale = 1 << 40
	default:
		return 0, fmt.Errorf("invalid fssize suffix: %q (want k, m, g or t)", s)
	}

	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fssize: %q", s)
	}

	return n * scale, nil
}
