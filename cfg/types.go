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

package cfg

import (
	"fmt"
	"strings"
)

type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "trace"
	DebugLogSeverity   LogSeverity = "debug"
	InfoLogSeverity    LogSeverity = "info"
	WarningLogSeverity LogSeverity = "warning"
	ErrorLogSeverity   LogSeverity = "error"
	OffLogSeverity     LogSeverity = "off"
)

var severityRanks = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

// Rank returns the ordering of the severity, lower being more verbose.
func (s LogSeverity) Rank() int {
	return severityRanks[LogSeverity(strings.ToLower(string(s)))]
}

func (s LogSeverity) IsValid() bool {
	_, ok := severityRanks[LogSeverity(strings.ToLower(string(s)))]
	return ok
}

// Validate checks the parts of the configuration not validated by flag
// parsing itself.
func (c *Config) Validate() error {
	if !c.Logging.Severity.IsValid() {
		return fmt.Errorf("invalid log severity: %q", c.Logging.Severity)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	if c.Logging.LogRotate.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if c.Logging.LogRotate.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}
