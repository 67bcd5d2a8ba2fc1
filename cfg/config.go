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

// Package cfg holds the mount configuration and its flag bindings.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	// Run in the foreground instead of daemonizing.
	Foreground bool `yaml:"foreground"`

	Logging LoggingConfig `yaml:"logging"`

	FileSystem FileSystemConfig `yaml:"file-system"`
}

type LoggingConfig struct {
	// Path of the log file; empty means stderr (or nothing when running as a
	// daemon).
	FilePath string `yaml:"file-path"`

	// "text" or "json".
	Format string `yaml:"format"`

	Severity LogSeverity `yaml:"severity"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type FileSystemConfig struct {
	// The repeated -o values, verbatim; parsed by internal/mount.
	FuseOptions []string `yaml:"fuse-options"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")
	if err := viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs. The default is stderr in the foreground and no logging in the background.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "The format of the log file: 'text' or 'json'.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Specifies the logging severity: trace, debug, info, warning, error, or off.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain. 0 retains all of them.")
	if err := viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count")); err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Compress rotated log files with gzip.")
	if err := viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress")); err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes a log file may reach before rotation.")
	if err := viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb")); err != nil {
		return err
	}

	flagSet.StringArrayP("o", "o", []string{}, "Mount options: fsname=<name>,blocksize=<bytes>,fssize=<n><k|m|g|t>, plus any options to pass through to the kernel.")
	if err := viper.BindPFlag("file-system.fuse-options", flagSet.Lookup("o")); err != nil {
		return err
	}

	return nil
}
