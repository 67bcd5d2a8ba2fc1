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

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inpos/udavfs3/cfg"
	"github.com/inpos/udavfs3/internal/util"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "udavfs3 <connection string> <mountpoint> -o <option>[,<option>...]",
	Short: "Mount a file system stored in a Postgres-compatible database",
	Long: `udavfs3 mounts a POSIX file system whose entire persistent state lives
in a relational database. Multiple hosts mounting the same file system name
against the same server see the same namespace and content.`,
	Version: getVersion(),
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := mountConfig.Validate(); err != nil {
			return err
		}
		if len(mountConfig.FileSystem.FuseOptions) == 0 {
			return fmt.Errorf("the -o option is required (at least fsname must be given)")
		}

		connString, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		// Past this point errors are operational, not usage.
		cmd.SilenceUsage = true

		return runMount(connString, mountPoint, &mountConfig)
	},
}

func populateArgs(args []string) (connString string, mountPoint string, err error) {
	connString = args[0]

	// Canonicalize the mount point, making it absolute. This matters when
	// daemonizing, since the daemon changes its working directory before
	// running this code again.
	mountPoint, err = util.GetResolvedPath(args[1])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	return
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&mountConfig)
		return
	}

	cfgFile, err := util.GetResolvedPath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&mountConfig)
}
