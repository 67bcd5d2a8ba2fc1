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
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"

	"github.com/inpos/udavfs3/cfg"
	"github.com/inpos/udavfs3/internal/fs"
	"github.com/inpos/udavfs3/internal/gateway"
	"github.com/inpos/udavfs3/internal/logger"
	"github.com/inpos/udavfs3/internal/meta"
	"github.com/inpos/udavfs3/internal/mount"
	"github.com/inpos/udavfs3/internal/perms"
	"github.com/inpos/udavfs3/internal/util"
)

const (
	successfulMountMessage         = "File system has been successfully mounted."
	unsuccessfulMountMessagePrefix = "Error while mounting udavfs3"
)

func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for {
			<-signalChan
			logger.Info("Received SIGINT, attempting to unmount...")

			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("Successfully unmounted in response to SIGINT.")
				return
			}
		}
	}()
}

// runMount is the top of the mount flow: it parses the -o options and either
// re-executes itself as a daemon or (in foreground mode, which includes the
// daemonized child) mounts and serves until unmounted.
func runMount(connString, mountPoint string, config *cfg.Config) error {
	parsed := make(map[string]string)
	for _, o := range config.FileSystem.FuseOptions {
		mount.ParseOptions(parsed, o)
	}
	opts, err := mount.ExtractOptions(parsed)
	if err != nil {
		return err
	}

	logger.SetLogFormat(config.Logging.Format)

	if config.Foreground {
		if err := logger.InitLogFile(config.Logging); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
	}

	logger.Infof("Start udavfs3/%s for file system %q using mount point: %s", getVersion(), opts.FSName, mountPoint)

	// If we haven't been asked to run in foreground mode, run a daemon with
	// the foreground flag set and wait for it to mount.
	if !config.Foreground {
		path, err := osext.Executable()
		if err != nil {
			return fmt.Errorf("osext.Executable: %w", err)
		}

		// Be sure to use foreground mode, and to send along the
		// potentially-modified mount point.
		args := append([]string{"--foreground"}, os.Args[1:]...)
		for i, a := range args {
			if p, err := util.GetResolvedPath(a); err == nil && p == mountPoint {
				args[i] = mountPoint
				break
			}
		}

		env := []string{
			fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			env = append(env, fmt.Sprintf("HOME=%s", homeDir))
		}
		// Hand over our working directory so the child resolves relative
		// paths the way we would have.
		if wd, err := os.Getwd(); err == nil {
			env = append(env, fmt.Sprintf("%s=%s", util.ParentProcessDirEnv, wd))
		}
		// Lets the child know its stdio is gone.
		env = append(env, fmt.Sprintf("%s=true", logger.UdavfsInBackgroundMode))

		if err := daemonize.Run(path, args, env, os.Stdout, os.Stderr); err != nil {
			return fmt.Errorf("daemonize.Run: %w", err)
		}
		logger.Infof(successfulMountMessage)
		return nil
	}

	// Mount, writing information about our progress to the writer that
	// package daemonize gives us and telling it about the outcome.
	mfs, err := mountFS(context.Background(), connString, mountPoint, opts, config)
	if err != nil {
		logger.Errorf("%s: %v", unsuccessfulMountMessagePrefix, err)
		err = fmt.Errorf("%s: %w", unsuccessfulMountMessagePrefix, err)
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("Failed to signal error to parent process: %v", err2)
		}
		return err
	}

	logger.Info(successfulMountMessage)
	if err := daemonize.SignalOutcome(nil); err != nil {
		logger.Errorf("Failed to signal success to parent process: %v", err)
	}

	// Let the user unmount with Ctrl-C (SIGINT).
	registerSIGINTHandler(mfs.Dir())

	// Wait for the file system to be unmounted.
	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	return nil
}

// mountFS connects to the database, bootstraps the store and mounts the file
// system.
func mountFS(
	ctx context.Context,
	connString string,
	mountPoint string,
	opts *mount.Options,
	config *cfg.Config) (*fuse.MountedFileSystem, error) {
	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		return nil, fmt.Errorf("MyUserAndGroup: %w", err)
	}

	logger.Infof("Connecting to the database...")
	pool, err := gateway.Dial(ctx, connString)
	if err != nil {
		return nil, err
	}

	store, err := meta.NewStore(ctx, &meta.StoreConfig{
		Backend:   gateway.New(pool, opts.FSID()),
		Clock:     timeutil.RealClock(),
		UID:       uid,
		GID:       gid,
		BlockSize: opts.BlockSize,
		Capacity:  opts.FSSize,
	})
	if err != nil {
		return nil, fmt.Errorf("meta.NewStore: %w", err)
	}

	server, err := fs.NewServer(&fs.ServerConfig{
		Store: store,
		Uid:   uid,
		Gid:   gid,
	})
	if err != nil {
		return nil, fmt.Errorf("fs.NewServer: %w", err)
	}

	logger.Infof("Mounting file system %q...", opts.FSName)
	mfs, err := fuse.Mount(mountPoint, server, getFuseMountConfig(opts, config))
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	return mfs, nil
}

func getFuseMountConfig(opts *mount.Options, config *cfg.Config) *fuse.MountConfig {
	options := map[string]string{
		"nonempty":            "",
		"default_permissions": "",
		"allow_other":         "",
	}
	for name, value := range opts.Passthrough {
		options[name] = value
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "udavfs3",
		Subtype:    "udavfs3",
		VolumeName: opts.FSName,
		Options:    options,
	}

	if config.Logging.Severity.Rank() <= cfg.ErrorLogSeverity.Rank() {
		mountCfg.ErrorLogger = logger.NewLegacyLogger(logger.LevelError, "fuse: ")
	}
	if config.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}

	return mountCfg
}
