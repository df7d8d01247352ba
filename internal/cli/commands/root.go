// Copyright 2024 KernelFS Authors
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

package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kernelfs/internal/config"
	"kernelfs/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// settings is loaded once per invocation by the root pre-run hook.
var settings *config.Settings

var (
	logLevelFlag string
	imageFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "kernelfs",
	Short: "Mount table, path resolution and Minix V3 images from the command line",
	Long: `kernelfs assembles a virtual filesystem from the mount table in
settings.yaml (Minix V3 images, the device tree and SQL-backed data files)
and operates on it by absolute path.

Use --image to work on a single Minix V3 image mounted at / instead of the
configured mount table.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		loaded, err := config.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = loaded
		storage.SetConfigBusyTimeout(settings.BusyTimeout)

		level := settings.LogLevel
		if logLevelFlag != "" {
			level = logLevelFlag
		}
		return config.ConfigureLogging(level, os.Stderr)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("kernelfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().StringVar(&imageFlag, "image", "", "Mount this Minix V3 image at / instead of the configured mounts")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
