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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kernelfs/internal/config"
	"kernelfs/internal/server"
	"kernelfs/internal/util"
	"kernelfs/internal/vfs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Export the namespace over NFSv3",
	Long: `Mount the configured filesystems and export the namespace over NFSv3
until interrupted. Prometheus metrics are served on --metrics.

Logs go to ~/.kernelfs/kernelfs.log (KERNELFS_LOG overrides) unless
--foreground is set, in which case they go to stderr. With --detach the
server keeps running in the background; use 'kernelfs stop' to end it.

Examples:
  kernelfs serve
  kernelfs serve --nfs 127.0.0.1:12049 --metrics off
  kernelfs --image root.img serve -f --log-level debug
  kernelfs serve --detach

Mount the export on Linux:
  mount -t nfs -o vers=3,tcp,nolock,port=2049,mountport=2049 127.0.0.1:/ /mnt`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background server started with serve --detach",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server is running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	serveNFSAddr     string
	serveMetricsAddr string
	serveForeground  bool
	serveDetach      bool
)

func init() {
	serveCmd.Flags().StringVar(&serveNFSAddr, "nfs", "", "NFS listen address (default from settings)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics", "", "Metrics listen address (default from settings, \"off\" disables)")
	serveCmd.Flags().BoolVarP(&serveForeground, "foreground", "f", false, "Log to stderr instead of the log file")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run the server in the background")
	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
}

// detachedArgs is os.Args without the --detach flag.
func detachedArgs() []string {
	var args []string
	for _, a := range os.Args[1:] {
		if a == "--detach" || a == "-d" || a == "--detach=true" {
			continue
		}
		args = append(args, a)
	}
	return args
}

func runDetached(cmd *cobra.Command) error {
	if pid, ok := util.ReadPIDFile(config.PIDPath()); ok {
		return fmt.Errorf("kernelfs serve is already running (PID %d)", pid)
	}
	ready := func() bool {
		_, ok := util.ReadPIDFile(config.PIDPath())
		return ok
	}
	proc, err := util.StartDetached(cmd.Context(), detachedArgs(), util.PollConfig{Timeout: 10 * time.Second}, ready)
	if err != nil {
		return fmt.Errorf("%w (see %s)", err, config.LogPath())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started kernelfs serve (PID %d)\n", proc.Pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, ok := util.ReadPIDFile(config.PIDPath())
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "kernelfs serve is not running")
		return nil
	}
	err := util.StopProcess(cmd.Context(), pid, util.ProcessConfig{}, func() bool {
		return util.IsProcessRunning(pid)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped kernelfs serve (PID %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if pid, ok := util.ReadPIDFile(config.PIDPath()); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "kernelfs serve is running (PID %d)\n", pid)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "kernelfs serve is not running")
	return nil
}

// serveLogging redirects logging to the log file unless running in the
// foreground. The returned cleanup is never nil.
func serveLogging() (func(), error) {
	level := settings.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	noop := func() {}
	if serveForeground {
		return noop, config.ConfigureLogging(level, os.Stderr)
	}
	if lvl, _ := config.ParseLogLevel(level); lvl == 0 {
		return noop, config.ConfigureLogging(level, io.Discard)
	}
	logFile, err := os.OpenFile(config.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if err := config.ConfigureLogging(level, logFile); err != nil {
		logFile.Close()
		return nil, err
	}
	return func() { logFile.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDetach {
		return runDetached(cmd)
	}

	closeLog, err := serveLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	nfsAddr := serveNFSAddr
	if nfsAddr == "" {
		nfsAddr = settings.NFSAddr
	}
	metricsAddr := serveMetricsAddr
	if metricsAddr == "" {
		metricsAddr = settings.MetricsAddr
	}

	m, err := mountAll(vfs.Init(), true, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer m.Close()

	nfsServer := server.NewNFSServer(m.vfs)
	addr, err := nfsServer.Listen(nfsAddr)
	if err != nil {
		return err
	}
	pidFile, err := util.AcquirePIDFile(config.PIDPath())
	if err != nil {
		nfsServer.Shutdown()
		if errors.Is(err, util.ErrAlreadyRunning) {
			return fmt.Errorf("kernelfs serve is already running")
		}
		return err
	}
	defer pidFile.Release()
	errCh := make(chan error, 2)
	go func() { errCh <- nfsServer.Serve("") }()

	var metricsServer *server.MetricsServer
	if metricsAddr != "" && metricsAddr != "off" {
		metricsServer, err = server.NewMetricsServer(metricsAddr)
		if err != nil {
			nfsServer.Shutdown()
			return err
		}
		go func() { errCh <- metricsServer.Serve() }()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Serving %d mounts over NFS on %s\n", len(m.vfs.Mounts()), addr)
	if metricsServer != nil {
		fmt.Fprintf(out, "Metrics on http://%s/metrics\n", metricsServer.Addr())
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		fmt.Fprintf(out, "Mount with: mount -t nfs -o vers=3,tcp,nolock,port=%d,mountport=%d %s:/ <dir>\n",
			tcp.Port, tcp.Port, tcp.IP)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.Infof("[NFS] received signal %v, shutting down", sig)
	case serveErr = <-errCh:
		log.Errorf("[NFS] server stopped: %v", serveErr)
	}

	nfsServer.Shutdown()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warnf("[NFS] metrics shutdown: %v", err)
		}
	}
	return serveErr
}
