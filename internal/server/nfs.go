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

// Package server exports the VFS over NFSv3 and serves Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"kernelfs/internal/vfs"
)

// handleCacheSize bounds the file handles go-nfs keeps per server.
const handleCacheSize = 65536

// NFSServer wraps the go-nfs server
type NFSServer struct {
	server  *nfs.Server
	handler nfs.Handler
	cancel  context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewNFSServer creates a new NFS server for the given VFS
func NewNFSServer(fs *vfs.VFS) *NFSServer {
	// Set go-nfs log level to match ours
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(fs))
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		handler: cacheHelper,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Listen binds addr without serving yet.
func (s *NFSServer) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return listener.Addr(), nil
}

// Serve accepts connections on the listener bound by Listen, or binds addr
// first. It returns nil after Shutdown.
func (s *NFSServer) Serve(addr string) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if _, err := s.Listen(addr); err != nil {
			return err
		}
		listener = s.listener
	}

	log.Infof("[NFS] serving on %s", listener.Addr())
	err := s.server.Serve(listener)
	select {
	case <-s.done:
		return nil
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops the NFS server gracefully
func (s *NFSServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)

	// Close the listener first to stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight operations to complete after listener close.
	time.Sleep(100 * time.Millisecond)

	if s.cancel != nil {
		s.cancel()
	}
	log.Infof("[NFS] stopped")
}
