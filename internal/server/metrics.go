package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/metrics"
)

// MetricsServer exposes the kernelfs registry on /metrics.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
}

// NewMetricsServer binds addr. Use "127.0.0.1:0" for an ephemeral port.
func NewMetricsServer(addr string) (*MetricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
	}, nil
}

// Addr is the bound listen address.
func (m *MetricsServer) Addr() net.Addr {
	return m.listener.Addr()
}

// Serve blocks until Shutdown.
func (m *MetricsServer) Serve() error {
	log.Infof("[NFS] metrics on http://%s/metrics", m.listener.Addr())
	if err := m.srv.Serve(m.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
