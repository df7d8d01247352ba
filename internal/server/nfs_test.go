package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	nfsc "github.com/willscott/go-nfs-client/nfs"
	"github.com/willscott/go-nfs-client/nfs/rpc"

	"kernelfs/internal/util"
)

func TestNFSServerLifecycle(t *testing.T) {
	g := NewWithT(t)
	v, _ := newTestVFS(t)

	srv := NewNFSServer(v)
	addr, err := srv.Listen("127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())

	served := make(chan error, 1)
	go func() { served <- srv.Serve("") }()

	err = util.WaitForTCP(t.Context(), addr.String(), util.PollConfig{Timeout: 2 * time.Second})
	g.Expect(err).NotTo(HaveOccurred())

	srv.Shutdown()
	g.Eventually(served).WithTimeout(2 * time.Second).Should(Receive(BeNil()))

	g.Eventually(func() error {
		conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err == nil {
			conn.Close()
		}
		return err
	}).WithTimeout(time.Second).WithPolling(50 * time.Millisecond).Should(HaveOccurred())

	// second shutdown is a no-op
	srv.Shutdown()
}

func TestNFSClientReadsNamespace(t *testing.T) {
	g := NewWithT(t)
	v, _ := newTestVFS(t)
	g.Expect(v.WriteFile("/motd", []byte("welcome to minix"))).To(Succeed())

	srv := NewNFSServer(v)
	addr, err := srv.Listen("127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())
	go srv.Serve("")
	defer srv.Shutdown()

	c, err := rpc.DialTCP(addr.Network(), addr.String(), false)
	g.Expect(err).NotTo(HaveOccurred())
	defer c.Close()

	var mounter nfsc.Mount
	mounter.Client = c
	target, err := mounter.Mount("/", rpc.AuthNull)
	g.Expect(err).NotTo(HaveOccurred())
	defer mounter.Unmount()

	entries, err := target.ReadDirPlus("/")
	g.Expect(err).NotTo(HaveOccurred())
	var names []string
	for _, e := range entries {
		names = append(names, e.FileName)
	}
	g.Expect(names).To(ContainElements("motd", "dev"))

	f, err := target.Open("/motd")
	g.Expect(err).NotTo(HaveOccurred())
	data, err := io.ReadAll(f)
	f.Close()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("welcome to minix"))

	devEntries, err := target.ReadDirPlus("/dev")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(devEntries).NotTo(BeEmpty())
}

func TestNFSServerListenError(t *testing.T) {
	g := NewWithT(t)
	v, _ := newTestVFS(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())
	defer busy.Close()

	err = NewNFSServer(v).Serve(busy.Addr().String())
	g.Expect(err).To(MatchError(ContainSubstring("failed to listen")))
}

func TestMetricsServer(t *testing.T) {
	g := NewWithT(t)
	v, _ := newTestVFS(t)
	_, err := v.StatPath("/dev/null")
	g.Expect(err).NotTo(HaveOccurred())

	m, err := NewMetricsServer("127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())
	served := make(chan error, 1)
	go func() { served <- m.Serve() }()

	url := "http://" + m.Addr().String() + "/metrics"
	g.Eventually(func() (string, error) {
		resp, err := http.Get(url)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return string(body), err
	}).WithTimeout(2 * time.Second).Should(SatisfyAll(
		ContainSubstring("kernelfs_vfs_mounts"),
		ContainSubstring("kernelfs_path_cache_lookups_total"),
	))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.Expect(m.Shutdown(ctx)).To(Succeed())
	g.Eventually(served).Should(Receive(BeNil()))
}
