package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts a throwaway JetStream-enabled nats-server.
// Skips the test in -short mode or when the nats-server binary is missing.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL and idempotent stop callback (also registered with Cleanup).
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("nats integration test skipped in -short mode")
	}
	if _, err := exec.LookPath("nats-server"); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("start nats-server: %v", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}
	tb.Cleanup(stop)

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	WaitForNATSReady(tb, url, 8*time.Second)
	return url, stop
}

// WaitForNATSReady waits until a NATS endpoint accepts connections.
func WaitForNATSReady(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()
	Eventually(tb, timeout, func() bool {
		nc, err := nats.Connect(url)
		if err != nil {
			return false
		}
		nc.Close()
		return true
	})
}

// Eventually polls condition every 20ms until it holds or timeout elapses.
func Eventually(tb testing.TB, timeout time.Duration, condition func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			tb.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
