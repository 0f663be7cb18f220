//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package main

import (
	"context"
	"net"
	"testing"
)

func TestListenReusePort(t *testing.T) {
	ctx := context.Background()
	a, err := listen(ctx, "127.0.0.1", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	tcpPort := a.Addr().(*net.TCPAddr).Port
	b, err := listen(ctx, "127.0.0.1", tcpPort, true)
	if err != nil {
		t.Fatalf("second SO_REUSEPORT bind failed: %v", err)
	}
	b.Close()

	if c, err := listen(ctx, "127.0.0.1", tcpPort, false); err == nil {
		c.Close()
		t.Error("bind without SO_REUSEPORT should fail while the port is taken")
	}
}
