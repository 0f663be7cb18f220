//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package main

import (
	"context"
	"errors"
	"net"
	"strconv"
)

func listen(ctx context.Context, host string, port int, reusePort bool) (net.Listener, error) {
	if reusePort {
		return nil, errors.New("SO_REUSEPORT is not supported on this platform")
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
