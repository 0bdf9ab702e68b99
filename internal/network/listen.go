package network

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener with SO_REUSEADDR set, so the control API can
// rebind right after a restart while the old socket sits in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
