// Package netutil opens the load balancer's listening socket.
package netutil

import (
	"context"
	"net"
)

// Listen opens a TCP listener on addr with SO_REUSEADDR and SO_REUSEPORT set
// where the platform supports them, so a restarted balancer can rebind while
// old connections linger in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	return lc.Listen(ctx, "tcp", addr)
}
