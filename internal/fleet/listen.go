package fleet

import (
	"context"
	"net"
)

// Listen opens a listener that every worker of the fleet can open on the same
// address.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePort}
	return lc.Listen(ctx, network, addr)
}
