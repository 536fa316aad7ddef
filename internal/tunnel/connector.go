package tunnel

import (
	"context"
	"net"

	"cbcsocks/internal/addr"
)

// Connector dials a destination named by a SOCKS5 request. The reactor
// package supplies the production implementation; tests supply fakes.
type Connector interface {
	Dial(ctx context.Context, target addr.Address) (net.Conn, error)
}
