// Package reactor provides the networking primitives shared by the
// server and local binaries: a listener wrapper and an outbound
// connector that the tunnel package dials destinations through.
package reactor

import (
	"context"
	"fmt"
	"net"
	"time"

	"cbcsocks/internal/addr"
)

// Listener wraps a net.Listener so callers get *our* Address type from
// Addr without repeating the net.Addr-to-addr.Address conversion at
// every call site.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on hostPort.
func Listen(hostPort string) (*Listener, error) {
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("reactor: listen %s: %w", hostPort, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Addr returns the bound local address.
func (l *Listener) Addr() addr.Address {
	return addr.FromSocketAddr(l.ln.Addr())
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Connector dials TCP destinations with a timeout, preferring the
// address family named by the target when it is a literal, and
// resolving domain names with the shared resolver otherwise.
type Connector struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

// NewConnector builds a Connector with sane defaults: the system
// resolver and a 30s dial timeout, matching the teacher's
// net.DialTimeout(..., 30*time.Second) calls.
func NewConnector() *Connector {
	return &Connector{Resolver: net.DefaultResolver, Timeout: 30 * time.Second}
}

// Dial implements tunnel.Connector.
func (c *Connector) Dial(ctx context.Context, target addr.Address) (net.Conn, error) {
	dialCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	dialer := net.Dialer{Resolver: c.Resolver}
	network := "tcp"
	switch target.Type() {
	case addr.IPv4:
		network = "tcp4"
	case addr.IPv6:
		network = "tcp6"
	}

	conn, err := dialer.DialContext(dialCtx, network, net.JoinHostPort(target.Host(), fmt.Sprint(target.Port())))
	if err != nil {
		return nil, fmt.Errorf("reactor: dial %s: %w", target, err)
	}
	return conn, nil
}
