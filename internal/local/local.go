// Package local implements the local-side top-level listener: it
// accepts plain SOCKS5 connections from applications and, for each
// one, dials a dedicated encrypted connection to the server and relays
// through a tunnel.LocalTunnel. No connection is ever shared between
// Tunnels.
package local

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/reactor"
	"cbcsocks/internal/tunnel"
)

// Local accepts plaintext SOCKS5 clients on one TCP listener and
// tunnels each to RemoteAddr.
type Local struct {
	ListenAddr  string
	RemoteAddr  string
	Key         []byte
	Logger      *log.Logger
	DialTimeout time.Duration
}

// ListenAndServe opens the listener and serves Tunnels until the
// listener is closed or ctx is cancelled.
func (l *Local) ListenAndServe(ctx context.Context) error {
	ln, err := reactor.Listen(l.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return l.Serve(ctx, ln)
}

// Serve accepts clients on an already-open listener until it is closed
// or ctx is cancelled. Split out from ListenAndServe so tests can learn
// the bound address before connecting.
func (l *Local) Serve(ctx context.Context, ln *reactor.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.logf("listening on %s, forwarding to %s", ln.Addr(), l.RemoteAddr)

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				l.logf("accept error: %v", err)
				continue
			}
		}
		go l.serve(clientConn)
	}
}

func (l *Local) serve(clientConn net.Conn) {
	timeout := l.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	serverConn, err := net.DialTimeout("tcp", l.RemoteAddr, timeout)
	if err != nil {
		l.logf("dial %s for %s: %v", l.RemoteAddr, clientConn.RemoteAddr(), err)
		clientConn.Close()
		return
	}

	cipherCtx, err := framecodec.NewCipherContextFromKey(l.Key)
	if err != nil {
		l.logf("derive cipher for %s: %v", clientConn.RemoteAddr(), err)
		clientConn.Close()
		serverConn.Close()
		return
	}
	codec := framecodec.NewCodec(cipherCtx)

	tun := tunnel.NewLocalTunnel(clientConn, serverConn, codec, l.Logger)
	tun.Run()
}

func (l *Local) logf(format string, args ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}
