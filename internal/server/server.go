// Package server implements the server-side top-level listener: it
// accepts encrypted connections from local peers and drives each one
// through a tunnel.ServerTunnel, exclusively owned for its lifetime.
package server

import (
	"context"
	"errors"
	"log"
	"net"

	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/reactor"
	"cbcsocks/internal/tunnel"
)

// Server accepts Tunnels on one TCP listener.
type Server struct {
	ListenAddr string
	Key        []byte
	Creds      tunnel.Credentials
	Logger     *log.Logger
}

// ListenAndServe opens the listener and serves Tunnels until the
// listener is closed or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := reactor.Listen(s.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ctx, ln)
}

// Serve accepts Tunnels on an already-open listener until it is closed
// or ctx is cancelled. Split out from ListenAndServe so tests can learn
// the bound address before connecting.
func (s *Server) Serve(ctx context.Context, ln *reactor.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logf("listening on %s", ln.Addr())

	connector := reactor.NewConnector()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.logf("accept error: %v", err)
				continue
			}
		}
		go s.serve(ctx, conn, connector)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, connector *reactor.Connector) {
	cipherCtx, err := framecodec.NewCipherContextFromKey(s.Key)
	if err != nil {
		s.logf("derive cipher for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	codec := framecodec.NewCodec(cipherCtx)

	tun := tunnel.NewServerTunnel(conn, codec, connector, s.Creds, s.Logger)
	tun.Run(ctx)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
