package tunnel

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"cbcsocks/internal/addr"
	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/socks5"
)

// Credentials gates the optional RFC 1929 username/password method. When
// RequireAuth is false the Tunnel only offers AuthNone.
type Credentials struct {
	RequireAuth bool
	Username    string
	Password    string
}

// ServerTunnel owns one connection from a local-side peer and, once a
// CONNECT request is accepted, one connection to the dialed destination.
// It is never shared with any other Tunnel.
type ServerTunnel struct {
	inConn      net.Conn
	codec       *framecodec.Codec
	inBuf       *framecodec.ConnectionBuffer
	connector   Connector
	creds       Credentials
	logger      *log.Logger
	dialTimeout time.Duration

	mu      sync.Mutex
	state   State
	outConn net.Conn

	closeOnce sync.Once
}

// NewServerTunnel builds a ServerTunnel. codec must already be keyed
// with the Tunnel's shared secret.
func NewServerTunnel(inConn net.Conn, codec *framecodec.Codec, connector Connector, creds Credentials, logger *log.Logger) *ServerTunnel {
	return &ServerTunnel{
		inConn:      inConn,
		codec:       codec,
		inBuf:       framecodec.NewConnectionBuffer(),
		connector:   connector,
		creds:       creds,
		logger:      logger,
		dialTimeout: 30 * time.Second,
		state:       Init,
	}
}

// State returns the Tunnel's current state.
func (t *ServerTunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *ServerTunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Run drives the Tunnel to completion: negotiation, then relay, until
// either side closes or a protocol error ends the session. It returns
// once the Tunnel is fully torn down.
func (t *ServerTunnel) Run(ctx context.Context) {
	defer t.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := t.inConn.Read(buf)
		if n > 0 {
			t.inBuf.Append(buf[:n])
			if done := t.drainFrames(ctx); done {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logf("read error: %v", err)
			}
			return
		}
	}
}

// drainFrames decrypts and dispatches every complete frame currently
// buffered. It returns true if the Tunnel should stop reading further
// frames (terminal state reached).
func (t *ServerTunnel) drainFrames(ctx context.Context) bool {
	for {
		plaintext, err := t.codec.DecryptFrom(t.inBuf)
		if errors.Is(err, framecodec.ErrIncomplete) {
			return false
		}
		if err != nil {
			t.logf("frame decrypt error: %v", err)
			return true
		}

		if terminal := t.dispatch(ctx, plaintext); terminal {
			return true
		}
	}
}

func (t *ServerTunnel) dispatch(ctx context.Context, frame []byte) (terminal bool) {
	switch t.State() {
	case Init:
		return t.handleAuth(frame)
	case WaitUserPassAuth:
		return t.handleUserPass(frame)
	case Authorized:
		return t.handleRequest(ctx, frame)
	case Connected:
		if _, err := t.outConn.Write(frame); err != nil {
			t.logf("relay to destination failed: %v", err)
			return true
		}
		return false
	case ClientMustClose:
		return true
	default:
		return true
	}
}

func (t *ServerTunnel) handleAuth(frame []byte) (terminal bool) {
	state, method, err := socks5.Authenticate(frame, t.creds.RequireAuth)
	if err != nil {
		t.logf("auth error: %v", err)
		return true
	}
	switch state {
	case socks5.AuthIncomplete:
		return false
	case socks5.AuthSuccess:
		t.writeEncrypted(socks5.MethodReply(method))
		t.setState(Authorized)
		return false
	case socks5.AuthWaitUserPassAuth:
		t.writeEncrypted(socks5.MethodReply(method))
		t.setState(WaitUserPassAuth)
		return false
	case socks5.AuthFailed:
		t.writeEncrypted(socks5.MethodReply(method))
		t.setState(ClientMustClose)
		return false
	default:
		return true
	}
}

func (t *ServerTunnel) handleUserPass(frame []byte) (terminal bool) {
	state, ok, err := socks5.ValidateUserPass(frame, t.creds.Username, t.creds.Password)
	if err != nil {
		t.logf("user/pass error: %v", err)
		return true
	}
	switch state {
	case socks5.AuthIncomplete:
		return false
	case socks5.AuthSuccess:
		t.setState(Authorized)
		t.writeEncrypted(socks5.UserPassReply(ok))
		return false
	case socks5.AuthFailed:
		t.writeEncrypted(socks5.UserPassReply(ok))
		t.setState(ClientMustClose)
		return false
	default:
		return true
	}
}

func (t *ServerTunnel) handleRequest(ctx context.Context, frame []byte) (terminal bool) {
	state, req, repCode, err := socks5.ParseRequest(frame)
	switch state {
	case socks5.ReqIncomplete:
		return false
	case socks5.ReqError:
		t.logf("request error: %v", err)
		t.writeEncrypted(socks5.EncodeReply(repCode, addr.Address{}))
		t.setState(ClientMustClose)
		return true
	}

	t.setState(WaitForConnect)

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	outConn, dialErr := t.connector.Dial(dialCtx, req.Target)
	if dialErr != nil {
		t.logf("dial %s failed: %v", req.Target, dialErr)
		t.writeEncrypted(socks5.EncodeReply(mapDialError(dialErr), addr.Address{}))
		t.setState(ClientMustClose)
		return true
	}

	t.mu.Lock()
	t.outConn = outConn
	t.mu.Unlock()
	bound := addr.FromSocketAddr(outConn.LocalAddr())
	t.setState(Connected)
	t.writeEncrypted(socks5.EncodeReply(socks5.RepSuccess, bound))

	go t.relayFromDestination()
	return false
}

// relayFromDestination reads raw bytes from outConn and encrypts them
// back to the peer, until either side ends the connection. It is the
// only goroutine that writes to inConn once the Tunnel is Connected, so
// it never races the negotiation-phase writeEncrypted calls made from
// Run's goroutine before Connected is reached.
func (t *ServerTunnel) relayFromDestination() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.outConn.Read(buf)
		if n > 0 {
			wire := framecodec.NewConnectionBuffer()
			if werr := t.codec.EncryptTo(wire, buf[:n]); werr != nil {
				t.logf("encrypt relay frame: %v", werr)
				break
			}
			wireBytes, _ := wire.Peek(wire.Len())
			if _, werr := t.inConn.Write(wireBytes); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	t.Close()
}

func (t *ServerTunnel) writeEncrypted(plaintext []byte) {
	wire := framecodec.NewConnectionBuffer()
	if err := t.codec.EncryptTo(wire, plaintext); err != nil {
		t.logf("encrypt reply: %v", err)
		return
	}
	wireBytes, _ := wire.Peek(wire.Len())
	if _, err := t.inConn.Write(wireBytes); err != nil {
		t.logf("write reply: %v", err)
	}
}

// Close tears down both connections exactly once.
func (t *ServerTunnel) Close() {
	t.closeOnce.Do(func() {
		t.setState(Destroyed)
		t.inConn.Close()
		t.mu.Lock()
		out := t.outConn
		t.mu.Unlock()
		if out != nil {
			out.Close()
		}
	})
}

func (t *ServerTunnel) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf("tunnel[%s]: "+format, append([]interface{}{t.inConn.RemoteAddr()}, args...)...)
	}
}

func mapDialError(err error) byte {
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ENETUNREACH:
			return socks5.RepNetUnreachable
		case syscall.ECONNREFUSED:
			return socks5.RepConnRefused
		}
	}
	return socks5.RepHostUnreachable
}
