package tunnel

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"cbcsocks/internal/framecodec"
)

// LocalTunnel relays raw bytes between one plaintext SOCKS5 client
// connection and one encrypted connection to the server. It has no
// auth sub-states of its own: the SOCKS5 negotiation travels through it
// as opaque frame payload and is interpreted entirely by the
// ServerTunnel at the other end.
type LocalTunnel struct {
	clientConn net.Conn
	serverConn net.Conn
	codec      *framecodec.Codec
	logger     *log.Logger

	closeOnce sync.Once
}

// NewLocalTunnel builds a LocalTunnel. codec must already be keyed with
// the Tunnel's shared secret.
func NewLocalTunnel(clientConn, serverConn net.Conn, codec *framecodec.Codec, logger *log.Logger) *LocalTunnel {
	return &LocalTunnel{
		clientConn: clientConn,
		serverConn: serverConn,
		codec:      codec,
		logger:     logger,
	}
}

// Run starts both relay directions and blocks until both have ended.
func (t *LocalTunnel) Run() {
	defer t.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.encryptToServer()
	}()
	go func() {
		defer wg.Done()
		t.decryptToClient()
	}()
	wg.Wait()
}

// encryptToServer reads plaintext from the local client and ships it to
// the server as encrypted frames.
func (t *LocalTunnel) encryptToServer() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.clientConn.Read(buf)
		if n > 0 {
			wire := framecodec.NewConnectionBuffer()
			if werr := t.codec.EncryptTo(wire, buf[:n]); werr != nil {
				t.logf("encrypt outbound frame: %v", werr)
				return
			}
			wireBytes, _ := wire.Peek(wire.Len())
			if _, werr := t.serverConn.Write(wireBytes); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logf("client read error: %v", err)
			}
			return
		}
	}
}

// decryptToClient reads encrypted frames from the server and writes the
// decrypted plaintext to the local client.
func (t *LocalTunnel) decryptToClient() {
	inBuf := framecodec.NewConnectionBuffer()
	buf := make([]byte, 32*1024)
	for {
		n, err := t.serverConn.Read(buf)
		if n > 0 {
			inBuf.Append(buf[:n])
			for {
				plaintext, derr := t.codec.DecryptFrom(inBuf)
				if errors.Is(derr, framecodec.ErrIncomplete) {
					break
				}
				if derr != nil {
					t.logf("decrypt inbound frame: %v", derr)
					return
				}
				if _, werr := t.clientConn.Write(plaintext); werr != nil {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logf("server read error: %v", err)
			}
			return
		}
	}
}

// Close tears down both connections exactly once.
func (t *LocalTunnel) Close() {
	t.closeOnce.Do(func() {
		t.clientConn.Close()
		t.serverConn.Close()
	})
}

func (t *LocalTunnel) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf("local-tunnel[%s]: "+format, append([]interface{}{t.clientConn.RemoteAddr()}, args...)...)
	}
}
