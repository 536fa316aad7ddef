package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"cbcsocks/internal/addr"
	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/socks5"
)

func testCodecPair(t *testing.T) *framecodec.Codec {
	t.Helper()
	key := bytes.Repeat([]byte{0x11}, framecodec.KeySize)
	ctx, err := framecodec.NewCipherContextFromKey(key)
	if err != nil {
		t.Fatalf("NewCipherContextFromKey: %v", err)
	}
	return framecodec.NewCodec(ctx)
}

// dialerFunc adapts a function to the Connector interface.
type dialerFunc func(ctx context.Context, target addr.Address) (net.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, target addr.Address) (net.Conn, error) {
	return f(ctx, target)
}

func writeFrame(t *testing.T, codec *framecodec.Codec, conn net.Conn, plaintext []byte) {
	t.Helper()
	wire := framecodec.NewConnectionBuffer()
	if err := codec.EncryptTo(wire, plaintext); err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	wireBytes, _ := wire.Peek(wire.Len())
	if _, err := conn.Write(wireBytes); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, codec *framecodec.Codec, conn net.Conn) []byte {
	t.Helper()
	buf := framecodec.NewConnectionBuffer()
	tmp := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		plaintext, err := codec.DecryptFrom(buf)
		if err == nil {
			return plaintext
		}
		if !errors.Is(err, framecodec.ErrIncomplete) {
			t.Fatalf("DecryptFrom: %v", err)
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf.Append(tmp[:n])
		}
		if rerr != nil {
			t.Fatalf("read: %v", rerr)
		}
	}
}

// Scenario S1: no-auth CONNECT to an IPv4 destination gets a success
// reply and leaves the Tunnel Connected. The reply's BND.ADDR/BND.PORT
// is not inspected here.
func TestServerTunnelNoAuthIPv4Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			buf := make([]byte, 16)
			c.Read(buf)
		}
	}()

	codec := testCodecPair(t)
	serverSide, localSide := net.Pipe()
	defer localSide.Close()

	connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})

	tun := NewServerTunnel(serverSide, codec, connector, Credentials{RequireAuth: false}, nil)
	go tun.Run(context.Background())

	writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthNone})
	methodReply := readFrame(t, codec, localSide)
	if string(methodReply) != string(socks5.MethodReply(socks5.AuthNone)) {
		t.Fatalf("method reply = %v", methodReply)
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	port := uint16(p)
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATYPIPv4, 127, 0, 0, 1, byte(port >> 8), byte(port)}
	writeFrame(t, codec, localSide, req)

	reply := readFrame(t, codec, localSide)
	if reply[1] != socks5.RepSuccess {
		t.Fatalf("reply REP = %#x, want RepSuccess", reply[1])
	}

	if tun.State() != Connected {
		t.Fatalf("state = %v, want Connected", tun.State())
	}
}

// Scenario S2: user/pass method with correct credentials reaches
// Authorized.
func TestServerTunnelUserPassSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	codec := testCodecPair(t)
	serverSide, localSide := net.Pipe()
	defer localSide.Close()

	connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})

	creds := Credentials{RequireAuth: true, Username: "bob", Password: "secret"}
	tun := NewServerTunnel(serverSide, codec, connector, creds, nil)
	go tun.Run(context.Background())

	writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthPassword})
	methodReply := readFrame(t, codec, localSide)
	if methodReply[1] != socks5.AuthPassword {
		t.Fatalf("method reply = %v", methodReply)
	}

	userPassFrame := []byte{socks5.UserPassVersion, 3, 'b', 'o', 'b', 6, 's', 'e', 'c', 'r', 'e', 't'}
	writeFrame(t, codec, localSide, userPassFrame)
	upReply := readFrame(t, codec, localSide)
	if upReply[1] != socks5.UserPassSuccess {
		t.Fatalf("user/pass reply = %v", upReply)
	}

	if tun.State() != Authorized {
		t.Fatalf("state = %v, want Authorized", tun.State())
	}
}

// Scenario S3: user/pass method with wrong credentials fails closed.
func TestServerTunnelUserPassFailure(t *testing.T) {
	codec := testCodecPair(t)
	serverSide, localSide := net.Pipe()
	defer localSide.Close()

	connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
		return nil, errors.New("should not be called")
	})

	creds := Credentials{RequireAuth: true, Username: "bob", Password: "secret"}
	tun := NewServerTunnel(serverSide, codec, connector, creds, nil)
	go tun.Run(context.Background())

	writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthPassword})
	readFrame(t, codec, localSide)

	writeFrame(t, codec, localSide, []byte{socks5.UserPassVersion, 3, 'b', 'o', 'b', 5, 'w', 'r', 'o', 'n', 'g'})
	upReply := readFrame(t, codec, localSide)
	if upReply[1] != socks5.UserPassFailure {
		t.Fatalf("user/pass reply = %v, want failure", upReply)
	}

	// The reply alone must not destroy the Tunnel: destruction is
	// triggered by the next inbound byte or peer close, not by the
	// failure reply itself.
	time.Sleep(50 * time.Millisecond)
	if tun.State() != ClientMustClose {
		t.Fatalf("state = %v immediately after failure reply, want ClientMustClose", tun.State())
	}

	localSide.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tun.State() == Destroyed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v after peer close, want Destroyed", tun.State())
}

// Scenario S4: an unsupported command (BIND) replies RepCmdNotSupported
// and ends the Tunnel without ever dialing.
func TestServerTunnelUnsupportedCommand(t *testing.T) {
	codec := testCodecPair(t)
	serverSide, localSide := net.Pipe()
	defer localSide.Close()

	dialed := false
	connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
		dialed = true
		return nil, errors.New("should not be called")
	})

	tun := NewServerTunnel(serverSide, codec, connector, Credentials{}, nil)
	go tun.Run(context.Background())

	writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthNone})
	readFrame(t, codec, localSide)

	writeFrame(t, codec, localSide, []byte{socks5.Version, socks5.CmdBind, 0x00, socks5.ATYPIPv4, 1, 2, 3, 4, 0x00, 0x50})
	reply := readFrame(t, codec, localSide)
	if reply[1] != socks5.RepCmdNotSupported {
		t.Fatalf("reply REP = %#x, want RepCmdNotSupported", reply[1])
	}
	if dialed {
		t.Fatalf("connector should not have been called for an unsupported command")
	}
}

// Dial failures are mapped to the REP codes spec.md §7 names, not just
// collapsed to RepHostUnreachable.
func TestServerTunnelDialErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		dialErr error
		wantRep byte
	}{
		{"connRefused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, socks5.RepConnRefused},
		{"netUnreachable", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, socks5.RepNetUnreachable},
		{"other", errors.New("boom"), socks5.RepHostUnreachable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			codec := testCodecPair(t)
			serverSide, localSide := net.Pipe()
			defer localSide.Close()

			connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
				return nil, tc.dialErr
			})

			tun := NewServerTunnel(serverSide, codec, connector, Credentials{}, nil)
			go tun.Run(context.Background())

			writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthNone})
			readFrame(t, codec, localSide)

			req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATYPIPv4, 127, 0, 0, 1, 0x00, 0x50}
			writeFrame(t, codec, localSide, req)

			reply := readFrame(t, codec, localSide)
			if reply[1] != tc.wantRep {
				t.Fatalf("reply REP = %#x, want %#x", reply[1], tc.wantRep)
			}
		})
	}
}

// Scenario S5: CONNECT to a domain name.
func TestServerTunnelDomainConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	codec := testCodecPair(t)
	serverSide, localSide := net.Pipe()
	defer localSide.Close()

	var gotTarget addr.Address
	connector := dialerFunc(func(ctx context.Context, target addr.Address) (net.Conn, error) {
		gotTarget = target
		return net.Dial("tcp", ln.Addr().String())
	})

	tun := NewServerTunnel(serverSide, codec, connector, Credentials{}, nil)
	go tun.Run(context.Background())

	writeFrame(t, codec, localSide, []byte{socks5.Version, 0x01, socks5.AuthNone})
	readFrame(t, codec, localSide)

	host := "example.com"
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATYPDomain, byte(len(host))}
	req = append(req, host...)
	req = append(req, 0x01, 0xbb)
	writeFrame(t, codec, localSide, req)

	reply := readFrame(t, codec, localSide)
	if reply[1] != socks5.RepSuccess {
		t.Fatalf("reply REP = %#x", reply[1])
	}
	if gotTarget.Host() != host || gotTarget.Port() != 443 {
		t.Fatalf("connector received %v", gotTarget)
	}
}
