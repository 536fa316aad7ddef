package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/reactor"
	"cbcsocks/internal/socks5"
	"cbcsocks/internal/tunnel"
)

func TestServerServesNoAuthConnect(t *testing.T) {
	dest, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dest: %v", err)
	}
	defer dest.Close()
	go func() {
		c, err := dest.Accept()
		if err == nil {
			c.Write([]byte("hello from destination"))
			c.Close()
		}
	}()

	key := bytes.Repeat([]byte{0x55}, framecodec.KeySize)
	srv := &Server{
		Key:   key,
		Creds: tunnel.Credentials{},
	}

	ln, err := reactor.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, ln)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	cipherCtx, err := framecodec.NewCipherContextFromKey(key)
	if err != nil {
		t.Fatalf("NewCipherContextFromKey: %v", err)
	}
	codec := framecodec.NewCodec(cipherCtx)

	send := func(plaintext []byte) {
		wire := framecodec.NewConnectionBuffer()
		if err := codec.EncryptTo(wire, plaintext); err != nil {
			t.Fatalf("EncryptTo: %v", err)
		}
		wireBytes, _ := wire.Peek(wire.Len())
		if _, err := conn.Write(wireBytes); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	recv := framecodec.NewConnectionBuffer()
	tmp := make([]byte, 4096)
	readFrame := func() []byte {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			plaintext, err := codec.DecryptFrom(recv)
			if err == nil {
				return plaintext
			}
			if !errors.Is(err, framecodec.ErrIncomplete) {
				t.Fatalf("DecryptFrom: %v", err)
			}
			n, rerr := conn.Read(tmp)
			if n > 0 {
				recv.Append(tmp[:n])
			}
			if rerr != nil {
				t.Fatalf("read: %v", rerr)
			}
		}
	}

	send([]byte{socks5.Version, 0x01, socks5.AuthNone})
	if methodReply := readFrame(); methodReply[1] != socks5.AuthNone {
		t.Fatalf("method reply = %v", methodReply)
	}

	_, portStr, _ := net.SplitHostPort(dest.Addr().String())
	var port int
	fwd := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATYPIPv4, 127, 0, 0, 1, 0, 0}
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	fwd[8] = byte(port >> 8)
	fwd[9] = byte(port)
	send(fwd)

	reply := readFrame()
	if reply[1] != socks5.RepSuccess {
		t.Fatalf("connect reply REP = %#x", reply[1])
	}

	relayed := readFrame()
	if string(relayed) != "hello from destination" {
		t.Fatalf("relayed payload = %q", relayed)
	}
}
