package socks5

import (
	"encoding/binary"
	"fmt"

	"cbcsocks/internal/addr"
)

// ReqState is the result of one RequestParser step.
type ReqState int

const (
	// ReqIncomplete means the decrypted frame did not carry enough
	// bytes for the request; the next complete frame should be tried.
	ReqIncomplete ReqState = iota
	// ReqSuccess means a well-formed CONNECT request was parsed.
	ReqSuccess
	// ReqError means the request is malformed, or names a command or
	// address type this server will not serve. RepCode names the exact
	// reply the caller must send before ending the Tunnel.
	ReqError
)

// ParsedRequest is the result of a successful ParseRequest call.
type ParsedRequest struct {
	Command byte
	Target  addr.Address
}

// ParseRequest parses one fully decrypted SOCKS5 request frame per RFC
// 1928. Only CmdConnect is accepted; BIND and UDP ASSOCIATE are parsed
// far enough to produce RepCmdNotSupported rather than being treated as
// protocol errors.
func ParseRequest(frame []byte) (state ReqState, req ParsedRequest, repCode byte, err error) {
	if len(frame) < 4 {
		return ReqIncomplete, ParsedRequest{}, 0, nil
	}
	if frame[0] != Version {
		return ReqError, ParsedRequest{}, RepFailure, fmt.Errorf("socks5: bad version %#x in request", frame[0])
	}

	cmd := frame[1]
	// frame[2] is RSV, reserved and ignored.
	atyp := frame[3]

	var target addr.Address
	switch atyp {
	case ATYPIPv4:
		const need = 4 + 4 + 2
		if len(frame) < need {
			return ReqIncomplete, ParsedRequest{}, 0, nil
		}
		if len(frame) > need {
			return ReqError, ParsedRequest{}, RepFailure, fmt.Errorf("socks5: trailing bytes after IPv4 request")
		}
		var raw [4]byte
		copy(raw[:], frame[4:8])
		var port [2]byte
		copy(port[:], frame[8:10])
		target = addr.FromRawIPv4(raw, port)

	case ATYPIPv6:
		const need = 4 + 16 + 2
		if len(frame) < need {
			return ReqIncomplete, ParsedRequest{}, 0, nil
		}
		if len(frame) > need {
			return ReqError, ParsedRequest{}, RepFailure, fmt.Errorf("socks5: trailing bytes after IPv6 request")
		}
		var raw [16]byte
		copy(raw[:], frame[4:20])
		var port [2]byte
		copy(port[:], frame[20:22])
		target = addr.FromRawIPv6(raw, port)

	case ATYPDomain:
		if len(frame) < 5 {
			return ReqIncomplete, ParsedRequest{}, 0, nil
		}
		domainLen := int(frame[4])
		need := 4 + 1 + domainLen + 2
		if len(frame) < need {
			return ReqIncomplete, ParsedRequest{}, 0, nil
		}
		if len(frame) > need {
			return ReqError, ParsedRequest{}, RepFailure, fmt.Errorf("socks5: trailing bytes after domain request")
		}
		host := string(frame[5 : 5+domainLen])
		port := binary.BigEndian.Uint16(frame[5+domainLen : need])
		target = addr.FromHostOrder(host, port)

	default:
		return ReqError, ParsedRequest{}, RepAddrNotSupported, fmt.Errorf("socks5: unsupported address type %#x", atyp)
	}

	if !target.IsValid() {
		return ReqError, ParsedRequest{}, RepAddrNotSupported, fmt.Errorf("socks5: invalid address in request")
	}

	if cmd != CmdConnect {
		return ReqError, ParsedRequest{}, RepCmdNotSupported, fmt.Errorf("socks5: unsupported command %#x", cmd)
	}

	return ReqSuccess, ParsedRequest{Command: cmd, Target: target}, 0, nil
}

// EncodeReply builds a SOCKS5 reply (VER REP RSV ATYP BND.ADDR BND.PORT).
// bound is the address the server bound for the relay; it is the zero
// Address for failure replies, in which case an IPv4 zero address and
// port are encoded per convention.
func EncodeReply(repCode byte, bound addr.Address) []byte {
	if !bound.IsValid() {
		bound = addr.FromRawIPv4([4]byte{}, [2]byte{})
	}

	reply := []byte{Version, repCode, 0x00}
	switch bound.Type() {
	case addr.IPv6:
		reply = append(reply, ATYPIPv6)
		raw := bound.ToRawIPv6()
		reply = append(reply, raw[:]...)
	case addr.Domain:
		reply = append(reply, ATYPDomain)
		host := bound.Host()
		reply = append(reply, byte(len(host)))
		reply = append(reply, host...)
	default:
		reply = append(reply, ATYPIPv4)
		raw := bound.ToRawIPv4()
		reply = append(reply, raw[:]...)
	}

	portNet := bound.RawPortNetworkOrder()
	reply = append(reply, portNet[:]...)
	return reply
}
