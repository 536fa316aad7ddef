package socks5

import "fmt"

// AuthState is the result of one AuthNeg step.
type AuthState int

const (
	// AuthIncomplete means the decrypted frame did not carry enough
	// bytes for the message. The frame has already been drained from
	// the connection buffer by the caller; it is not kept for
	// reassembly, and the next complete frame is parsed on its own.
	AuthIncomplete AuthState = iota
	// AuthSuccess means the method (or credentials) were accepted.
	AuthSuccess
	// AuthWaitUserPassAuth means method 0x02 was selected; the caller
	// must next run ValidateUserPass on the following frame.
	AuthWaitUserPassAuth
	// AuthFailed means no acceptable method was offered, or the
	// credentials were rejected. The reply has already been built by
	// the caller from the returned method/success values; the Tunnel
	// should end once the peer closes.
	AuthFailed
	// AuthError means the frame violated the protocol (wrong version,
	// trailing bytes).
	AuthError
)

// Authenticate runs the method-selection phase of RFC 1928 against one
// fully decrypted frame. allowUserPass reports whether the server is
// configured with credentials (offers method 0x02); otherwise it only
// accepts method 0x00.
//
// Returns the chosen method byte (valid when state is AuthSuccess,
// AuthWaitUserPassAuth, or AuthFailed — AuthNoAccept in the Failed case).
func Authenticate(frame []byte, allowUserPass bool) (state AuthState, method byte, err error) {
	if len(frame) < 2 {
		return AuthIncomplete, 0, nil
	}
	if frame[0] != Version {
		return AuthError, 0, fmt.Errorf("socks5: bad version %#x in method selection", frame[0])
	}

	nmethods := int(frame[1])
	if len(frame) < 2+nmethods {
		return AuthIncomplete, 0, nil
	}
	if len(frame) > 2+nmethods {
		return AuthError, 0, fmt.Errorf("socks5: trailing bytes after method selection")
	}

	want := byte(AuthNone)
	if allowUserPass {
		want = AuthPassword
	}

	chosen := byte(AuthNoAccept)
	for _, m := range frame[2 : 2+nmethods] {
		if m == want {
			chosen = m
			break
		}
	}

	if chosen == AuthNoAccept {
		return AuthFailed, AuthNoAccept, nil
	}
	if chosen == AuthPassword {
		return AuthWaitUserPassAuth, chosen, nil
	}
	return AuthSuccess, chosen, nil
}

// ValidateUserPass runs the RFC 1929 username/password sub-negotiation
// against one fully decrypted frame.
func ValidateUserPass(frame []byte, username, password string) (state AuthState, ok bool, err error) {
	if len(frame) < 2 {
		return AuthIncomplete, false, nil
	}
	if frame[0] != UserPassVersion {
		return AuthError, false, fmt.Errorf("socks5: bad version %#x in user/pass auth", frame[0])
	}

	ulen := int(frame[1])
	if len(frame) < 2+ulen+1 {
		return AuthIncomplete, false, nil
	}
	plen := int(frame[2+ulen])
	total := 3 + ulen + plen
	if len(frame) < total {
		return AuthIncomplete, false, nil
	}
	if len(frame) > total {
		return AuthError, false, fmt.Errorf("socks5: trailing bytes after user/pass auth")
	}

	gotUser := string(frame[2 : 2+ulen])
	gotPass := string(frame[3+ulen : total])

	if gotUser != username || gotPass != password {
		return AuthFailed, false, nil
	}
	return AuthSuccess, true, nil
}

// MethodReply encodes the 2-byte server response to a method selection.
func MethodReply(method byte) []byte {
	return []byte{Version, method}
}

// UserPassReply encodes the 2-byte server response to a user/pass
// sub-negotiation.
func UserPassReply(ok bool) []byte {
	status := byte(UserPassSuccess)
	if !ok {
		status = UserPassFailure
	}
	return []byte{UserPassVersion, status}
}
