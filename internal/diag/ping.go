// Package diag provides the local binary's -ping diagnostic: measuring
// round-trip time to the server by running a full connect plus
// no-auth method-negotiation cycle, since the wire protocol defines no
// dedicated keepalive frame type.
package diag

import (
	"fmt"
	"net"
	"strings"
	"time"

	"cbcsocks/internal/framecodec"
	"cbcsocks/internal/socks5"
)

// PingResult stores a single ping measurement.
type PingResult struct {
	Seq int
	RTT time.Duration
	Err error
}

// Ping dials remoteAddr count times, each time running one
// method-selection round trip with a Codec derived once from key, and
// reports the round-trip time of each attempt. Each attempt opens and
// closes its own connection, consistent with the one-connection-per-
// Tunnel model: there is no persistent tunnel to multiplex a ping onto.
func Ping(remoteAddr string, key []byte, count int) ([]PingResult, error) {
	if count <= 0 {
		count = 4
	}

	cipherCtx, err := framecodec.NewCipherContextFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	codec := framecodec.NewCodec(cipherCtx)

	results := make([]PingResult, count)
	for i := 0; i < count; i++ {
		rtt, err := pingOnce(remoteAddr, codec)
		results[i] = PingResult{Seq: i + 1, RTT: rtt, Err: err}
		if i < count-1 {
			time.Sleep(time.Second)
		}
	}
	return results, nil
}

func pingOnce(remoteAddr string, codec *framecodec.Codec) (time.Duration, error) {
	start := time.Now()

	conn, err := net.DialTimeout("tcp", remoteAddr, 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	wire := framecodec.NewConnectionBuffer()
	if err := codec.EncryptTo(wire, []byte{socks5.Version, 0x01, socks5.AuthNone}); err != nil {
		return 0, fmt.Errorf("encrypt probe: %w", err)
	}
	wireBytes, _ := wire.Peek(wire.Len())
	if _, err := conn.Write(wireBytes); err != nil {
		return 0, fmt.Errorf("write probe: %w", err)
	}

	recv := framecodec.NewConnectionBuffer()
	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			recv.Append(buf[:n])
			if _, derr := codec.DecryptFrom(recv); derr == nil {
				return time.Since(start), nil
			}
		}
		if err != nil {
			return 0, fmt.Errorf("read reply: %w", err)
		}
	}
}

// rttStats summarizes the successful attempts in a batch of PingResults.
type rttStats struct {
	count    int
	min, max time.Duration
	sum      time.Duration
}

func summarizeRTTs(results []PingResult) rttStats {
	var s rttStats
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if s.count == 0 || r.RTT < s.min {
			s.min = r.RTT
		}
		if r.RTT > s.max {
			s.max = r.RTT
		}
		s.sum += r.RTT
		s.count++
	}
	return s
}

func (s rttStats) avg() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.sum / time.Duration(s.count)
}

// FormatPingResults renders each attempt's latency, or its error, followed
// by a loss percentage and a min/avg/max summary of the attempts that
// succeeded.
func FormatPingResults(server string, results []PingResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cbcsocks ping to %s, %d attempt(s)\n", server, len(results))

	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&sb, "  #%d failed: %v\n", r.Seq, r.Err)
			continue
		}
		fmt.Fprintf(&sb, "  #%d %v\n", r.Seq, r.RTT.Round(time.Microsecond))
	}

	stats := summarizeRTTs(results)
	lossPct := 100 * float64(len(results)-stats.count) / float64(len(results))
	fmt.Fprintf(&sb, "%d sent, %d answered, %.0f%% loss\n", len(results), stats.count, lossPct)
	if stats.count > 0 {
		fmt.Fprintf(&sb, "min/avg/max = %v/%v/%v\n",
			stats.min.Round(time.Microsecond),
			stats.avg().Round(time.Microsecond),
			stats.max.Round(time.Microsecond))
	}

	return sb.String()
}
