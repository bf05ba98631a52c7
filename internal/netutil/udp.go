// Package netutil wraps the raw UDP socket both services replicate
// over: unreliable, at-most-4096-byte datagrams, with a short read
// timeout so a receive loop can poll for shutdown (spec §5, §6).
// Both the consensus RPC transport and the CRDT message transport are
// built on this, the way the reference's poll_rpcs/broadcast pair is
// duplicated (with minor variations) across hw-2/server.py and
// hw-3/server.py — here it is factored into one shared primitive.
package netutil

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// MaxDatagramSize is the wire limit spec §6 sets for inter-replica
// messages.
const MaxDatagramSize = 4096

// Socket is a bound UDP endpoint used for both sending framed
// datagrams to peers and receiving them in a polling loop.
type Socket struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

// Listen binds a UDP socket on host:port.
func Listen(host string, port int, logger *zap.Logger) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn, logger: logger}, nil
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SetReadDeadline bounds the next ReadFromUDP call so Serve's loop can
// poll its stop channel instead of blocking forever.
func (s *Socket) SetReadDeadline(d time.Duration) error {
	return s.conn.SetReadDeadline(time.Now().Add(d))
}

// SendTo sends payload to the given peer address. A payload over
// MaxDatagramSize is logged at Warn and still sent; a partial write is
// logged at Error and the message is treated as lost. Neither is an
// error the caller must retry inline, since the owning engine's own
// retry path (heartbeat, retransmit timer) will resend it.
func (s *Socket) SendTo(host string, port int, payload []byte) {
	if len(payload) > MaxDatagramSize {
		s.logger.Warn("outgoing datagram exceeds wire limit, sending anyway",
			zap.Int("size", len(payload)), zap.Int("limit", MaxDatagramSize))
	}
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	n, err := s.conn.WriteToUDP(payload, addr)
	if err != nil {
		s.logger.Warn("udp send failed, relying on retry path", zap.String("to", addr.String()), zap.Error(err))
		return
	}
	if n != len(payload) {
		s.logger.Error("datagram split on send, message effectively lost",
			zap.Int("sent", n), zap.Int("want", len(payload)), zap.String("to", addr.String()))
	}
}

// Handler is invoked once per received datagram.
type Handler func(payload []byte)

// Serve reads datagrams until stopCh is closed, polling with the
// configured read timeout so shutdown is observed promptly (spec §5).
// Oversize reads and read errors besides timeout are logged and
// dropped, never fatal — transient network loss is absorbed silently
// per spec §7.
func (s *Socket) Serve(stopCh <-chan struct{}, readTimeout func() error, handle Handler) {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if err := readTimeout(); err != nil {
			s.logger.Warn("failed to set udp read deadline", zap.Error(err))
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
			}
			s.logger.Warn("udp read failed", zap.Error(err))
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		handle(payload)
	}
}
