package channel

import (
	"errors"
	"net"
	"time"
)

// UDP is the production Channel: a net.UDPConn already "connected" to a
// single peer address via net.DialUDP, or a net.PacketConn paired with a
// fixed remote address (for the server side, which accepts its first
// datagram from an unknown address and then fixes it for the rest of the
// session). This mirrors the teacher's stack.Route, which likewise binds a
// single endpoint identity (local/remote address pair) for the life of a
// connection.
type UDP struct {
	conn net.PacketConn
	peer net.Addr
}

// NewUDP wraps an already-bound net.PacketConn and a fixed peer address.
func NewUDP(conn net.PacketConn, peer net.Addr) *UDP {
	return &UDP{conn: conn, peer: peer}
}

// Dial opens a UDP socket and fixes the peer as the dial target, for use by
// the client side opening a new session.
func Dial(addr string) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn, peer: udpAddr}, nil
}

func (u *UDP) Send(b []byte) error {
	// A socket from net.DialUDP is already connected and rejects WriteTo.
	if c, ok := u.conn.(*net.UDPConn); ok && c.RemoteAddr() != nil {
		_, err := c.Write(b)
		return err
	}
	_, err := u.conn.WriteTo(b, u.peer)
	return err
}

const maxFrameSize = 65507 // max UDP payload over IPv4

func (u *UDP) Recv(timeout time.Duration) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxFrameSize)
	n, _, err := u.conn.ReadFrom(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return buf[:n], nil
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
