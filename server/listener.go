package server

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/metrics"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/wire"
	"github.com/google/swtp/internal/xlog"
	"github.com/google/swtp/sleep"
)

const (
	wakerNewPeer = iota
	wakerReap
	wakerClose
)

// Listener demultiplexes many peer sessions over one shared datagram
// socket (C6, spec §5's "implementations MAY run multiple independent
// sessions concurrently"), fanning accepted sessions out the way
// net.Listener does, and reaping idle peers the way
// appnet-org/arpc's ReliableHandler.cleanupExpiredConnections reaps its
// connection table. The single-goroutine dispatch loop in Serve is
// generalized from the teacher's protocolMainLoop, which multiplexes
// exactly this shape of waker set (a new-segment notification and a
// timer) through one sleep.Sleeper.
type Listener struct {
	conn        net.PacketConn
	rng         protocol.ISNSource
	log         *logrus.Entry
	metrics     *metrics.Collector
	idleTimeout time.Duration

	mu    sync.Mutex
	peers map[string]*peer

	accepted chan *Session
	newPeer  sleep.Waker
	reapTick sleep.Waker
	closed   sleep.Waker

	closeOnce sync.Once
	done      chan struct{}
}

type peer struct {
	addr         net.Addr
	inbox        chan []byte
	lastActivity time.Time
}

// peerChannel adapts one peer's inbox plus the shared socket into a
// channel.Channel, so server.Session never has to know it shares a socket
// with other peers.
type peerChannel struct {
	conn net.PacketConn
	addr net.Addr
	in   chan []byte
}

func (c *peerChannel) Send(b []byte) error {
	_, err := c.conn.WriteTo(b, c.addr)
	return err
}

func (c *peerChannel) Recv(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-time.After(timeout):
		return nil, channel.ErrTimeout
	}
}

func (c *peerChannel) Close() error { return nil } // the socket is the Listener's to close, not any one peer's

// ListenerOption configures a Listener at construction.
type ListenerOption func(*Listener)

func WithListenerLogger(log *logrus.Entry) ListenerOption {
	return func(l *Listener) { l.log = log }
}

func WithListenerMetrics(m *metrics.Collector) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// NewListener wraps conn, reaping peers that have been idle past
// idleTimeout (also the cadence of the reap check).
func NewListener(conn net.PacketConn, rng protocol.ISNSource, idleTimeout time.Duration, opts ...ListenerOption) *Listener {
	l := &Listener{
		conn:        conn,
		rng:         rng,
		log:         xlog.Discard(),
		metrics:     metrics.Noop(),
		idleTimeout: idleTimeout,
		peers:       make(map[string]*peer),
		accepted:    make(chan *Session, 8),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Serve reads datagrams until the Listener is closed, demultiplexing by
// peer address and spawning one server.Session per new peer. It returns
// once Close is called.
func (l *Listener) Serve() error {
	var sleeper sleep.Sleeper
	sleeper.AddWaker(&l.newPeer, wakerNewPeer)
	sleeper.AddWaker(&l.reapTick, wakerReap)
	sleeper.AddWaker(&l.closed, wakerClose)
	defer sleeper.Done()

	ticker := time.NewTicker(l.idleTimeout)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				l.reapTick.Assert()
			case <-l.done:
				return
			}
		}
	}()

	go l.readLoop()

	for {
		switch id, _ := sleeper.Fetch(true); id {
		case wakerClose:
			return nil
		case wakerReap:
			l.reapIdle()
		case wakerNewPeer:
			// Dispatch already happened in handleDatagram/acceptPeer;
			// this case exists only so arrivals and reaping interleave
			// through one dispatch loop, mirroring protocolMainLoop.
		}
	}
}

func (l *Listener) readLoop() {
	buf := make([]byte, 65507)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.handleDatagram(addr, frame)
	}
}

func (l *Listener) handleDatagram(addr net.Addr, frame []byte) {
	key := addr.String()

	l.mu.Lock()
	p, ok := l.peers[key]
	if ok {
		p.lastActivity = time.Now()
		l.mu.Unlock()
		select {
		case p.inbox <- frame:
		default:
			// Inbox full: the channel "is assumed lossy" (spec §4.2); drop.
		}
		return
	}
	p = &peer{addr: addr, inbox: make(chan []byte, 8), lastActivity: time.Now()}
	l.peers[key] = p
	l.mu.Unlock()

	pkt, err := wire.Decode(frame)
	if err != nil || pkt.Kind != wire.KindSyn {
		// Only a SYN may open a new session from an unknown peer
		// (spec §4.5: the server only reacts from CLOSED on SYN).
		l.mu.Lock()
		delete(l.peers, key)
		l.mu.Unlock()
		return
	}

	ch := &peerChannel{conn: l.conn, addr: addr, in: p.inbox}
	go l.acceptPeer(ch, pkt, key)
	l.newPeer.Assert()
}

func (l *Listener) acceptPeer(ch channel.Channel, syn wire.Packet, key string) {
	sess, err := AcceptFrom(ch, syn, l.rng, WithLogger(l.log), WithMetrics(l.metrics))
	if err != nil {
		l.mu.Lock()
		delete(l.peers, key)
		l.mu.Unlock()
		return
	}
	l.accepted <- sess
}

// Accept returns the next fully-handshaken Session, blocking until one is
// available or the Listener is closed.
func (l *Listener) Accept() (*Session, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-l.done:
		return nil, protocol.ErrAbandoned
	}
}

func (l *Listener) reapIdle() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, p := range l.peers {
		if now.Sub(p.lastActivity) > l.idleTimeout {
			delete(l.peers, key)
			l.log.WithField("peer", key).Debug("reaped idle peer")
		}
	}
}

// Close stops Serve and makes Accept return. The underlying socket remains
// owned by the caller, who should close it separately once Serve returns;
// readLoop keeps reading and dispatching datagrams until that happens.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closed.Assert()
	})
	return nil
}
