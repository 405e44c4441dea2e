// Package client implements the initiator side of the stop-and-wait
// transport protocol (C4): handshake, lock-step data transfer, and
// graceful close, generalized from the teacher's active-open handshake
// and endpoint write path in tcpip/transport/tcp/connect.go.
package client

import (
	"github.com/sirupsen/logrus"

	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/metrics"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/retry"
	"github.com/google/swtp/internal/wire"
	"github.com/google/swtp/internal/xlog"
)

// Session is a client-side connection. It is not safe for concurrent use:
// the protocol is half-duplex and lock-step by design (spec §5).
type Session struct {
	ch       channel.Channel
	ctl      *retry.Controller
	log      *logrus.Entry
	metrics  *metrics.Collector

	phase Phase

	cisn, sisn    uint32
	outboundCRC   *wire.RunningCRC
	firstDataSent bool
	sentBytes     uint32
	seq           uint32
	lastRestart   *protocol.RestartInfo
}

// Phase re-exports protocol.Phase so callers need not import the internal
// package to inspect Session.Phase().
type Phase = protocol.Phase

// Option configures a Session at Open time.
type Option func(*Session)

// WithLogger injects a structured logger; the default discards everything.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics injects a metrics collector; the default is a no-op.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRetryController overrides the retry controller's attempts/timeout
// (defaults: protocol.MaxRetries, protocol.DefaultTimeout).
func WithRetryController(ctl *retry.Controller) Option {
	return func(s *Session) { s.ctl = ctl }
}

// Open drives CLOSED → SYN_SENT → ESTABLISHED (spec §4.4) over ch, using
// rng to generate the client's initial sequence number.
func Open(ch channel.Channel, rng protocol.ISNSource, opts ...Option) (*Session, error) {
	s := &Session{
		ch:    ch,
		log:   xlog.Discard(),
		phase: protocol.Closed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ctl == nil {
		s.ctl = retry.New(ch)
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop()
	}
	s.ctl.Metrics = s.metrics

	cisn, err := rng.NextISN()
	if err != nil {
		return nil, err
	}
	s.cisn = cisn
	s.phase = protocol.SynSent

	s.ctl.Leg = "handshake"
	synAck, err := s.ctl.Run(
		func(attempt int) []byte {
			return wire.Encode(wire.Packet{Kind: wire.KindSyn, SequenceNo: s.cisn})
		},
		func(p wire.Packet) retry.Decision {
			if p.Kind != wire.KindSynAck {
				return retry.Ignore
			}
			got, ok := wire.DecodeISN(p.Payload)
			if !ok || got != s.cisn+1 {
				return retry.Ignore
			}
			return retry.Accept
		},
	)
	if err != nil {
		s.log.WithError(err).Warn("handshake failed")
		return nil, protocol.ErrHandshakeFailed
	}

	s.sisn = synAck.SequenceNo
	s.firstDataSent = false
	s.outboundCRC = wire.NewCRC()

	// Send the handshake ACK. Per §4.4 the client does not wait for
	// confirmation here: the server confirms implicitly by accepting the
	// first DATA, and will retransmit SYN-ACK if this ACK was lost.
	if err := s.sendAck(); err != nil {
		return nil, err
	}

	s.phase = protocol.Established
	s.metrics.SessionsOpened.Inc()
	xlog.Phase(s.log, protocol.SynSent, protocol.Established)
	return s, nil
}

func (s *Session) sendAck() error {
	ack := wire.Encode(wire.Packet{
		Kind:       wire.KindAck,
		SequenceNo: s.cisn + 1,
		Payload:    wire.EncodeISN(s.sisn + 1),
	})
	return s.ch.Send(ack)
}

// Phase reports the session's current connection phase.
func (s *Session) Phase() Phase { return s.phase }

// Send transmits one application chunk and blocks until it is acknowledged,
// NAK'd and retransmitted to success, or the leg's retries are exhausted
// (spec §4.4's data phase). Sequence numbers are populated for debugging
// but unused for ordering, per spec §1/§4.4.
func (s *Session) Send(chunk []byte) error {
	if s.phase != protocol.Established {
		return protocol.ErrAbandoned
	}

	s.ctl.Leg = "data"
	pkt, err := s.ctl.Run(
		func(attempt int) []byte {
			kind := wire.KindData
			if attempt > 1 {
				kind = wire.KindRetransmit
			}
			s.seq++
			return wire.Encode(wire.Packet{Kind: kind, SequenceNo: s.seq, Payload: chunk})
		},
		func(p wire.Packet) retry.Decision {
			switch p.Kind {
			case wire.KindAck:
				return retry.Accept
			case wire.KindNak:
				s.metrics.NAKs.Inc()
				return retry.Reject
			case wire.KindSynAck:
				if !s.firstDataSent {
					// Our handshake ACK was lost and the server
					// retransmitted SYN-ACK; re-send our handshake ACK
					// and keep waiting for the data reply. Does not
					// consume a retry (spec §4.4).
					_ = s.sendAck()
				}
				return retry.Ignore
			default:
				return retry.Ignore
			}
		},
	)
	if err != nil {
		s.metrics.SessionsClosed.WithLabelValues("abandoned").Inc()
		s.phase = protocol.Closed
		return protocol.ErrAbandoned
	}
	_ = pkt

	s.outboundCRC.Write(chunk)
	s.sentBytes += uint32(len(chunk))
	s.firstDataSent = true
	return nil
}

// closeReply classifies the first reply to a FIN as ACK, FIN, or RST; any
// of the three satisfies the leg (spec §4.4 tolerates the server's ACK and
// FIN arriving out of the expected order if they were sent back to back).
func closeReply(p wire.Packet) retry.Decision {
	switch p.Kind {
	case wire.KindAck, wire.KindFin, wire.KindRst:
		return retry.Accept
	default:
		return retry.Ignore
	}
}

// Close drives ESTABLISHED → FIN_SENT → FIN_WAIT → CLOSED_OK (spec §4.4).
// It returns protocol.ErrRestartRequired (with RestartInfo available via
// LastRestartInfo) if the server reports a checksum mismatch; per the
// design note in spec §9, the core does not itself replay undelivered
// bytes — the caller decides.
func (s *Session) Close() error {
	if s.phase != protocol.Established {
		return protocol.ErrAbandoned
	}
	s.phase = protocol.FinSent

	finFrame := func(attempt int) []byte {
		return wire.Encode(wire.Packet{Kind: wire.KindFin, Payload: wire.EncodeCRC(s.outboundCRC.Sum32())})
	}

	s.ctl.Leg = "fin"
	first, err := s.ctl.Run(finFrame, closeReply)
	if err != nil {
		return s.abandon()
	}

	switch first.Kind {
	case wire.KindFin:
		return s.finishOnFin()
	case wire.KindRst:
		return s.restart()
	}

	// Got the server's first termination ACK; now wait for its FIN or RST.
	s.phase = protocol.FinWait
	second, err := s.ctl.Run(finFrame, func(p wire.Packet) retry.Decision {
		switch p.Kind {
		case wire.KindFin, wire.KindRst:
			return retry.Accept
		default:
			return retry.Ignore
		}
	})
	if err != nil {
		return s.abandon()
	}
	if second.Kind == wire.KindRst {
		return s.restart()
	}
	return s.finishOnFin()
}

func (s *Session) finishOnFin() error {
	_ = s.ch.Send(wire.Encode(wire.Packet{Kind: wire.KindAck}))
	s.drainRetransmittedFin()
	s.phase = protocol.ClosedOK
	s.metrics.SessionsClosed.WithLabelValues("ok").Inc()
	xlog.Phase(s.log, protocol.FinWait, protocol.ClosedOK)
	return nil
}

// drainRetransmittedFin keeps this leg alive for up to MaxAttempts more
// windows after the final ACK, re-ACKing any FIN the server retransmits.
// The server's own CLOSING-phase retry loop (server.handleFin) resends
// FIN exactly that many times if our ACK above was lost; matching its
// ceiling here means the common case (ACK delivered) returns after one
// timeout, while a lost ACK still converges both peers on ClosedOK
// instead of leaving the server to abandon the session (spec §1, "the
// two endpoints must remain consistent under packet loss").
func (s *Session) drainRetransmittedFin() {
	for attempt := 1; attempt <= s.ctl.MaxAttempts; attempt++ {
		raw, err := s.ch.Recv(s.ctl.Timeout)
		if err != nil {
			return
		}
		pkt, decErr := wire.Decode(raw)
		if decErr != nil || pkt.Kind != wire.KindFin {
			continue
		}
		_ = s.ch.Send(wire.Encode(wire.Packet{Kind: wire.KindAck}))
	}
}

func (s *Session) restart() error {
	s.metrics.Resets.Inc()
	s.phase = protocol.Closed
	s.lastRestart = &protocol.RestartInfo{ChecksumMismatch: true, BytesBelievedSent: s.sentBytes}
	return protocol.ErrRestartRequired
}

func (s *Session) abandon() error {
	s.phase = protocol.Closed
	s.metrics.SessionsClosed.WithLabelValues("abandoned").Inc()
	return protocol.ErrAbandoned
}

// LastRestartInfo returns the detail behind the most recent
// ErrRestartRequired returned by Close, or nil if none occurred.
func (s *Session) LastRestartInfo() *protocol.RestartInfo { return s.lastRestart }
