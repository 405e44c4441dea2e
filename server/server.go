// Package server implements the passive side of the stop-and-wait
// transport protocol (C5): accepting a handshake, verifying parity and
// delivering data in the established phase, and driving the
// checksum-gated termination/RST-restart sequence. Generalized from the
// teacher's passive-open handshake (resetToSynRcvd) and segment
// acceptance loop (handleSegments) in tcpip/transport/tcp/connect.go.
package server

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/metrics"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/retry"
	"github.com/google/swtp/internal/wire"
	"github.com/google/swtp/internal/xlog"
)

// Phase re-exports protocol.Phase.
type Phase = protocol.Phase

// Session is a server-side connection. Not safe for concurrent use.
type Session struct {
	ch      channel.Channel
	ctl     *retry.Controller
	rng     protocol.ISNSource
	log     *logrus.Entry
	metrics *metrics.Collector

	phase Phase

	cisn, sisn     uint32
	inboundCRC     *wire.RunningCRC
	parityFailures int
	lastControl    *wire.Packet
}

// Option configures a Session at Accept time.
type Option func(*Session)

func WithLogger(log *logrus.Entry) Option { return func(s *Session) { s.log = log } }
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}
func WithRetryController(ctl *retry.Controller) Option {
	return func(s *Session) { s.ctl = ctl }
}

// Accept blocks until a SYN arrives on ch and drives CLOSED → SYN_RECEIVED
// → ESTABLISHED (spec §4.5). Use AcceptFrom instead when a Listener (C6)
// has already demultiplexed the triggering SYN off a shared socket.
func Accept(ch channel.Channel, rng protocol.ISNSource, opts ...Option) (*Session, error) {
	s := newSession(ch, rng, opts...)
	syn, err := s.waitForSyn()
	if err != nil {
		return nil, err
	}
	if err := s.handshakeFromSyn(syn); err != nil {
		return nil, protocol.ErrHandshakeFailed
	}
	return s, nil
}

// AcceptFrom drives the handshake from an already-received SYN packet.
func AcceptFrom(ch channel.Channel, syn wire.Packet, rng protocol.ISNSource, opts ...Option) (*Session, error) {
	s := newSession(ch, rng, opts...)
	if err := s.handshakeFromSyn(syn); err != nil {
		return nil, protocol.ErrHandshakeFailed
	}
	return s, nil
}

func newSession(ch channel.Channel, rng protocol.ISNSource, opts ...Option) *Session {
	s := &Session{
		ch:    ch,
		rng:   rng,
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
	return s
}

func (s *Session) waitForSyn() (wire.Packet, error) {
	for {
		raw, err := s.ch.Recv(s.ctl.Timeout)
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if err != nil {
			return wire.Packet{}, protocol.ErrAbandoned
		}
		pkt, decErr := wire.Decode(raw)
		if decErr != nil {
			continue
		}
		if pkt.Kind == wire.KindSyn {
			return pkt, nil
		}
		// Anything else before a handshake exists: ignore (spec §4.5,
		// "spurious SYN/ACK from a confused client").
	}
}

func (s *Session) handshakeFromSyn(syn wire.Packet) error {
	sisn, err := s.rng.NextISN()
	if err != nil {
		return err
	}
	s.sisn = sisn
	s.cisn = syn.SequenceNo
	s.phase = protocol.SynReceived

	synAck := wire.Packet{
		Kind:       wire.KindSynAck,
		SequenceNo: s.sisn,
		Payload:    wire.EncodeISN(s.cisn + 1),
	}
	s.lastControl = &synAck

	s.ctl.Leg = "handshake"
	_, err = s.ctl.Run(
		func(attempt int) []byte { return wire.Encode(synAck) },
		func(p wire.Packet) retry.Decision {
			if p.Kind != wire.KindAck {
				return retry.Ignore
			}
			got, ok := wire.DecodeISN(p.Payload)
			if !ok || got != s.sisn+1 {
				return retry.Ignore
			}
			return retry.Accept
		},
	)
	if err != nil {
		s.log.WithError(err).Warn("handshake failed")
		return err
	}

	s.inboundCRC = wire.NewCRC()
	s.parityFailures = 0
	s.lastControl = nil
	s.phase = protocol.Established
	s.metrics.SessionsOpened.Inc()
	xlog.Phase(s.log, protocol.SynReceived, protocol.Established)
	return nil
}

// Phase reports the session's current connection phase.
func (s *Session) Phase() Phase { return s.phase }

// Recv delivers the next application chunk, or io.EOF once the peer has
// gracefully closed (CLOSED_OK), or protocol.ErrChecksumMismatch if the
// peer's FIN checksum didn't match (after the RST/recovery exchange, spec
// §4.5's CLOSING branch), or protocol.ErrAbandoned if retries were
// exhausted on any leg.
func (s *Session) Recv() ([]byte, error) {
	if s.phase == protocol.ClosedOK {
		return nil, io.EOF
	}
	if s.phase != protocol.Established {
		return nil, protocol.ErrAbandoned
	}

	for {
		pkt, err := s.awaitFrame()
		if err != nil {
			return nil, err
		}
		switch pkt.Kind {
		case wire.KindData, wire.KindRetransmit:
			s.inboundCRC.Write(pkt.Payload)
			ack := wire.Packet{Kind: wire.KindAck}
			if err := s.ch.Send(wire.Encode(ack)); err != nil {
				return nil, s.abandon()
			}
			s.lastControl = &ack
			s.parityFailures = 0
			return pkt.Payload, nil
		case wire.KindFin:
			return s.handleFin(pkt)
		default:
			// Unexpected kind: ignore and keep listening (spec §4.5).
			continue
		}
	}
}

// awaitFrame waits for the next frame, retransmitting the last control
// packet (ACK or NAK) on timeout and NAK'ing parity failures, with
// independent 3-attempt ceilings for each failure mode per spec §4.5.
func (s *Session) awaitFrame() (wire.Packet, error) {
	timeouts := 0
	for {
		raw, err := s.ch.Recv(s.ctl.Timeout)
		if errors.Is(err, channel.ErrTimeout) {
			timeouts++
			if timeouts >= s.ctl.MaxAttempts {
				return wire.Packet{}, s.abandon()
			}
			s.metrics.Retries.WithLabelValues("data").Inc()
			if s.lastControl != nil {
				_ = s.ch.Send(wire.Encode(*s.lastControl))
			}
			continue
		}
		if err != nil {
			return wire.Packet{}, s.abandon()
		}

		pkt, decErr := wire.Decode(raw)
		if errors.Is(decErr, wire.ErrParity) {
			s.parityFailures++
			s.metrics.NAKs.Inc()
			nak := wire.Packet{Kind: wire.KindNak}
			if err := s.ch.Send(wire.Encode(nak)); err != nil {
				return wire.Packet{}, s.abandon()
			}
			s.lastControl = &nak
			if s.parityFailures >= s.ctl.MaxAttempts {
				return wire.Packet{}, s.abandon()
			}
			s.metrics.Retries.WithLabelValues("data").Inc()
			continue
		}
		if decErr != nil {
			// FrameMalformed: dropped silently, doesn't count as a
			// failure of either kind.
			continue
		}
		return pkt, nil
	}
}

func (s *Session) handleFin(pkt wire.Packet) ([]byte, error) {
	clientCRC, _ := wire.DecodeCRC(pkt.Payload)

	if clientCRC == s.inboundCRC.Sum32() {
		if err := s.ch.Send(wire.Encode(wire.Packet{Kind: wire.KindAck})); err != nil {
			return nil, s.abandon()
		}
		s.phase = protocol.Closing
		fin := wire.Packet{Kind: wire.KindFin}
		s.lastControl = &fin

		s.ctl.Leg = "fin"
		_, err := s.ctl.Run(
			func(attempt int) []byte { return wire.Encode(fin) },
			func(p wire.Packet) retry.Decision {
				if p.Kind == wire.KindAck {
					return retry.Accept
				}
				return retry.Ignore
			},
		)
		if err != nil {
			return nil, s.abandon()
		}

		s.phase = protocol.ClosedOK
		s.metrics.SessionsClosed.WithLabelValues("ok").Inc()
		xlog.Phase(s.log, protocol.Closing, protocol.ClosedOK)
		return nil, io.EOF
	}

	// Checksum mismatch: reset the connection and await either the
	// client's reset-ack or a fresh SYN restarting the handshake.
	s.metrics.Resets.Inc()
	rst := wire.Packet{Kind: wire.KindRst}
	s.lastControl = &rst

	s.ctl.Leg = "rst"
	reply, err := s.ctl.Run(
		func(attempt int) []byte { return wire.Encode(rst) },
		func(p wire.Packet) retry.Decision {
			if p.Kind == wire.KindAck || p.Kind == wire.KindSyn {
				return retry.Accept
			}
			return retry.Ignore
		},
	)
	if err != nil {
		return nil, s.abandon()
	}

	s.phase = protocol.Closed
	if reply.Kind == wire.KindSyn {
		if err := s.handshakeFromSyn(reply); err != nil {
			return nil, protocol.ErrHandshakeFailed
		}
		return s.Recv()
	}
	return nil, protocol.ErrChecksumMismatch
}

func (s *Session) abandon() error {
	s.phase = protocol.Closed
	s.metrics.SessionsClosed.WithLabelValues("abandoned").Inc()
	return protocol.ErrAbandoned
}
