// Package retry implements the "send, await matching reply, else retry"
// controller (C3): the only component in the system that owns retry counts
// and timers, generalized from the teacher's handshake.execute(), which
// drives exactly this loop (send SYN, wait on a resend waker, resend with
// backoff, give up) for the TCP three-way handshake. This controller
// replaces gVisor's unbounded exponential backoff with the specification's
// fixed timeout and fixed 3-attempt ceiling, and replaces its waker-based
// dispatch with direct use of the channel's own Recv(timeout) — this
// protocol has no concurrent writer to multiplex against within one leg.
package retry

import (
	"errors"
	"time"

	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/metrics"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/wire"
)

// Decision classifies a received reply during a Controller.Run leg.
type Decision int

const (
	// Accept ends the leg successfully with this reply.
	Accept Decision = iota
	// Reject counts as a failed attempt (e.g. a NAK, or a control packet
	// the phase considers a negative outcome) and triggers a retry.
	Reject
	// Ignore does not count toward the failure ceiling and does not
	// restart the per-attempt timer; the controller keeps waiting within
	// the remaining window. Callers that need a side effect (e.g. the
	// client's tolerated re-send of its handshake ACK on a duplicate
	// SYN-ACK, spec §4.4) perform it inside the classify callback before
	// returning Ignore.
	Ignore
)

// Controller runs bounded send-await-retry legs against ch.
type Controller struct {
	Channel     channel.Channel
	MaxAttempts int
	Timeout     time.Duration

	// Metrics and Leg are optional: when both are set, Run increments
	// Metrics.Retries.WithLabelValues(Leg) once per resend (spec §4.8's
	// swtp_retries_total{leg}). Leg is read on each resend, so one
	// Controller shared across a session's legs (as client.Session
	// and server.Session do) can be retagged before each call; safe
	// because a session's legs run one at a time, never concurrently.
	Metrics *metrics.Collector
	Leg     string
}

// New returns a Controller with the spec's defaults (3 attempts, 200ms).
func New(ch channel.Channel) *Controller {
	return &Controller{
		Channel:     ch,
		MaxAttempts: protocol.MaxRetries,
		Timeout:     protocol.DefaultTimeout,
	}
}

// ErrChannel wraps an underlying channel I/O failure, spec §7's
// ChannelError, which propagates as Abandoned rather than being retried.
var ErrChannel = errors.New("retry: channel error")

// Run sends frame(attempt) (1-indexed) on each attempt, classifying every
// reply with classify, until classify returns Accept, MaxAttempts attempts
// have each ended in a Reject or a timeout (protocol.ErrRetriesExhausted),
// or the channel itself fails (ErrChannel).
//
// Malformed frames (wire.ErrMalformed/ErrParity at the framing level) are
// dropped silently and do not consume any part of the attempt's window;
// classify only ever sees successfully decoded packets, so callers that
// want parity failures to count as a negative outcome must receive and
// decode frames themselves instead of using Run (as server.awaitFrame does).
func (c *Controller) Run(frame func(attempt int) []byte, classify func(wire.Packet) Decision) (wire.Packet, error) {
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.recordRetry()
		}
		if err := c.Channel.Send(frame(attempt)); err != nil {
			return wire.Packet{}, errWrap(err)
		}

		accepted, rejected, err := c.awaitWithinWindow(classify)
		if err != nil {
			return wire.Packet{}, err
		}
		if rejected {
			continue
		}
		return accepted, nil
	}
	return wire.Packet{}, protocol.ErrRetriesExhausted
}

// awaitWithinWindow waits out one attempt's timeout window, ignoring
// packets classified Ignore (without restarting the window) and dropping
// frames that fail to decode, until it sees Accept (returns the packet) or
// Reject (returns rejected=true) or the window elapses (returns
// rejected=true, so the outer loop retries).
func (c *Controller) awaitWithinWindow(classify func(wire.Packet) Decision) (pkt wire.Packet, rejected bool, err error) {
	deadline := time.Now().Add(c.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Packet{}, true, nil
		}
		raw, recvErr := c.Channel.Recv(remaining)
		if errors.Is(recvErr, channel.ErrTimeout) {
			return wire.Packet{}, true, nil
		}
		if recvErr != nil {
			return wire.Packet{}, false, errWrap(recvErr)
		}

		decoded, decErr := wire.Decode(raw)
		if decErr != nil {
			// FrameMalformed / ParityError at the raw-frame level:
			// dropped silently, keep waiting within the same window.
			continue
		}

		switch classify(decoded) {
		case Accept:
			return decoded, false, nil
		case Reject:
			return wire.Packet{}, true, nil
		case Ignore:
			continue
		}
	}
}

func errWrap(err error) error {
	return errors.Join(ErrChannel, err)
}

func (c *Controller) recordRetry() {
	if c.Metrics == nil || c.Leg == "" {
		return
	}
	c.Metrics.Retries.WithLabelValues(c.Leg).Inc()
}
