package retry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/retry"
	"github.com/google/swtp/internal/wire"
)

func TestRunAcceptsFirstMatchingReply(t *testing.T) {
	client, peer := channel.NewPipe()
	ctl := &retry.Controller{Channel: client, MaxAttempts: 3, Timeout: 100 * time.Millisecond}

	go func() {
		raw, err := peer.Recv(time.Second)
		require.NoError(t, err)
		pkt, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, wire.KindSyn, pkt.Kind)
		require.NoError(t, peer.Send(wire.Encode(wire.Packet{Kind: wire.KindSynAck, SequenceNo: pkt.SequenceNo + 1})))
	}()

	pkt, err := ctl.Run(
		func(attempt int) []byte { return wire.Encode(wire.Packet{Kind: wire.KindSyn, SequenceNo: 1}) },
		func(p wire.Packet) retry.Decision {
			if p.Kind == wire.KindSynAck {
				return retry.Accept
			}
			return retry.Ignore
		},
	)
	require.NoError(t, err)
	require.Equal(t, wire.KindSynAck, pkt.Kind)
}

func TestRunRetriesOnTimeoutThenSucceeds(t *testing.T) {
	client, peer := channel.NewPipe()
	ctl := &retry.Controller{Channel: client, MaxAttempts: 3, Timeout: 30 * time.Millisecond}

	go func() {
		_, _ = peer.Recv(time.Second) // drop the first SYN
		raw, err := peer.Recv(time.Second)
		require.NoError(t, err)
		pkt, err := wire.Decode(raw)
		require.NoError(t, err)
		require.NoError(t, peer.Send(wire.Encode(wire.Packet{Kind: wire.KindSynAck, SequenceNo: pkt.SequenceNo})))
	}()

	_, err := ctl.Run(
		func(attempt int) []byte { return wire.Encode(wire.Packet{Kind: wire.KindSyn, SequenceNo: uint32(attempt)}) },
		func(p wire.Packet) retry.Decision {
			if p.Kind == wire.KindSynAck {
				return retry.Accept
			}
			return retry.Ignore
		},
	)
	require.NoError(t, err)
}

func TestRunExhaustsRetries(t *testing.T) {
	client, _ := channel.NewPipe()
	client.Corrupt = channel.DropAll
	ctl := &retry.Controller{Channel: client, MaxAttempts: 3, Timeout: 10 * time.Millisecond}

	_, err := ctl.Run(
		func(attempt int) []byte { return wire.Encode(wire.Packet{Kind: wire.KindSyn}) },
		func(p wire.Packet) retry.Decision { return retry.Ignore },
	)
	require.True(t, errors.Is(err, protocol.ErrRetriesExhausted))
}

func TestRunIgnoreDoesNotConsumeAnAttempt(t *testing.T) {
	client, peer := channel.NewPipe()
	ctl := &retry.Controller{Channel: client, MaxAttempts: 1, Timeout: 200 * time.Millisecond}

	go func() {
		raw, err := peer.Recv(time.Second)
		require.NoError(t, err)
		pkt, _ := wire.Decode(raw)
		// Send two irrelevant packets before the real reply, within the
		// single attempt's window: Ignore must not trip MaxAttempts.
		require.NoError(t, peer.Send(wire.Encode(wire.Packet{Kind: wire.KindNak})))
		require.NoError(t, peer.Send(wire.Encode(wire.Packet{Kind: wire.KindRst})))
		require.NoError(t, peer.Send(wire.Encode(wire.Packet{Kind: wire.KindSynAck, SequenceNo: pkt.SequenceNo})))
	}()

	pkt, err := ctl.Run(
		func(attempt int) []byte { return wire.Encode(wire.Packet{Kind: wire.KindSyn}) },
		func(p wire.Packet) retry.Decision {
			if p.Kind == wire.KindSynAck {
				return retry.Accept
			}
			return retry.Ignore
		},
	)
	require.NoError(t, err)
	require.Equal(t, wire.KindSynAck, pkt.Kind)
}

// Property: when every frame is dropped, Run never sends more than
// MaxAttempts frames before giving up, for any MaxAttempts from 1 to 5.
func TestRunNeverExceedsMaxAttempts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxAttempts := rapid.IntRange(1, 5).Draw(rt, "maxAttempts")
		client, _ := channel.NewPipe()
		client.Corrupt = channel.DropAll
		ctl := &retry.Controller{Channel: client, MaxAttempts: maxAttempts, Timeout: 5 * time.Millisecond}

		sent := 0
		_, err := ctl.Run(
			func(attempt int) []byte {
				sent++
				return wire.Encode(wire.Packet{Kind: wire.KindSyn})
			},
			func(p wire.Packet) retry.Decision { return retry.Ignore },
		)
		if sent > maxAttempts {
			rt.Fatalf("sent %d frames, want at most %d", sent, maxAttempts)
		}
		if err == nil {
			rt.Fatal("expected retries exhausted")
		}
	})
}
