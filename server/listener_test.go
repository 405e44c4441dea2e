package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/google/swtp/client"
	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/retry"
	"github.com/google/swtp/server"
)

func TestListenerAcceptsMultiplePeers(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	listener := server.NewListener(serverConn, fastISN(500), time.Second)
	defer listener.Close()
	go listener.Serve()

	dial := func(v uint32) *client.Session {
		ch, err := channel.Dial(serverConn.LocalAddr().String())
		require.NoError(t, err)
		ctl := &retry.Controller{Channel: ch, MaxAttempts: 3, Timeout: 200 * time.Millisecond}
		cli, err := client.Open(ch, fastISN(v), client.WithRetryController(ctl))
		require.NoError(t, err)
		return cli
	}

	cliA := dial(1)
	cliB := dial(2)

	srvA, err := listener.Accept()
	require.NoError(t, err)
	srvB, err := listener.Accept()
	require.NoError(t, err)

	// Send blocks until the server ACKs, so both sessions must already be
	// receiving before the clients send.
	type result struct {
		b   []byte
		err error
	}
	recvA, recvB := make(chan result, 1), make(chan result, 1)
	go func() { b, err := srvA.Recv(); recvA <- result{b, err} }()
	go func() { b, err := srvB.Recv(); recvB <- result{b, err} }()

	require.NoError(t, cliA.Send([]byte("from-a")))
	require.NoError(t, cliB.Send([]byte("from-b")))

	resA, resB := <-recvA, <-recvB
	require.NoError(t, resA.err)
	gotA := resA.b
	require.NoError(t, resB.err)
	gotB := resB.b

	// The listener hands sessions out in arrival order, but doesn't
	// guarantee which physical peer maps to which Accept() slot beyond
	// that each session only ever sees its own peer's bytes.
	require.Contains(t, []string{"from-a", "from-b"}, string(gotA))
	require.Contains(t, []string{"from-a", "from-b"}, string(gotB))
	require.NotEqual(t, string(gotA), string(gotB))

	require.Equal(t, protocol.Established, srvA.Phase())
	require.Equal(t, protocol.Established, srvB.Phase())
}
