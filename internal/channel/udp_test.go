package channel_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/google/swtp/internal/channel"
)

func TestUDPSendRecvRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	cli, err := channel.Dial(serverConn.LocalAddr().String())
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send([]byte("hello")))

	buf := make([]byte, 65507)
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	n, clientAddr, err := serverConn.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	srv := channel.NewUDP(serverConn, clientAddr)
	require.NoError(t, srv.Send([]byte("world")))

	reply, err := cli.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "world", string(reply))
}

func TestUDPRecvTimesOut(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	cli, err := channel.Dial(serverConn.LocalAddr().String())
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Recv(20 * time.Millisecond)
	require.ErrorIs(t, err, channel.ErrTimeout)
}
