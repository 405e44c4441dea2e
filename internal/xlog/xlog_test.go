package xlog_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/xlog"
)

func TestNewTagsSessionIDAndRole(t *testing.T) {
	log := xlog.New("client")
	require.Equal(t, "client", log.Data["role"])
	require.NotEmpty(t, log.Data["session_id"])
}

func TestPhaseLogsTransition(t *testing.T) {
	var buf bytes.Buffer
	log := xlog.New("server")
	log.Logger.SetOutput(&buf)
	log.Logger.SetLevel(logrus.DebugLevel)
	log.Logger.SetFormatter(&logrus.JSONFormatter{})

	xlog.Phase(log, protocol.SynReceived, protocol.Established)

	require.Contains(t, buf.String(), "SYN_RECEIVED")
	require.Contains(t, buf.String(), "ESTABLISHED")
}
