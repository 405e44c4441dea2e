// Command swtp-client is the demo client binary: it dials a swtp-server,
// sends each argument as one chunk, and closes the session.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/google/swtp/client"
	"github.com/google/swtp/internal/channel"
	"github.com/google/swtp/internal/config"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/retry"
	"github.com/google/swtp/internal/xlog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "swtp-client -- <chunk>...",
		Short: "Send chunks to a swtp-server over a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, args)
		},
	}

	cmd.Flags().String("dial", "127.0.0.1:9870", "UDP address to dial")
	cmd.Flags().Duration("timeout", protocol.DefaultTimeout, "per-leg retry timeout")
	cmd.Flags().Int("retries", protocol.MaxRetries, "max attempts per leg")
	cmd.Flags().String("log-level", "info", "logrus level")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")

	return cmd
}

func run(cfg config.Config, chunks []string) error {
	log := xlog.New("client")
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.Logger.SetLevel(lvl)
	}

	ch, err := channel.Dial(cfg.Dial)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctl := &retry.Controller{Channel: ch, MaxAttempts: cfg.Retries, Timeout: cfg.Timeout}
	sess, err := client.Open(ch, protocol.CryptoISNSource{},
		client.WithLogger(log),
		client.WithRetryController(ctl),
	)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	for _, chunk := range chunks {
		if err := sess.Send([]byte(chunk)); err != nil {
			return fmt.Errorf("send %q: %w", chunk, err)
		}
	}

	if err := sess.Close(); err != nil {
		if info := sess.LastRestartInfo(); info != nil {
			log.WithField("bytes_believed_sent", info.BytesBelievedSent).
				Warn("server reported checksum mismatch; session reset")
		}
		return err
	}
	return nil
}
