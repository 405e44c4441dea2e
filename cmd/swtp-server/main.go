// Command swtp-server is the demo server binary: it accepts sessions over
// one UDP socket and drains each session's data, logging every received
// chunk, purely to exercise the protocol end to end.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/google/swtp/internal/config"
	"github.com/google/swtp/internal/metrics"
	"github.com/google/swtp/internal/protocol"
	"github.com/google/swtp/internal/xlog"
	"github.com/google/swtp/server"
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
		Use:   "swtp-server",
		Short: "Run the swtp demo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().String("listen", ":9870", "UDP address to listen on")
	cmd.Flags().Duration("timeout", protocol.DefaultTimeout, "per-leg retry timeout")
	cmd.Flags().Int("retries", protocol.MaxRetries, "max attempts per leg")
	cmd.Flags().String("log-level", "info", "logrus level")
	cmd.Flags().String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")

	return cmd
}

func run(cfg config.Config) error {
	log := xlog.New("server")
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.Logger.SetLevel(lvl)
	}

	mc := metrics.New("swtp")
	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(mc)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				log.WithError(err).Warn("metrics server exited")
			}
		}()
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	rng := protocol.CryptoISNSource{}
	idleTimeout := cfg.Timeout * time.Duration(cfg.Retries*4)
	listener := server.NewListener(conn, rng, idleTimeout,
		server.WithListenerLogger(log),
		server.WithListenerMetrics(mc),
	)
	defer listener.Close()

	go func() {
		if err := listener.Serve(); err != nil {
			log.WithError(err).Warn("listener stopped")
		}
	}()

	log.WithField("addr", cfg.Listen).Info("swtp-server listening")
	for {
		sess, err := listener.Accept()
		if err != nil {
			return err
		}
		go drain(log, sess)
	}
}

func drain(log *logrus.Entry, sess *server.Session) {
	for {
		chunk, err := sess.Recv()
		if err != nil {
			log.WithError(err).Debug("session ended")
			return
		}
		log.WithField("bytes", len(chunk)).Debug("received chunk")
	}
}
