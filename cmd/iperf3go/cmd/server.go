package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coretex-labs/iperf3go/internal/metrics"
	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protocol"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run an iperf3-compatible server",
	RunE:  runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringP("bind", "B", "0.0.0.0", "address to bind the control listener to")
	f.IntP("port", "p", 5201, "port to listen on")
	f.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9201)")

	rootCmd.AddCommand(serverCmd)
}

// serverConfigFromViper binds the server subcommand's flags into viper
// so an IPERF3GO_* env var or an $HOME/.iperf3go.yaml entry can supply a
// value the user didn't pass on the command line, per SPEC_FULL.md §1.3.
func serverConfigFromViper(cmd *cobra.Command) (bindAddress string, port int, metricsAddr string, err error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return "", 0, "", fmt.Errorf("binding server flags: %w", err)
	}
	return viper.GetString("bind"), viper.GetInt("port"), viper.GetString("metrics-addr"), nil
}

func runServer(cmd *cobra.Command, args []string) error {
	log := logrus.WithField("component", "cmd.server")

	bindAddress, port, metricsAddr, err := serverConfigFromViper(cmd)
	if err != nil {
		return err
	}

	srv := protocol.NewServer()
	stream, handle, err := srv.Start(bindAddress, port)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewServerCollector(reg, "iperf3go")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.WithField("addr", metricsAddr).Info("serving metrics")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer httpSrv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping server")
		handle.Cancel()
	}()

	collector.Watch(stream, srv.Status, func(ev progress.Event) {
		logEvent(log, ev)
	})
	return nil
}

// logEvent renders one server lifecycle event as a structured log line.
// It runs inside metrics.ServerCollector.Watch's loop since Stream is
// single-subscriber and can't be drained by two independent readers.
func logEvent(log *logrus.Entry, ev progress.Event) {
	switch ev.Kind {
	case progress.Starting:
		log.WithField("port", ev.Port).Info("listener starting")
	case progress.Ready:
		log.WithField("port", ev.Port).Info("server ready")
	case progress.ClientConnected:
		log.WithFields(logrus.Fields{"cookie": ev.Cookie, "host": ev.Host}).Info("client connected")
	case progress.TestComplete:
		log.WithField("cookie", ev.Cookie).Info("session complete")
	case progress.ClientDisconnected:
		log.WithField("cookie", ev.Cookie).Info("client disconnected")
	case progress.Error:
		log.WithField("message", ev.Message).Error("server error")
	case progress.Stopped:
		log.Info("server stopped")
	}
}
