// Package client implements the subcommands of the s2s command.
package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/config"
	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/logging"
	"github.com/zrepl/sitetosite/sitetosite"
	"github.com/zrepl/sitetosite/tlsconf"
	"github.com/zrepl/sitetosite/version"
)

func setupLogging(subcommand *cli.Subcommand) (logger.Logger, error) {
	log, err := logging.LoggerFromConfig(subcommand.Config())
	if err != nil {
		return nil, errors.Wrap(err, "cannot build logging from config")
	}
	return logging.LogSubsystem(log, logging.SubsysCLI), nil
}

// ClientBuilder maps the client config section onto a sitetosite.Builder.
func ClientBuilder(in *config.Client, log logger.Logger) (*sitetosite.Builder, error) {
	if in == nil {
		return nil, errors.New("config has no 'client' section")
	}
	b := sitetosite.NewBuilder().
		URL(in.URL).
		PortName(in.PortName).
		PortIdentifier(in.PortIdentifier).
		MaxIdlePerPeer(in.MaxIdlePerPeer).
		UseCompression(in.UseCompression).
		PeerPersistencePath(in.PeerPersistencePath).
		Logger(log)
	if in.Timeout != nil {
		b.Timeout(in.Timeout.Duration())
	}
	if in.PenalizationPeriod != nil {
		b.PenalizationPeriod(in.PenalizationPeriod.Duration())
	}
	if in.IdleExpiration != nil {
		b.IdleExpiration(in.IdleExpiration.Duration())
	}
	if in.PeerRefreshInterval != nil {
		b.PeerRefreshInterval(in.PeerRefreshInterval.Duration())
	}
	if in.TLS != nil {
		tlsConfig, err := tlsconf.ClientConfig(tlsconf.Files{CA: in.TLS.CA, Cert: in.TLS.Cert, Key: in.TLS.Key}, in.TLS.ServerCN)
		if err != nil {
			return nil, errors.Wrap(err, "client tls")
		}
		b.TLSConfig(tlsConfig)
	}
	return b, nil
}

func newClient(subcommand *cli.Subcommand, log logger.Logger) (*sitetosite.Client, error) {
	b, err := ClientBuilder(subcommand.Config().Client, logging.LogSubsystem(log, logging.SubsysClient))
	if err != nil {
		return nil, err
	}
	return b.Build()
}

// serveMetrics serves the default prometheus registry on listen until ctx is done.
// It returns immediately if listen is empty.
func serveMetrics(ctx context.Context, listen string, log logger.Logger, register ...func(prometheus.Registerer) error) error {
	if listen == "" {
		return nil
	}
	register = append(register, version.PrometheusRegister)
	for _, r := range register {
		if err := r(prometheus.DefaultRegisterer); err != nil {
			return errors.Wrap(err, "cannot register metrics")
		}
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrap(err, "cannot listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		err := srv.Serve(l)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("error while serving metrics")
		}
	}()
	log.WithField("listen", listen).Info("serving prometheus metrics")
	return nil
}
