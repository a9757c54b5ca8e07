package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/config"
	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/logging"
	"github.com/zrepl/sitetosite/protocol"
	"github.com/zrepl/sitetosite/rpc/frameconn"
	"github.com/zrepl/sitetosite/server"
	"github.com/zrepl/sitetosite/tlsconf"
)

var ServeCmd = &cli.Subcommand{
	Use:   "serve",
	Short: "run a site-to-site node from the 'server' config section",
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		log, err := setupLogging(subcommand)
		if err != nil {
			return err
		}
		conf := subcommand.Config()
		if err := serveMetrics(ctx, conf.PrometheusListen(), log, server.PrometheusRegister, frameconn.PrometheusRegister); err != nil {
			return err
		}
		return runServer(ctx, conf.Server, logging.LogSubsystem(log, logging.SubsysServer))
	},
}

// ServerConfig maps the server config section onto a server.Config.
func ServerConfig(in *config.Server, log logger.Logger) (server.Config, *tls.Config, error) {
	if in == nil {
		return server.Config{}, nil, errors.New("config has no 'server' section")
	}
	sc := server.Config{
		BatchSize:      in.BatchSize,
		MaxConnections: in.MaxConnections,
		Compression:    in.Compression,
		Logger:         log,
	}
	if in.HandshakeTimeout != nil {
		sc.HandshakeTimeout = in.HandshakeTimeout.Duration()
	}
	if in.IdleTimeout != nil {
		sc.IdleTimeout = in.IdleTimeout.Duration()
	}
	if in.FullBackoff != nil {
		sc.FullBackoff = in.FullBackoff.Duration()
	}
	for _, p := range in.Ports {
		sc.Ports = append(sc.Ports, server.PortConfig{
			Name:       p.Name,
			Identifier: p.Identifier,
			Stopped:    p.Stopped,
			MaxQueued:  p.MaxQueued,
		})
	}
	for _, p := range in.ClusterPeers {
		sc.ClusterPeers = append(sc.ClusterPeers, protocol.PeerDescription{Host: p.Host, Port: p.Port, Secure: p.Secure})
	}
	var tlsConfig *tls.Config
	if in.TLS != nil {
		var err error
		tlsConfig, err = tlsconf.ServerConfig(tlsconf.Files{CA: in.TLS.CA, Cert: in.TLS.Cert, Key: in.TLS.Key})
		if err != nil {
			return server.Config{}, nil, errors.Wrap(err, "server tls")
		}
	}
	return sc, tlsConfig, nil
}

// descriptor returns the site descriptor announced for the raw listener on listen.
func descriptor(in *config.Server) (protocol.SiteDescriptor, error) {
	_, portStr, err := net.SplitHostPort(in.Listen)
	if err != nil {
		return protocol.SiteDescriptor{}, errors.Wrap(err, "invalid listen address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return protocol.SiteDescriptor{}, errors.Errorf("listen address must have a fixed port, got %q", in.Listen)
	}
	return protocol.SiteDescriptor{RawPort: port, Secure: in.TLS != nil, Cluster: in.Cluster}, nil
}

func runServer(ctx context.Context, in *config.Server, log logger.Logger) error {
	sc, tlsConfig, err := ServerConfig(in, log)
	if err != nil {
		return err
	}
	srv, err := server.New(sc)
	if err != nil {
		return err
	}
	defer srv.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.ListenAndServe(ctx, in.Listen, tlsConfig)
	})
	if in.WebListen != "" {
		desc, err := descriptor(in)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(protocol.DescriptorPath, srv.DescriptorHandler(desc))
		web := &http.Server{Addr: in.WebListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second, TLSConfig: tlsConfig}
		eg.Go(func() error {
			<-ctx.Done()
			return web.Close()
		})
		eg.Go(func() error {
			log.WithField("listen", in.WebListen).Info("serving site descriptor")
			var err error
			if tlsConfig != nil {
				err = web.ListenAndServeTLS("", "")
			} else {
				err = web.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	err = eg.Wait()
	if ctx.Err() != nil {
		log.Info("shutting down")
	}
	return err
}
