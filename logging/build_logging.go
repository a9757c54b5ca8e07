// Package logging builds logger outlets from the logging config section.
package logging

import (
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/config"
	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/tlsconf"
	"github.com/zrepl/sitetosite/transport"
)

const defaultTCPRetryInterval = 10 * time.Second

// Outlets must not block the logger for longer than this.
const outletTimeout = time.Second

func OutletsFromConfig(in config.LoggingOutletEnumList) (*logger.Outlets, error) {

	outlets := logger.NewOutlets()

	if len(in) == 0 {
		// Default config
		out := WriterOutlet{&HumanFormatter{}, os.Stdout}
		outlets.Add(out, logger.Warn)
		return outlets, nil
	}

	var stdoutOutlets int
	for lei, le := range in {

		outlet, minLevel, err := parseOutlet(le)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse outlet #%d", lei)
		}
		if _, ok := outlet.(WriterOutlet); ok {
			stdoutOutlets++
		}

		outlets.Add(outlet, minLevel)

	}

	if stdoutOutlets > 1 {
		return nil, errors.Errorf("can only define one 'stdout' outlet")
	}

	return outlets, nil

}

// LoggerFromConfig returns the root logger for c, or a default stdout logger if c has no logging section.
func LoggerFromConfig(c *config.Config) (logger.Logger, error) {
	var in config.LoggingOutletEnumList
	if c != nil && c.Logging != nil {
		in = *c.Logging
	}
	outlets, err := OutletsFromConfig(in)
	if err != nil {
		return nil, err
	}
	return logger.NewLogger(outlets, outletTimeout), nil
}

type Subsystem string

// Library packages set their own subsystem (client, peers, pool, transport)
// below the logger they are given.
const (
	SubsysClient Subsystem = "client"
	SubsysServer Subsystem = "server"
	SubsysCLI    Subsystem = "cli"
)

func LogSubsystem(log logger.Logger, subsys Subsystem) logger.Logger {
	return log.ReplaceField(SubsysField, subsys)
}

func parseLogFormat(i interface{}) (f EntryFormatter, err error) {
	var is string
	switch j := i.(type) {
	case string:
		is = j
	default:
		return nil, errors.Errorf("invalid log format: wrong type: %T", i)
	}

	switch is {
	case "human":
		return &HumanFormatter{}, nil
	case "logfmt":
		return &LogfmtFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	default:
		return nil, errors.Errorf("invalid log format: '%s'", is)
	}

}

func parseOutlet(in config.LoggingOutletEnum) (o logger.Outlet, level logger.Level, err error) {

	parseCommon := func(common config.LoggingOutletCommon) (logger.Level, EntryFormatter, error) {
		if common.Level == "" || common.Format == "" {
			return 0, nil, errors.Errorf("must specify 'level' and 'format' field")
		}

		minLevel, err := logger.ParseLevel(common.Level)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'level' field")
		}
		formatter, err := parseLogFormat(common.Format)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'formatter' field")
		}
		return minLevel, formatter, nil
	}

	var f EntryFormatter

	switch v := in.Ret.(type) {
	case *config.StdoutLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseStdoutOutlet(v, f)
	case *config.TCPLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseTCPOutlet(v, f)
	default:
		panic(v)
	}
	return o, level, err
}

func parseStdoutOutlet(in *config.StdoutLoggingOutlet, formatter EntryFormatter) (WriterOutlet, error) {
	flags := MetadataAll
	writer := os.Stdout
	tty := isatty.IsTerminal(writer.Fd()) || isatty.IsCygwinTerminal(writer.Fd())
	if !tty && !in.Time {
		flags &= ^MetadataTime
	}
	if !tty || !in.Color {
		flags &= ^MetadataColor
	}

	formatter.SetMetadataFlags(flags)
	return WriterOutlet{
		formatter,
		os.Stdout,
	}, nil
}

func parseTCPOutlet(in *config.TCPLoggingOutlet, formatter EntryFormatter) (out *TCPOutlet, err error) {
	retryInterval := defaultTCPRetryInterval
	if in.RetryInterval != nil {
		retryInterval = in.RetryInterval.Duration()
	}
	var connecter transport.Connecter
	if in.TLS != nil {
		host, _, err := net.SplitHostPort(in.Address)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse 'address' field")
		}
		tlsConfig, err := tlsconf.ClientConfig(tlsconf.Files{CA: in.TLS.CA, Cert: in.TLS.Cert, Key: in.TLS.Key}, host)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse TLS config in field 'tls'")
		}
		if connecter, err = newTLSConnecter(in.Net, in.Address, tlsConfig); err != nil {
			return nil, err
		}
	} else {
		connecter = newNetConnecter(in.Net, in.Address)
	}

	formatter.SetMetadataFlags(MetadataAll &^ MetadataColor)
	return NewTCPOutlet(formatter, connecter, retryInterval), nil

}
