package sitetosite

import (
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zrepl/sitetosite/logger"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultPenalizationPeriod  = 3 * time.Second
	DefaultIdleExpiration      = 30 * time.Second
	DefaultMaxIdlePerPeer      = 8
	DefaultPeerRefreshInterval = 60 * time.Second
)

// Config is the validated configuration of a Client.
// Obtain it from Builder.BuildConfig or pass it to New, which validates it.
type Config struct {
	// http(s)://host:port addresses a node's web endpoint serving the site descriptor,
	// tcp://host:port and tls://host:port a node's raw site-to-site port.
	URL string
	// Exactly one of PortName and PortIdentifier must be set.
	PortName       string
	PortIdentifier string

	Timeout             time.Duration
	PenalizationPeriod  time.Duration
	IdleExpiration      time.Duration
	MaxIdlePerPeer      int
	PeerRefreshInterval time.Duration

	// Used for peers that require TLS. The remote side decides whether a
	// connection is secured, a TLSConfig alone does not enforce TLS.
	TLSConfig           *tls.Config
	EventReporter       EventReporter
	PeerPersistencePath string
	UseCompression      bool
	Logger              logger.Logger

	clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PenalizationPeriod == 0 {
		c.PenalizationPeriod = DefaultPenalizationPeriod
	}
	if c.IdleExpiration == 0 {
		c.IdleExpiration = DefaultIdleExpiration
	}
	if c.MaxIdlePerPeer == 0 {
		c.MaxIdlePerPeer = DefaultMaxIdlePerPeer
	}
	if c.PeerRefreshInterval == 0 {
		c.PeerRefreshInterval = DefaultPeerRefreshInterval
	}
	if c.Logger == nil {
		c.Logger = logger.NewNullLogger()
	}
	if c.EventReporter == nil {
		c.EventReporter = LoggerEventReporter{c.Logger.ReplaceField("subsystem", "client")}
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
}

// Validate checks c and returns a *ConfigurationError for the first problem found.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &ConfigurationError{Field: "URL", Msg: "must be set"}
	}
	if _, err := parseURL(c.URL); err != nil {
		return err
	}
	if c.PortName == "" && c.PortIdentifier == "" {
		return &ConfigurationError{Field: "PortName", Msg: "one of port name or port identifier must be set"}
	}
	if c.PortName != "" && c.PortIdentifier != "" {
		return &ConfigurationError{Field: "PortName", Msg: "port name and port identifier are mutually exclusive"}
	}
	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"Timeout", c.Timeout},
		{"PenalizationPeriod", c.PenalizationPeriod},
		{"IdleExpiration", c.IdleExpiration},
		{"PeerRefreshInterval", c.PeerRefreshInterval},
	} {
		if d.v < 0 {
			return &ConfigurationError{Field: d.field, Msg: "must not be negative"}
		}
	}
	if c.MaxIdlePerPeer < 0 {
		return &ConfigurationError{Field: "MaxIdlePerPeer", Msg: "must not be negative"}
	}
	return nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigurationError{Field: "URL", Msg: err.Error()}
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, &ConfigurationError{Field: "URL", Msg: "missing host"}
		}
	case "tcp", "tls":
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return nil, &ConfigurationError{Field: "URL", Msg: "raw site-to-site URLs must be of the form " + u.Scheme + "://host:port"}
		}
	default:
		return nil, &ConfigurationError{Field: "URL", Msg: "unsupported scheme " + u.Scheme + ", expected one of http, https, tcp, tls"}
	}
	return u, nil
}

// Builder collects configuration and builds a Client.
// The zero value is not usable, use NewBuilder.
type Builder struct {
	config Config
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) URL(u string) *Builder {
	b.config.URL = u
	return b
}

func (b *Builder) PortName(name string) *Builder {
	b.config.PortName = name
	return b
}

func (b *Builder) PortIdentifier(id string) *Builder {
	b.config.PortIdentifier = id
	return b
}

func (b *Builder) Timeout(d time.Duration) *Builder {
	b.config.Timeout = d
	return b
}

func (b *Builder) PenalizationPeriod(d time.Duration) *Builder {
	b.config.PenalizationPeriod = d
	return b
}

func (b *Builder) IdleExpiration(d time.Duration) *Builder {
	b.config.IdleExpiration = d
	return b
}

func (b *Builder) MaxIdlePerPeer(n int) *Builder {
	b.config.MaxIdlePerPeer = n
	return b
}

func (b *Builder) PeerRefreshInterval(d time.Duration) *Builder {
	b.config.PeerRefreshInterval = d
	return b
}

func (b *Builder) TLSConfig(c *tls.Config) *Builder {
	b.config.TLSConfig = c
	return b
}

func (b *Builder) EventReporter(r EventReporter) *Builder {
	b.config.EventReporter = r
	return b
}

func (b *Builder) PeerPersistencePath(path string) *Builder {
	b.config.PeerPersistencePath = path
	return b
}

func (b *Builder) UseCompression(use bool) *Builder {
	b.config.UseCompression = use
	return b
}

func (b *Builder) Logger(l logger.Logger) *Builder {
	b.config.Logger = l
	return b
}

// BuildConfig validates the collected configuration and fills in defaults.
func (b *Builder) BuildConfig() (Config, error) {
	c := b.config
	if c.TLSConfig != nil {
		c.TLSConfig = c.TLSConfig.Clone()
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}

// Build returns a Client for the collected configuration.
// It performs no network I/O, peers are discovered on first use.
func (b *Builder) Build() (*Client, error) {
	c, err := b.BuildConfig()
	if err != nil {
		return nil, err
	}
	return New(c)
}
