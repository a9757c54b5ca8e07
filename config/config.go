// Package config defines the YAML configuration of the s2s command.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	Client     *Client                `yaml:"client,optional"`
	Server     *Server                `yaml:"server,optional"`
	Logging    *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
	Monitoring []MonitoringEnum       `yaml:"monitoring,optional"`
}

// Client configures the site-to-site client used by send, receive and peers.
// Unset durations and limits fall back to the library defaults.
type Client struct {
	URL                 string            `yaml:"url"`
	PortName            string            `yaml:"port_name,optional"`
	PortIdentifier      string            `yaml:"port_identifier,optional"`
	Timeout             *PositiveDuration `yaml:"timeout,optional"`
	PenalizationPeriod  *PositiveDuration `yaml:"penalization_period,optional"`
	IdleExpiration      *PositiveDuration `yaml:"idle_expiration,optional"`
	PeerRefreshInterval *PositiveDuration `yaml:"peer_refresh_interval,optional"`
	MaxIdlePerPeer      int               `yaml:"max_idle_per_peer,optional"`
	UseCompression      bool              `yaml:"use_compression,optional,default=false"`
	PeerPersistencePath string            `yaml:"peer_persistence_path,optional"`
	TLS                 *ClientTLS        `yaml:"tls,optional"`
}

type ClientTLS struct {
	CA   string `yaml:"ca,optional"`
	Cert string `yaml:"cert,optional"`
	Key  string `yaml:"key,optional"`
	// Overrides the server name verified against the peer's certificate.
	ServerCN string `yaml:"server_cn,optional"`
}

// Server configures the node run by s2s serve.
type Server struct {
	Listen           string            `yaml:"listen"`
	WebListen        string            `yaml:"web_listen,optional"`
	TLS              *ServerTLS        `yaml:"tls,optional"`
	HandshakeTimeout *PositiveDuration `yaml:"handshake_timeout,optional"`
	IdleTimeout      *PositiveDuration `yaml:"idle_timeout,optional"`
	FullBackoff      *PositiveDuration `yaml:"full_backoff,optional"`
	MaxConnections   int64             `yaml:"max_connections,optional"`
	BatchSize        int               `yaml:"batch_size,optional"`
	Compression      bool              `yaml:"compression,optional,default=true"`
	// The node answers peer list requests with ClusterPeers.
	Cluster      bool          `yaml:"cluster,optional,default=false"`
	ClusterPeers []ClusterPeer `yaml:"cluster_peers,optional"`
	Ports        []ServerPort  `yaml:"ports"`
}

type ServerTLS struct {
	// If set, clients must present a certificate signed by CA.
	CA   string `yaml:"ca,optional"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ClusterPeer struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secure bool   `yaml:"secure,optional,default=false"`
}

type ServerPort struct {
	Name       string `yaml:"name"`
	Identifier string `yaml:"identifier,optional"`
	Stopped    bool   `yaml:"stopped,optional,default=false"`
	MaxQueued  int    `yaml:"max_queued,optional"`
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stdout"
time: true
level: "warn"
format: "human"
`
	s := &StdoutLoggingOutlet{}
	err := yaml.UnmarshalStrict([]byte(def), &s)
	if err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletCommon struct {
	Type   string `yaml:"type"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StdoutLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Time                bool `yaml:"time,default=true"`
	Color               bool `yaml:"color,default=true"`
}

type TCPLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Address             string               `yaml:"address"`
	Net                 string               `yaml:"net,default=tcp"`
	RetryInterval       *PositiveDuration    `yaml:"retry_interval,optional"`
	TLS                 *TCPLoggingOutletTLS `yaml:"tls,optional"`
}

type TCPLoggingOutletTLS struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type MonitoringEnum struct {
	Ret interface{}
}

type PrometheusMonitoring struct {
	Type   string `yaml:"type"`
	Listen string `yaml:"listen"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct {
		Type string
	}
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}

	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid type name %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"stdout": &StdoutLoggingOutlet{},
		"tcp":    &TCPLoggingOutlet{},
	})
	return
}

func (t *MonitoringEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"prometheus": &PrometheusMonitoring{},
	})
	return
}

// PrometheusListen returns the listen address of the first prometheus
// monitoring entry, or "" if there is none.
func (c *Config) PrometheusListen() string {
	for _, m := range c.Monitoring {
		if p, ok := m.Ret.(*PrometheusMonitoring); ok {
			return p.Listen
		}
	}
	return ""
}

// Validate checks constraints that the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.Client != nil {
		if c.Client.PortName == "" && c.Client.PortIdentifier == "" {
			return errors.New("client: one of port_name or port_identifier must be set")
		}
		if c.Client.PortName != "" && c.Client.PortIdentifier != "" {
			return errors.New("client: port_name and port_identifier are mutually exclusive")
		}
		if c.Client.MaxIdlePerPeer < 0 {
			return errors.New("client: max_idle_per_peer must not be negative")
		}
	}
	if s := c.Server; s != nil {
		if len(s.Ports) == 0 {
			return errors.New("server: at least one port must be configured")
		}
		names := make(map[string]bool, len(s.Ports))
		for i, p := range s.Ports {
			if p.Name == "" {
				return errors.Errorf("server: port #%d: name must not be empty", i)
			}
			if names[p.Name] {
				return errors.Errorf("server: duplicate port name %q", p.Name)
			}
			names[p.Name] = true
		}
		for i, p := range s.ClusterPeers {
			if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
				return errors.Errorf("server: cluster peer #%d: invalid address %s:%d", i, p.Host, p.Port)
			}
		}
		if s.TLS != nil && (s.TLS.Cert == "" || s.TLS.Key == "") {
			return errors.New("server: tls requires cert and key")
		}
	}
	return nil
}

var ConfigFileDefaultLocations = []string{
	"/etc/s2s/s2s.yml",
	"/usr/local/etc/s2s/s2s.yml",
}

func ParseConfig(path string) (i *Config, err error) {

	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				err = errors.Errorf("file at default location is not a regular file: %s", l)
				return
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.Errorf("no config file found at default locations %v", ConfigFileDefaultLocations)
	}

	var bytes []byte

	if bytes, err = os.ReadFile(path); err != nil {
		return
	}

	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
