package config

import (
	"bytes"
	"path"
	"path/filepath"
	"testing"
	"text/template"
	"time"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zrepl/yaml-config"
)

func TestSampleConfigsAreParsedWithoutErrors(t *testing.T) {
	paths, err := filepath.Glob("./samples/*")
	if err != nil {
		t.Errorf("glob failed: %+v", err)
	}

	for _, p := range paths {

		if path.Ext(p) != ".yml" {
			t.Logf("skipping file %s", p)
			continue
		}

		t.Run(p, func(t *testing.T) {
			c, err := ParseConfig(p)
			if err != nil {
				t.Errorf("error parsing %s:\n%+v", p, err)
			}

			t.Logf("file: %s", p)
			t.Log(pretty.Sprint(c))
		})

	}

}

// template must be a template/text template with a single '{{ . }}' as placeholder for val
func testValidConfigTemplate(t *testing.T, tmpl string, val string) *Config {
	tmp, err := template.New("master").Parse(tmpl)
	if err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	err = tmp.Execute(&buf, val)
	if err != nil {
		panic(err)
	}
	return testValidConfig(t, buf.String())
}

func testValidConfig(t *testing.T, input string) *Config {
	t.Helper()
	conf, err := testConfig(t, input)
	require.NoError(t, err)
	require.NotNil(t, conf)
	return conf
}

func testConfig(t *testing.T, input string) (*Config, error) {
	t.Helper()
	return ParseConfigBytes([]byte(input))
}

const clientSection = `
client:
  url: "tcp://node1:10443"
  port_name: ingest
`

func TestClientSection(t *testing.T) {
	c := testValidConfig(t, `
client:
  url: "http://cluster:8080"
  port_name: ingest
  timeout: 1m
  max_idle_per_peer: 2
`)
	require.NotNil(t, c.Client)
	assert.Equal(t, "http://cluster:8080", c.Client.URL)
	assert.Equal(t, time.Minute, c.Client.Timeout.Duration())
	assert.Nil(t, c.Client.PenalizationPeriod)
	assert.Equal(t, 2, c.Client.MaxIdlePerPeer)
	assert.False(t, c.Client.UseCompression)
	assert.Nil(t, c.Server)
}

func TestClientSection_PortNameXorIdentifier(t *testing.T) {
	_, err := testConfig(t, `
client:
  url: "http://cluster:8080"
`)
	assert.Error(t, err)

	_, err = testConfig(t, `
client:
  url: "http://cluster:8080"
  port_name: ingest
  port_identifier: abc
`)
	assert.Error(t, err)
}

func TestPositiveDurations(t *testing.T) {
	tmpl := `
client:
  url: "http://cluster:8080"
  port_name: ingest
  penalization_period: {{ . }}
`
	c := testValidConfigTemplate(t, tmpl, "2d")
	assert.Equal(t, 48*time.Hour, c.Client.PenalizationPeriod.Duration())
	c = testValidConfigTemplate(t, tmpl, "250ms")
	assert.Equal(t, 250*time.Millisecond, c.Client.PenalizationPeriod.Duration())
	c = testValidConfigTemplate(t, tmpl, "1m30s")
	assert.Equal(t, 90*time.Second, c.Client.PenalizationPeriod.Duration())
	assert.Equal(t, "1m30s", c.Client.PenalizationPeriod.String())

	for _, invalid := range []string{"0", "-1s", "10", "3y"} {
		t.Run(invalid, func(t *testing.T) {
			_, err := testConfig(t, `
client:
  url: "http://cluster:8080"
  port_name: ingest
  penalization_period: `+invalid+`
`)
			assert.Error(t, err)
		})
	}
}

func TestServerSection(t *testing.T) {
	c := testValidConfig(t, `
server:
  listen: ":10443"
  ports:
    - name: a
    - name: b
      stopped: true
      max_queued: 5
`)
	require.NotNil(t, c.Server)
	assert.True(t, c.Server.Compression, "compression defaults to on for servers")
	assert.False(t, c.Server.Cluster)
	require.Len(t, c.Server.Ports, 2)
	assert.True(t, c.Server.Ports[1].Stopped)
	assert.Equal(t, 5, c.Server.Ports[1].MaxQueued)

	_, err := testConfig(t, `
server:
  listen: ":10443"
  ports:
    - name: a
    - name: a
`)
	assert.Error(t, err)

	_, err = testConfig(t, `
server:
  listen: ":10443"
  ports: []
`)
	assert.Error(t, err)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	_, err := testConfig(t, clientSection+"  bogus: 1\n")
	assert.Error(t, err)
}

func TestEmptyConfig(t *testing.T) {
	_, err := testConfig(t, "# only a comment\n")
	assert.Error(t, err)
}

func TestOutletTypes(t *testing.T) {
	conf := testValidConfig(t, clientSection+`
logging:
  - type: stdout
    level: debug
    format: human
  - type: tcp
    level: debug
    format: json
    address: logserver.example.com:1234
  - type: tcp
    level: debug
    format: logfmt
    address: encryptedlogserver.example.com:1234
    retry_interval: 20s
    tls:
      ca: /etc/s2s/log/ca.crt
      cert: /etc/s2s/log/cert.pem
      key: /etc/s2s/log/key.pem
`)
	assert.Equal(t, 3, len(*conf.Logging))
	tcp := (*conf.Logging)[2].Ret.(*TCPLoggingOutlet)
	assert.NotNil(t, tcp.TLS)
	assert.Equal(t, "tcp", tcp.Net)
	assert.Equal(t, 20*time.Second, tcp.RetryInterval.Duration())
}

func TestDefaultLoggingOutlet(t *testing.T) {
	conf := testValidConfig(t, clientSection)
	assert.Equal(t, 1, len(*conf.Logging))
	o := (*conf.Logging)[0].Ret.(*StdoutLoggingOutlet)
	assert.Equal(t, "warn", o.Level)
	assert.Equal(t, "human", o.Format)
}

func TestPrometheusMonitoring(t *testing.T) {
	conf := testValidConfig(t, clientSection+`
monitoring:
  - type: prometheus
    listen: ':9091'
`)
	assert.Equal(t, ":9091", conf.PrometheusListen())

	conf = testValidConfig(t, clientSection)
	assert.Equal(t, "", conf.PrometheusListen())
}

func TestLoggingOutletEnumList_SetDefaults(t *testing.T) {
	e := &LoggingOutletEnumList{}
	var i yaml.Defaulter = e
	require.NotPanics(t, func() {
		i.SetDefault()
		assert.Equal(t, "warn", (*e)[0].Ret.(*StdoutLoggingOutlet).Level)
	})
}
