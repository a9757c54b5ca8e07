package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

func ParseCAFile(certfile string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	pem, err := os.ReadFile(certfile)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("PEM parsing error")
	}
	return pool, nil
}

// Files names the PEM files that make up a TLS identity.
// All fields are optional, but Cert and Key must be given together.
type Files struct {
	CA   string
	Cert string
	Key  string
}

func (f Files) loadCert() (*tls.Certificate, error) {
	if (f.Cert == "") != (f.Key == "") {
		return nil, errors.New("cert and key must be specified together")
	}
	if f.Cert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load cert and key")
	}
	return &cert, nil
}

// ClientConfig builds the client side TLS configuration.
// If CA is empty, the system roots are used.
// serverName may be empty, in which case it is derived from the dialed address.
func ClientConfig(f Files, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if f.CA != "" {
		ca, err := ParseCAFile(f.CA)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse ca file")
		}
		cfg.RootCAs = ca
	}
	cert, err := f.loadCert()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}

// ServerConfig builds the server side TLS configuration.
// If CA is given, clients must present a certificate signed by it.
func ServerConfig(f Files) (*tls.Config, error) {
	if f.Cert == "" {
		return nil, errors.New("server requires cert and key")
	}
	cert, err := f.loadCert()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	if f.CA != "" {
		ca, err := ParseCAFile(f.CA)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse ca file")
		}
		cfg.ClientCAs = ca
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientCN returns the common name of the verified client certificate,
// or the empty string if the client did not present one.
func ClientCN(conn *tls.Conn) string {
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	return certs[0].Subject.CommonName
}
