package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLSConfig loads a PEM certificate and key for a listening transport.
func ServerTLSConfig(certFile string, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds a dialing TLS config. caFile is optional.
func ClientTLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	conf := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		conf.RootCAs = pool
	}

	return conf, nil
}

// NewServerTransportTLS is a TCP transport that serves TLS with the given
// PEM files.
func NewServerTransportTLS(address string, certFile string, keyFile string) (*ServerTransport, error) {
	conf, err := ServerTLSConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return NewServerTransport(ServerTransportConfig{
		Address:   address,
		NoDelay:   true,
		TLSConfig: conf,
	}), nil
}
