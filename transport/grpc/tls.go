package grpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// TLSFiles names PEM files for TLS credentials. CAFile is optional: on a
// server it enables client certificate verification, on a client it
// replaces the system roots.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func (f TLSFiles) load() ([]tls.Certificate, *x509.CertPool, error) {
	var pool *x509.CertPool
	if f.CAFile != "" {
		caBytes, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, nil, fmt.Errorf("no certificates in %s", f.CAFile)
		}
	}

	var certs []tls.Certificate
	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load certificate key pair: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, pool, nil
}

// ServerCredentials builds server TLS credentials. A certificate is required.
func (f TLSFiles) ServerCredentials() (credentials.TransportCredentials, error) {
	certs, pool, err := f.load()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("server TLS needs a certificate and key")
	}
	cfg := &tls.Config{Certificates: certs, MinVersion: tls.VersionTLS12}
	if pool != nil {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials builds client TLS credentials, presenting a client
// certificate when one is configured.
func (f TLSFiles) ClientCredentials() (credentials.TransportCredentials, error) {
	certs, pool, err := f.load()
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{Certificates: certs, RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}
