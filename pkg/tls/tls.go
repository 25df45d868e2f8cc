// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/fluxdispatch/pkg/tls/verifier"
	"github.com/absmach/fluxdispatch/pkg/tls/verifier/ocsp"
	"github.com/pion/dtls/v3"
)

var (
	errLoadCerts      = errors.New("failed to load client certificate")
	errLoadCA         = errors.New("failed to load CA")
	errAppendCA       = errors.New("failed to append CA certificates")
	errUnsupportedTLS = errors.New("unsupported tls configuration")
)

// Config describes the client side of a TLS or DTLS session towards a
// destination. An empty config disables TLS.
type Config struct {
	Enabled            bool        `yaml:"enabled"`
	CertFile           string      `yaml:"cert_file"`
	KeyFile            string      `yaml:"key_file"`
	CAFile             string      `yaml:"ca_file"`
	ServerName         string      `yaml:"server_name"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	OCSP               ocsp.Config `yaml:"ocsp"`
}

type TLSConfig interface {
	*tls.Config | *dtls.Config
}

// LoadClientConfig returns a TLS or DTLS client configuration, or nil when
// TLS is disabled.
func LoadClientConfig[sc TLSConfig](c *Config) (sc, error) {
	var zero sc

	if c == nil || !c.Enabled {
		return zero, nil
	}

	var certs []tls.Certificate
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return zero, errors.Join(errLoadCerts, err)
		}
		certs = append(certs, cert)
	}

	var rootCAs *x509.CertPool
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return zero, errors.Join(errLoadCA, err)
		}
		rootCAs = x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(pem) {
			return zero, errAppendCA
		}
	}

	var verify verifier.ValidateFunc
	if c.OCSP.Enabled() {
		v, err := ocsp.New(c.OCSP)
		if err != nil {
			return zero, err
		}
		verify = verifier.NewValidator([]verifier.Verifier{v})
	}

	switch any(zero).(type) {
	case *tls.Config:
		config := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			Certificates:       certs,
			RootCAs:            rootCAs,
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}
		if verify != nil {
			config.VerifyPeerCertificate = verify
		}
		return any(config).(sc), nil
	case *dtls.Config:
		config := &dtls.Config{
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			},
			Certificates:       certs,
			RootCAs:            rootCAs,
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}
		if verify != nil {
			config.VerifyPeerCertificate = verify
		}
		return any(config).(sc), nil
	default:
		return zero, errUnsupportedTLS
	}
}

// SecurityStatus returns a log-friendly description of a client config.
func SecurityStatus[sc TLSConfig](s sc) string {
	if s == nil {
		return "no TLS"
	}
	switch c := any(s).(type) {
	case *tls.Config:
		ret := "TLS"
		if len(c.Certificates) > 0 {
			ret += " with client certificate"
		}
		if c.InsecureSkipVerify {
			ret += " (unverified)"
		}
		return ret
	case *dtls.Config:
		return "DTLS"
	default:
		return "no TLS"
	}
}
