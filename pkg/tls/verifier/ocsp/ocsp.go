// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fluxdispatch/pkg/tls/verifier"
	"golang.org/x/crypto/ocsp"
)

var (
	errCreateOCSPReq     = errors.New("failed to create OCSP request")
	errCreateOCSPHTTPReq = errors.New("failed to create OCSP HTTP request")
	errParseOCSPUrl      = errors.New("failed to parse OCSP responder URL")
	errOCSPReq           = errors.New("OCSP request failed")
	errOCSPReadResp      = errors.New("failed to read OCSP response")
	errParseOCSPResp     = errors.New("failed to parse OCSP response")
	errNoIssuer          = errors.New("issuer certificate neither in chain nor in AIA")
	errNoOCSPURL         = errors.New("no OCSP responder configured or present in AIA")
	errOCSPServerFailed  = errors.New("OCSP server failed")
	errOCSPUnknown       = errors.New("OCSP status unknown")
	errCertRevoked       = errors.New("certificate revoked")
	errFetchIssuer       = errors.New("failed to fetch issuer certificate")
	errIssuerPEM         = errors.New("failed to decode issuer certificate PEM")
	errParseCert         = errors.New("failed to parse certificate")
	errNoPeerCert        = errors.New("peer certificate not received")
)

const defaultTimeout = 5 * time.Second

// Config enables OCSP checks on the remote peer's chain. Depth 0 checks the
// whole chain.
type Config struct {
	Depth        uint          `yaml:"depth"`
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether any OCSP setting is present.
func (c Config) Enabled() bool {
	return c.Depth > 0 || c.ResponderURL != ""
}

type ocspVerifier struct {
	Config
	client *http.Client
}

var _ verifier.Verifier = (*ocspVerifier)(nil)

func New(cfg Config) (verifier.Verifier, error) {
	if cfg.ResponderURL != "" {
		if _, err := url.Parse(cfg.ResponderURL); err != nil {
			return nil, errors.Join(errParseOCSPUrl, err)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ocspVerifier{Config: cfg, client: &http.Client{Timeout: timeout}}, nil
}

func (v *ocspVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) > 0 {
		for _, chain := range verifiedChains {
			if err := v.verifyChain(chain); err != nil {
				return err
			}
		}
		return nil
	}
	if len(rawCerts) == 0 {
		return errNoPeerCert
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return v.verifyChain(certs)
}

func (v *ocspVerifier) verifyChain(chain []*x509.Certificate) error {
	for i, cert := range chain {
		if v.Depth > 0 && uint(i) >= v.Depth {
			return nil
		}
		var issuer *x509.Certificate
		switch {
		case isSelfSigned(cert):
			issuer = cert
		case i+1 < len(chain):
			issuer = chain[i+1]
		}
		if err := v.check(cert, issuer); err != nil {
			return err
		}
	}
	return nil
}

func (v *ocspVerifier) check(cert, issuer *x509.Certificate) error {
	if issuer == nil {
		if len(cert.IssuingCertificateURL) == 0 {
			return fmt.Errorf("%w: common name %s, serial %x", errNoIssuer, cert.Subject.CommonName, cert.SerialNumber)
		}
		var err error
		if issuer, err = v.fetchIssuer(cert.IssuingCertificateURL[0]); err != nil {
			return err
		}
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	responder := v.ResponderURL
	if responder == "" {
		if len(cert.OCSPServer) == 0 {
			return fmt.Errorf("%w: common name %s, serial %x", errNoOCSPURL, cert.Subject.CommonName, cert.SerialNumber)
		}
		responder = cert.OCSPServer[0]
	}
	u, err := url.Parse(responder)
	if err != nil {
		return errors.Join(errParseOCSPUrl, err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, responder, bytes.NewReader(req))
	if err != nil {
		return errors.Join(errCreateOCSPHTTPReq, err)
	}
	httpReq.Header.Add("Content-Type", "application/ocsp-request")
	httpReq.Header.Add("Accept", "application/ocsp-response")
	httpReq.Host = u.Host

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return errors.Join(errOCSPReq, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(errOCSPReadResp, err)
	}

	res, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return errors.Join(errParseOCSPResp, err)
	}
	switch res.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: common name %s, serial %x, at %v", errCertRevoked, cert.Subject.CommonName, cert.SerialNumber, res.RevokedAt)
	case ocsp.ServerFailed:
		return errOCSPServerFailed
	default:
		return errOCSPUnknown
	}
}

func (v *ocspVerifier) fetchIssuer(u string) (*x509.Certificate, error) {
	resp, err := v.client.Get(u)
	if err != nil {
		return nil, errors.Join(errFetchIssuer, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errFetchIssuer, err)
	}

	// AIA issuers are served either DER or PEM encoded.
	der := body
	if block, _ := pem.Decode(body); block != nil {
		der = block.Bytes
	} else if len(body) > 0 && body[0] == '-' {
		return nil, errIssuerPEM
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Join(errParseCert, err)
	}
	return cert, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId)
	}
	return cert.Issuer.String() == cert.Subject.String()
}
