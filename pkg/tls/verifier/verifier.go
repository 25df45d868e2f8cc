// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package verifier

import "crypto/x509"

// Verifier checks a peer certificate chain beyond standard chain validation.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// ValidateFunc matches the VerifyPeerCertificate hook of tls and dtls configs.
type ValidateFunc func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// NewValidator runs every verifier in order and stops at the first error.
func NewValidator(vs []Verifier) ValidateFunc {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range vs {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}
