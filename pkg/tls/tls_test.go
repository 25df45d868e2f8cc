// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxdispatch/pkg/tls/verifier/ocsp"
	"github.com/pion/dtls/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfig_Disabled(t *testing.T) {
	c, err := LoadClientConfig[*tls.Config](&Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, "no TLS", SecurityStatus(c))

	d, err := LoadClientConfig[*dtls.Config](nil)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestLoadClientConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not a certificate"), 0o600))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key pair", Config{Enabled: true, CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "k.pem")}},
		{"missing ca", Config{Enabled: true, CAFile: filepath.Join(dir, "none.pem")}},
		{"invalid ca", Config{Enabled: true, CAFile: badCA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadClientConfig[*tls.Config](&tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoadClientConfig_Plain(t *testing.T) {
	c, err := LoadClientConfig[*tls.Config](&Config{Enabled: true, ServerName: "broker.local", InsecureSkipVerify: true})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "broker.local", c.ServerName)
	assert.Nil(t, c.VerifyPeerCertificate)
	assert.Equal(t, "TLS (unverified)", SecurityStatus(c))

	d, err := LoadClientConfig[*dtls.Config](&Config{Enabled: true, OCSP: ocspCfg()})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotNil(t, d.VerifyPeerCertificate)
	assert.Equal(t, "DTLS", SecurityStatus(d))
}

func ocspCfg() ocsp.Config {
	return ocsp.Config{Depth: 1, ResponderURL: "http://ocsp.example.com"}
}
