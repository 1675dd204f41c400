// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig holds transport-level TLS options.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Dev/test only.
	InsecureSkipVerify bool

	// CACertificate is a path to a PEM CA bundle trusted in addition to
	// the system pool.
	CACertificate string
}

// NewTransport builds an http.Transport from the TLS options.
func NewTransport(cfg *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{TLSClientConfig: &tls.Config{}}
	if cfg == nil {
		return transport, nil
	}

	if cfg.CACertificate != "" {
		caCert, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	transport.TLSClientConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return transport, nil
}

// WithTLSConfig installs a transport built from cfg on the client.
// Invalid configuration fails at first use, not at construction, so the
// error is reported through the client's logger.
func WithTLSConfig(cfg *TLSConfig) Option {
	return func(c *Client) {
		transport, err := NewTransport(cfg)
		if err != nil {
			c.logger.Warn("failed to configure TLS, keeping default transport", "error", err)
			return
		}
		c.client.Transport = transport
	}
}
