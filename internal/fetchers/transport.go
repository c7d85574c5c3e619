// Package fetchers provides sample QueryFn implementations for two common
// upstreams (Consul KV and Vault secrets), showing how a consumer's own
// queryFn typically wraps a real client library rather than anything the
// cache itself needs to know about.
package fetchers

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	rootcerts "github.com/hashicorp/go-rootcerts"
	"github.com/pkg/errors"
)

// TransportConfig mirrors the handful of dial/TLS knobs a long-lived
// blocking-query client needs; NewConsulKVFetcher and NewVaultReadFetcher
// build their http.Client from it via NewHTTPClient.
type TransportConfig struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration
	IdleConnTimeout time.Duration
	MaxIdleConns  int

	SSLEnabled bool
	SSLVerify  bool
	SSLCACert  string
	SSLCAPath  string
	ServerName string
}

// DefaultTransportConfig matches the teacher's own defaults: keep-alives
// on, SSL verification on when SSL is enabled at all.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:     30 * time.Second,
		DialKeepAlive:   30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxIdleConns:    100,
		SSLVerify:       true,
	}
}

// NewHTTPClient builds an *http.Client from cfg, configuring root CAs via
// go-rootcerts when SSL is enabled and a custom CA was supplied.
func NewHTTPClient(cfg TransportConfig) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		Dial: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.DialKeepAlive,
		}).Dial,
		ForceAttemptHTTP2: true,
		IdleConnTimeout:   cfg.IdleConnTimeout,
		MaxIdleConns:      cfg.MaxIdleConns,
	}

	if cfg.SSLEnabled {
		var tlsConfig tls.Config
		tlsConfig.InsecureSkipVerify = !cfg.SSLVerify

		if cfg.SSLCACert != "" || cfg.SSLCAPath != "" {
			rootConfig := &rootcerts.Config{
				CAFile: cfg.SSLCACert,
				CAPath: cfg.SSLCAPath,
			}
			if err := rootcerts.ConfigureTLS(&tlsConfig, rootConfig); err != nil {
				return nil, errors.Wrap(err, "fetchers: configuring TLS failed")
			}
		}

		if cfg.ServerName != "" {
			tlsConfig.ServerName = cfg.ServerName
			tlsConfig.InsecureSkipVerify = false
		}

		transport.TLSClientConfig = &tlsConfig
	}

	return &http.Client{Transport: transport}, nil
}
