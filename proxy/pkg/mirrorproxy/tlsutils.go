package mirrorproxy

import (
	"crypto/tls"
	"fmt"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/common"
)

// loadProxyTlsConfig builds the TLS configuration for the client-facing
// listener from PEM cert and key files.
func loadProxyTlsConfig(proxyTlsConfig *common.ProxyTlsConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(proxyTlsConfig.ProxyCertPath, proxyTlsConfig.ProxyKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load proxy certificate and key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// clusterTlsConfig returns the TLS configuration for upstream connections.
// Server certificates are not verified; certificate configuration is an
// extension point.
func clusterTlsConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
	}
}
