package common

import (
	"fmt"
)

type ClusterType string

const (
	ClusterTypeNone   = ClusterType("")
	ClusterTypeSource = ClusterType("SOURCE")
	ClusterTypeTarget = ClusterType("TARGET")
)

// ProxyTlsConfig contains the TLS configuration for the client-facing listener.
//   - TlsEnabled is an internal flag that is automatically set based on the configuration provided
//   - Both properties (ProxyCertPath and ProxyKeyPath) are required for proxy TLS to be enabled
type ProxyTlsConfig struct {
	TlsEnabled    bool
	ProxyCertPath string
	ProxyKeyPath  string
}

func (recv *ProxyTlsConfig) String() string {
	return fmt.Sprintf("ProxyTlsConfig{TlsEnabled=%v, ProxyCertPath=%v, ProxyKeyPath=%v}",
		recv.TlsEnabled, recv.ProxyCertPath, recv.ProxyKeyPath)
}
