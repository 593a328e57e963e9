package juggler

import (
	"crypto/tls"
	"fmt"
)

// LoadDevTLSConfig builds a *tls.Config from a single combined PEM file
// (certificate followed by private key), mirroring the original's
// single-pem-file, no-client-verification development TLS mode. It is a
// convenience constructor, not a requirement: ListenOptions.TLSConfig
// and ClientOptions.TLSConfig accept any *tls.Config, sourced however
// the caller prefers.
func LoadDevTLSConfig(pemFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(pemFile, pemFile)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("load TLS cert/key from %q: %v", pemFile, err)}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
