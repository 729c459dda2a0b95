package crypto

import (
	"os"

	"crypto/tls"
	"crypto/x509"

	"github.com/pkg/errors"
)

// Functions

// NewRelayTLSConfig returns a TLS config that is to be used
// when exposing a relay to the public Internet. It defines
// strict defaults and serves the certificate at certPath.
func NewRelayTLSConfig(certPath string, keyPath string) (*tls.Config, error) {

	var err error

	// Define strict defaults for public TLS usage.
	config := &tls.Config{
		Certificates:     make([]tls.Certificate, 1),
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP384, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}

	// Put certificate specified via arguments as the
	// only certificate into config.
	config.Certificates[0], err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS cert and key")
	}

	return config, nil
}

// NewClientTLSConfig returns the TLS config clients dial a
// relay with. If rootCertPath is empty the system roots are
// used, otherwise only the root certificate found there.
func NewClientTLSConfig(rootCertPath string) (*tls.Config, error) {

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if rootCertPath == "" {
		return config, nil
	}

	// Read in root certificate in PEM format supplied
	// via path in arguments.
	rootCert, err := os.ReadFile(rootCertPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading root certificate into memory failed")
	}

	config.RootCAs = x509.NewCertPool()

	// Append root certificate to root CA pool.
	if ok := config.RootCAs.AppendCertsFromPEM(rootCert); !ok {
		return nil, errors.Errorf("no PEM certificate found in %s", rootCertPath)
	}

	return config, nil
}
