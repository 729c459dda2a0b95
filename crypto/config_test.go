package crypto_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"crypto/tls"
	"crypto/x509"

	"github.com/go-pluto/cosync/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestTLSConfigs generates a development certificate and
// builds both TLS configs from it.
func TestTLSConfigs(t *testing.T) {

	dir := t.TempDir()
	certPath := filepath.Join(dir, "relay.crt")
	keyPath := filepath.Join(dir, "relay.key")

	require.NoError(t, crypto.GenerateSelfSigned([]string{"localhost", "127.0.0.1"}, time.Hour, certPath, keyPath))

	relayConf, err := crypto.NewRelayTLSConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), relayConf.MinVersion)
	require.Len(t, relayConf.Certificates, 1)

	leaf, err := x509.ParseCertificate(relayConf.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	assert.Len(t, leaf.IPAddresses, 1)

	clientConf, err := crypto.NewClientTLSConfig(certPath)
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   clientConf.RootCAs,
	})
	assert.NoError(t, err)

	system, err := crypto.NewClientTLSConfig("")
	require.NoError(t, err)
	assert.Nil(t, system.RootCAs)

	// A key file is no root certificate.
	_, err = crypto.NewClientTLSConfig(keyPath)
	assert.Error(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = crypto.NewRelayTLSConfig(filepath.Join(dir, "missing.crt"), keyPath)
	assert.Error(t, err)
}
