package crypto

import (
	"net"
	"os"
	"time"

	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"

	"github.com/pkg/errors"
)

// Functions

// certTemplate returns a certificate template that has
// all default values for our certificates already set.
func certTemplate(notBefore time.Time, notAfter time.Time) (*x509.Certificate, error) {

	// For serial number generation we need a biggest
	// number to mark the range of the serial number.
	limit := new(big.Int).Lsh(big.NewInt(1), 128)

	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate random serial number")
	}

	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"cosync development"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, nil
}

// GenerateSelfSigned writes a self-signed certificate valid
// for hosts to certPath and its private key to keyPath. The
// certificate doubles as its own root, so clients can pass
// certPath as root certificate.
func GenerateSelfSigned(hosts []string, validFor time.Duration, certPath string, keyPath string) error {

	if len(hosts) == 0 {
		return errors.New("at least one host is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.Wrap(err, "failed to generate private key")
	}

	now := time.Now()

	tmpl, err := certTemplate(now.Add(-time.Minute), now.Add(validFor))
	if err != nil {
		return err
	}
	tmpl.Subject.CommonName = hosts[0]

	for _, h := range hosts {

		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return errors.Wrap(err, "failed to create certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}

	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600)
}

func writePEM(path string, blockType string, der []byte, mode os.FileMode) error {

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", path)
	}

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}

	return f.Close()
}
