package engine

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"certadm/pkg/helper/x509x"
)

// LoadCA parse CA certificate chain and private key PEM; the key may be a
// passphrase encrypted PEM block.
func LoadCA(certPEMBytes, keyPEMBytes []byte, passphrase string) ([]*x509.Certificate, x509x.PrivateKey, error) {
	chain, err := x509x.ParseCertificateChain(certPEMBytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to load CA certificate")
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("no CA certificate found")
	}

	key, err := loadKey(keyPEMBytes, passphrase)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to load CA key")
	}

	return chain, key, nil
}

func loadKey(keyPEMBytes []byte, passphrase string) (x509x.PrivateKey, error) {
	p, _ := pem.Decode(keyPEMBytes)
	if p == nil {
		return nil, errors.New("invalid PEM")
	}

	if x509.IsEncryptedPEMBlock(p) { //nolint:staticcheck // historical CA keys use RFC 1423 encryption
		der, err := x509.DecryptPEMBlock(p, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, err
		}
		return x509.ParsePKCS1PrivateKey(der)
	}

	return x509x.ParsePrivateKey(keyPEMBytes)
}

// CreateCA create a self signed CA certificate with serial 1; client
// certificate serials start at 2.
func CreateCA(cn string, organization []string, keyAlgorithm x509.SignatureAlgorithm, validFor time.Duration) (certPEM []byte, keyPEM []byte, err error) {
	key, err := x509x.GenerateKey(keyAlgorithm)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to create CA")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: organization,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to create CA")
	}

	keyPEM, err = x509x.EncodePrivateKeyToPEM(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fail to create CA")
	}

	return x509x.EncodeCertificateToPEM(derBytes), keyPEM, nil
}
