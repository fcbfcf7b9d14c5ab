package x509x

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

const (
	CertificatePEMBlockType     = "CERTIFICATE"
	RsaPrivateKeyPEMBlockType   = "RSA PRIVATE KEY"
	EcdsaPrivateKeyPEMBlockType = "EC PRIVATE KEY"
	Pkcs8PrivateKeyPEMBlockType = "PRIVATE KEY"

	pemPrefix = "-----BEGIN "
)

var (
	pemPrefixCertificate     = []byte(pemPrefix + CertificatePEMBlockType)
	pemPrefixRsaPrivateKey   = []byte(pemPrefix + RsaPrivateKeyPEMBlockType)
	pemPrefixEcdsaPrivateKey = []byte(pemPrefix + EcdsaPrivateKeyPEMBlockType)
	pemPrefixPkcs8PrivateKey = []byte(pemPrefix + Pkcs8PrivateKeyPEMBlockType)
)

var randReader = rand.Reader

// ParseCertificate parse x509 certificate PEM block or DER bytes
func ParseCertificate(certBytes []byte) (*x509.Certificate, error) {
	if bytes.HasPrefix(certBytes, pemPrefixCertificate) {
		p, _ := pem.Decode(certBytes)
		if p == nil {
			return nil, errors.New("invalid PEM")
		}

		certBytes = p.Bytes
	}

	return x509.ParseCertificate(certBytes)
}

// ParseCertificateChain parse concatenated certificate PEM blocks
func ParseCertificateChain(pemBytes []byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0)
	for {
		p, rest := pem.Decode(pemBytes)
		if p == nil {
			return certs, nil
		}

		cert, err := ParseCertificate(p.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "certificate parse failed")
		}
		certs = append(certs, cert)
		pemBytes = rest
	}
}

// PrivateKey private key with Signer interface
type PrivateKey interface {
	crypto.PrivateKey
	crypto.Signer
}

// GenerateKey generate private and public key pair
func GenerateKey(algorithm x509.SignatureAlgorithm) (privateKey PrivateKey, err error) {
	switch algorithm {
	case x509.ECDSAWithSHA256:
		privateKey, err = ecdsa.GenerateKey(elliptic.P256(), randReader)
	case x509.ECDSAWithSHA384:
		privateKey, err = ecdsa.GenerateKey(elliptic.P384(), randReader)
	case x509.ECDSAWithSHA512:
		privateKey, err = ecdsa.GenerateKey(elliptic.P521(), randReader)
	case x509.PureEd25519:
		_, privateKey, err = ed25519.GenerateKey(randReader)
	case x509.SHA256WithRSA:
		privateKey, err = rsa.GenerateKey(randReader, 256*8)
	case x509.SHA384WithRSA:
		privateKey, err = rsa.GenerateKey(randReader, 384*8)
	case x509.SHA512WithRSA:
		privateKey, err = rsa.GenerateKey(randReader, 512*8)
	default:
		return nil, errors.Errorf("unknown algorithm: %s", algorithm)
	}

	if err != nil {
		return nil, err
	}

	return
}

// ParsePrivateKey parse pem formatted private key
func ParsePrivateKey(keyPemBytes []byte) (PrivateKey, error) {
	p, _ := pem.Decode(keyPemBytes)
	if p == nil {
		return nil, errors.New("invalid PEM")
	}

	var key PrivateKey
	var err error
	switch {
	case bytes.HasPrefix(keyPemBytes, pemPrefixRsaPrivateKey):
		key, err = x509.ParsePKCS1PrivateKey(p.Bytes)

	case bytes.HasPrefix(keyPemBytes, pemPrefixEcdsaPrivateKey):
		key, err = x509.ParseECPrivateKey(p.Bytes)

	case bytes.HasPrefix(keyPemBytes, pemPrefixPkcs8PrivateKey):
		var k any
		k, err = x509.ParsePKCS8PrivateKey(p.Bytes)
		if err == nil {
			var ok bool
			if key, ok = k.(PrivateKey); !ok {
				return nil, errors.Errorf("unsupported pkcs8 key: %T", k)
			}
		}

	default:
		return nil, errors.New("unknown pem type")
	}

	if err != nil {
		return nil, errors.Wrap(err, "fail to parse private key")
	}
	return key, nil
}

func EncodeCertificateToPEM(derBytes []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:    CertificatePEMBlockType,
		Headers: nil,
		Bytes:   derBytes,
	})
}

func EncodePrivateKeyToPEM(privateKey PrivateKey) ([]byte, error) {
	var pemType string
	var keyBytes []byte

	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		pemType = RsaPrivateKeyPEMBlockType
		keyBytes = x509.MarshalPKCS1PrivateKey(key)
	case *ecdsa.PrivateKey:
		pemType = EcdsaPrivateKeyPEMBlockType
		derBytes, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "fail to encode private key")
		}
		keyBytes = derBytes
	case ed25519.PrivateKey:
		pemType = Pkcs8PrivateKeyPEMBlockType
		derBytes, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "fail to encode private key")
		}
		keyBytes = derBytes
	default:
		return nil, errors.Errorf("unsupported private key: %T", privateKey)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  pemType,
		Bytes: keyBytes,
	}), nil
}
