package engine

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/whitekid/goxp/log"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"certadm/pkg/helper"
	"certadm/pkg/helper/x509x"
)

var (
	ErrInvalidSubject   = errors.New("invalid subject attributes")
	ErrSigningFailure   = errors.New("signing failure")
	ErrPackagingFailure = errors.New("pkcs12 packaging failure")
	ErrWeakPassword     = errors.New("password rejected by policy")
)

// Signer signs client certificates under the CA key. Injected into the
// engine so tests can substitute a throwaway CA.
type Signer interface {
	Sign(ctx context.Context, req *IssueRequest) (certPEM []byte, keyPEM []byte, err error)
	CAChain() []*x509.Certificate
}

// IssueRequest client certificate issue request; CN is the client uid.
type IssueRequest struct {
	CommonName   string   `validate:"required"`
	SerialNumber *big.Int `validate:"required"`

	Country, Organization, OrganizationalUnit []string
	Locality, Province                        []string
	StreetAddress, PostalCode                 []string

	KeyAlgorithm x509.SignatureAlgorithm `validate:"required"`
	NotBefore    time.Time               `validate:"required"`
	NotAfter     time.Time               `validate:"required"`
}

// Template convert to x509 certificate template
func (req *IssueRequest) Template() (*x509.Certificate, error) {
	if err := helper.ValidateStruct(req); err != nil {
		return nil, errors.Wrap(ErrInvalidSubject, err.Error())
	}

	return &x509.Certificate{
		SerialNumber: req.SerialNumber,
		Subject: pkix.Name{
			CommonName:         req.CommonName,
			Country:            req.Country,
			Organization:       req.Organization,
			OrganizationalUnit: req.OrganizationalUnit,
			Locality:           req.Locality,
			Province:           req.Province,
			StreetAddress:      req.StreetAddress,
			PostalCode:         req.PostalCode,
		},
		NotBefore:   req.NotBefore,
		NotAfter:    req.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, nil
}

// ApplyAttributes fill subject fields from client attributes; string values
// for known subject keys, everything else is opaque metadata and ignored.
func (req *IssueRequest) ApplyAttributes(attrs map[string]any) error {
	for key, val := range attrs {
		field := map[string]*[]string{
			"country":            &req.Country,
			"organization":       &req.Organization,
			"organizationalUnit": &req.OrganizationalUnit,
			"locality":           &req.Locality,
			"province":           &req.Province,
			"streetAddress":      &req.StreetAddress,
			"postalCode":         &req.PostalCode,
		}[key]
		if field == nil {
			continue
		}

		s, ok := val.(string)
		if !ok {
			return errors.Wrapf(ErrInvalidSubject, "attribute %q must be a string", key)
		}
		*field = []string{s}
	}

	return nil
}

// Native create the production signer holding the CA certificate chain and
// private key. The first chain element signs.
func Native(caChain []*x509.Certificate, caKey x509x.PrivateKey) Signer {
	return &nativeImpl{caChain: caChain, caKey: caKey}
}

type nativeImpl struct {
	caChain []*x509.Certificate
	caKey   x509x.PrivateKey
}

var _ Signer = (*nativeImpl)(nil)

func (na *nativeImpl) CAChain() []*x509.Certificate { return na.caChain }

func (na *nativeImpl) Sign(ctx context.Context, req *IssueRequest) ([]byte, []byte, error) {
	log.Debugf("Sign(): cn=%s, serial=%s", req.CommonName, req.SerialNumber)

	template, err := req.Template()
	if err != nil {
		return nil, nil, err
	}

	privateKey, err := x509x.GenerateKey(req.KeyAlgorithm)
	if err != nil {
		return nil, nil, errors.Wrap(ErrSigningFailure, err.Error())
	}

	if len(na.caChain) == 0 || na.caKey == nil {
		return nil, nil, errors.Wrap(ErrSigningFailure, "CA key material unavailable")
	}

	certDerBytes, err := x509.CreateCertificate(rand.Reader, template, na.caChain[0], privateKey.Public(), na.caKey)
	if err != nil {
		return nil, nil, errors.Wrap(ErrSigningFailure, err.Error())
	}

	keyPEMBytes, err := x509x.EncodePrivateKeyToPEM(privateKey)
	if err != nil {
		return nil, nil, errors.Wrap(ErrSigningFailure, err.Error())
	}

	return x509x.EncodeCertificateToPEM(certDerBytes), keyPEMBytes, nil
}

// Engine certificate engine; signs under the injected Signer and packages
// the result into password protected PKCS#12 containers.
type Engine struct {
	signer         Signer
	minPasswordLen int
}

func New(signer Signer, minPasswordLen int) *Engine {
	return &Engine{signer: signer, minPasswordLen: minPasswordLen}
}

func (e *Engine) Signer() Signer { return e.signer }

// CheckPassword apply the container password policy.
func (e *Engine) CheckPassword(password string) error {
	if len(password) < e.minPasswordLen {
		return errors.Wrapf(ErrWeakPassword, "at least %d characters required", e.minPasswordLen)
	}
	return nil
}

// Sign issue a certificate under the CA key; returns cert and key PEM.
func (e *Engine) Sign(ctx context.Context, req *IssueRequest) ([]byte, []byte, error) {
	return e.signer.Sign(ctx, req)
}

// Package encrypt key and certificate into a PKCS#12 container protected by
// password. Legacy DES encoding; modern encodings are still rejected by the
// importers this serves.
func (e *Engine) Package(certPEM, keyPEM []byte, password string) ([]byte, error) {
	if err := e.CheckPassword(password); err != nil {
		return nil, err
	}

	cert, err := x509x.ParseCertificate(certPEM)
	if err != nil {
		return nil, errors.Wrap(ErrPackagingFailure, err.Error())
	}

	key, err := x509x.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, errors.Wrap(ErrPackagingFailure, err.Error())
	}

	p12, err := pkcs12.LegacyDES.Encode(key, cert, e.signer.CAChain(), password)
	if err != nil {
		return nil, errors.Wrap(ErrPackagingFailure, err.Error())
	}

	return p12, nil
}
