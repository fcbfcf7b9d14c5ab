package caadm

import (
	"crypto/x509"
	"time"

	"gorm.io/gorm"

	"certadm/caadm/engine"
	"certadm/caadm/repository"
	"certadm/caadm/store"
	"certadm/caadm/types"
	"certadm/pkg/helper/gormx"
	"certadm/pkg/helper/x509x"
)

type (
	Interface = repository.Interface
	Signer    = engine.Signer
	Store     = store.Interface

	Client      = types.Client
	Certificate = types.Certificate
	Secret      = types.Secret

	CreateSecretRequest = repository.CreateSecretRequest

	ClientListOpt      = store.ClientListOpt
	CertificateListOpt = store.CertificateListOpt
)

var (
	ErrUniqueConstraintFailed     = gormx.ErrUniqueConstraintFailed
	ErrForeignKeyConstraintFailed = gormx.ErrForeignKeyConstraintFailed
	ErrRecordNotFound             = gorm.ErrRecordNotFound
	ErrMultipleRecord             = store.ErrMultipleRecord
	ErrAlreadyRevoked             = store.ErrAlreadyRevoked
	ErrSecretExists               = store.ErrSecretExists
	ErrInvalidTransition          = store.ErrInvalidTransition
	ErrConcurrentModification     = store.ErrConcurrentModification
	ErrNotIssuable                = repository.ErrNotIssuable
	ErrNotAcceptable              = repository.ErrNotAcceptable
	ErrInvalidSecret              = repository.ErrInvalidSecret
	ErrInvalidWindow              = repository.ErrInvalidWindow
	ErrWeakPassword               = engine.ErrWeakPassword
	ErrInvalidSubject             = engine.ErrInvalidSubject
)

func New(signer Signer, store Store, minPasswordLen int, validity time.Duration) Interface {
	return repository.New(engine.New(signer, minPasswordLen), store, validity)
}

func NativeSigner(caChain []*x509.Certificate, caKey x509x.PrivateKey) Signer {
	return engine.Native(caChain, caKey)
}

func SQLStore(dburl string) Store { return store.NewSQL(dburl) }
