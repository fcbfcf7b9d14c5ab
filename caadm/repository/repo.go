package repository

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/whitekid/goxp/log"
	"golang.org/x/crypto/bcrypt"

	"certadm/caadm/engine"
	"certadm/caadm/store"
	"certadm/caadm/types"
)

var (
	ErrNotIssuable   = errors.New("client is not in an issuable state")
	ErrNotAcceptable = errors.New("client state does not accept a secret")
	ErrInvalidSecret = errors.New("invalid uid or secret")
	ErrInvalidWindow = errors.New("invalid secret window")
)

type Interface interface {
	CreateClient(ctx context.Context, uid string, attrs map[string]any) (*types.Client, error)
	GetClient(ctx context.Context, uid string) (*types.Client, error)
	ListClient(ctx context.Context) ([]*types.Client, error)
	UpdateClientAttributes(ctx context.Context, uid string, attrs map[string]any) error
	// RevokeClient admin revocation: revoke live certificates, drop the
	// secret and park the client in INACTIVE.
	RevokeClient(ctx context.Context, uid string) error

	ListCertificate(ctx context.Context, cn string) ([]*types.Certificate, error)
	GetCertificate(ctx context.Context, serial string) (*types.Certificate, error)
	RevokeCertificate(ctx context.Context, serial string) (*types.Certificate, error)

	// IssuePKCS12 authorize, issue and package a client certificate; the
	// ledger record and the returned bytes commit together or not at all.
	IssuePKCS12(ctx context.Context, uid, secret, password string) ([]byte, *types.Certificate, error)

	CreateSecret(ctx context.Context, req *CreateSecretRequest) (*types.Secret, error)
	GetSecret(ctx context.Context, uid string) (*types.Secret, error)

	// Sweep run the expiry passes once.
	Sweep(ctx context.Context) error
	// Sweeper caller must close channel to close go routine
	Sweeper() chan<- struct{}
}

// CreateSecretRequest periods already parsed from the wire format.
type CreateSecretRequest struct {
	Target          string `validate:"required"`
	Secret          string `validate:"required"`
	AvailablePeriod time.Duration
	PendingPeriod   time.Duration
}

// New create new repository
func New(engine *engine.Engine, store store.Interface, validity time.Duration) Interface {
	return &repoImpl{
		engine:   engine,
		store:    store,
		validity: validity,
	}
}

type repoImpl struct {
	engine   *engine.Engine
	store    store.Interface
	validity time.Duration // client certificate validity period, fixed policy
}

var _ Interface = (*repoImpl)(nil)

func (repo *repoImpl) CreateClient(ctx context.Context, uid string, attrs map[string]any) (*types.Client, error) {
	client, err := repo.store.CreateClient(ctx, &types.Client{
		UID:        uid,
		Status:     types.StatusInactive,
		Attributes: attrs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail to create client")
	}
	return client, nil
}

func (repo *repoImpl) GetClient(ctx context.Context, uid string) (*types.Client, error) {
	return repo.store.GetClient(ctx, uid)
}

func (repo *repoImpl) ListClient(ctx context.Context) ([]*types.Client, error) {
	return repo.store.ListClient(ctx, store.ClientListOpt{})
}

func (repo *repoImpl) UpdateClientAttributes(ctx context.Context, uid string, attrs map[string]any) error {
	return repo.store.UpdateClientAttributes(ctx, uid, attrs)
}

func (repo *repoImpl) RevokeClient(ctx context.Context, uid string) error {
	client, err := repo.store.GetClient(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "fail to revoke client")
	}

	if client.Status == types.StatusInactive {
		return store.ErrAlreadyRevoked
	}

	return repo.store.Transaction(ctx, func(tx store.Interface) error {
		now := time.Now()

		if client.Status != types.StatusIssuable {
			if err := tx.RevokeClientCertificates(ctx, uid, now); err != nil {
				return errors.Wrap(err, "fail to revoke client")
			}
		}

		if client.Status == types.StatusIssuable || client.Status == types.StatusUpdatable {
			if err := tx.DeleteSecret(ctx, uid); err != nil {
				return errors.Wrap(err, "fail to revoke client")
			}
		}

		if err := tx.UpdateClientStatus(ctx, uid, client.Status, types.StatusInactive); err != nil {
			return errors.Wrap(err, "fail to revoke client")
		}

		return nil
	})
}

func (repo *repoImpl) ListCertificate(ctx context.Context, cn string) ([]*types.Certificate, error) {
	return repo.store.ListCertificate(ctx, store.CertificateListOpt{CN: cn})
}

func (repo *repoImpl) GetCertificate(ctx context.Context, serial string) (*types.Certificate, error) {
	return repo.store.GetCertificate(ctx, serial)
}

func (repo *repoImpl) RevokeCertificate(ctx context.Context, serial string) (*types.Certificate, error) {
	if err := repo.store.RevokeCertificate(ctx, serial, time.Now()); err != nil {
		return nil, errors.Wrap(err, "fail to revoke certificate")
	}

	return repo.store.GetCertificate(ctx, serial)
}

// IssuePKCS12 the issuance path: authority check against the stored secret,
// lifecycle guard, key+certificate generation, ledger insert and PKCS#12
// packaging in a single transaction.
func (repo *repoImpl) IssuePKCS12(ctx context.Context, uid, secret, password string) ([]byte, *types.Certificate, error) {
	if err := repo.engine.CheckPassword(password); err != nil {
		return nil, nil, err
	}

	client, err := repo.store.GetClient(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, ErrInvalidSecret
		}
		return nil, nil, errors.Wrap(err, "fail to issue certificate")
	}

	if !client.Status.Issuable() {
		return nil, nil, errors.Wrapf(ErrNotIssuable, "status=%s", client.Status)
	}

	if err := repo.checkSecret(ctx, uid, secret); err != nil {
		return nil, nil, err
	}

	var p12 []byte
	var issued *types.Certificate

	err = repo.store.Transaction(ctx, func(tx store.Interface) error {
		now := time.Now()

		// the conditional transition serializes concurrent issuance for the
		// same client; the loser sees ConcurrentModification
		switch client.Status {
		case types.StatusIssuable:
			if err := tx.UpdateClientStatus(ctx, uid, types.StatusIssuable, types.StatusIssued); err != nil {
				return err
			}
			if err := tx.RevokeClientCertificates(ctx, uid, now); err != nil {
				return err
			}

		case types.StatusUpdatable:
			if err := tx.UpdateClientStatus(ctx, uid, types.StatusUpdatable, types.StatusPending); err != nil {
				return err
			}

			// the superseded certificate stays valid for the pending period
			sec, err := tx.GetSecret(ctx, uid)
			if err != nil {
				return err
			}
			if err := tx.ScheduleClientRevocation(ctx, uid, now.Add(sec.PendingPeriod)); err != nil {
				return err
			}
		}

		serial, err := tx.NextSerial(ctx)
		if err != nil {
			return err
		}

		req := &engine.IssueRequest{
			CommonName:   uid,
			SerialNumber: serial,
			KeyAlgorithm: x509.ECDSAWithSHA256,
			NotBefore:    now,
			NotAfter:     now.Add(repo.validity),
		}
		if err := req.ApplyAttributes(client.Attributes); err != nil {
			return err
		}

		certPEM, keyPEM, err := repo.engine.Sign(ctx, req)
		if err != nil {
			return err
		}

		issued, err = tx.CreateCertificate(ctx, &types.Certificate{
			Serial:    serial.Text(16),
			CN:        uid,
			CertData:  string(certPEM),
			Status:    types.CertStatusValid,
			ValidFrom: req.NotBefore,
			ValidTill: req.NotAfter,
		})
		if err != nil {
			return err
		}

		// the secret is single use
		if err := tx.DeleteSecret(ctx, uid); err != nil {
			return err
		}

		p12, err = repo.engine.Package(certPEM, keyPEM, password)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return p12, issued, nil
}

func (repo *repoImpl) checkSecret(ctx context.Context, uid, secret string) error {
	hash, err := repo.store.GetClientSecretHash(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "fail to check secret")
	}

	if hash == "" {
		return ErrInvalidSecret
	}

	if _, err := repo.store.GetSecret(ctx, uid); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrInvalidSecret
		}
		return errors.Wrap(err, "fail to check secret")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidSecret
	}

	return nil
}

func (repo *repoImpl) CreateSecret(ctx context.Context, req *CreateSecretRequest) (*types.Secret, error) {
	if req.AvailablePeriod <= 0 {
		return nil, errors.Wrap(ErrInvalidWindow, "available_period must be positive")
	}
	if req.PendingPeriod < 0 {
		return nil, errors.Wrap(ErrInvalidWindow, "pending_period must not be negative")
	}

	client, err := repo.store.GetClient(ctx, req.Target)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create secret")
	}

	if _, err := repo.store.GetSecret(ctx, req.Target); err == nil {
		return nil, store.ErrSecretExists
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "fail to create secret")
	}

	var secretType types.SecretType
	var from types.Status
	switch client.Status {
	case types.StatusInactive:
		secretType, from = types.SecretTypeActivate, types.StatusInactive
	case types.StatusIssued:
		if req.PendingPeriod == 0 {
			return nil, errors.Wrap(ErrInvalidWindow, "pending_period required for update secret")
		}
		secretType, from = types.SecretTypeUpdate, types.StatusIssued
	default:
		return nil, errors.Wrapf(ErrNotAcceptable, "status=%s", client.Status)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create secret")
	}

	var created *types.Secret
	err = repo.store.Transaction(ctx, func(tx store.Interface) error {
		to := types.StatusIssuable
		if secretType == types.SecretTypeUpdate {
			to = types.StatusUpdatable
		}

		if err := tx.UpdateClientStatus(ctx, req.Target, from, to); err != nil {
			return err
		}

		created, err = tx.CreateSecret(ctx, &types.Secret{
			Target:        req.Target,
			Secret:        req.Secret,
			Type:          secretType,
			DeleteAt:      time.Now().Add(req.AvailablePeriod),
			PendingPeriod: req.PendingPeriod,
		})
		if err != nil {
			return err
		}

		return tx.SetClientSecretHash(ctx, req.Target, string(hash))
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (repo *repoImpl) GetSecret(ctx context.Context, uid string) (*types.Secret, error) {
	return repo.store.GetSecret(ctx, uid)
}

// Sweep the three expiry passes of the lifecycle: expired secrets roll the
// client back, lapsed pending windows finish a renewal, expired certificates
// deactivate the client.
func (repo *repoImpl) Sweep(ctx context.Context) error {
	var result error

	if err := repo.sweepSecrets(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := repo.sweepPending(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := repo.sweepExpired(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result
}

func (repo *repoImpl) sweepSecrets(ctx context.Context) error {
	secrets, err := repo.store.ListExpiredSecret(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "fail to sweep secrets")
	}

	var result error
	for _, secret := range secrets {
		err := repo.store.Transaction(ctx, func(tx store.Interface) error {
			client, err := tx.GetClient(ctx, secret.Target)
			if err != nil {
				return err
			}

			switch client.Status {
			case types.StatusIssuable:
				if err := tx.UpdateClientStatus(ctx, secret.Target, types.StatusIssuable, types.StatusInactive); err != nil {
					return err
				}
			case types.StatusUpdatable:
				if err := tx.UpdateClientStatus(ctx, secret.Target, types.StatusUpdatable, types.StatusIssued); err != nil {
					return err
				}
			}

			return tx.DeleteSecret(ctx, secret.Target)
		})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "target=%s", secret.Target))
		}
	}

	return result
}

func (repo *repoImpl) sweepPending(ctx context.Context) error {
	certs, err := repo.store.ListRevocable(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "fail to sweep pending revocations")
	}

	var result error
	for _, cert := range certs {
		err := repo.store.Transaction(ctx, func(tx store.Interface) error {
			client, err := tx.GetClient(ctx, cert.CN)
			if err != nil {
				return err
			}

			if client.Status != types.StatusPending {
				return nil
			}

			if err := tx.RevokeCertificate(ctx, cert.Serial, time.Now()); err != nil && !errors.Is(err, store.ErrAlreadyRevoked) {
				return err
			}

			return tx.UpdateClientStatus(ctx, cert.CN, types.StatusPending, types.StatusIssued)
		})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "serial=%s", cert.Serial))
		}
	}

	return result
}

func (repo *repoImpl) sweepExpired(ctx context.Context) error {
	certs, err := repo.store.ListExpired(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "fail to sweep expired certificates")
	}

	var result error
	for _, cert := range certs {
		err := repo.store.Transaction(ctx, func(tx store.Interface) error {
			client, err := tx.GetClient(ctx, cert.CN)
			if err != nil {
				return err
			}

			if client.Status != types.StatusIssued {
				return nil
			}

			if err := tx.RevokeCertificate(ctx, cert.Serial, cert.ValidTill); err != nil && !errors.Is(err, store.ErrAlreadyRevoked) {
				return err
			}

			return tx.UpdateClientStatus(ctx, cert.CN, types.StatusIssued, types.StatusInactive)
		})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "serial=%s", cert.Serial))
		}
	}

	return result
}

func (repo *repoImpl) Sweeper() chan<- struct{} {
	ch := make(chan struct{})

	go func() {
		for range ch {
			if err := repo.Sweep(context.Background()); err != nil {
				log.Errorf("sweep failed: %v", err)
			}
		}
	}()

	return ch
}
