package store

import (
	"context"
	"math/big"
	"time"

	"certadm/caadm/types"
)

// Interface storage interface; the SQL implementation is the sole writer of
// client, certificate and secret rows.
type Interface interface {
	CreateClient(ctx context.Context, client *types.Client) (*types.Client, error)
	GetClient(ctx context.Context, uid string) (*types.Client, error)
	ListClient(ctx context.Context, opts ClientListOpt) ([]*types.Client, error)
	// UpdateClientStatus transition client status; the update is conditional
	// on the expected pre-state so concurrent writers cannot both win.
	UpdateClientStatus(ctx context.Context, uid string, from, to types.Status) error
	UpdateClientAttributes(ctx context.Context, uid string, attrs map[string]any) error
	SetClientSecretHash(ctx context.Context, uid string, hash string) error
	GetClientSecretHash(ctx context.Context, uid string) (string, error)

	// NextSerial allocate the next certificate serial, unique system-wide.
	NextSerial(ctx context.Context) (*big.Int, error)
	CreateCertificate(ctx context.Context, cert *types.Certificate) (*types.Certificate, error)
	GetCertificate(ctx context.Context, serial string) (*types.Certificate, error)
	ListCertificate(ctx context.Context, opts CertificateListOpt) ([]*types.Certificate, error)
	RevokeCertificate(ctx context.Context, serial string, at time.Time) error
	// RevokeClientCertificates revoke all valid certificates of cn immediately.
	RevokeClientCertificates(ctx context.Context, cn string, at time.Time) error
	// ScheduleClientRevocation set a future revocation date on the valid
	// certificates of cn without revoking them yet.
	ScheduleClientRevocation(ctx context.Context, cn string, at time.Time) error

	CreateSecret(ctx context.Context, secret *types.Secret) (*types.Secret, error)
	GetSecret(ctx context.Context, target string) (*types.Secret, error)
	DeleteSecret(ctx context.Context, target string) error
	ListExpiredSecret(ctx context.Context, now time.Time) ([]*types.Secret, error)
	// ListRevocable valid certificates whose scheduled revocation date passed.
	ListRevocable(ctx context.Context, now time.Time) ([]*types.Certificate, error)
	// ListExpired valid certificates whose validity window passed.
	ListExpired(ctx context.Context, now time.Time) ([]*types.Certificate, error)

	// Transaction run fn atomically; fn receives a store bound to the
	// transaction.
	Transaction(ctx context.Context, fn func(tx Interface) error) error
}

type ClientListOpt struct {
	UID    string
	Status types.Status
}

type CertificateListOpt struct {
	CN     string
	Serial string
	Status types.CertStatus
}
