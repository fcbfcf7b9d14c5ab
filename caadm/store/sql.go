package store

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/whitekid/goxp/fx"
	"github.com/whitekid/goxp/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"certadm/caadm/store/models"
	"certadm/caadm/types"
	"certadm/pkg/helper/gormx"
)

// sqlStoreImpl store to SQL server
type sqlStoreImpl struct {
	db *gorm.DB
}

var _ Interface = (*sqlStoreImpl)(nil)

// NewSQL create new SQL store
func NewSQL(dburl string) Interface {
	db, err := gormx.Open(dburl, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: "certadm_",
		},
	})
	if err != nil {
		panic(err)
	}

	if err := models.Migrate(db); err != nil {
		panic(err)
	}

	return &sqlStoreImpl{db: db}
}

func (s *sqlStoreImpl) Transaction(ctx context.Context, fn func(tx Interface) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlStoreImpl{db: tx})
	})
}

func clientToType(c *models.Client) *types.Client {
	return &types.Client{
		UID:        c.UID,
		Status:     types.StrToStatus(c.Status),
		Attributes: map[string]any(c.Attributes),
		Created:    c.CreatedAt,
	}
}

func (s *sqlStoreImpl) CreateClient(ctx context.Context, client *types.Client) (*types.Client, error) {
	log.Debugf("CreateClient(): uid=%s", client.UID)

	attrs := client.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}

	m := &models.Client{
		UID:        client.UID,
		Status:     client.Status.String(),
		Attributes: gormx.JSONMap(attrs),
	}
	if tx := s.db.WithContext(ctx).Create(m); tx.Error != nil {
		return nil, gormx.ConvertSQLError(tx.Error)
	}

	return clientToType(m), nil
}

func (s *sqlStoreImpl) GetClient(ctx context.Context, uid string) (*types.Client, error) {
	results, err := s.ListClient(ctx, ClientListOpt{UID: uid})
	if err != nil {
		return nil, errors.Wrap(err, "GetClient() failed")
	}

	switch len(results) {
	case 0:
		return nil, gorm.ErrRecordNotFound
	case 1:
		return results[0], nil
	default:
		return nil, ErrMultipleRecord
	}
}

func (s *sqlStoreImpl) ListClient(ctx context.Context, opts ClientListOpt) ([]*types.Client, error) {
	log.Debugf("ListClient(): opts=%+v", opts)

	w := &models.Client{
		UID:    opts.UID,
		Status: opts.Status.String(),
	}

	var results []*models.Client
	if tx := s.db.WithContext(ctx).Order("created_at").Find(&results, w); tx.Error != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(tx.Error), "ListClient() failed")
	}

	return fx.Map(results, clientToType), nil
}

func (s *sqlStoreImpl) UpdateClientStatus(ctx context.Context, uid string, from, to types.Status) error {
	log.Debugf("UpdateClientStatus(): uid=%s, %s -> %s", uid, from, to)

	if !from.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	tx := s.db.WithContext(ctx).Model(models.DummyClient).
		Where("uid = ? AND status = ?", uid, from.String()).
		Update("status", to.String())
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "UpdateClientStatus() failed")
	}

	if tx.RowsAffected == 0 {
		if _, err := s.GetClient(ctx, uid); err != nil {
			return err
		}
		return ErrConcurrentModification
	}

	return nil
}

func (s *sqlStoreImpl) UpdateClientAttributes(ctx context.Context, uid string, attrs map[string]any) error {
	if attrs == nil {
		attrs = map[string]any{}
	}

	tx := s.db.WithContext(ctx).Model(models.DummyClient).
		Where("uid = ?", uid).
		Update("attributes", gormx.JSONMap(attrs))
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "UpdateClientAttributes() failed")
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (s *sqlStoreImpl) SetClientSecretHash(ctx context.Context, uid string, hash string) error {
	tx := s.db.WithContext(ctx).Model(models.DummyClient).
		Where("uid = ?", uid).
		Update("secret_hash", hash)
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "SetClientSecretHash() failed")
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (s *sqlStoreImpl) GetClientSecretHash(ctx context.Context, uid string) (string, error) {
	var m models.Client
	if tx := s.db.WithContext(ctx).Where("uid = ?", uid).First(&m); tx.Error != nil {
		return "", gormx.ConvertSQLError(tx.Error)
	}

	return m.SecretHash, nil
}

// NextSerial allocate next serial; the counter row is locked for the whole
// increment so allocations never collide across concurrent issuances.
func (s *sqlStoreImpl) NextSerial(ctx context.Context) (*big.Int, error) {
	var serial *big.Int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Serial
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			serial = big.NewInt(2)
			row.Value = serial.Text(16)
			return tx.Create(&row).Error
		}

		v, ok := new(big.Int).SetString(row.Value, 16)
		if !ok {
			return errors.Errorf("corrupt serial counter: %q", row.Value)
		}

		serial = v.Add(v, big.NewInt(1))
		row.Value = serial.Text(16)
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(err), "NextSerial() failed")
	}

	return serial, nil
}

func certToType(c *models.Certificate) *types.Certificate {
	return &types.Certificate{
		Serial:         c.Serial,
		CN:             c.CN,
		CertData:       string(c.CertData),
		Status:         types.StrToCertStatus(c.Status),
		ValidFrom:      c.ValidFrom,
		ValidTill:      c.ValidTill,
		RevocationDate: c.RevocationDate,
	}
}

func (s *sqlStoreImpl) CreateCertificate(ctx context.Context, cert *types.Certificate) (*types.Certificate, error) {
	log.Debugf("CreateCertificate(): cn=%s, serial=%s", cert.CN, cert.Serial)

	m := &models.Certificate{
		CN:             cert.CN,
		Serial:         cert.Serial,
		CertData:       []byte(cert.CertData),
		Status:         cert.Status.String(),
		ValidFrom:      cert.ValidFrom,
		ValidTill:      cert.ValidTill,
		RevocationDate: cert.RevocationDate,
	}
	if tx := s.db.WithContext(ctx).Create(m); tx.Error != nil {
		return nil, gormx.ConvertSQLError(tx.Error)
	}

	return certToType(m), nil
}

func (s *sqlStoreImpl) GetCertificate(ctx context.Context, serial string) (*types.Certificate, error) {
	results, err := s.ListCertificate(ctx, CertificateListOpt{Serial: serial})
	if err != nil {
		return nil, errors.Wrap(err, "GetCertificate() failed")
	}

	switch len(results) {
	case 0:
		return nil, gorm.ErrRecordNotFound
	case 1:
		return results[0], nil
	default:
		return nil, ErrMultipleRecord
	}
}

func (s *sqlStoreImpl) ListCertificate(ctx context.Context, opts CertificateListOpt) ([]*types.Certificate, error) {
	log.Debugf("ListCertificate(): opts=%+v", opts)

	w := &models.Certificate{
		CN:     opts.CN,
		Serial: opts.Serial,
		Status: opts.Status.String(),
	}

	var results []*models.Certificate
	if tx := s.db.WithContext(ctx).Order("created_at").Find(&results, w); tx.Error != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(tx.Error), "ListCertificate() failed")
	}

	return fx.Map(results, certToType), nil
}

func (s *sqlStoreImpl) RevokeCertificate(ctx context.Context, serial string, at time.Time) error {
	log.Debugf("RevokeCertificate(): serial=%s", serial)

	cert, err := s.GetCertificate(ctx, serial)
	if err != nil {
		return errors.Wrap(err, "RevokeCertificate() failed")
	}

	if cert.Status == types.CertStatusRevoked {
		return ErrAlreadyRevoked
	}

	tx := s.db.WithContext(ctx).Model(models.DummyCertificate).
		Where("serial = ? AND status = ?", serial, types.CertStatusValid.String()).
		Updates(map[string]any{"status": types.CertStatusRevoked.String(), "revocation_date": at})
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "RevokeCertificate() failed")
	}

	// lost a revoke-revoke race; resolved by the idempotency guard
	if tx.RowsAffected == 0 {
		return ErrAlreadyRevoked
	}

	return nil
}

func (s *sqlStoreImpl) RevokeClientCertificates(ctx context.Context, cn string, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(models.DummyCertificate).
		Where("cn = ? AND status = ?", cn, types.CertStatusValid.String()).
		Updates(map[string]any{"status": types.CertStatusRevoked.String(), "revocation_date": at})
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "RevokeClientCertificates() failed")
	}

	return nil
}

func (s *sqlStoreImpl) ScheduleClientRevocation(ctx context.Context, cn string, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(models.DummyCertificate).
		Where("cn = ? AND status = ?", cn, types.CertStatusValid.String()).
		Update("revocation_date", at)
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "ScheduleClientRevocation() failed")
	}

	return nil
}

func secretToType(m *models.Secret) *types.Secret {
	return &types.Secret{
		Target:        m.Target,
		Secret:        m.Secret,
		Type:          types.SecretType(m.Type),
		CreatedAt:     m.CreatedAt,
		DeleteAt:      m.DeleteAt,
		PendingPeriod: m.PendingPeriod,
	}
}

func (s *sqlStoreImpl) CreateSecret(ctx context.Context, secret *types.Secret) (*types.Secret, error) {
	log.Debugf("CreateSecret(): target=%s, delete_at=%s", secret.Target, secret.DeleteAt)

	m := &models.Secret{
		Target:        secret.Target,
		Secret:        secret.Secret,
		Type:          string(secret.Type),
		DeleteAt:      secret.DeleteAt,
		PendingPeriod: secret.PendingPeriod,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired row still holds the unique slot; purge it first
		if t := tx.Unscoped().
			Where("target = ? AND delete_at < ?", secret.Target, time.Now()).
			Delete(&models.Secret{}); t.Error != nil {
			return t.Error
		}

		return tx.Create(m).Error
	})
	if err != nil {
		if errors.Is(gormx.ConvertSQLError(err), gormx.ErrUniqueConstraintFailed) {
			return nil, ErrSecretExists
		}
		return nil, gormx.ConvertSQLError(err)
	}

	return secretToType(m), nil
}

// GetSecret returns the live secret of target; a row past delete_at is
// treated as absent even before the sweeper purges it.
func (s *sqlStoreImpl) GetSecret(ctx context.Context, target string) (*types.Secret, error) {
	var m models.Secret
	if tx := s.db.WithContext(ctx).Where("target = ?", target).First(&m); tx.Error != nil {
		return nil, gormx.ConvertSQLError(tx.Error)
	}

	secret := secretToType(&m)
	if secret.Expired(time.Now()) {
		return nil, gorm.ErrRecordNotFound
	}

	return secret, nil
}

func (s *sqlStoreImpl) DeleteSecret(ctx context.Context, target string) error {
	tx := s.db.WithContext(ctx).Unscoped().Where("target = ?", target).Delete(&models.Secret{})
	if tx.Error != nil {
		return errors.Wrap(gormx.ConvertSQLError(tx.Error), "DeleteSecret() failed")
	}

	return nil
}

func (s *sqlStoreImpl) ListExpiredSecret(ctx context.Context, now time.Time) ([]*types.Secret, error) {
	var results []*models.Secret
	if tx := s.db.WithContext(ctx).Where("delete_at < ?", now).Find(&results); tx.Error != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(tx.Error), "ListExpiredSecret() failed")
	}

	return fx.Map(results, secretToType), nil
}

func (s *sqlStoreImpl) ListRevocable(ctx context.Context, now time.Time) ([]*types.Certificate, error) {
	var results []*models.Certificate
	if tx := s.db.WithContext(ctx).
		Where("status = ? AND revocation_date IS NOT NULL AND revocation_date < ?", types.CertStatusValid.String(), now).
		Find(&results); tx.Error != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(tx.Error), "ListRevocable() failed")
	}

	return fx.Map(results, certToType), nil
}

func (s *sqlStoreImpl) ListExpired(ctx context.Context, now time.Time) ([]*types.Certificate, error) {
	var results []*models.Certificate
	if tx := s.db.WithContext(ctx).
		Where("status = ? AND valid_till < ?", types.CertStatusValid.String(), now).
		Find(&results); tx.Error != nil {
		return nil, errors.Wrap(gormx.ConvertSQLError(tx.Error), "ListExpired() failed")
	}

	return fx.Map(results, certToType), nil
}
