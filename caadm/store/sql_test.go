package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"certadm/caadm/types"
	"certadm/pkg/helper"
	"certadm/pkg/testutils"
)

const (
	testUID      = "alice"
	testIssuedCN = "bob"
)

type testSQL struct {
	*sqlStoreImpl
}

// newSQL fixture: alice is a fresh INACTIVE client, bob already holds a
// valid certificate.
func newSQL(ctx context.Context, t *testing.T, dburl string) *testSQL {
	s := &testSQL{sqlStoreImpl: NewSQL(dburl).(*sqlStoreImpl)}

	testutils.Must1(s.CreateClient(ctx, &types.Client{UID: testUID, Status: types.StatusInactive}))
	testutils.Must1(s.CreateClient(ctx, &types.Client{UID: testIssuedCN, Status: types.StatusIssued}))

	serial := testutils.Must1(s.NextSerial(ctx))
	testutils.Must1(s.CreateCertificate(ctx, &types.Certificate{
		Serial:    serial.Text(16),
		CN:        testIssuedCN,
		CertData:  "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n",
		Status:    types.CertStatusValid,
		ValidFrom: time.Now().Add(-time.Hour),
		ValidTill: time.Now().Add(time.Hour),
	}))

	return s
}

func Test_sqlStoreImpl_CreateClient(t *testing.T) {
	testutils.ForEachSQLDriver(t, func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := newSQL(ctx, t, dburl)

		_, err := s.CreateClient(ctx, &types.Client{UID: testUID, Status: types.StatusInactive})
		require.ErrorIs(t, err, ErrUniqueConstraintFailed)

		got, err := s.GetClient(ctx, testUID)
		require.NoError(t, err)
		require.Equal(t, testUID, got.UID)
		require.Equal(t, types.StatusInactive, got.Status)
		require.NotNil(t, got.Attributes)

		_, err = s.GetClient(ctx, "no-such-uid")
		require.ErrorIs(t, err, ErrRecordNotFound)

		issued, err := s.ListClient(ctx, ClientListOpt{Status: types.StatusIssued})
		require.NoError(t, err)
		require.Len(t, issued, 1)
		require.Equal(t, testIssuedCN, issued[0].UID)

		all, err := s.ListClient(ctx, ClientListOpt{})
		require.NoError(t, err)
		require.Len(t, all, 2)
	})
}

func Test_sqlStoreImpl_UpdateClientStatus(t *testing.T) {
	type args struct {
		uid  string
		from types.Status
		to   types.Status
	}
	tests := []struct {
		name    string
		args    args
		wantErr error
	}{
		{"activate", args{testUID, types.StatusInactive, types.StatusIssuable}, nil},
		{"invalid transition", args{testUID, types.StatusInactive, types.StatusIssued}, ErrInvalidTransition},
		{"stale from", args{testUID, types.StatusIssuable, types.StatusIssued}, ErrConcurrentModification},
		{"not found", args{"no-such-uid", types.StatusInactive, types.StatusIssuable}, ErrRecordNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				resetFixture()
				s := newSQL(ctx, t, dburl)

				err := s.UpdateClientStatus(ctx, tt.args.uid, tt.args.from, tt.args.to)
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
					return
				}
				require.NoError(t, err)

				got := testutils.Must1(s.GetClient(ctx, tt.args.uid))
				require.Equal(t, tt.args.to, got.Status)
			})
		})
	}
}

func Test_sqlStoreImpl_NextSerial(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := &testSQL{sqlStoreImpl: NewSQL(dburl).(*sqlStoreImpl)}

		first, err := s.NextSerial(ctx)
		require.NoError(t, err)
		require.Equal(t, "2", first.Text(16), "serial 1 belongs to the CA certificate")

		seen := map[string]bool{first.Text(16): true}
		for i := 0; i < 20; i++ {
			serial, err := s.NextSerial(ctx)
			require.NoError(t, err)
			require.False(t, seen[serial.Text(16)], "serial %s allocated twice", serial.Text(16))
			seen[serial.Text(16)] = true
		}
	})
}

func Test_sqlStoreImpl_RevokeCertificate(t *testing.T) {
	testutils.ForEachSQLDriver(t, func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := newSQL(ctx, t, dburl)

		certs := testutils.Must1(s.ListCertificate(ctx, CertificateListOpt{CN: testIssuedCN}))
		require.Len(t, certs, 1)
		serial := certs[0].Serial

		require.NoError(t, s.RevokeCertificate(ctx, serial, time.Now()))

		got := testutils.Must1(s.GetCertificate(ctx, serial))
		require.Equal(t, types.CertStatusRevoked, got.Status)
		require.NotNil(t, got.RevocationDate)

		err := s.RevokeCertificate(ctx, serial, time.Now())
		require.ErrorIs(t, err, ErrAlreadyRevoked)

		err = s.RevokeCertificate(ctx, "ffff", time.Now())
		require.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func Test_sqlStoreImpl_Secret(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := newSQL(ctx, t, dburl)

		secret := testutils.Must1(s.CreateSecret(ctx, &types.Secret{
			Target:   testUID,
			Secret:   "opensesame",
			Type:     types.SecretTypeActivate,
			DeleteAt: *helper.AfterNowP(0, 0, 1),
		}))
		require.Equal(t, types.SecretTypeActivate, secret.Type)

		_, err := s.CreateSecret(ctx, &types.Secret{
			Target:   testUID,
			Secret:   "another",
			Type:     types.SecretTypeActivate,
			DeleteAt: *helper.AfterNowP(0, 0, 1),
		})
		require.ErrorIs(t, err, ErrSecretExists)

		got, err := s.GetSecret(ctx, testUID)
		require.NoError(t, err)
		require.Equal(t, "opensesame", got.Secret)

		require.NoError(t, s.DeleteSecret(ctx, testUID))
		_, err = s.GetSecret(ctx, testUID)
		require.ErrorIs(t, err, ErrRecordNotFound)

		// an expired row is invisible to readers and replaceable by a writer
		testutils.Must1(s.CreateSecret(ctx, &types.Secret{
			Target:   testUID,
			Secret:   "stale",
			Type:     types.SecretTypeActivate,
			DeleteAt: time.Now().Add(-time.Minute),
		}))

		_, err = s.GetSecret(ctx, testUID)
		require.ErrorIs(t, err, ErrRecordNotFound)

		expired, err := s.ListExpiredSecret(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, expired, 1)

		replaced, err := s.CreateSecret(ctx, &types.Secret{
			Target:   testUID,
			Secret:   "fresh",
			Type:     types.SecretTypeActivate,
			DeleteAt: *helper.AfterNowP(0, 0, 1),
		})
		require.NoError(t, err)
		require.Equal(t, "fresh", replaced.Secret)
	})
}

func Test_sqlStoreImpl_sweepQueries(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := newSQL(ctx, t, dburl)

		// bob's cert is valid with no revocation scheduled
		revocable, err := s.ListRevocable(ctx, time.Now())
		require.NoError(t, err)
		require.Empty(t, revocable)

		require.NoError(t, s.ScheduleClientRevocation(ctx, testIssuedCN, time.Now().Add(-time.Second)))

		revocable, err = s.ListRevocable(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, revocable, 1)
		require.Equal(t, testIssuedCN, revocable[0].CN)
		require.Equal(t, types.CertStatusValid, revocable[0].Status)

		expired, err := s.ListExpired(ctx, time.Now())
		require.NoError(t, err)
		require.Empty(t, expired)

		expired, err = s.ListExpired(ctx, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 1)
	})
}

func Test_sqlStoreImpl_Transaction(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		s := newSQL(ctx, t, dburl)

		wantErr := errors.New("rollback")
		err := s.Transaction(ctx, func(tx Interface) error {
			if err := tx.UpdateClientStatus(ctx, testUID, types.StatusInactive, types.StatusIssuable); err != nil {
				return err
			}
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)

		got := testutils.Must1(s.GetClient(ctx, testUID))
		require.Equal(t, types.StatusInactive, got.Status, "rolled back transaction must not leak the status change")
	})
}
