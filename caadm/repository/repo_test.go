package repository

import (
	"context"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"certadm/caadm/engine"
	"certadm/caadm/store"
	"certadm/caadm/types"
	"certadm/pkg/testutils"
)

func newTestRepo(t *testing.T, dburl string) *repoImpl {
	certPEM, keyPEM, err := engine.CreateCA("test root", nil, x509.ECDSAWithSHA256, time.Hour)
	require.NoError(t, err)

	chain, key, err := engine.LoadCA(certPEM, keyPEM, "")
	require.NoError(t, err)

	eng := engine.New(engine.Native(chain, key), 4)
	return New(eng, store.NewSQL(dburl), 24*time.Hour).(*repoImpl)
}

func activate(ctx context.Context, t *testing.T, repo *repoImpl, uid, secret string) {
	t.Helper()

	_, err := repo.CreateSecret(ctx, &CreateSecretRequest{
		Target:          uid,
		Secret:          secret,
		AvailablePeriod: time.Hour,
	})
	require.NoError(t, err)
}

func TestIssueFlow(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		client, err := repo.CreateClient(ctx, "alice", map[string]any{"organization": "acme"})
		require.NoError(t, err)
		require.Equal(t, types.StatusInactive, client.Status)

		// no secret yet
		_, _, err = repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.ErrorIs(t, err, ErrNotIssuable)

		activate(ctx, t, repo, "alice", "opensesame")
		client = testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusIssuable, client.Status)

		_, _, err = repo.IssuePKCS12(ctx, "alice", "wrong-secret", "secret99")
		require.ErrorIs(t, err, ErrInvalidSecret)

		_, _, err = repo.IssuePKCS12(ctx, "alice", "opensesame", "no")
		require.ErrorIs(t, err, engine.ErrWeakPassword)

		p12, issued, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.NoError(t, err)
		require.Equal(t, types.CertStatusValid, issued.Status)

		_, cert, _, err := pkcs12.DecodeChain(p12, "secret99")
		require.NoError(t, err)
		require.Equal(t, "alice", cert.Subject.CommonName)
		require.Equal(t, []string{"acme"}, cert.Subject.Organization)
		require.Equal(t, issued.Serial, cert.SerialNumber.Text(16))

		client = testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusIssued, client.Status)

		// the secret is spent
		_, err = repo.GetSecret(ctx, "alice")
		require.ErrorIs(t, err, store.ErrRecordNotFound)

		_, _, err = repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.ErrorIs(t, err, ErrNotIssuable)

		certs := testutils.Must1(repo.ListCertificate(ctx, "alice"))
		require.Len(t, certs, 1)
	})
}

// TestConcurrentIssue two simultaneous downloads race for the same secret;
// the conditional status update lets exactly one through.
func TestConcurrentIssue(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")

		start := make(chan struct{})
		errs := make(chan error, 2)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				<-start
				_, _, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		failures := []error{}
		for err := range errs {
			if err != nil {
				failures = append(failures, err)
			}
		}
		require.Len(t, failures, 1, "exactly one request may win")
		require.ErrorIs(t, failures[0], store.ErrConcurrentModification)

		client := testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusIssued, client.Status)

		certs := testutils.Must1(repo.ListCertificate(ctx, "alice"))
		require.Len(t, certs, 1)
		require.Equal(t, types.CertStatusValid, certs[0].Status)
	})
}

func TestIssueUnknownClient(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		_, _, err := repo.IssuePKCS12(ctx, "nobody", "opensesame", "secret99")
		require.ErrorIs(t, err, ErrInvalidSecret, "unknown uid must not be distinguishable from a bad secret")
	})
}

func TestRenewal(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")
		_, first, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.NoError(t, err)

		// opening an update window needs a pending period
		_, err = repo.CreateSecret(ctx, &CreateSecretRequest{
			Target:          "alice",
			Secret:          "round-two",
			AvailablePeriod: time.Hour,
		})
		require.ErrorIs(t, err, ErrInvalidWindow)

		secret, err := repo.CreateSecret(ctx, &CreateSecretRequest{
			Target:          "alice",
			Secret:          "round-two",
			AvailablePeriod: time.Hour,
			PendingPeriod:   10 * time.Millisecond,
		})
		require.NoError(t, err)
		require.Equal(t, types.SecretTypeUpdate, secret.Type)

		client := testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusUpdatable, client.Status)

		_, second, err := repo.IssuePKCS12(ctx, "alice", "round-two", "secret99")
		require.NoError(t, err)
		require.NotEqual(t, first.Serial, second.Serial)

		client = testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusPending, client.Status)

		// both certificates stay valid through the pending window; the old
		// one carries its scheduled revocation date
		certs := testutils.Must1(repo.ListCertificate(ctx, "alice"))
		require.Len(t, certs, 2)
		old := testutils.Must1(repo.GetCertificate(ctx, first.Serial))
		require.Equal(t, types.CertStatusValid, old.Status)
		require.NotNil(t, old.RevocationDate)

		// PENDING blocks another secret
		_, err = repo.CreateSecret(ctx, &CreateSecretRequest{
			Target:          "alice",
			Secret:          "round-three",
			AvailablePeriod: time.Hour,
			PendingPeriod:   time.Hour,
		})
		require.ErrorIs(t, err, ErrNotAcceptable)

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, repo.Sweep(ctx))

		old = testutils.Must1(repo.GetCertificate(ctx, first.Serial))
		require.Equal(t, types.CertStatusRevoked, old.Status)

		renewed := testutils.Must1(repo.GetCertificate(ctx, second.Serial))
		require.Equal(t, types.CertStatusValid, renewed.Status)

		client = testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusIssued, client.Status)
	})
}

func TestRevokeClient(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")
		_, issued, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.NoError(t, err)

		require.NoError(t, repo.RevokeClient(ctx, "alice"))

		client := testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusInactive, client.Status)

		cert := testutils.Must1(repo.GetCertificate(ctx, issued.Serial))
		require.Equal(t, types.CertStatusRevoked, cert.Status)

		require.ErrorIs(t, repo.RevokeClient(ctx, "alice"), store.ErrAlreadyRevoked)

		// revoked client can be activated again
		activate(ctx, t, repo, "alice", "once-more")
		client = testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusIssuable, client.Status)
	})
}

func TestRevokeCertificate(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")
		_, issued, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.NoError(t, err)

		revoked, err := repo.RevokeCertificate(ctx, issued.Serial)
		require.NoError(t, err)
		require.Equal(t, types.CertStatusRevoked, revoked.Status)
		require.NotNil(t, revoked.RevocationDate)

		_, err = repo.RevokeCertificate(ctx, issued.Serial)
		require.ErrorIs(t, err, store.ErrAlreadyRevoked)
	})
}

func TestSecretExpiry(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))

		_, err := repo.CreateSecret(ctx, &CreateSecretRequest{
			Target:          "alice",
			Secret:          "opensesame",
			AvailablePeriod: 10 * time.Millisecond,
		})
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		// expired secret no longer authorizes issuance
		_, _, err = repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.ErrorIs(t, err, ErrInvalidSecret)

		require.NoError(t, repo.Sweep(ctx))

		client := testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusInactive, client.Status)

		// the slot is free again
		activate(ctx, t, repo, "alice", "fresh")
	})
}

func TestCertificateExpirySweep(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)
		repo.validity = 10 * time.Millisecond

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")
		_, issued, err := repo.IssuePKCS12(ctx, "alice", "opensesame", "secret99")
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, repo.Sweep(ctx))

		cert := testutils.Must1(repo.GetCertificate(ctx, issued.Serial))
		require.Equal(t, types.CertStatusRevoked, cert.Status)

		client := testutils.Must1(repo.GetClient(ctx, "alice"))
		require.Equal(t, types.StatusInactive, client.Status)
	})
}

func TestCreateSecretValidation(t *testing.T) {
	type args struct {
		available time.Duration
		pending   time.Duration
	}
	tests := []struct {
		name    string
		args    args
		wantErr error
	}{
		{"ok", args{time.Hour, 0}, nil},
		{"zero available", args{0, 0}, ErrInvalidWindow},
		{"negative available", args{-time.Hour, 0}, ErrInvalidWindow},
		{"negative pending", args{time.Hour, -time.Minute}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				resetFixture()
				repo := newTestRepo(t, dburl)
				testutils.Must1(repo.CreateClient(ctx, "alice", nil))

				_, err := repo.CreateSecret(ctx, &CreateSecretRequest{
					Target:          "alice",
					Secret:          "opensesame",
					AvailablePeriod: tt.args.available,
					PendingPeriod:   tt.args.pending,
				})
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
					return
				}
				require.NoError(t, err)
			})
		})
	}
}

func TestSecretExists(t *testing.T) {
	testutils.ForOneSQLDriver(t, "sqlite", func(t *testing.T, dburl string, resetFixture func()) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		resetFixture()
		repo := newTestRepo(t, dburl)

		testutils.Must1(repo.CreateClient(ctx, "alice", nil))
		activate(ctx, t, repo, "alice", "opensesame")

		_, err := repo.CreateSecret(ctx, &CreateSecretRequest{
			Target:          "alice",
			Secret:          "another",
			AvailablePeriod: time.Hour,
		})
		require.ErrorIs(t, err, store.ErrSecretExists)
	})
}
