package engine

import (
	"context"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"certadm/pkg/helper/x509x"
	"certadm/pkg/testutils"
)

func newTestEngine(t *testing.T) *Engine {
	certPEM, keyPEM, err := CreateCA("test root", []string{"testing"}, x509.ECDSAWithSHA256, time.Hour)
	require.NoError(t, err)

	chain, key, err := LoadCA(certPEM, keyPEM, "")
	require.NoError(t, err)

	return New(Native(chain, key), 4)
}

func TestCreateCA(t *testing.T) {
	certPEM, keyPEM, err := CreateCA("test root", nil, x509.ECDSAWithSHA256, time.Hour)
	require.NoError(t, err)

	chain, key, err := LoadCA(certPEM, keyPEM, "")
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Len(t, chain, 1)

	ca := chain[0]
	require.True(t, ca.IsCA)
	require.Equal(t, "test root", ca.Subject.CommonName)
	require.Equal(t, int64(1), ca.SerialNumber.Int64())
	require.NoError(t, ca.CheckSignatureFrom(ca))
}

func TestSign(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine(t)
	now := time.Now()

	certPEM, keyPEM, err := engine.Sign(ctx, &IssueRequest{
		CommonName:   "alice",
		SerialNumber: big.NewInt(2),
		Organization: []string{"testing"},
		KeyAlgorithm: x509.ECDSAWithSHA256,
		NotBefore:    now,
		NotAfter:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	cert := parseCertPEM(t, certPEM)
	require.Equal(t, "alice", cert.Subject.CommonName)
	require.Equal(t, int64(2), cert.SerialNumber.Int64())
	require.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	require.NoError(t, cert.CheckSignatureFrom(engine.Signer().CAChain()[0]))
}

func TestSignInvalidRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine(t)

	_, _, err := engine.Sign(ctx, &IssueRequest{
		SerialNumber: big.NewInt(2),
		KeyAlgorithm: x509.ECDSAWithSHA256,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrInvalidSubject, "common name is mandatory")
}

func TestPackage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine(t)
	now := time.Now()

	certPEM, keyPEM, err := engine.Sign(ctx, &IssueRequest{
		CommonName:   "alice",
		SerialNumber: big.NewInt(2),
		KeyAlgorithm: x509.ECDSAWithSHA256,
		NotBefore:    now,
		NotAfter:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	p12, err := engine.Package(certPEM, keyPEM, "secret99")
	require.NoError(t, err)

	key, cert, caCerts, err := pkcs12.DecodeChain(p12, "secret99")
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, "alice", cert.Subject.CommonName)
	require.Len(t, caCerts, 1)

	_, _, _, err = pkcs12.DecodeChain(p12, "wrong-password")
	require.Error(t, err)

	_, err = engine.Package(certPEM, keyPEM, "no")
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestApplyAttributes(t *testing.T) {
	type args struct {
		attrs map[string]any
	}
	tests := []struct {
		name    string
		args    args
		want    IssueRequest
		wantErr bool
	}{
		{"subject fields", args{map[string]any{"organization": "acme", "locality": "seoul"}},
			IssueRequest{Organization: []string{"acme"}, Locality: []string{"seoul"}}, false},
		{"unknown keys ignored", args{map[string]any{"device": "printer-42"}}, IssueRequest{}, false},
		{"non string value", args{map[string]any{"organization": 42}}, IssueRequest{}, true},
		{"empty", args{nil}, IssueRequest{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := IssueRequest{}
			err := req.ApplyAttributes(tt.args.attrs)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSubject)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, req)
		})
	}
}

func parseCertPEM(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	return testutils.Must1(x509x.ParseCertificate(certPEM))
}
