package main

import (
	"context"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/whitekid/goxp/fx"

	"certadm/caadm/engine"
	"certadm/config"
	"certadm/pkg/helper"
	"certadm/pkg/helper/x509x"
)

var cacmd *cobra.Command

func init() {
	cacmd = &cobra.Command{
		Use:   "ca",
		Short: "CA key material commands",
	}
	rootCmd.AddCommand(cacmd)
}

func init() {
	var cn string
	var organization string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "init",
		Short: "create a self signed CA certificate and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return caInit(cmd.Context(), cn, organization, validFor)
		},
	}

	cmd.Flags().StringVar(&cn, "cn", "certadm root", "CA common name")
	cmd.Flags().StringVar(&organization, "organization", "", "CA organization")
	cmd.Flags().DurationVar(&validFor, "valid-for", time.Hour*24*365*10, "CA validity period")

	cacmd.AddCommand(cmd)
}

func caInit(ctx context.Context, cn, organization string, validFor time.Duration) error {
	var orgs []string
	if organization != "" {
		orgs = []string{organization}
	}

	certPEM, keyPEM, err := engine.CreateCA(cn, orgs, x509.ECDSAWithSHA256, validFor)
	if err != nil {
		return err
	}

	if err := helper.WriteFile(config.CACertFile(), certPEM, 0644); err != nil {
		return err
	}

	return helper.WriteFile(config.CAKeyFile(), keyPEM, 0600)
}

func init() {
	cmd := &cobra.Command{
		Use:   "info cert",
		Short: "show CA certificate informations",
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := config.CACertFile()
			if len(args) > 0 {
				filename = args[0]
			}
			return caInfo(cmd.Context(), filename)
		},
	}

	cacmd.AddCommand(cmd)
}

func caInfo(ctx context.Context, filename string) error {
	pemBytes, err := helper.ReadFile(filename)
	if err != nil {
		return err
	}

	certs, err := x509x.ParseCertificateChain(pemBytes)
	if err != nil {
		return err
	}

	fx.ForEach(certs, func(_ int, cert *x509.Certificate) {
		helper.WriteJSON(os.Stdout, &struct {
			CommonName         string `json:",omitempty"`
			Organization       string `json:",omitempty"`
			PublicKeyAlgorithm string `json:",omitempty"`
			SerialNumber       string `json:",omitempty"`
			IsCA               bool
			NotBefore          time.Time
			NotAfter           time.Time
		}{
			CommonName:         cert.Subject.CommonName,
			Organization:       strings.Join(cert.Subject.Organization, ", "),
			PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
			SerialNumber:       cert.SerialNumber.Text(16),
			IsCA:               cert.IsCA,
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
		})
	})
	return nil
}
