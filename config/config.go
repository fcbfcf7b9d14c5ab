package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	KeyListenAddr      = "listen_addr"
	KeyDBURL           = "db_url"
	KeyCACertFile      = "ca_cert_file"
	KeyCAKeyFile       = "ca_key_file"
	KeyCAKeyPassphrase = "ca_key_passphrase"
	KeyCertValidity    = "cert_validity"
	KeyMinPasswordLen  = "min_password_len"
	KeyAdminToken      = "admin_token"
	KeySweepInterval   = "sweep_interval"
)

func init() {
	viper.SetDefault(KeyListenAddr, "127.0.0.1:8000")
	viper.SetDefault(KeyDBURL, "sqlite://certadm.db")
	viper.SetDefault(KeyCACertFile, "ca.crt")
	viper.SetDefault(KeyCAKeyFile, "ca.key")
	viper.SetDefault(KeyCertValidity, time.Hour*24*365)
	viper.SetDefault(KeyMinPasswordLen, 8)
	viper.SetDefault(KeySweepInterval, time.Minute)
}

func ListenAddr() string           { return viper.GetString(KeyListenAddr) }
func DBURL() string                { return viper.GetString(KeyDBURL) }
func CACertFile() string           { return viper.GetString(KeyCACertFile) }
func CAKeyFile() string            { return viper.GetString(KeyCAKeyFile) }
func CAKeyPassphrase() string      { return viper.GetString(KeyCAKeyPassphrase) }
func CertValidity() time.Duration  { return viper.GetDuration(KeyCertValidity) }
func MinPasswordLen() int          { return viper.GetInt(KeyMinPasswordLen) }
func AdminToken() string           { return viper.GetString(KeyAdminToken) }
func SweepInterval() time.Duration { return viper.GetDuration(KeySweepInterval) }
