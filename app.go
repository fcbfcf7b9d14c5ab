package certadm

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"certadm/api/endpoints"
	v1 "certadm/api/v1"
	"certadm/caadm"
	"certadm/caadm/engine"
	"certadm/config"
	"certadm/pkg/helper"
)

func Run(ctx context.Context) error {
	repo, err := newRepository()
	if err != nil {
		return err
	}

	sweeper := repo.Sweeper()
	go func() {
		defer close(sweeper)

		ticker := time.NewTicker(config.SweepInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweeper <- struct{}{}
			}
		}
	}()

	endpoints.Register(v1.New(repo, config.AdminToken()))

	e := helper.NewEcho()
	endpoints.Route(e, endpoints.Endpoints()...)

	return helper.StartEcho(ctx, e, config.ListenAddr())
}

func newRepository() (caadm.Interface, error) {
	certPEM, err := helper.ReadFile(config.CACertFile())
	if err != nil {
		return nil, errors.Wrap(err, "fail to start")
	}

	keyPEM, err := helper.ReadFile(config.CAKeyFile())
	if err != nil {
		return nil, errors.Wrap(err, "fail to start")
	}

	chain, key, err := engine.LoadCA(certPEM, keyPEM, config.CAKeyPassphrase())
	if err != nil {
		return nil, errors.Wrap(err, "fail to start")
	}

	return caadm.New(caadm.NativeSigner(chain, key), caadm.SQLStore(config.DBURL()),
		config.MinPasswordLen(), config.CertValidity()), nil
}
