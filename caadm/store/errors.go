package store

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"certadm/pkg/helper/gormx"
)

var (
	ErrRecordNotFound             = gorm.ErrRecordNotFound
	ErrUniqueConstraintFailed     = gormx.ErrUniqueConstraintFailed
	ErrForeignKeyConstraintFailed = gormx.ErrForeignKeyConstraintFailed

	ErrMultipleRecord         = errors.New("unexpected multiple records")
	ErrAlreadyRevoked         = errors.New("certificate already revoked")
	ErrSecretExists           = errors.New("client already has a live secret")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConcurrentModification = errors.New("concurrent modification")
)
