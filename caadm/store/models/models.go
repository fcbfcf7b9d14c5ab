package models

import (
	"time"

	"gorm.io/gorm"

	"certadm/pkg/helper/gormx"
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Client{}, &Certificate{}, &Secret{}, &Serial{})
}

// dummy models passed to gorm Model() on partial updates; the validation
// plugin checks the model instance, so it must hold valid values.
var (
	DummyClient      = &Client{UID: "dummy", Status: "INACTIVE", Attributes: gormx.JSONMap{}}
	DummyCertificate = &Certificate{CN: "dummy", Serial: "1", Status: "V", CertData: []byte("dummy")}
)

// Client certificate owner; rows are never deleted, revocation only moves
// status back to INACTIVE.
type Client struct {
	gorm.Model

	UID        string        `gorm:"not null;size:255;uniqueIndex;check:uid <> ''" validate:"required"`
	Status     string        `gorm:"not null;size:20" validate:"required"`
	Attributes gormx.JSONMap `gorm:"not null"`
	SecretHash string        `gorm:"size:255"`
}

// Certificate ledger row; append-mostly, only the revocation fields are
// ever updated.
type Certificate struct {
	gorm.Model

	ID             string    `gorm:"primaryKey;size:22;check:id <> ''"`
	CN             string    `gorm:"not null;size:255;index;check:cn <> ''" validate:"required"`
	Serial         string    `gorm:"not null;size:64;uniqueIndex" validate:"required"` // hex
	CertData       []byte    `gorm:"not null"`                                         // PEM
	Status         string    `gorm:"not null;size:1" validate:"required"`
	ValidFrom      time.Time `gorm:"not null"`
	ValidTill      time.Time `gorm:"not null"`
	RevocationDate *time.Time
}

func (c *Certificate) BeforeCreate(tx *gorm.DB) error { return gormx.GenerateID(&c.ID) }

// Secret issuance credential; at most one live row per target, expired rows
// are purged by the sweeper.
type Secret struct {
	gorm.Model

	Target        string        `gorm:"not null;size:255;uniqueIndex;check:target <> ''" validate:"required"`
	Secret        string        `gorm:"not null;size:255" validate:"required"`
	Type          string        `gorm:"not null;size:20" validate:"required"`
	DeleteAt      time.Time     `gorm:"not null"`
	PendingPeriod time.Duration // nanoseconds
}

// Serial singleton monotonic counter; serial 1 is reserved for the CA
// certificate itself, client serials start at 2.
type Serial struct {
	gorm.Model

	Value string `gorm:"not null;size:64" validate:"required"` // hex
}
