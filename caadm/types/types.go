package types

import (
	"encoding/json"
	"time"
)

// Status client lifecycle status
type Status int

const (
	StatusNone Status = iota
	StatusInactive
	StatusIssuable
	StatusIssued
	StatusUpdatable
	StatusPending
)

var (
	statusToStr = map[Status]string{}
	strToStatus = map[string]Status{}
)

func init() {
	for status, str := range map[Status]string{
		StatusNone:      "",
		StatusInactive:  "INACTIVE",
		StatusIssuable:  "ISSUABLE",
		StatusIssued:    "ISSUED",
		StatusUpdatable: "UPDATABLE",
		StatusPending:   "PENDING",
	} {
		statusToStr[status] = str
		strToStatus[str] = status
	}
}

func (st Status) String() string               { return statusToStr[st] }
func (st Status) MarshalJSON() ([]byte, error) { return json.Marshal(st.String()) }
func (st *Status) UnmarshalJSON(data []byte) error {
	var s string

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*st = strToStatus[s]

	return nil
}

func StrToStatus(s string) Status { return strToStatus[s] }

// Issuable reports whether a certificate download request is permitted in
// this status.
func (st Status) Issuable() bool { return st == StatusIssuable || st == StatusUpdatable }

// transitions valid lifecycle transitions; every status change must pass
// through here so the issuance and revocation paths cannot drift apart.
var transitions = map[Status][]Status{
	StatusInactive:  {StatusIssuable},
	StatusIssuable:  {StatusIssued, StatusInactive},
	StatusIssued:    {StatusUpdatable, StatusInactive},
	StatusUpdatable: {StatusPending, StatusIssued, StatusInactive},
	StatusPending:   {StatusIssued, StatusInactive},
}

func (st Status) CanTransition(to Status) bool {
	for _, next := range transitions[st] {
		if next == to {
			return true
		}
	}
	return false
}

// CertStatus ledger status of a certificate; the single letter form is the
// historical openssl index format and is what goes over the wire.
type CertStatus int

const (
	CertStatusNone CertStatus = iota
	CertStatusValid
	CertStatusRevoked
)

var (
	certStatusToStr = map[CertStatus]string{}
	strToCertStatus = map[string]CertStatus{}
)

func init() {
	for status, str := range map[CertStatus]string{
		CertStatusNone:    "",
		CertStatusValid:   "V",
		CertStatusRevoked: "R",
	} {
		certStatusToStr[status] = str
		strToCertStatus[str] = status
	}
}

func (st CertStatus) String() string               { return certStatusToStr[st] }
func (st CertStatus) MarshalJSON() ([]byte, error) { return json.Marshal(st.String()) }
func (st *CertStatus) UnmarshalJSON(data []byte) error {
	var s string

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*st = strToCertStatus[s]

	return nil
}

func StrToCertStatus(s string) CertStatus { return strToCertStatus[s] }

// SecretType how the secret was created: activating a fresh client or
// opening an update window for an issued one.
type SecretType string

const (
	SecretTypeActivate SecretType = "ACTIVATE"
	SecretTypeUpdate   SecretType = "UPDATE"
)

// Client admin-managed certificate owner
type Client struct {
	UID        string         `json:"uid"`
	Status     Status         `json:"status"`
	Attributes map[string]any `json:"attributes"`
	Created    time.Time      `json:"-"`
}

// Certificate ledger record of an issued certificate
type Certificate struct {
	Serial         string     `json:"serial"` // hex encoded
	CN             string     `json:"cn"`
	CertData       string     `json:"cert_data"` // PEM
	Status         CertStatus `json:"status"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTill      time.Time  `json:"valid_till"`
	RevocationDate *time.Time `json:"revocation_date"`
}

// Expired reports whether the validity window has passed at now.
func (c *Certificate) Expired(now time.Time) bool { return now.After(c.ValidTill) }

// Secret time-windowed issuance credential bound to a client
type Secret struct {
	Target        string        `json:"target"`
	Secret        string        `json:"secret"`
	Type          SecretType    `json:"type"`
	CreatedAt     time.Time     `json:"created_at"`
	DeleteAt      time.Time     `json:"delete_at"`
	PendingPeriod time.Duration `json:"pending_period"`
}

// Expired an expired secret is treated as absent everywhere, purged or not.
func (s *Secret) Expired(now time.Time) bool { return now.After(s.DeleteAt) }
