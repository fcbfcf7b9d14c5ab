package v1

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/whitekid/goxp/fx"
	"github.com/whitekid/goxp/log"

	"certadm/api/endpoints"
	"certadm/caadm"
	"certadm/caadm/types"
	"certadm/pkg/helper"
)

const headerAdminToken = "X-Admin-Token"

type v1API struct {
	repository caadm.Interface
	adminToken string
}

func New(repo caadm.Interface, adminToken string) *v1API {
	return &v1API{
		repository: repo,
		adminToken: adminToken,
	}
}

var _ endpoints.Endpoint = (*v1API)(nil)

func (app *v1API) PathAndName() (string, string) { return "", "v1 handler" }

func (app *v1API) Route(e *echo.Group) {
	e.Use(handleError)

	api := e.Group("/api")
	api.GET("/client", app.listClient)
	api.GET("/client/:uid", app.getClient)
	api.GET("/cert/list/:cn", app.listCertificate)
	api.POST("/cert/pkcs12", app.issuePKCS12)

	admin := e.Group("/admin/api", app.adminAuth)
	admin.GET("/ping", app.ping)
	admin.POST("/client/add", app.createClient)
	admin.POST("/client/revoke", app.revokeClient)
	admin.PUT("/client/update", app.updateClient)
	admin.POST("/cert/revoke", app.revokeCertificate)
	admin.GET("/secret/get/:uid", app.getSecret)
	admin.POST("/secret/create", app.createSecret)
}

// adminAuth gate for privileged routes; the token is compared in constant
// time and checked on every request.
func (app *v1API) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(headerAdminToken)
		if token == "" {
			return newError(http.StatusUnauthorized, "AuthError", "admin token required")
		}

		if app.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(app.adminToken)) != 1 {
			return newError(http.StatusForbidden, "AuthError", "admin authority required")
		}

		return next(c)
	}
}

func newError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, echo.Map{"code": code, "message": message})
}

func handleError(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return err
		}

		if _, ok := err.(*echo.HTTPError); ok {
			return err
		}

		switch {
		case errors.Is(err, caadm.ErrRecordNotFound):
			err = newError(http.StatusNotFound, "NotFound", err.Error())
		case errors.Is(err, caadm.ErrUniqueConstraintFailed),
			errors.Is(err, caadm.ErrSecretExists),
			errors.Is(err, caadm.ErrAlreadyRevoked),
			errors.Is(err, caadm.ErrConcurrentModification):
			err = newError(http.StatusConflict, "ConflictError", err.Error())
		case errors.Is(err, caadm.ErrNotIssuable),
			errors.Is(err, caadm.ErrNotAcceptable),
			errors.Is(err, caadm.ErrInvalidTransition):
			err = newError(http.StatusBadRequest, "StatusError", err.Error())
		case errors.Is(err, caadm.ErrInvalidWindow),
			errors.Is(err, caadm.ErrWeakPassword),
			errors.Is(err, caadm.ErrInvalidSubject),
			helper.IsValidationError(err):
			err = newError(http.StatusBadRequest, "ValidationError", err.Error())
		case errors.Is(err, caadm.ErrInvalidSecret):
			err = newError(http.StatusForbidden, "AuthError", err.Error())
		default:
			// key material and crypto internals stay server side
			log.Errorf("unhandled err=%T: %v", err, err)
			err = newError(http.StatusInternalServerError, "CryptoFailure", "internal failure")
		}

		return err
	}
}

func (app *v1API) ping(c echo.Context) error {
	return c.String(http.StatusOK, "pong")
}

// Client client resource
type Client struct {
	UID        string         `json:"uid"`
	Status     types.Status   `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Created    time.Time      `json:"created"`
}

func clientToResource(client *types.Client) *Client {
	return &Client{
		UID:        client.UID,
		Status:     client.Status,
		Attributes: client.Attributes,
		Created:    client.Created,
	}
}

func (app *v1API) listClient(c echo.Context) error {
	items, err := app.repository.ListClient(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, fx.Map(items, func(client *types.Client) *Client { return clientToResource(client) }))
}

func (app *v1API) getClient(c echo.Context) error {
	client, err := app.repository.GetClient(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, clientToResource(client))
}

type createClientRequest struct {
	UID        string         `json:"uid" validate:"required"`
	Attributes map[string]any `json:"attributes"`
}

func (app *v1API) createClient(c echo.Context) error {
	var req createClientRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	client, err := app.repository.CreateClient(c.Request().Context(), req.UID, req.Attributes)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, clientToResource(client))
}

type revokeClientRequest struct {
	UID string `json:"uid" validate:"required"`
}

func (app *v1API) revokeClient(c echo.Context) error {
	var req revokeClientRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	if err := app.repository.RevokeClient(c.Request().Context(), req.UID); err != nil {
		return err
	}

	client, err := app.repository.GetClient(c.Request().Context(), req.UID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, clientToResource(client))
}

type updateClientRequest struct {
	UID        string         `json:"uid" validate:"required"`
	Attributes map[string]any `json:"attributes" validate:"required"`
}

func (app *v1API) updateClient(c echo.Context) error {
	var req updateClientRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	if err := app.repository.UpdateClientAttributes(c.Request().Context(), req.UID, req.Attributes); err != nil {
		return err
	}

	client, err := app.repository.GetClient(c.Request().Context(), req.UID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, clientToResource(client))
}

// Certificate certificate resource; cert_data is the public PEM only.
type Certificate struct {
	Serial         string     `json:"serial"`
	CN             string     `json:"cn"`
	Status         string     `json:"status"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTill      time.Time  `json:"valid_till"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
	CertData       string     `json:"cert_data"`
}

func certToResource(cert *types.Certificate) *Certificate {
	return &Certificate{
		Serial:         cert.Serial,
		CN:             cert.CN,
		Status:         cert.Status.String(),
		ValidFrom:      cert.ValidFrom,
		ValidTill:      cert.ValidTill,
		RevocationDate: cert.RevocationDate,
		CertData:       cert.CertData,
	}
}

func (app *v1API) listCertificate(c echo.Context) error {
	certs, err := app.repository.ListCertificate(c.Request().Context(), c.Param("cn"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, fx.Map(certs, func(cert *types.Certificate) *Certificate { return certToResource(cert) }))
}

type revokeCertificateRequest struct {
	Serial string `json:"serial" validate:"required"`
}

func (app *v1API) revokeCertificate(c echo.Context) error {
	var req revokeCertificateRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	revoked, err := app.repository.RevokeCertificate(c.Request().Context(), req.Serial)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, certToResource(revoked))
}

type issueRequest struct {
	UID      string `json:"uid" validate:"required"`
	Secret   string `json:"secret" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (app *v1API) issuePKCS12(c echo.Context) error {
	var req issueRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	p12, _, err := app.repository.IssuePKCS12(c.Request().Context(), req.UID, req.Secret, req.Password)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(p12)))
	return c.Blob(http.StatusOK, "application/x-pkcs12", p12)
}

// Secret secret resource; durations travel as strings in time.Duration
// notation, e.g. "3600000ms", "48h".
type Secret struct {
	Target        string    `json:"target"`
	Secret        string    `json:"secret"`
	Type          string    `json:"type"`
	DeleteAt      time.Time `json:"delete_at"`
	PendingPeriod string    `json:"pending_period"`
}

func (app *v1API) getSecret(c echo.Context) error {
	secret, err := app.repository.GetSecret(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &Secret{
		Target:        secret.Target,
		Secret:        secret.Secret,
		Type:          string(secret.Type),
		DeleteAt:      secret.DeleteAt,
		PendingPeriod: secret.PendingPeriod.String(),
	})
}

type createSecretRequest struct {
	Target          string `json:"target" validate:"required"`
	Secret          string `json:"secret" validate:"required"`
	AvailablePeriod string `json:"available_period" validate:"required"`
	PendingPeriod   string `json:"pending_period"`
}

func (app *v1API) createSecret(c echo.Context) error {
	var req createSecretRequest

	if err := helper.Bind(c, &req); err != nil {
		return err
	}

	available, err := helper.ParseWireDuration(req.AvailablePeriod)
	if err != nil {
		return errors.Wrap(caadm.ErrInvalidWindow, err.Error())
	}

	var pending time.Duration
	if req.PendingPeriod != "" {
		pending, err = helper.ParseWireDuration(req.PendingPeriod)
		if err != nil {
			return errors.Wrap(caadm.ErrInvalidWindow, err.Error())
		}
	}

	secret, err := app.repository.CreateSecret(c.Request().Context(), &caadm.CreateSecretRequest{
		Target:          req.Target,
		Secret:          req.Secret,
		AvailablePeriod: available,
		PendingPeriod:   pending,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, &Secret{
		Target:        secret.Target,
		Secret:        secret.Secret,
		Type:          string(secret.Type),
		DeleteAt:      secret.DeleteAt,
		PendingPeriod: secret.PendingPeriod.String(),
	})
}
