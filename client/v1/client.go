package v1

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/whitekid/goxp/log"
	"github.com/whitekid/goxp/request"
)

const headerAdminToken = "X-Admin-Token"

func New(endpoint string) *Client { return WithClient(endpoint, &http.Client{}) }
func WithClient(endpoint string, client *http.Client) *Client {
	return &Client{
		endpoint: endpoint,
		client:   request.NewSession(client),
	}
}

type Client struct {
	endpoint   string
	adminToken string
	client     request.Interface
}

// WithAdminToken returns the client authorized for the admin routes.
func (c *Client) WithAdminToken(token string) *Client {
	c.adminToken = token
	return c
}

func (c *Client) sendRequest(ctx context.Context, req *request.Request) (*request.Response, error) {
	log.Debugf("send request: %s", req.URL)

	if c.adminToken != "" {
		req = req.Header(headerAdminToken, c.adminToken)
	}

	resp, err := req.Do(ctx)
	if err != nil {
		return nil, err
	}

	if !resp.Success() {
		return resp, NewHTTPError(resp.StatusCode, "failed with status %d", resp.StatusCode)
	}

	return resp, nil
}

// Ping admin probe; succeeds only with a valid admin token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sendRequest(ctx, c.client.Get("%s/admin/api/ping", c.endpoint))
	return err
}

func (c *Client) Clients() *ClientService {
	return &ClientService{client: c}
}

type ClientService struct {
	client *Client
}

type ClientResource struct {
	UID        string         `json:"uid"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Created    time.Time      `json:"created"`
}

func (svc *ClientService) List(ctx context.Context) ([]*ClientResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Get("%s/api/client", svc.client.endpoint))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var clients []*ClientResource
	if err := resp.JSON(&clients); err != nil {
		return nil, err
	}

	return clients, nil
}

func (svc *ClientService) Get(ctx context.Context, uid string) (*ClientResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Get("%s/api/client/%s", svc.client.endpoint, uid))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var client ClientResource
	if err := resp.JSON(&client); err != nil {
		return nil, err
	}

	return &client, nil
}

type CreateClientRequest struct {
	UID        string         `json:"uid" validate:"required"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (svc *ClientService) Create(ctx context.Context, req *CreateClientRequest) (*ClientResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Post("%s/admin/api/client/add", svc.client.endpoint).JSON(req))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var created ClientResource
	if err := resp.JSON(&created); err != nil {
		return nil, err
	}

	return &created, nil
}

func (svc *ClientService) Revoke(ctx context.Context, uid string) (*ClientResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Post("%s/admin/api/client/revoke", svc.client.endpoint).
		JSON(&struct {
			UID string `json:"uid"`
		}{UID: uid}))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var revoked ClientResource
	if err := resp.JSON(&revoked); err != nil {
		return nil, err
	}

	return &revoked, nil
}

func (svc *ClientService) Update(ctx context.Context, uid string, attrs map[string]any) (*ClientResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Put("%s/admin/api/client/update", svc.client.endpoint).
		JSON(&struct {
			UID        string         `json:"uid"`
			Attributes map[string]any `json:"attributes"`
		}{UID: uid, Attributes: attrs}))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var updated ClientResource
	if err := resp.JSON(&updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

func (c *Client) Certificates() *CertificateService {
	return &CertificateService{client: c}
}

type CertificateService struct {
	client *Client
}

type CertificateResource struct {
	Serial         string     `json:"serial"`
	CN             string     `json:"cn"`
	Status         string     `json:"status"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTill      time.Time  `json:"valid_till"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
	CertData       string     `json:"cert_data"`
}

func (svc *CertificateService) List(ctx context.Context, cn string) ([]*CertificateResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Get("%s/api/cert/list/%s", svc.client.endpoint, cn))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var certs []*CertificateResource
	if err := resp.JSON(&certs); err != nil {
		return nil, err
	}

	return certs, nil
}

type IssueRequest struct {
	UID      string `json:"uid" validate:"required"`
	Secret   string `json:"secret" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Issue download a fresh certificate as PKCS#12 bytes.
func (svc *CertificateService) Issue(ctx context.Context, req *IssueRequest) ([]byte, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Post("%s/api/cert/pkcs12", svc.client.endpoint).JSON(req))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (svc *CertificateService) Revoke(ctx context.Context, serial string) (*CertificateResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Post("%s/admin/api/cert/revoke", svc.client.endpoint).
		JSON(&struct {
			Serial string `json:"serial"`
		}{Serial: serial}))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var revoked CertificateResource
	if err := resp.JSON(&revoked); err != nil {
		return nil, err
	}

	return &revoked, nil
}

func (c *Client) Secrets() *SecretService {
	return &SecretService{client: c}
}

type SecretService struct {
	client *Client
}

type SecretResource struct {
	Target        string    `json:"target"`
	Secret        string    `json:"secret"`
	Type          string    `json:"type"`
	DeleteAt      time.Time `json:"delete_at"`
	PendingPeriod string    `json:"pending_period"`
}

func (svc *SecretService) Get(ctx context.Context, uid string) (*SecretResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Get("%s/admin/api/secret/get/%s", svc.client.endpoint, uid))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var secret SecretResource
	if err := resp.JSON(&secret); err != nil {
		return nil, err
	}

	return &secret, nil
}

type CreateSecretRequest struct {
	Target          string `json:"target" validate:"required"`
	Secret          string `json:"secret" validate:"required"`
	AvailablePeriod string `json:"available_period" validate:"required"`
	PendingPeriod   string `json:"pending_period,omitempty"`
}

func (svc *SecretService) Create(ctx context.Context, req *CreateSecretRequest) (*SecretResource, error) {
	resp, err := svc.client.sendRequest(ctx, svc.client.client.Post("%s/admin/api/secret/create", svc.client.endpoint).JSON(req))
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	var created SecretResource
	if err := resp.JSON(&created); err != nil {
		return nil, err
	}

	return &created, nil
}
