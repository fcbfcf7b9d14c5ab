package testutils

import (
	"net/http"

	"certadm/api/endpoints"
	"certadm/pkg/helper"
)

func NewEndpointHandler(endpoint endpoints.Endpoint) http.Handler {
	handler := helper.NewEcho()
	endpoint.Route(handler.Group(""))

	return handler
}
