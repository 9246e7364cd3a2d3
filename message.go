// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ClientRequest is a request to be sent by a [*Connector].
type ClientRequest struct {
	// Method is the HTTP method. An empty method means GET.
	Method string

	// URL is the target URL.
	URL *url.URL

	// Header contains the request headers.
	Header http.Header

	// Body is the request entity. A nil body means no entity.
	Body []byte

	// ContentType is the media type of Body. It is sent as the
	// Content-Type header unless Header already sets one.
	ContentType string

	// Properties override the connector properties for this request.
	Properties Properties
}

// NewClientRequest creates a [*ClientRequest] for method and rawURL.
func NewClientRequest(method, rawURL string) (*ClientRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	return &ClientRequest{
		Method:     method,
		URL:        u,
		Header:     http.Header{},
		Properties: Properties{},
	}, nil
}

// ClientResponse is the response to a [*ClientRequest].
type ClientResponse struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Reason is the status reason phrase (e.g., "Not Found").
	Reason string

	// Header contains the response headers.
	Header http.Header

	// Entity is the response body, which the caller must close.
	Entity io.ReadCloser

	// Request is the request that caused this response.
	Request *ClientRequest
}

// newClientResponseShell creates a [*ClientResponse] from the status and
// headers of an [*http.Response] with the given entity.
func newClientResponseShell(req *ClientRequest, resp *http.Response, entity io.ReadCloser) *ClientResponse {
	return &ClientResponse{
		StatusCode: resp.StatusCode,
		Reason:     statusReason(resp),
		Header:     resp.Header,
		Entity:     entity,
		Request:    req,
	}
}

func statusReason(resp *http.Response) string {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
