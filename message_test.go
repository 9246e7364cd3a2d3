// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewClientRequest only accepts HTTP URLs.
func TestNewClientRequest(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// rawURL is the URL to parse.
		rawURL string

		// wantErr indicates whether we expect an error.
		wantErr bool
	}{
		{name: "http", rawURL: "http://example.com/"},
		{name: "https", rawURL: "https://example.com/path?q=1"},
		{name: "unsupported scheme", rawURL: "ftp://example.com/", wantErr: true},
		{name: "invalid URL", rawURL: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewClientRequest("GET", tt.rawURL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "GET", req.Method)
			assert.Equal(t, tt.rawURL, req.URL.String())
			assert.NotNil(t, req.Header)
			assert.NotNil(t, req.Properties)
			assert.Nil(t, req.Body)
		})
	}
}

// The reason phrase comes from the status line when available.
func TestStatusReason(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// resp is the response to inspect.
		resp *http.Response

		// want is the expected reason.
		want string
	}{
		{
			name: "status line",
			resp: &http.Response{StatusCode: 200, Status: "200 Everything Fine"},
			want: "Everything Fine",
		},

		{
			name: "code only",
			resp: &http.Response{StatusCode: 404, Status: "404"},
			want: "Not Found",
		},

		{
			name: "empty status",
			resp: &http.Response{StatusCode: 503},
			want: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusReason(tt.resp))
		})
	}
}
