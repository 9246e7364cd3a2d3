// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Names of the properties understood by [*Connector].
const (
	// PropConnectTimeout is the dial timeout (duration).
	PropConnectTimeout = "connector.connectTimeout"

	// PropReadTimeout is the maximum idle time between body reads (duration).
	PropReadTimeout = "connector.readTimeout"

	// PropTotalTimeout bounds the whole exchange (duration).
	PropTotalTimeout = "connector.totalTimeout"

	// PropAsyncThreadPoolSize bounds the concurrent async exchanges (int).
	//
	// Zero means unbounded.
	PropAsyncThreadPoolSize = "connector.asyncThreadPoolSize"

	// PropSyncListenerResponseMaxSize makes the sync connector buffer the
	// body, failing when it is larger than this many bytes (int).
	PropSyncListenerResponseMaxSize = "connector.syncListenerResponseMaxSize"

	// PropAsyncStreaming delivers async responses as soon as the headers
	// arrive rather than when the body is complete (bool).
	PropAsyncStreaming = "connector.asyncStreaming"

	// PropQueueMaxBytes bounds the bytes buffered for a streaming async
	// response before the network reader blocks (int).
	PropQueueMaxBytes = "connector.queueMaxBytes"

	// PropDisableCookies disables the cookie jar (bool).
	PropDisableCookies = "connector.disableCookies"

	// PropFollowRedirects controls whether redirects are followed (bool).
	PropFollowRedirects = "connector.followRedirects"

	// PropBasicAuthUsername enables preemptive basic auth (string).
	PropBasicAuthUsername = "connector.basicAuthUsername"

	// PropBasicAuthPassword is the basic auth password (string).
	PropBasicAuthPassword = "connector.basicAuthPassword"

	// PropProxyURI is the URI of the HTTP proxy (string).
	PropProxyURI = "connector.proxyURI"

	// PropProxyUsername is the proxy username (string).
	PropProxyUsername = "connector.proxyUsername"

	// PropProxyPassword is the proxy password (string).
	PropProxyPassword = "connector.proxyPassword"

	// PropHTTP3 sends requests using HTTP/3 (bool).
	//
	// The QUIC handshake honors the resolver and [PropConnectTimeout]. The
	// proxy properties do not apply to HTTP/3.
	PropHTTP3 = "connector.http3"

	// PropDNSServer is the URI of the DNS server to use (string).
	//
	// See [NewDNSResolver] for the accepted URIs. When empty, we use the
	// system resolver.
	PropDNSServer = "connector.dnsServer"
)

// Properties maps property names to values.
//
// Typed accessors return the given default when a property is missing or
// has an unexpected type. Durations may be a [time.Duration], a string
// parsed by [time.ParseDuration], or an integer number of milliseconds.
type Properties map[string]any

// Int returns an integer property.
func (p Properties) Int(name string, def int) int {
	switch v := p[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

// Bool returns a boolean property.
func (p Properties) Bool(name string, def bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return def
}

// String returns a string property.
func (p Properties) String(name string, def string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return def
}

// Duration returns a duration property.
func (p Properties) Duration(name string, def time.Duration) time.Duration {
	switch v := p[name].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Merge returns a new [Properties] containing p overridden by overrides.
func (p Properties) Merge(overrides Properties) Properties {
	out := make(Properties, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// LoadProperties parses TOML-encoded properties.
//
// Nested tables are flattened using dots, so that
//
//	[connector]
//	readTimeout = "5s"
//
// defines the "connector.readTimeout" property.
func LoadProperties(b []byte) (Properties, error) {
	var tree map[string]any
	if err := toml.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("parsing properties: %w", err)
	}
	out := Properties{}
	flattenProperties(out, "", tree)
	return out, nil
}

// LoadPropertiesFile is like [LoadProperties] but reads from a file.
func LoadPropertiesFile(path string) (Properties, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadProperties(b)
}

func flattenProperties(out Properties, prefix string, tree map[string]any) {
	for k, v := range tree {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenProperties(out, name, sub)
			continue
		}
		out[name] = v
	}
}
