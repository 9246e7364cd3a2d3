// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// transportDialer dials connections for the pooled [*http.Transport]
// using resolve, connect and observe stages.
//
// Pooled connections outlive the dial context, so we do not bind them
// to it with a [*CancelWatchFunc].
type transportDialer struct {
	cfg            *Config
	connectTimeout time.Duration
	logger         SLogger
	resolver       Resolver
}

func (d *transportDialer) resolveFunc() Func[string, []netip.AddrPort] {
	return FuncAdapter[string, []netip.AddrPort](d.resolve)
}

func (d *transportDialer) resolve(ctx context.Context, address string) ([]netip.AddrPort, error) {
	return resolveEndpoints(ctx, d.resolver, address)
}

// resolveEndpoints maps the addresses of the host in address to endpoints.
func resolveEndpoints(ctx context.Context, reso Resolver, address string) ([]netip.AddrPort, error) {
	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portString, err)
	}
	addrs, err := reso.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	epnts := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		epnts = append(epnts, netip.AddrPortFrom(addr, uint16(port)))
	}
	return epnts, nil
}

// newTLSClientConfig returns a copy of the configured base TLS config
// using the given server name and ALPN protocols.
func newTLSClientConfig(cfg *Config, serverName string, protos ...string) *tls.Config {
	tlsConfig := &tls.Config{}
	if cfg.TLSClientConfig != nil {
		tlsConfig = cfg.TLSClientConfig.Clone()
	}
	tlsConfig.ServerName, tlsConfig.NextProtos = serverName, protos
	return tlsConfig
}

func (d *transportDialer) withConnectTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.connectTimeout > 0 {
		return context.WithTimeout(ctx, d.connectTimeout)
	}
	return context.WithCancel(ctx)
}

// DialContext dials a cleartext connection.
func (d *transportDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	ctx, cancel := d.withConnectTimeout(ctx)
	defer cancel()
	pipeline := Compose3(
		d.resolveFunc(),
		Func[[]netip.AddrPort, net.Conn](NewConnectFunc(d.cfg, network, d.logger)),
		Func[net.Conn, net.Conn](NewObserveConnFunc(d.cfg, d.logger)),
	)
	return pipeline.Call(ctx, address)
}

// DialTLSContext dials a TLS connection offering h2 and http/1.1.
func (d *transportDialer) DialTLSContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := d.withConnectTimeout(ctx)
	defer cancel()

	pipeline := Compose4(
		d.resolveFunc(),
		Func[[]netip.AddrPort, net.Conn](NewConnectFunc(d.cfg, network, d.logger)),
		Func[net.Conn, net.Conn](NewObserveConnFunc(d.cfg, d.logger)),
		Func[net.Conn, TLSConn](NewTLSHandshakeFunc(d.cfg, newTLSClientConfig(d.cfg, host, "h2", "http/1.1"), d.logger)),
	)
	conn, err := pipeline.Call(ctx, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialQUIC dials an HTTP/3 connection to the first endpoint of address
// that completes the QUIC handshake.
func (d *transportDialer) DialQUIC(ctx context.Context, address string,
	tlsConfig *tls.Config, quicConfig *quic.Config) (*quic.Conn, error) {
	ctx, cancel := d.withConnectTimeout(ctx)
	defer cancel()

	epnts, err := d.resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	if tlsConfig.ServerName == "" {
		host, _, _ := net.SplitHostPort(address)
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = host
	}

	var errv []error
	for _, epnt := range epnts {
		t0 := d.cfg.TimeNow()
		d.logger.Info(
			"quicHandshakeStart",
			slog.String("remoteAddr", epnt.String()),
			slog.String("tlsServerName", tlsConfig.ServerName),
			slog.Time("t", t0),
		)
		conn, err := quic.DialAddrEarly(ctx, epnt.String(), tlsConfig, quicConfig)
		d.logger.Info(
			"quicHandshakeDone",
			slog.Any("err", err),
			slog.String("errClass", d.cfg.ErrClassifier.Classify(err)),
			slog.String("remoteAddr", epnt.String()),
			slog.String("tlsServerName", tlsConfig.ServerName),
			slog.Time("t0", t0),
			slog.Time("t", d.cfg.TimeNow()),
		)
		if err == nil {
			return conn, nil
		}
		errv = append(errv, err)
	}
	return nil, errors.Join(errv...)
}

// httpTransport is the [*http.Client] shared by the exchanges of a connector.
type httpTransport struct {
	client *http.Client
	h1h2   *http.Transport
	h3     *http3.Transport
}

func newHTTPTransport(cfg *Config, props Properties, reso Resolver, logger SLogger) (*httpTransport, error) {
	dialer := &transportDialer{
		cfg:            cfg,
		connectTimeout: props.Duration(PropConnectTimeout, 0),
		logger:         logger,
		resolver:       reso,
	}

	h1h2 := &http.Transport{
		DialContext:           dialer.DialContext,
		DialTLSContext:        dialer.DialTLSContext,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
		ExpectContinueTimeout: time.Second,
	}
	if err := configureProxy(h1h2, props); err != nil {
		return nil, err
	}
	h2, err := http2.ConfigureTransports(h1h2)
	if err != nil {
		return nil, err
	}
	if timeout := props.Duration(PropReadTimeout, 0); timeout > 0 {
		h2.ReadIdleTimeout = timeout
	}

	txp := &httpTransport{h1h2: h1h2}
	var rt http.RoundTripper = h1h2
	if props.Bool(PropHTTP3, false) {
		txp.h3 = &http3.Transport{
			Dial:            dialer.DialQUIC,
			TLSClientConfig: newTLSClientConfig(cfg, "", http3.NextProtoH3),
		}
		rt = txp.h3
	}

	txp.client = &http.Client{Transport: rt}
	if !props.Bool(PropDisableCookies, false) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		txp.client.Jar = jar
	}
	if !props.Bool(PropFollowRedirects, true) {
		txp.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return txp, nil
}

func configureProxy(txp *http.Transport, props Properties) error {
	rawURI := props.String(PropProxyURI, "")
	if rawURI == "" {
		return nil
	}
	proxyURL, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid proxy URI: %w", err)
	}
	if username := props.String(PropProxyUsername, ""); username != "" {
		proxyURL.User = url.UserPassword(username, props.String(PropProxyPassword, ""))
	}
	txp.Proxy = http.ProxyURL(proxyURL)
	return nil
}

// Close releases the idle connections.
func (txp *httpTransport) Close() error {
	txp.h1h2.CloseIdleConnections()
	if txp.h3 != nil {
		return txp.h3.Close()
	}
	return nil
}
