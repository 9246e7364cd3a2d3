// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// Resolver maps a host name to IP addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// ErrNoSuchHost indicates that the lookup returned no addresses.
var ErrNoSuchHost = errors.New("no such host")

// SystemResolver is a [Resolver] using [*net.Resolver].
//
// The zero value uses [net.DefaultResolver].
type SystemResolver struct {
	Resolver *net.Resolver
}

var _ Resolver = &SystemResolver{}

// LookupHost implements [Resolver].
func (r *SystemResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	reso := r.Resolver
	if reso == nil {
		reso = net.DefaultResolver
	}
	addrs, err := reso.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for idx := range addrs {
		addrs[idx] = addrs[idx].Unmap()
	}
	return addrs, nil
}

// DNSResolver is a [Resolver] querying a specific DNS server for A records.
//
// Each lookup uses a fresh connection bound to the lookup context.
//
// Construct using [NewDNSResolver].
type DNSResolver struct {
	cfg        *Config
	logger     SLogger
	protocol   string
	server     netip.AddrPort
	serverAddr string
	serverName string
	url        string
}

var _ Resolver = &DNSResolver{}

// NewDNSResolver creates a [*DNSResolver] for the given server URI.
//
// Accepted URIs:
//
//	udp://8.8.8.8:53
//	tcp://8.8.8.8:53
//	tls://8.8.8.8:853?sni=dns.google
//	https://dns.google/dns-query
//
// The udp, tcp and tls servers must be IP addresses and the port defaults
// to 53 (udp, tcp) or 853 (tls). The TLS server name defaults to the IP
// address. DNS-over-HTTPS resolves the server name using the system
// resolver and the port defaults to 443.
func NewDNSResolver(cfg *Config, serverURI string, logger SLogger) (*DNSResolver, error) {
	u, err := url.Parse(serverURI)
	if err != nil {
		return nil, fmt.Errorf("invalid DNS server URI: %w", err)
	}
	r := &DNSResolver{cfg: cfg, logger: logger}

	switch u.Scheme {
	case "https":
		r.protocol, r.url, r.serverName = "doh", serverURI, u.Hostname()
		port := u.Port()
		if port == "" {
			port = "443"
		}
		r.serverAddr = net.JoinHostPort(r.serverName, port)
		return r, nil

	case "udp", "tcp":
		r.protocol = u.Scheme
		r.server, err = parseServerAddr(u.Host, 53)

	case "tls":
		r.protocol = "dot"
		r.server, err = parseServerAddr(u.Host, 853)
		r.serverName = u.Query().Get("sni")
		if r.serverName == "" {
			r.serverName = r.server.Addr().String()
		}

	default:
		return nil, fmt.Errorf("unsupported DNS server URI scheme: %q", u.Scheme)
	}

	if err != nil {
		return nil, err
	}
	return r, nil
}

func parseServerAddr(hostport string, defaultPort uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(hostport); err == nil {
		return netip.AddrPortFrom(addr, defaultPort), nil
	}
	epnt, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("DNS server must be an IP address: %w", err)
	}
	return epnt, nil
}

// LookupHost implements [Resolver].
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	query := dnscodec.NewQuery(host, dns.TypeA)
	resp, err := r.exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchHost, host)
	}
	return addrs, nil
}

func (r *DNSResolver) exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	switch r.protocol {
	case "doh":
		return r.exchangeHTTPS(ctx, query)
	case "dot":
		return r.exchangeTLS(ctx, query)
	case "tcp":
		return r.exchangeTCP(ctx, query)
	default:
		return r.exchangeUDP(ctx, query)
	}
}

func (r *DNSResolver) dial(network string) Func[[]netip.AddrPort, net.Conn] {
	return Compose3(
		NewConnectFunc(r.cfg, network, r.logger),
		NewObserveConnFunc(r.cfg, r.logger),
		NewCancelWatchFunc(r.logger),
	)
}

func (r *DNSResolver) exchangeUDP(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	conn, err := r.dial("udp").Call(ctx, []netip.AddrPort{r.server})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := newDNSLogContext(r.cfg, r.logger, conn, "udp")
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.observeQuery
	txp.ObserveRawResponse = lc.observeResponse

	lc.start(ctx)
	resp, err := txp.ExchangeWithConn(ctx, conn, query)
	lc.done(err)
	return resp, err
}

func (r *DNSResolver) exchangeTCP(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	conn, err := r.dial("tcp").Call(ctx, []netip.AddrPort{r.server})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := newDNSLogContext(r.cfg, r.logger, conn, "tcp")
	sd := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
	txp := dnsoverstream.NewTransport(sd, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.observeQuery
	txp.ObserveRawResponse = lc.observeResponse

	lc.start(ctx)
	resp, err := txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(conn), query)
	lc.done(err)
	return resp, err
}

func (r *DNSResolver) exchangeTLS(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	conn, err := r.dialTLS(ctx, []netip.AddrPort{r.server}, "dot")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := newDNSLogContext(r.cfg, r.logger, conn, "dot")
	sd := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
	txp := dnsoverstream.NewTransport(sd, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.observeQuery
	txp.ObserveRawResponse = lc.observeResponse

	lc.start(ctx)
	resp, err := txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(conn), query)
	lc.done(err)
	return resp, err
}

func (r *DNSResolver) dialTLS(ctx context.Context, epnts []netip.AddrPort, protos ...string) (TLSConn, error) {
	tlsConfig := newTLSClientConfig(r.cfg, r.serverName, protos...)
	pipeline := Compose2(r.dial("tcp"), Func[net.Conn, TLSConn](NewTLSHandshakeFunc(r.cfg, tlsConfig, r.logger)))
	return pipeline.Call(ctx, epnts)
}

func (r *DNSResolver) exchangeHTTPS(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	epnts, err := resolveEndpoints(ctx, &SystemResolver{}, r.serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := r.dialTLS(ctx, epnts, "h2", "http/1.1")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	txp, closeIdle := newSingleUseHTTPTransport(conn)
	defer closeIdle()

	lc := newDNSLogContext(r.cfg, r.logger, conn, "doh")
	lc.start(ctx)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, r.url, lc.observeQuery)
	if err != nil {
		lc.done(err)
		return nil, err
	}
	httpResp, err := txp.RoundTrip(httpReq)
	if err != nil {
		lc.done(err)
		return nil, err
	}
	defer httpResp.Body.Close()

	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.observeResponse)
	lc.done(err)
	return resp, err
}

// newSingleUseHTTPTransport returns a transport sending requests over conn
// using the protocol negotiated through ALPN, and a func to release it.
func newSingleUseHTTPTransport(conn TLSConn) (http.RoundTripper, func()) {
	dialer := sud.NewSingleUseDialer(conn)
	switch conn.ConnectionState().NegotiatedProtocol {
	case "h2":
		txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		return txp, txp.CloseIdleConnections
	default:
		txp := &http.Transport{
			DialContext:       dialer.DialContext,
			DialTLSContext:    dialer.DialContext,
			DisableKeepAlives: true,
		}
		return txp, txp.CloseIdleConnections
	}
}

// dnsLogContext emits the events of a single DNS exchange.
type dnsLogContext struct {
	deadline       time.Time
	errClassifier  ErrClassifier
	localAddr      string
	logger         SLogger
	protocol       string
	rawQuery       []byte
	remoteAddr     string
	serverProtocol string
	t0             time.Time
	timeNow        func() time.Time
}

func newDNSLogContext(cfg *Config, logger SLogger, conn net.Conn, serverProtocol string) *dnsLogContext {
	return &dnsLogContext{
		errClassifier:  cfg.ErrClassifier,
		localAddr:      safeconn.LocalAddr(conn),
		logger:         logger,
		protocol:       safeconn.Network(conn),
		remoteAddr:     safeconn.RemoteAddr(conn),
		serverProtocol: serverProtocol,
		timeNow:        cfg.TimeNow,
	}
}

func (lc *dnsLogContext) start(ctx context.Context) {
	lc.t0 = lc.timeNow()
	lc.deadline, _ = ctx.Deadline()
	lc.logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", lc.deadline),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t", lc.t0),
	)
}

func (lc *dnsLogContext) done(err error) {
	lc.logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", lc.deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.errClassifier.Classify(err)),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t0", lc.t0),
		slog.Time("t", lc.timeNow()),
	)
}

func (lc *dnsLogContext) observeQuery(rawQuery []byte) {
	lc.rawQuery = rawQuery
	lc.logger.Info(
		"dnsQuery",
		slog.Any("dnsRawQuery", rawQuery),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t", lc.timeNow()),
	)
}

func (lc *dnsLogContext) observeResponse(rawResp []byte) {
	lc.logger.Info(
		"dnsResponse",
		slog.Any("dnsRawQuery", lc.rawQuery),
		slog.Any("dnsRawResponse", rawResp),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t0", lc.t0),
		slog.Time("t", lc.timeNow()),
	)
}

// dnsUnusedDialer is given to DNS transports that must reuse our conns.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer].
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("stagehttp: DNS transport must not dial; this is a programming error")
}
