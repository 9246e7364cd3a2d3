// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrCapacityExceeded indicates that a bounded resource is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrResponseTooLarge indicates that a buffered response entity exceeds
	// the [PropSyncListenerResponseMaxSize] limit.
	ErrResponseTooLarge = fmt.Errorf("%w: response entity too large", ErrCapacityExceeded)

	// ErrCancelled indicates that the caller cancelled an async exchange.
	ErrCancelled = errors.New("exchange cancelled")

	// ErrReadTimeout indicates that no data arrived within [PropReadTimeout].
	ErrReadTimeout = errors.New("read timeout")

	// ErrTotalTimeout indicates that the exchange exceeded [PropTotalTimeout].
	ErrTotalTimeout = errors.New("total timeout")
)

// ProcessingError is the error returned by a [*Connector] when an
// exchange fails for any reason.
type ProcessingError struct {
	// Op is the operation that failed (e.g., "send").
	Op string

	// Err is the underlying error.
	Err error
}

var _ error = &ProcessingError{}

// Error implements error.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s: %s", e.Op, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Connector sends [*ClientRequest] and receives [*ClientResponse] using
// a pooled HTTP client.
//
// Construct using [NewConnector].
//
// A connector is safe for concurrent use. Call Close when done to release
// the idle connections.
type Connector struct {
	cfg      *Config
	logger   SLogger
	metrics  *connectorMetrics
	pool     *semaphore.Weighted
	props    Properties
	resolver Resolver
	tracer   trace.Tracer
	txp      *httpTransport
}

// tracerName names the tracer creating the exchange spans.
const tracerName = "github.com/bassosimone/stagehttp"

// NewConnector creates a new [*Connector].
//
// The props configure the connector and serve as defaults for the
// properties of each [*ClientRequest]. See the Prop* constants.
func NewConnector(cfg *Config, props Properties, logger SLogger) (*Connector, error) {
	var reso Resolver = &SystemResolver{}
	if uri := props.String(PropDNSServer, ""); uri != "" {
		dnsReso, err := NewDNSResolver(cfg, uri, logger)
		if err != nil {
			return nil, err
		}
		reso = dnsReso
	}

	txp, err := newHTTPTransport(cfg, props, reso, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := newConnectorMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	var pool *semaphore.Weighted
	if size := props.Int(PropAsyncThreadPoolSize, 0); size > 0 {
		pool = semaphore.NewWeighted(int64(size))
	}

	c := &Connector{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		pool:     pool,
		props:    props.Merge(nil),
		resolver: reso,
		tracer:   cfg.TracerProvider.Tracer(tracerName),
		txp:      txp,
	}
	return c, nil
}

// Name returns the connector name.
func (c *Connector) Name() string {
	if c.txp.h3 != nil {
		return "stagehttp/http3"
	}
	return "stagehttp/net-http"
}

// Properties returns a copy of the connector properties.
func (c *Connector) Properties() Properties {
	return c.props.Merge(nil)
}

// Close releases the resources used by the connector.
func (c *Connector) Close() error {
	return c.txp.Close()
}

// exchange is the state of a single request/response exchange.
type exchange struct {
	c          *Connector
	cancel     context.CancelCauseFunc
	ctx        context.Context
	idle       *time.Timer
	mode       string
	props      Properties
	readIdle   time.Duration
	releaseOne sync.Once
	req        *ClientRequest
	sent       *headerRecorder
	span       trace.Span
	spanID     string
	stopTotal  context.CancelFunc
	t0         time.Time
}

// newExchange starts an exchange bound to ctx. The caller must eventually
// invoke release to stop the timers and end the span.
func (c *Connector) newExchange(ctx context.Context, req *ClientRequest, mode string) *exchange {
	x := &exchange{
		c:      c,
		mode:   mode,
		props:  c.props.Merge(req.Properties),
		req:    req,
		spanID: NewSpanID(),
		t0:     c.cfg.TimeNow(),
	}

	ctx, x.cancel = context.WithCancelCause(ctx)
	if total := x.props.Duration(PropTotalTimeout, 0); total > 0 {
		ctx, x.stopTotal = context.WithTimeoutCause(ctx, total, ErrTotalTimeout)
	}
	ctx, x.span = c.tracer.Start(ctx, "HTTP "+x.method(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", x.method()),
			attribute.String("url.full", req.URL.String()),
			attribute.String("stagehttp.mode", mode),
			attribute.String("stagehttp.span_id", x.spanID),
		),
	)
	x.ctx = ctx

	// The watchdog also covers the wait for the response headers.
	if timeout := x.props.Duration(PropReadTimeout, 0); timeout > 0 {
		x.readIdle = timeout
		x.idle = time.AfterFunc(timeout, func() { x.cancel(ErrReadTimeout) })
	}

	c.metrics.begin()
	c.logger.Info(
		"connectorApplyStart",
		slog.String("method", x.method()),
		slog.String("mode", mode),
		slog.String("spanID", x.spanID),
		slog.String("url", req.URL.String()),
		slog.Time("t", x.t0),
	)
	return x
}

func (x *exchange) method() string {
	if x.req.Method == "" {
		return http.MethodGet
	}
	return x.req.Method
}

// kick tells the watchdog that the exchange made progress.
func (x *exchange) kick() {
	if x.idle != nil {
		x.idle.Reset(x.readIdle)
	}
}

// failure wraps err into a [*ProcessingError] that also carries the
// reason why the exchange context was canceled, if any.
func (x *exchange) failure(op string, err error) error {
	if cause := context.Cause(x.ctx); cause != nil && !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	return &ProcessingError{Op: op, Err: err}
}

// release ends the exchange. Only the first call has any effect.
func (x *exchange) release(err error) {
	x.releaseOne.Do(func() {
		if x.idle != nil {
			x.idle.Stop()
		}
		if x.stopTotal != nil {
			x.stopTotal()
		}
		x.cancel(nil)

		if err != nil {
			x.span.RecordError(err)
			x.span.SetStatus(codes.Error, err.Error())
		}
		x.span.End()

		t := x.c.cfg.TimeNow()
		x.c.metrics.end(x.mode, exchangeOutcome(err), t.Sub(x.t0))
		x.c.logger.Info(
			"connectorApplyDone",
			slog.Any("err", err),
			slog.String("errClass", x.c.cfg.ErrClassifier.Classify(err)),
			slog.String("method", x.method()),
			slog.String("mode", x.mode),
			slog.String("spanID", x.spanID),
			slog.String("url", x.req.URL.String()),
			slog.Time("t0", x.t0),
			slog.Time("t", t),
		)
	})
}

func exchangeOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "failure"
	}
}

// translate converts the [*ClientRequest] into an [*http.Request].
func (x *exchange) translate() (*http.Request, error) {
	var body io.Reader
	if x.req.Body != nil {
		body = bytes.NewReader(x.req.Body)
	}

	x.sent = &headerRecorder{}
	ctx := httptrace.WithClientTrace(x.ctx, &httptrace.ClientTrace{
		WroteHeaderField: x.sent.record,
		WroteHeaders:     x.sent.freeze,
	})

	hreq, err := http.NewRequestWithContext(ctx, x.method(), x.req.URL.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range x.req.Header {
		for _, value := range values {
			hreq.Header.Add(key, value)
		}
	}
	if x.req.ContentType != "" && x.req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", x.req.ContentType)
	}
	if username := x.props.String(PropBasicAuthUsername, ""); username != "" {
		hreq.SetBasicAuth(username, x.props.String(PropBasicAuthPassword, ""))
	}
	x.c.cfg.Propagator.Inject(x.ctx, propagation.HeaderCarrier(hreq.Header))
	return hreq, nil
}

// send translates and sends the request, returning the response headers.
func (x *exchange) send() (*http.Response, error) {
	hreq, err := x.translate()
	if err != nil {
		return nil, x.failure("translate", err)
	}
	hresp, err := x.c.txp.client.Do(hreq)
	if err != nil {
		return nil, x.failure("send", err)
	}
	x.kick()
	x.checkHeadersSent()
	return hresp, nil
}

// checkHeadersSent warns about request headers that the HTTP stack did
// not send as given (e.g., Host or Content-Length).
func (x *exchange) checkHeadersSent() {
	written := x.sent.snapshot()
	if len(written) <= 0 {
		return // HTTP/3 does not report the written fields
	}
	var names []string
	for key, values := range x.req.Header {
		key = http.CanonicalHeaderKey(key)
		if strings.Join(written[key], ",") != strings.Join(values, ",") {
			names = append(names, key)
		}
	}
	if len(names) <= 0 {
		return
	}
	slices.Sort(names)
	x.c.logger.Warn(
		"headersNotSent",
		slog.Any("headers", names),
		slog.String("spanID", x.spanID),
		slog.String("url", x.req.URL.String()),
	)
}

// headerRecorder collects the header fields of the first request
// written on the wire, ignoring the ones of redirects.
type headerRecorder struct {
	fields map[string][]string
	frozen bool
	mu     sync.Mutex
}

func (hr *headerRecorder) freeze() {
	hr.mu.Lock()
	hr.frozen = true
	hr.mu.Unlock()
}

func (hr *headerRecorder) record(key string, values []string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.frozen {
		return
	}
	if hr.fields == nil {
		hr.fields = map[string][]string{}
	}
	if strings.HasPrefix(key, ":") {
		return // HTTP/2 pseudo-header
	}
	key = http.CanonicalHeaderKey(key)
	hr.fields[key] = append(hr.fields[key], values...)
}

func (hr *headerRecorder) snapshot() map[string][]string {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	out := make(map[string][]string, len(hr.fields))
	for key, values := range hr.fields {
		out[key] = slices.Clone(values)
	}
	return out
}
