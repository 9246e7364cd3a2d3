// SPDX-License-Identifier: GPL-3.0-or-later

// Package stagehttp provides a staged HTTP client with pluggable request
// filters, synchronous and asynchronous connectors, and a nonce cache for
// replay protection.
//
// # Stages
//
// The package is built around a single interface:
//
//	type Stage[D any] interface {
//		Apply(data D) Continuation[D]
//	}
//
// A [Continuation] carries the transformed data and, optionally, the next
// stage to run. [Process] drives a chain of stages iteratively until a stage
// returns no next stage, so that long chains do not grow the call stack.
//
// Stages are usually assembled with a [*ChainBuilder]:
//   - [Chain] and [ChainStage]: start a chain from a [Transform] or a [ChainableStage]
//   - [*ChainBuilder.To] and [*ChainBuilder.ToStage]: append to the chain
//   - [*ChainBuilder.Build] and [*ChainBuilder.BuildWith]: return the root stage
//
// A builder may only be built once. A stage created with [AsStage] carries an
// [Endpoint] that [ProcessToEndpoint] returns once the chain terminates.
//
// A [*RespondingContext] collects the response transformations registered
// while processing a request and runs them in reverse registration order.
//
// # Client
//
// A [*Client] runs its [RequestFilter] values in order, sends the request
// through a [*Connector] and then runs the response transformations that
// the filters registered. A filter may call [*ProcessingContext.AbortWith]
// to answer without touching the network.
//
// # Connector
//
// The [*Connector] translates a [*ClientRequest] into an HTTP exchange:
//   - [*Connector.Apply]: sends the request and returns a buffered or
//     streaming [*ClientResponse] depending on [PropSyncListenerResponseMaxSize]
//   - [*Connector.ApplyAsync]: sends the request in the background and returns
//     a [*Future], invoking the [AsyncCallback] exactly once
//
// In asynchronous streaming mode ([PropAsyncStreaming]) the response is
// delivered as soon as the headers arrive and the entity is fed through a
// [*ByteBufferStream] whose capacity is bounded by [PropQueueMaxBytes].
//
// The connector is configured using [*Config] for the collaborators (dialer,
// TLS engine, clock, metrics registry, tracer) and [Properties] for the
// per-client and per-request knobs. Per-request properties override the
// client properties. Use [LoadProperties] to read properties from TOML.
//
// Host names are resolved using the system resolver unless [PropDNSServer]
// names a DNS server, in which case a [*DNSResolver] speaking DNS over UDP,
// TCP, TLS, or HTTPS is used.
//
// # Timeouts
//
// Each exchange runs under its own context derived from the caller context:
//
//   - [PropConnectTimeout] bounds each connect attempt
//   - [PropReadTimeout] bounds the time without receiving bytes
//   - [PropTotalTimeout] bounds the whole exchange
//
// Expiring timeouts surface as a [*ProcessingError] wrapping [ErrReadTimeout]
// or [ErrTotalTimeout]. Closing connections when the context is done uses
// [CancelWatchFunc], so blocking I/O never outlives the exchange.
//
// # Replay Protection
//
// A [*NonceManager] remembers the nonces seen within a time window, grouped
// by timestamp, and rejects timestamps outside the window and nonces already
// seen for the same key. Expired entries are collected periodically and when
// the cache is full.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled.
//
// Primitives emit span events (*Start/*Done pairs) with t0, t, err, and
// errClass fields, plus wire observations at [slog.LevelDebug]. Each exchange
// gets a spanID generated by [NewSpanID] and attached to every log entry. A
// request header the transport did not send is reported with a warning.
//
// When [Config.Registerer] is set, the connector exports Prometheus metrics
// about requests, latency, in-flight exchanges, and queued bytes. Exchanges
// are also traced with OpenTelemetry client spans, and the trace context is
// propagated to the server using the configured propagator.
package stagehttp
