// SPDX-License-Identifier: GPL-3.0-or-later

// Command stagehttp fetches URLs using the stagehttp connector.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bassosimone/stagehttp"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// fetchConfig holds the flags of the fetch command.
type fetchConfig struct {
	Async        bool
	Body         string
	ConfigFile   string
	DNSServer    string
	Headers      []string
	HTTP3        bool
	LogJSON      bool
	MaxSize      int
	Method       string
	OTLPEndpoint string
	OTLPProtocol string
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagehttp",
		Short: "HTTP client built on processing stages",
	}
	root.AddCommand(newFetchCommand())
	return root
}

func newFetchCommand() *cobra.Command {
	var cfg fetchConfig
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch a URL and print the response",
		Example: `  # Fetch a page
  stagehttp fetch https://example.com/

  # POST a body using the async connector and a custom DNS server
  stagehttp fetch -X POST -d 'hello' --async --dns udp://8.8.8.8:53 https://example.com/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), &cfg, args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&cfg.Method, "method", "X", "GET", "HTTP method")
	flags.StringArrayVarP(&cfg.Headers, "header", "H", nil, "request header as 'Name: value'")
	flags.StringVarP(&cfg.Body, "data", "d", "", "request body")
	flags.StringVarP(&cfg.ConfigFile, "config", "c", "", "TOML properties file")
	flags.BoolVar(&cfg.Async, "async", false, "use the async connector")
	flags.IntVar(&cfg.MaxSize, "max-size", 0, "buffer at most this many body bytes")
	flags.BoolVar(&cfg.LogJSON, "log-json", false, "emit JSON logs on stderr")
	flags.StringVar(&cfg.DNSServer, "dns", "", "DNS server URI (udp://, tcp://, tls://, https://)")
	flags.BoolVar(&cfg.HTTP3, "http3", false, "use HTTP/3")
	flags.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint")
	flags.StringVar(&cfg.OTLPProtocol, "otlp-protocol", "grpc", "OTLP protocol (grpc or http)")
	return cmd
}

func runFetch(ctx context.Context, stdout, stderr io.Writer, cfg *fetchConfig, rawURL string) error {
	logger := stagehttp.DefaultSLogger()
	if cfg.LogJSON {
		logger = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint, cfg.OTLPProtocol)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	props, err := loadProperties(cfg)
	if err != nil {
		return err
	}

	config := stagehttp.NewConfig()
	config.Registerer = prometheus.NewRegistry()
	connector, err := stagehttp.NewConnector(config, props, logger)
	if err != nil {
		return err
	}
	defer connector.Close()

	req, err := newRequest(cfg, rawURL)
	if err != nil {
		return err
	}

	client := stagehttp.NewClient(connector)
	var resp *stagehttp.ClientResponse
	if cfg.Async {
		resp, err = client.DoAsync(ctx, req, nil).Get(ctx)
	} else {
		resp, err = client.Do(ctx, req)
	}
	if err != nil {
		return err
	}
	defer resp.Entity.Close()
	return printResponse(stdout, resp)
}

func loadProperties(cfg *fetchConfig) (stagehttp.Properties, error) {
	props := stagehttp.Properties{}
	if cfg.ConfigFile != "" {
		loaded, err := stagehttp.LoadPropertiesFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		props = loaded
	}
	if cfg.MaxSize > 0 {
		props[stagehttp.PropSyncListenerResponseMaxSize] = cfg.MaxSize
	}
	if cfg.DNSServer != "" {
		props[stagehttp.PropDNSServer] = cfg.DNSServer
	}
	if cfg.HTTP3 {
		props[stagehttp.PropHTTP3] = true
	}
	return props, nil
}

func newRequest(cfg *fetchConfig, rawURL string) (*stagehttp.ClientRequest, error) {
	req, err := stagehttp.NewClientRequest(cfg.Method, rawURL)
	if err != nil {
		return nil, err
	}
	for _, header := range cfg.Headers {
		name, value, found := strings.Cut(header, ":")
		if !found {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", header)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if cfg.Body != "" {
		req.Body = []byte(cfg.Body)
	}
	return req, nil
}

func printResponse(w io.Writer, resp *stagehttp.ClientResponse) error {
	fmt.Fprintf(w, "%d %s\n", resp.StatusCode, resp.Reason)
	for name, values := range resp.Header {
		for _, value := range values {
			fmt.Fprintf(w, "%s: %s\n", name, value)
		}
	}
	fmt.Fprintln(w)
	_, err := io.Copy(w, resp.Entity)
	return err
}

func setupTracing(ctx context.Context, endpoint, protocol string) (func(context.Context) error, error) {
	var client otlptrace.Client
	switch protocol {
	case "grpc":
		client = otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	case "http":
		client = otlptracehttp.NewClient(otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %q", protocol)
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("stagehttp"),
		semconv.ServiceVersion(versioninfo.Short()),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
